package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedin-alerts/internal/config"
	"feedin-alerts/internal/distributor"
	"feedin-alerts/internal/fetcher"
)

type fakeHub struct {
	mu     sync.Mutex
	snap   distributor.Snapshot
	err    error
	subs   map[string]distributor.Subscriber
	pushed int
}

func newFakeHub() *fakeHub {
	price := decimal.NewFromInt(17)
	return &fakeHub{
		snap: distributor.Snapshot{
			Current:  &fetcher.Interval{Type: fetcher.CurrentInterval, ChannelType: fetcher.ChannelFeedIn, PerKwh: price},
			Forecast: []fetcher.Interval{},
		},
		subs: map[string]distributor.Subscriber{},
	}
}

func (f *fakeHub) Subscribe(sub distributor.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID()] = sub
}

func (f *fakeHub) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeHub) PushSnapshot(_ context.Context, sub distributor.Subscriber) error {
	f.mu.Lock()
	f.pushed++
	snap := f.snap
	f.mu.Unlock()
	return sub.Send(distributor.Message{Type: distributor.MessageType, Data: snap})
}

func (f *fakeHub) GetSnapshot(context.Context) (distributor.Snapshot, error) {
	return f.snap, f.err
}

type fakeUsage struct {
	mu    sync.Mutex
	opts  fetcher.RangeOptions
	err   error
	calls int
}

func (f *fakeUsage) GetUsage(_ context.Context, _ string, opts fetcher.RangeOptions) ([]fetcher.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return []fetcher.Usage{{ChannelType: fetcher.ChannelGeneral, Kwh: 1.5}}, nil
}

func (f *fakeUsage) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeUsage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLimits struct{ remaining int }

func (f fakeLimits) Current() fetcher.RateLimit {
	r := f.remaining
	return fetcher.RateLimit{Remaining: &r}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestServer(hub SnapshotHub, usage fetcher.UsageSource) (*Server, *httptest.Server) {
	return newTestServerWith(hub, usage, Options{})
}

func newTestServerWith(hub SnapshotHub, usage fetcher.UsageSource, opts Options) (*Server, *httptest.Server) {
	rt := config.NewRuntime(config.Settings{
		Threshold: decimal.NewFromInt(15),
		Cooldown:  30 * time.Minute,
		Channels:  []string{config.ChannelConsole},
	})
	opts.Schedule = "*/5 * * * *"
	opts.Timezone = "Australia/Sydney"
	srv := New(hub, usage, rt, opts, zerolog.Nop())
	return srv, httptest.NewServer(srv.Routes())
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestHealthAndSettings(t *testing.T) {
	_, ts := newTestServer(newFakeHub(), &fakeUsage{})
	defer ts.Close()

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/health", &health))
	assert.Equal(t, "ok", health["status"])

	var settings map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/settings", &settings))
	assert.Equal(t, "15", settings["feedInThreshold"])
	assert.Equal(t, "*/5 * * * *", settings["checkInterval"])
	assert.Equal(t, []any{"console"}, settings["notificationChannels"])
}

func TestCurrentPrices(t *testing.T) {
	_, ts := newTestServer(newFakeHub(), &fakeUsage{})
	defer ts.Close()

	var snap distributor.Snapshot
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/prices/current", &snap))
	require.NotNil(t, snap.Current)
	assert.True(t, snap.Current.PerKwh.Equal(decimal.NewFromInt(17)))
}

func TestCurrentPricesErrors(t *testing.T) {
	hub := newFakeHub()
	hub.err = fetcher.ErrNoActiveSite
	_, ts := newTestServer(hub, &fakeUsage{})
	defer ts.Close()

	var body map[string]any
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/prices/current", &body))

	hub.err = &fetcher.APIError{Status: http.StatusTooManyRequests}
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, ts.URL+"/api/prices/current", &body))
}

func TestCurrentUsageRequestsLastDay(t *testing.T) {
	usage := &fakeUsage{}
	_, ts := newTestServer(newFakeHub(), usage)
	defer ts.Close()

	var body struct {
		Hours int             `json:"hours"`
		Usage []fetcher.Usage `json:"usage"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/usage/current", &body))
	assert.Equal(t, 24, body.Hours)
	require.Len(t, body.Usage, 1)
	assert.Equal(t, fetcher.Resolution30, usage.opts.Resolution)
	assert.Equal(t, 24*time.Hour, usage.opts.EndDate.Sub(usage.opts.StartDate))
}

func TestWebSocketReceivesInitialSnapshot(t *testing.T) {
	hub := newFakeHub()
	_, ts := newTestServer(hub, &fakeUsage{})
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg distributor.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, distributor.MessageType, msg.Type)
	require.NotNil(t, msg.Data.Current)
	assert.True(t, msg.Data.Current.PerKwh.Equal(decimal.NewFromInt(17)))
	assert.Equal(t, 1, hub.count())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCurrentUsageServedFromCache(t *testing.T) {
	usage := &fakeUsage{}
	clk := &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	_, ts := newTestServerWith(newFakeHub(), usage, Options{UsageTTL: 5 * time.Minute, Now: clk.Now})
	defer ts.Close()

	var body map[string]any
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/usage/current", &body))
		clk.advance(time.Minute)
	}
	assert.Equal(t, 1, usage.count())

	clk.advance(5 * time.Minute)
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/usage/current", &body))
	assert.Equal(t, 2, usage.count())

	usage.fail(&fetcher.APIError{Status: http.StatusBadGateway})
	clk.advance(10 * time.Minute)
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/usage/current", &body), "stale usage beats an error")
	assert.Len(t, body["usage"], 1)
	assert.Equal(t, 3, usage.count())
}

func TestErrorBodyCarriesRateLimit(t *testing.T) {
	hub := newFakeHub()
	hub.err = &fetcher.APIError{Status: http.StatusTooManyRequests}
	_, ts := newTestServerWith(hub, &fakeUsage{}, Options{Limits: fakeLimits{remaining: 0}})
	defer ts.Close()

	var body struct {
		Error     string            `json:"error"`
		RateLimit fetcher.RateLimit `json:"rateLimit"`
	}
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, ts.URL+"/api/prices/current", &body))
	assert.NotEmpty(t, body.Error)
	require.NotNil(t, body.RateLimit.Remaining)
	assert.Equal(t, 0, *body.RateLimit.Remaining)
}

func TestCloseSubscribersEndsConnections(t *testing.T) {
	hub := newFakeHub()
	srv, ts := newTestServer(hub, &fakeUsage{})
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg distributor.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, 1, hub.count())

	srv.closeSubscribers()

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return hub.count() == 0 }, 2*time.Second, 10*time.Millisecond)

	srv.subsMu.Lock()
	tracked := len(srv.subs)
	srv.subsMu.Unlock()
	assert.Zero(t, tracked)
}
