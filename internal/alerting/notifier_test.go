package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feedin-alerts/internal/config"
	"feedin-alerts/internal/fetcher"
)

type stubChannel struct {
	name    string
	enabled bool
	err     error
	panics  bool
	calls   atomic.Int32
}

func (s *stubChannel) Name() string  { return s.name }
func (s *stubChannel) Enabled() bool { return s.enabled }

func (s *stubChannel) Send(context.Context, Alert) error {
	s.calls.Add(1)
	if s.panics {
		panic("boom")
	}
	return s.err
}

func testAlert() Alert {
	return newAlert(interval(fetcher.CurrentInterval, fetcher.ChannelFeedIn, 16), decimal.NewFromInt(15), time.Now())
}

func TestChannelNotifierIsolatesFailures(t *testing.T) {
	failing := &stubChannel{name: "failing", enabled: true, err: errors.New("unreachable")}
	ok := &stubChannel{name: "ok", enabled: true}
	notifier := NewChannelNotifier(testLogger(), failing, ok)

	report := notifier.Notify(context.Background(), testAlert())

	if ok.calls.Load() != 1 || failing.calls.Load() != 1 {
		t.Fatalf("each channel should be sent once, got ok=%d failing=%d", ok.calls.Load(), failing.calls.Load())
	}
	if len(report.Succeeded) != 1 || report.Succeeded[0] != "ok" {
		t.Fatalf("unexpected succeeded list: %v", report.Succeeded)
	}
	if _, found := report.Failed["failing"]; !found {
		t.Fatalf("failing channel should be reported: %v", report.Failed)
	}
	if report.Attempted() != 2 {
		t.Fatalf("expected 2 attempts, got %d", report.Attempted())
	}
}

func TestChannelNotifierRecoversPanics(t *testing.T) {
	panicky := &stubChannel{name: "panicky", enabled: true, panics: true}
	ok := &stubChannel{name: "ok", enabled: true}
	notifier := NewChannelNotifier(testLogger(), panicky, ok)

	report := notifier.Notify(context.Background(), testAlert())

	if ok.calls.Load() != 1 {
		t.Fatal("healthy channel should still be sent")
	}
	if len(report.Failed) != 1 || len(report.Succeeded) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestChannelNotifierSkipsDisabled(t *testing.T) {
	disabled := &stubChannel{name: "disabled"}
	notifier := NewChannelNotifier(testLogger(), disabled)

	report := notifier.Notify(context.Background(), testAlert())

	if disabled.calls.Load() != 0 || report.Attempted() != 0 {
		t.Fatalf("disabled channel should not be attempted: %+v", report)
	}
}

func TestChannelNotifierRunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	blocking := func(name string) Channel {
		return &funcChannel{name: name, send: func(context.Context, Alert) error {
			started.Add(1)
			<-release
			return nil
		}}
	}
	notifier := NewChannelNotifier(testLogger(), blocking("a"), blocking("b"))

	done := make(chan DeliveryReport)
	go func() { done <- notifier.Notify(context.Background(), testAlert()) }()

	deadline := time.Now().Add(time.Second)
	for started.Load() != 2 {
		if time.Now().After(deadline) {
			close(release)
			t.Fatalf("channels should send in parallel, only %d started", started.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	if report := <-done; len(report.Succeeded) != 2 {
		t.Fatalf("expected both channels to succeed: %+v", report)
	}
}

type funcChannel struct {
	name string
	send func(context.Context, Alert) error
}

func (f *funcChannel) Name() string                                { return f.name }
func (f *funcChannel) Enabled() bool                               { return true }
func (f *funcChannel) Send(ctx context.Context, alert Alert) error { return f.send(ctx, alert) }

func TestTelegramChannelSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	channel := NewTelegramChannel(config.TelegramConfig{BotToken: "token", ChatID: "chat", APIBase: srv.URL}, time.Second, newRuntime(15, config.ChannelTelegram), time.UTC, testLogger())
	if !channel.Enabled() {
		t.Fatal("telegram should be enabled")
	}
	if err := channel.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("telegram Send should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "16.00c/kWh") {
		t.Fatalf("text should carry the price: %q", received["text"])
	}
}

func TestTelegramChannelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	channel := NewTelegramChannel(config.TelegramConfig{BotToken: "token", ChatID: "chat", APIBase: srv.URL}, time.Second, newRuntime(15), time.UTC, testLogger())
	if channel.Enabled() {
		t.Fatal("telegram should follow the runtime channel list")
	}
	if err := channel.Send(context.Background(), testAlert()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestWebhookChannelSignsBody(t *testing.T) {
	var (
		body      []byte
		signature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	channel := NewWebhookChannel(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"}, time.Second, newRuntime(15, config.ChannelWebhook), time.UTC, testLogger())
	if !channel.Enabled() {
		t.Fatal("webhook should be enabled")
	}
	alert := testAlert()
	if err := channel.Send(context.Background(), alert); err != nil {
		t.Fatalf("webhook Send should succeed: %v", err)
	}

	if want := "sha256=" + Sign([]byte("s3cret"), body); signature != want {
		t.Fatalf("signature mismatch: got %q want %q", signature, want)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != "feed-in-alert" || payload.Alert.ID != alert.ID {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if !payload.Alert.Price.Equal(alert.Price) {
		t.Fatalf("price mismatch: %s vs %s", payload.Alert.Price, alert.Price)
	}
}

func TestWebhookChannelStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	channel := NewWebhookChannel(config.WebhookConfig{URL: srv.URL}, time.Second, newRuntime(15, config.ChannelWebhook), time.UTC, testLogger())
	err := channel.Send(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}

func TestDesktopChannelUsesRunner(t *testing.T) {
	var gotTitle, gotMessage string
	runner := func(title, message string) error {
		gotTitle, gotMessage = title, message
		return nil
	}

	channel := NewDesktopChannel(DesktopOptions{Runner: runner}, newRuntime(15, config.ChannelDesktop), time.UTC, testLogger())
	if !channel.Enabled() {
		t.Fatal("desktop should be enabled")
	}
	if err := channel.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("desktop Send should succeed: %v", err)
	}
	if !strings.Contains(gotTitle, "High Feed-In Price") {
		t.Fatalf("unexpected title: %q", gotTitle)
	}
	if !strings.Contains(gotMessage, "Great time to export solar power!") {
		t.Fatalf("unexpected message: %q", gotMessage)
	}
}

func TestDesktopChannelDefaultsToBeeep(t *testing.T) {
	var calls int
	var gotTitle, gotIcon string
	original := notify
	notify = func(title, message, icon string) error {
		calls++
		gotTitle, gotIcon = title, icon
		return nil
	}
	defer func() { notify = original }()

	channel := NewDesktopChannel(DesktopOptions{}, newRuntime(15, config.ChannelDesktop), time.UTC, testLogger())
	if err := channel.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("desktop Send should succeed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one beeep call, got %d", calls)
	}
	if !strings.Contains(gotTitle, "16.00c/kWh") || gotIcon != "" {
		t.Fatalf("unexpected beeep arguments: title=%q icon=%q", gotTitle, gotIcon)
	}

	notify = func(string, string, string) error { return errors.New("no notification daemon") }
	if err := channel.Send(context.Background(), testAlert()); err == nil || !strings.Contains(err.Error(), "desktop notification") {
		t.Fatalf("expected wrapped beeep error, got %v", err)
	}
}

func TestConsoleChannelLogsAlert(t *testing.T) {
	var buf strings.Builder
	logger := zerolog.New(&buf)
	channel := NewConsoleChannel(newRuntime(15, config.ChannelConsole), time.UTC, logger)

	if !channel.Enabled() {
		t.Fatal("console should be enabled")
	}
	if err := channel.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("console Send should succeed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"type":"FEED_IN_ALERT"`) || !strings.Contains(out, "Great time to export solar power!") {
		t.Fatalf("unexpected console output: %s", out)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
