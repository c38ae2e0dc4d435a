package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://api.amber.com.au/v1"
	dateLayout     = "2006-01-02"
	maxErrorBody   = 4 << 10
)

// ErrNoActiveSite is returned when no site id is configured and the account has no active site.
var ErrNoActiveSite = errors.New("no active site found for account")

// APIError is a non-2xx response from the price API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("price api error (%d)", e.Status)
	}
	return fmt.Sprintf("price api error (%d): %s", e.Status, e.Body)
}

// Options parameterise the API client.
type Options struct {
	BaseURL   string
	APIKey    string
	SiteID    string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the upstream electricity price API.
type Client struct {
	opts      Options
	baseURL   string
	client    *http.Client
	rateLimit *RateLimitTracker
	logger    zerolog.Logger
}

// NewClient constructs an API client. The tracker is shared with readers of the rate-limit state.
func NewClient(opts Options, tracker *RateLimitTracker, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	if tracker == nil {
		tracker = NewRateLimitTracker(logger)
	}

	return &Client{
		opts:      opts,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: timeout},
		rateLimit: tracker,
		logger:    logger.With().Str("component", "price_client").Logger(),
	}
}

// RateLimit returns the tracker updated by every response.
func (c *Client) RateLimit() *RateLimitTracker {
	return c.rateLimit
}

// ListSites returns every site on the account.
func (c *Client) ListSites(ctx context.Context) ([]Site, error) {
	var sites []Site
	if err := c.get(ctx, "/sites", nil, &sites); err != nil {
		c.logFailure("failed to fetch sites", err)
		return nil, err
	}
	c.logger.Debug().Int("count", len(sites)).Msg("sites fetched")
	return sites, nil
}

// GetCurrentPrices returns the current interval plus the requested neighbours.
// An empty siteID resolves to the configured or first active site.
func (c *Client) GetCurrentPrices(ctx context.Context, siteID string, opts CurrentOptions) ([]Interval, error) {
	target, err := c.resolveSite(ctx, siteID)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if opts.Next > 0 {
		query.Set("next", strconv.Itoa(opts.Next))
	}
	if opts.Previous > 0 {
		query.Set("previous", strconv.Itoa(opts.Previous))
	}
	if opts.Resolution > 0 {
		query.Set("resolution", strconv.Itoa(int(opts.Resolution)))
	}

	var intervals []Interval
	if err := c.get(ctx, "/sites/"+url.PathEscape(target)+"/prices/current", query, &intervals); err != nil {
		c.logFailure("failed to fetch current prices", err)
		return nil, err
	}
	c.logger.Debug().Str("site_id", target).Int("count", len(intervals)).Msg("current prices fetched")
	return intervals, nil
}

// GetPrices returns intervals for a date range on an explicit site.
func (c *Client) GetPrices(ctx context.Context, siteID string, opts RangeOptions) ([]Interval, error) {
	if siteID == "" {
		return nil, errors.New("site id is required for price ranges")
	}

	var intervals []Interval
	if err := c.get(ctx, "/sites/"+url.PathEscape(siteID)+"/prices", rangeQuery(opts), &intervals); err != nil {
		c.logFailure("failed to fetch prices", err)
		return nil, err
	}
	c.logger.Debug().Str("site_id", siteID).Int("count", len(intervals)).Msg("prices fetched")
	return intervals, nil
}

// GetUsage returns metered usage for a date range. An empty siteID is resolved like GetCurrentPrices.
func (c *Client) GetUsage(ctx context.Context, siteID string, opts RangeOptions) ([]Usage, error) {
	target, err := c.resolveSite(ctx, siteID)
	if err != nil {
		return nil, err
	}

	var usage []Usage
	if err := c.get(ctx, "/sites/"+url.PathEscape(target)+"/usage", rangeQuery(opts), &usage); err != nil {
		c.logFailure("failed to fetch usage", err)
		return nil, err
	}
	c.logger.Debug().Str("site_id", target).Int("count", len(usage)).Msg("usage fetched")
	return usage, nil
}

// ResolveSite returns siteID, the configured site, or the first active site.
func (c *Client) ResolveSite(ctx context.Context, siteID string) (string, error) {
	return c.resolveSite(ctx, siteID)
}

func (c *Client) resolveSite(ctx context.Context, siteID string) (string, error) {
	if siteID != "" {
		return siteID, nil
	}
	if c.opts.SiteID != "" {
		return c.opts.SiteID, nil
	}

	sites, err := c.ListSites(ctx)
	if err != nil {
		return "", err
	}
	for _, site := range sites {
		if site.Status == SiteActive {
			c.logger.Debug().Str("site_id", site.ID).Str("nmi", site.NMI).Msg("using active site")
			return site.ID, nil
		}
	}
	return "", ErrNoActiveSite
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	c.rateLimit.Observe(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) logFailure(msg string, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.logger.Error().Int("status", apiErr.Status).Str("body", apiErr.Body).Msg(msg)
		return
	}
	c.logger.Error().Err(err).Msg(msg)
}

func rangeQuery(opts RangeOptions) url.Values {
	query := url.Values{}
	if !opts.StartDate.IsZero() {
		query.Set("startDate", opts.StartDate.Format(dateLayout))
	}
	if !opts.EndDate.IsZero() {
		query.Set("endDate", opts.EndDate.Format(dateLayout))
	}
	if opts.Resolution > 0 {
		query.Set("resolution", strconv.Itoa(int(opts.Resolution)))
	}
	return query
}
