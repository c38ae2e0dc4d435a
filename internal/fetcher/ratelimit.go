package fetcher

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	headerRateLimitLimit     = "ratelimit-limit"
	headerRateLimitRemaining = "ratelimit-remaining"
	headerRateLimitReset     = "ratelimit-reset"

	lowRemainingWarn = 10
)

// RateLimit is the quota reported by the most recent API response.
// Nil fields mean the header was absent.
type RateLimit struct {
	Limit     *int `json:"limit"`
	Remaining *int `json:"remaining"`
	Reset     *int `json:"reset"`
}

// RateLimitTracker holds the last observed rate limit. Last write wins.
type RateLimitTracker struct {
	mu     sync.RWMutex
	state  RateLimit
	logger zerolog.Logger
}

// NewRateLimitTracker constructs an empty tracker.
func NewRateLimitTracker(logger zerolog.Logger) *RateLimitTracker {
	return &RateLimitTracker{logger: logger.With().Str("component", "rate_limit").Logger()}
}

// Observe overwrites the state from response headers. Responses without any
// rate-limit header leave the previous state in place.
func (t *RateLimitTracker) Observe(h http.Header) {
	if h == nil {
		return
	}
	if h.Get(headerRateLimitLimit) == "" && h.Get(headerRateLimitRemaining) == "" && h.Get(headerRateLimitReset) == "" {
		return
	}

	next := RateLimit{
		Limit:     headerInt(h, headerRateLimitLimit),
		Remaining: headerInt(h, headerRateLimitRemaining),
		Reset:     headerInt(h, headerRateLimitReset),
	}

	t.mu.Lock()
	t.state = next
	t.mu.Unlock()

	if next.Remaining != nil && *next.Remaining < lowRemainingWarn {
		t.logger.Warn().Int("remaining", *next.Remaining).Msg("API rate limit running low")
	}
}

// Current returns a copy of the last observed state.
func (t *RateLimitTracker) Current() RateLimit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.clone()
}

func (r RateLimit) clone() RateLimit {
	return RateLimit{Limit: copyInt(r.Limit), Remaining: copyInt(r.Remaining), Reset: copyInt(r.Reset)}
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func headerInt(h http.Header, key string) *int {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return nil
	}
	// some proxies append policy details, e.g. "50;w=300"
	if idx := strings.IndexByte(raw, ';'); idx >= 0 {
		raw = raw[:idx]
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}
