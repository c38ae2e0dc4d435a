package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"feedin-alerts/internal/fetcher"
	"feedin-alerts/internal/version"
)

const usageWindowHours = 24

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   version.Version,
		"timestamp": s.opts.Now().UTC(),
	})
}

func (s *Server) currentPrices(c *gin.Context) {
	snap, err := s.hub.GetSnapshot(c.Request.Context())
	if err != nil {
		s.writeError(c, err, "failed to fetch prices")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) currentUsage(c *gin.Context) {
	usage, updatedAt, err := s.loadUsage(c.Request.Context())
	if err != nil {
		s.writeError(c, err, "failed to fetch usage")
		return
	}
	c.JSON(http.StatusOK, gin.H{"hours": usageWindowHours, "usage": usage, "updatedAt": updatedAt.UTC()})
}

// loadUsage serves usage younger than UsageTTL from cache. On upstream
// failure a previously fetched result is returned instead of the error.
func (s *Server) loadUsage(ctx context.Context) ([]fetcher.Usage, time.Time, error) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	now := s.opts.Now()
	cached := s.cachedUsage
	if !cached.fetchedAt.IsZero() && now.Sub(cached.fetchedAt) < s.opts.UsageTTL {
		return cached.records, cached.fetchedAt, nil
	}

	usage, err := s.usage.GetUsage(ctx, s.opts.SiteID, fetcher.RangeOptions{
		StartDate:  now.Add(-usageWindowHours * time.Hour),
		EndDate:    now,
		Resolution: fetcher.Resolution30,
	})
	if err != nil {
		if !cached.fetchedAt.IsZero() {
			s.logger.Warn().Err(err).Time("cached_at", cached.fetchedAt).Msg("usage refresh failed; serving cached usage")
			return cached.records, cached.fetchedAt, nil
		}
		return nil, time.Time{}, err
	}
	if usage == nil {
		usage = []fetcher.Usage{}
	}
	s.cachedUsage = usageCache{records: usage, fetchedAt: now}
	return usage, now, nil
}

func (s *Server) getSettings(c *gin.Context) {
	settings := s.settings.Load()
	c.JSON(http.StatusOK, gin.H{
		"feedInThreshold":      settings.Threshold,
		"cooldown":             settings.Cooldown.String(),
		"notificationChannels": nonNil(settings.Channels),
		"checkInterval":        s.opts.Schedule,
		"timezone":             s.opts.Timezone,
	})
}

func (s *Server) writeError(c *gin.Context, err error, msg string) {
	status := http.StatusBadGateway
	var apiErr *fetcher.APIError
	switch {
	case errors.Is(err, fetcher.ErrNoActiveSite):
		status = http.StatusNotFound
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests:
		status = http.StatusTooManyRequests
	}
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	body := gin.H{"error": msg, "details": err.Error()}
	if s.opts.Limits != nil {
		body["rateLimit"] = s.opts.Limits.Current()
	}
	c.JSON(status, body)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
