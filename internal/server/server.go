// Package server exposes snapshots, usage and settings over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"feedin-alerts/internal/config"
	"feedin-alerts/internal/distributor"
	"feedin-alerts/internal/fetcher"
)

const (
	maxHeaderBytes    = 1 << 20
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 5 * time.Second

	defaultUsageTTL = 5 * time.Minute
)

// SnapshotHub is the distributor surface used by the transport.
type SnapshotHub interface {
	Subscribe(sub distributor.Subscriber)
	Unsubscribe(id string)
	PushSnapshot(ctx context.Context, sub distributor.Subscriber) error
	GetSnapshot(ctx context.Context) (distributor.Snapshot, error)
}

// SettingsProvider yields the runtime settings snapshot.
type SettingsProvider interface {
	Load() config.Settings
}

// Options carry static data shown by the settings endpoint.
type Options struct {
	Listen   string
	SiteID   string
	Schedule string
	Timezone string
	// Limits, when set, is echoed in error bodies.
	Limits distributor.RateLimitReader
	// UsageTTL bounds how long fetched usage is served from cache. Defaults to 5m.
	UsageTTL time.Duration
	Now      func() time.Time
}

// Server wires the HTTP layer to the distributor and price client.
type Server struct {
	hub      SnapshotHub
	usage    fetcher.UsageSource
	settings SettingsProvider
	opts     Options
	logger   zerolog.Logger

	httpServer *http.Server

	usageMu     sync.Mutex
	cachedUsage usageCache

	subsMu  sync.Mutex
	subs    map[string]*wsSubscriber
	closing bool
}

type usageCache struct {
	records   []fetcher.Usage
	fetchedAt time.Time
}

// New constructs a Server.
func New(hub SnapshotHub, usage fetcher.UsageSource, settings SettingsProvider, opts Options, logger zerolog.Logger) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UsageTTL <= 0 {
		opts.UsageTTL = defaultUsageTTL
	}
	return &Server{
		hub:      hub,
		usage:    usage,
		settings: settings,
		opts:     opts,
		logger:   logger.With().Str("component", "server").Logger(),
		subs:     make(map[string]*wsSubscriber),
	}
}

// Routes builds the gin router.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	api := router.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/prices/current", s.currentPrices)
		api.GET("/usage/current", s.currentUsage)
		api.GET("/settings", s.getSettings)
	}
	router.GET("/ws", s.wsConnect)
	return router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Routes(),
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	// Shutdown does not track hijacked connections.
	s.closeSubscribers()
	if err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
