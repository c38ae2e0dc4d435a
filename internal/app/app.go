package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"feedin-alerts/internal/alerting"
	"feedin-alerts/internal/config"
	"feedin-alerts/internal/distributor"
	"feedin-alerts/internal/fetcher"
	"feedin-alerts/internal/history"
	"feedin-alerts/internal/scheduler"
	"feedin-alerts/internal/server"
	"feedin-alerts/internal/service"
	"feedin-alerts/internal/storage"
	"feedin-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
	// Out receives command output. Defaults to stdout.
	Out io.Writer

	base zerolog.Logger
	// retryDelay is the backoff base for backfill requests; zero means 1s.
	retryDelay time.Duration
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
		base:   logger,
	}
}

func (a *App) newClient() *fetcher.Client {
	return fetcher.NewClient(fetcher.Options{
		BaseURL:   a.Config.Amber.BaseURL,
		APIKey:    a.Config.Amber.APIKey,
		SiteID:    a.Config.Amber.SiteID,
		Timeout:   a.Config.Amber.RequestTimeout,
		UserAgent: version.UserAgent(),
	}, fetcher.NewRateLimitTracker(a.base), a.base)
}

// newChannels builds every configured channel. Enablement is read from the
// runtime settings on each alert, so a reload can switch channels on or off.
func (a *App) newChannels(settings *config.Runtime) []alerting.Channel {
	loc := a.Config.Location()
	timeout := a.Config.Amber.RequestTimeout
	notif := a.Config.Notifications

	channels := []alerting.Channel{
		alerting.NewConsoleChannel(settings, loc, a.base),
		alerting.NewDesktopChannel(alerting.DesktopOptions{}, settings, loc, a.base),
	}
	if notif.Telegram.BotToken != "" && notif.Telegram.ChatID != "" {
		channels = append(channels, alerting.NewTelegramChannel(notif.Telegram, timeout, settings, loc, a.base))
	}
	if notif.Webhook.URL != "" {
		channels = append(channels, alerting.NewWebhookChannel(notif.Webhook, timeout, settings, loc, a.base))
	}
	return channels
}

// openPersister selects the history backend. The locker is only non-nil for postgres.
func (a *App) openPersister(ctx context.Context) (storage.HistoryPersister, storage.AdvisoryLocker, func(), error) {
	capacity := a.Config.History.Capacity
	switch a.Config.History.Backend {
	case config.BackendSQLite:
		store, err := storage.NewSQLiteStore(a.Config.SQLite.Path, capacity)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() {
			if err := store.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close sqlite store")
			}
		}, nil
	case config.BackendPostgres:
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		store := storage.NewPostgresStore(pool, capacity)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		return store, store, store.Close, nil
	default:
		return storage.NewFileStore(a.Config.History.Path, capacity), nil, func() {}, nil
	}
}

func (a *App) openHistory(ctx context.Context) (*history.Store, storage.AdvisoryLocker, func(), error) {
	persister, locker, closer, err := a.openPersister(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open history backend %q: %w", a.Config.History.Backend, err)
	}
	store := history.New(a.Config.History.Capacity, persister, a.base)
	store.Load(ctx)
	return store, locker, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, locker, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	client := a.newClient()
	runtime := config.NewRuntime(a.Config.Settings())

	detector := alerting.NewDetector(client, runtime, alerting.DetectorOptions{
		SiteID:    a.Config.Amber.SiteID,
		Lookahead: a.Config.Monitoring.Lookahead,
	}, a.base)
	channels := a.newChannels(runtime)
	built := make(map[string]bool, len(channels))
	for _, ch := range channels {
		built[ch.Name()] = true
	}
	notifier := alerting.NewChannelNotifier(a.base, channels...)
	monitor := service.New(detector, notifier, locker, a.Config.Monitoring.AdvisoryLockKey, a.base)

	sched, err := scheduler.New(a.Config.Schedule(), monitor.Tick, scheduler.Options{
		AlignToStart: a.Config.Monitoring.AlignToBucket,
	}, a.base)
	if err != nil {
		return err
	}

	dist := distributor.New(client, store, client.RateLimit(), distributor.Options{
		SiteID:       a.Config.Amber.SiteID,
		Interval:     a.Config.Distributor.Interval,
		StartupDelay: a.Config.Distributor.StartupDelay,
		Lookahead:    a.Config.Distributor.Lookahead,
		LiveWindow:   a.Config.History.LiveWindow,
	}, a.base)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn("distributor", dist.Run)
	if a.Config.Server.Enabled {
		srv := server.New(dist, client, runtime, server.Options{
			Listen:   a.Config.Server.Listen,
			SiteID:   a.Config.Amber.SiteID,
			Schedule: a.Config.Monitoring.CheckInterval,
			Timezone: a.Config.Monitoring.Timezone,
			Limits:   client.RateLimit(),
		}, a.base)
		spawn("server", srv.Run)
	}

	a.Logger.Info().
		Str("schedule", sched.Spec().String()).
		Str("threshold", runtime.Load().Threshold.String()).
		Strs("channels", runtime.Load().Channels).
		Msg("starting monitoring service")

	if err := sched.RunOnce(ctx); err != nil && !errors.Is(err, scheduler.ErrCycleInProgress) {
		a.Logger.Warn().Err(err).Msg("initial price check failed")
	}
	if err := sched.Start(ctx); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-hup:
			a.reload(runtime, built)
		case err := <-errCh:
			a.Logger.Error().Err(err).Msg("service terminated with error")
			runErr = err
			break loop
		}
	}

	sched.Stop()
	cancel()
	wg.Wait()

	if runErr == nil {
		a.Logger.Info().Msg("monitoring service stopped")
	}
	return runErr
}

// reload re-reads the config file and swaps the runtime settings. A failed
// reload keeps the previous settings. built names the channels constructed at
// startup; credentials are not re-read, so other channels stay inert.
func (a *App) reload(runtime *config.Runtime, built map[string]bool) {
	cfg, err := config.Load(a.ConfigPath)
	if err != nil {
		a.Logger.Error().Err(err).Msg("config reload failed; keeping previous settings")
		return
	}

	prev := runtime.Swap(cfg.Settings())
	next := runtime.Load()
	a.Logger.Info().
		Str("threshold", next.Threshold.String()).
		Str("previous_threshold", prev.Threshold.String()).
		Dur("cooldown", next.Cooldown).
		Strs("channels", next.Channels).
		Msg("settings reloaded")

	if missing := unbuiltChannels(next.Channels, built); len(missing) > 0 {
		a.Logger.Warn().
			Strs("channels", missing).
			Msg("reloaded channels were not configured at startup; restart to apply their credentials")
	}

	if cfg.Monitoring.CheckInterval != a.Config.Monitoring.CheckInterval || cfg.Distributor.Interval != a.Config.Distributor.Interval {
		a.Logger.Warn().
			Str("check_interval", cfg.Monitoring.CheckInterval).
			Dur("distributor_interval", cfg.Distributor.Interval).
			Msg("schedule changes take effect after restart")
	}
}

func unbuiltChannels(enabled []string, built map[string]bool) []string {
	var missing []string
	for _, name := range enabled {
		if !built[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// ExportOptions hold parameters for exporting history records.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
