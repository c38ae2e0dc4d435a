package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"feedin-alerts/internal/logging"
	"feedin-alerts/internal/scheduler"
)

// Known notification channel names.
const (
	ChannelConsole  = "console"
	ChannelDesktop  = "desktop"
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
)

var knownChannels = map[string]bool{
	ChannelConsole:  true,
	ChannelDesktop:  true,
	ChannelTelegram: true,
	ChannelWebhook:  true,
}

// History backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Amber         AmberConfig         `mapstructure:"amber"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Distributor   DistributorConfig   `mapstructure:"distributor"`
	History       HistoryConfig       `mapstructure:"history"`
	Database      DatabaseConfig      `mapstructure:"database"`
	SQLite        SQLiteConfig        `mapstructure:"sqlite"`
	Server        ServerConfig        `mapstructure:"server"`

	schedule scheduler.Spec
	location *time.Location
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// AmberConfig covers price API access.
type AmberConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	SiteID         string        `mapstructure:"site_id"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// MonitoringConfig governs alert detection and its schedule.
type MonitoringConfig struct {
	FeedInThreshold float64       `mapstructure:"feed_in_threshold"`
	CheckInterval   string        `mapstructure:"check_interval"`
	Timezone        string        `mapstructure:"timezone"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	Lookahead       int           `mapstructure:"lookahead"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// NotificationsConfig lists enabled channels and their parameters.
type NotificationsConfig struct {
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig describes the generic webhook channel.
type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// DistributorConfig governs snapshot pushes to live subscribers.
type DistributorConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	Lookahead    int           `mapstructure:"lookahead"`
}

// HistoryConfig governs the rolling price history.
type HistoryConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	Capacity   int    `mapstructure:"capacity"`
	LiveWindow int    `mapstructure:"live_window"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SQLiteConfig locates the SQLite history database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the dashboard transport.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// legacy environment names kept for existing deployments.
var legacyEnv = map[string]string{
	"amber.api_key":                    "AMBER_API_KEY",
	"amber.site_id":                    "AMBER_SITE_ID",
	"amber.base_url":                   "AMBER_BASE_URL",
	"monitoring.feed_in_threshold":     "FEED_IN_THRESHOLD",
	"monitoring.check_interval":        "CHECK_INTERVAL",
	"monitoring.timezone":              "TIMEZONE",
	"notifications.channels":           "NOTIFICATION_CHANNELS",
	"logging.level":                    "LOG_LEVEL",
	"logging.pretty":                   "LOG_PRETTY",
	"notifications.telegram.bot_token": "TELEGRAM_BOT_TOKEN",
	"notifications.telegram.chat_id":   "TELEGRAM_CHAT_ID",
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := "FEEDIN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Notifications.Channels = normaliseChannels(cfg.Notifications.Channels)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "feedinwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("amber.api_key", "")
	v.SetDefault("amber.site_id", "")
	v.SetDefault("amber.base_url", "https://api.amber.com.au/v1")
	v.SetDefault("amber.request_timeout", "10s")

	v.SetDefault("monitoring.feed_in_threshold", 15.0)
	v.SetDefault("monitoring.check_interval", "*/5 * * * *")
	v.SetDefault("monitoring.timezone", "Australia/Sydney")
	v.SetDefault("monitoring.cooldown", "30m")
	v.SetDefault("monitoring.lookahead", 6)
	v.SetDefault("monitoring.align_to_bucket", false)
	v.SetDefault("monitoring.advisory_lock_key", int64(0))

	v.SetDefault("notifications.channels", []string{ChannelConsole, ChannelDesktop})
	v.SetDefault("notifications.telegram.bot_token", "")
	v.SetDefault("notifications.telegram.chat_id", "")
	v.SetDefault("notifications.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.webhook.secret", "")

	v.SetDefault("distributor.interval", "1m")
	v.SetDefault("distributor.startup_delay", "1s")
	v.SetDefault("distributor.lookahead", 48)

	v.SetDefault("history.backend", BackendFile)
	v.SetDefault("history.path", "./data/price-history.json")
	v.SetDefault("history.capacity", 2016)
	v.SetDefault("history.live_window", 288)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("sqlite.path", "./data/history.db")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", ":3000")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func normaliseChannels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, ch := range in {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// Validate performs sanity checks and resolves the schedule. Any error here is fatal at startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Amber.APIKey) == "" {
		return errors.New("amber.api_key is required (AMBER_API_KEY)")
	}
	if c.Monitoring.FeedInThreshold <= 0 {
		return errors.New("monitoring.feed_in_threshold must be greater than zero")
	}
	if c.Monitoring.Cooldown < 0 {
		return errors.New("monitoring.cooldown cannot be negative")
	}
	if c.Monitoring.Lookahead < 0 || c.Distributor.Lookahead < 0 {
		return errors.New("lookahead values cannot be negative")
	}
	for _, ch := range c.Notifications.Channels {
		if !knownChannels[ch] {
			return fmt.Errorf("notifications.channels: unknown channel %q", ch)
		}
	}
	if c.HasChannel(ChannelTelegram) {
		if c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == "" {
			return errors.New("notifications.telegram.bot_token and chat_id are required when telegram is enabled")
		}
	}
	if c.HasChannel(ChannelWebhook) && c.Notifications.Webhook.URL == "" {
		return errors.New("notifications.webhook.url is required when webhook is enabled")
	}
	if c.Distributor.Interval <= 0 {
		return errors.New("distributor.interval must be greater than zero")
	}
	if c.History.Capacity <= 0 {
		return errors.New("history.capacity must be greater than zero")
	}
	if c.History.LiveWindow <= 0 || c.History.LiveWindow > c.History.Capacity {
		return errors.New("history.live_window must be between 1 and history.capacity")
	}
	switch c.History.Backend {
	case BackendFile:
		if c.History.Path == "" {
			return errors.New("history.path is required for the file backend")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("history.backend: unknown backend %q", c.History.Backend)
	}

	loc, err := time.LoadLocation(c.Monitoring.Timezone)
	if err != nil {
		return fmt.Errorf("monitoring.timezone: %w", err)
	}
	c.location = loc

	spec, err := scheduler.ParseSpec(c.Monitoring.CheckInterval, c.Monitoring.Timezone)
	if err != nil {
		return fmt.Errorf("monitoring.check_interval: %w", err)
	}
	c.schedule = spec
	return nil
}

// Schedule returns the schedule resolved during validation.
func (c *Config) Schedule() scheduler.Spec {
	return c.schedule
}

// HasChannel reports whether a notification channel is enabled.
func (c *Config) HasChannel(name string) bool {
	for _, ch := range c.Notifications.Channels {
		if ch == name {
			return true
		}
	}
	return false
}

// Location returns the monitoring timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Settings extracts the runtime-mutable subset.
func (c *Config) Settings() Settings {
	channels := make([]string, len(c.Notifications.Channels))
	copy(channels, c.Notifications.Channels)
	return Settings{
		Threshold:     decimal.NewFromFloat(c.Monitoring.FeedInThreshold),
		Cooldown:      c.Monitoring.Cooldown,
		Channels:      channels,
		CheckInterval: c.Monitoring.CheckInterval,
	}
}
