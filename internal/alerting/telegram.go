package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"feedin-alerts/internal/config"
)

// TelegramChannel pushes alerts through the Telegram Bot API.
type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	settings SettingsProvider
	location *time.Location
	logger   zerolog.Logger
}

// NewTelegramChannel constructs the Telegram channel.
func NewTelegramChannel(cfg config.TelegramConfig, timeout time.Duration, settings SettingsProvider, loc *time.Location, logger zerolog.Logger) *TelegramChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := cfg.APIBase
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramChannel{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		settings: settings,
		location: loc,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (t *TelegramChannel) Name() string { return config.ChannelTelegram }

func (t *TelegramChannel) Enabled() bool {
	return t.settings.Load().HasChannel(config.ChannelTelegram)
}

// Send calls sendMessage with the rendered alert text.
func (t *TelegramChannel) Send(ctx context.Context, alert Alert) error {
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    alert.Title() + "\n\n" + RenderText(alert, t.location),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	t.logger.Info().Str("alert_id", alert.ID).Str("price", alert.Price.String()).Msg("alert sent (telegram)")
	return nil
}

var _ Channel = (*TelegramChannel)(nil)
