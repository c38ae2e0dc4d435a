package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"feedin-alerts/internal/config"
	"feedin-alerts/internal/version"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a secret is configured.
const SignatureHeader = "X-Feedin-Signature"

// WebhookPayload is the JSON body posted to the webhook.
type WebhookPayload struct {
	Type  string `json:"type"`
	Alert Alert  `json:"alert"`
	Text  string `json:"text"`
}

// WebhookChannel posts alerts as JSON to an arbitrary endpoint.
type WebhookChannel struct {
	url      string
	secret   []byte
	client   *http.Client
	settings SettingsProvider
	location *time.Location
	logger   zerolog.Logger
}

// NewWebhookChannel constructs the webhook channel.
func NewWebhookChannel(cfg config.WebhookConfig, timeout time.Duration, settings SettingsProvider, loc *time.Location, logger zerolog.Logger) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:      cfg.URL,
		secret:   []byte(cfg.Secret),
		client:   &http.Client{Timeout: timeout},
		settings: settings,
		location: loc,
		logger:   logger.With().Str("component", "alert_webhook").Logger(),
	}
}

func (w *WebhookChannel) Name() string { return config.ChannelWebhook }

func (w *WebhookChannel) Enabled() bool {
	return w.url != "" && w.settings.Load().HasChannel(config.ChannelWebhook)
}

func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(WebhookPayload{
		Type:  "feed-in-alert",
		Alert: alert,
		Text:  RenderText(alert, w.location),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	w.logger.Info().Str("alert_id", alert.ID).Int("status", resp.StatusCode).Msg("alert sent (webhook)")
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Channel = (*WebhookChannel)(nil)
