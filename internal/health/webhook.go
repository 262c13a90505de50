package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Embed colors per severity.
var severityColors = map[Severity]int{
	SeverityInfo:     3447003,  // blue
	SeverityWarning:  15105570, // orange
	SeverityError:    15158332, // red
	SeverityCritical: 10038562, // dark red
}

type embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Timestamp   string  `json:"timestamp"`
	Fields      []Field `json:"fields"`
}

type webhookBody struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

// WebhookAlerter posts alerts to a chat-ops webhook as message embeds.
type WebhookAlerter struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

func NewWebhookAlerter(cfg WebhookConfig, logger *zap.Logger) *WebhookAlerter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAlerter{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) error {
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := a.Fields
	if fields == nil {
		fields = []Field{}
	}

	body, err := json.Marshal(webhookBody{
		Username: "herald",
		Embeds: []embed{{
			Title:       fmt.Sprintf("[%s] %s", a.Severity, a.Title),
			Description: a.Description,
			Color:       severityColors[a.Severity],
			Timestamp:   ts.UTC().Format(time.RFC3339),
			Fields:      fields,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	w.logger.Info("health alert delivered",
		zap.String("rule", a.Rule),
		zap.String("severity", string(a.Severity)),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
