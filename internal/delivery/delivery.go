// Package delivery provides the notification senders campaigns use.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// Logger "sends" notifications by logging them.
type Logger struct {
	logger *slog.Logger
}

// NewLogger returns a Logger writing to logger, or slog.Default when nil.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

// Deliver logs rec.
func (l *Logger) Deliver(ctx context.Context, rec *core.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.Info("sending notification",
		"to", rec.To, "subject", rec.Subject, "time", rec.Time, "content", rec.Content)
	return nil
}

// Webhook posts notifications as JSON to a submitDelivery endpoint, which
// may be another campaign server's /v1/deliveries.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook posting to url with a pooled client.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: cleanhttp.DefaultPooledClient()}
}

// SetHTTPClient replaces the HTTP client.
func (w *Webhook) SetHTTPClient(client *http.Client) {
	if client != nil {
		w.client = client
	}
}

// Deliver posts rec. 2xx is success, 503 and 409 mean the receiver's gate
// is closed, 4xx other than those is permanent, anything else retryable.
func (w *Webhook) Deliver(ctx context.Context, rec *core.NotificationRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return core.Permanent(fmt.Errorf("encode notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return core.Permanent(fmt.Errorf("build delivery request: %w", err))
	}
	req.Header.Set("Content-Type", core.MediaType)
	req.Header.Set("Accept", core.MediaType)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post delivery: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusConflict:
		return core.ErrGateClosed
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return core.Permanent(fmt.Errorf("delivery rejected with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg))))
	default:
		return fmt.Errorf("delivery failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
