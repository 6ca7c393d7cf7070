package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Sender delivers a markdown message to a webhook URL.
type Sender interface {
	Send(ctx context.Context, url, content string) error
}

// WebhookSender posts Discord-style {"content": ...} payloads.
type WebhookSender struct {
	client  *http.Client
	limiter *rate.Limiter
}

// SenderOption configures a WebhookSender.
type SenderOption func(*WebhookSender)

// WithLimiter replaces the default pacing of one message per second with a
// burst of five.
func WithLimiter(l *rate.Limiter) SenderOption {
	return func(w *WebhookSender) {
		w.limiter = l
	}
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(opts ...SenderOption) *WebhookSender {
	w := &WebhookSender{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type webhookPayload struct {
	Content string `json:"content"`
}

// Send posts content to url. Any status outside 2xx is an error.
func (w *WebhookSender) Send(ctx context.Context, url, content string) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for webhook rate limit: %w", err)
	}

	body, err := json.Marshal(webhookPayload{Content: content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
