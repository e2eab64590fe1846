// Package notify fans structured task events out to an operator-configured
// webhook. It is a plain HTTP sink, not a messaging integration: no rooms,
// accounts, or credentials file, only a POST of one event's JSON body.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

// Sender delivers one TaskEvent to an external collaborator.
type Sender interface {
	Send(ctx context.Context, event planmodel.TaskEvent) error
}

// WebhookSender POSTs each event's JSON body to a single configured URL.
type WebhookSender struct {
	client *http.Client
	url    string
}

// NewWebhookSender constructs a sender for url. A nil client gets a
// conservative default timeout, matching the http.Client the teacher builds
// for its own outbound webhook calls.
func NewWebhookSender(client *http.Client, url string) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{client: client, url: strings.TrimSpace(url)}
}

// Send posts event as JSON. A non-2xx response is returned as an error; the
// caller (the engine's per-tick event fan-out) is expected to log and continue rather
// than let a notifier outage affect task state.
func (s *WebhookSender) Send(ctx context.Context, event planmodel.TaskEvent) error {
	if s.url == "" {
		return fmt.Errorf("notify: webhook url is not configured")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event %q: %w", event.EventID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send event %q: %w", event.EventID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify: webhook returned status %d (%s)", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return nil
}

// NoopSender discards every event; used when no webhook is configured.
type NoopSender struct{}

func (NoopSender) Send(ctx context.Context, event planmodel.TaskEvent) error { return nil }

// FromConfig picks WebhookSender or NoopSender based on whether a webhook
// URL is configured.
func FromConfig(webhookURL string) Sender {
	if strings.TrimSpace(webhookURL) == "" {
		return NoopSender{}
	}
	return NewWebhookSender(nil, webhookURL)
}
