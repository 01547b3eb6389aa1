package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSender POSTs alerts as JSON to an HTTP endpoint.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a webhook sender for url.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Alert
	TS string `json:"ts"`
}

func (w *WebhookSender) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{Alert: alert, TS: time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
