package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// WebhookSender delivers notifications as JSON POSTs to a configured
// endpoint. The structured payload is sent as-is with the title and body
// alongside, so downstream systems can consume either form.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a WebhookSender for the given endpoint URL.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the message. A 429 response is surfaced as *RateLimitError with
// the Retry-After the endpoint asked for.
func (w *WebhookSender) Send(ctx context.Context, msg Message) error {
	envelope := map[string]any{
		"title": msg.Title,
		"body":  msg.Body,
	}
	if msg.ChatID != "" {
		envelope["recipient"] = msg.ChatID
	}
	for k, v := range msg.Payload {
		envelope[k] = v
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var retryAfter time.Duration
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{Channel: "webhook", RetryAfter: retryAfter}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Name returns the sender identifier.
func (w *WebhookSender) Name() string {
	return "webhook"
}
