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

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token         string
	defaultChatID string
	baseURL       string
	client        *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token.
// defaultChatID receives messages that carry no recipient of their own.
func NewTelegramSender(token, defaultChatID string) *TelegramSender {
	return &TelegramSender{
		token:         token,
		defaultChatID: defaultChatID,
		baseURL:       "https://api.telegram.org",
		client:        &http.Client{Timeout: 10 * time.Second},
	}
}

// telegramError is the error envelope of the Bot API.
type telegramError struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send posts the message to the recipient chat using sendMessage. The title
// is rendered in bold. A 429 response is surfaced as *RateLimitError carrying
// the retry_after the API asked for.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	chatID := msg.ChatID
	if chatID == "" {
		chatID = t.defaultChatID
	}
	if chatID == "" {
		return fmt.Errorf("telegram: no chat ID for message %q", msg.Title)
	}

	text := fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body)
	payload := map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Channel: "telegram", RetryAfter: telegramRetryAfter(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// telegramRetryAfter extracts the requested wait from a 429 response,
// preferring the JSON parameters over the Retry-After header.
func telegramRetryAfter(resp *http.Response) time.Duration {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var te telegramError
	if err := json.Unmarshal(respBody, &te); err == nil && te.Parameters.RetryAfter > 0 {
		return time.Duration(te.Parameters.RetryAfter) * time.Second
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
