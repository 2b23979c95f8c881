// Package notify provides the notification channels (Telegram, generic
// webhook) used to deliver opportunity alerts to subscribers and operational
// alerts to operators.
package notify

import (
	"context"
	"fmt"
	"time"
)

// Message is one notification to deliver. ChatID addresses the recipient on
// channels that support per-recipient delivery; senders without that concept
// (webhooks) deliver to their configured endpoint. Payload carries the
// structured form for machine-readable channels.
type Message struct {
	ChatID  string
	Title   string
	Body    string
	Payload map[string]any
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// RateLimitError reports that the channel refused the send because of rate
// limiting. RetryAfter is the wait the channel asked for; zero when it did
// not say.
type RateLimitError struct {
	Channel    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Channel, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Channel)
}
