package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// RenderOpportunity builds the subscriber-facing message for an allocated
// opportunity: a Markdown body for chat channels plus the structured payload
// for webhooks.
func RenderOpportunity(opp domain.Opportunity, sub domain.Subscriber) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Pair: `%s`\n", opp.Pair)
	fmt.Fprintf(&b, "Long %s @ %s | Short %s @ %s\n",
		opp.LongExchange, formatRate(opp.LongRate),
		opp.ShortExchange, formatRate(opp.ShortRate))
	fmt.Fprintf(&b, "Spread: %s  Fees: %s  Net: %s\n",
		formatRate(opp.RateDifference), formatRate(opp.TotalFees), formatRate(opp.NetRateDifference))
	fmt.Fprintf(&b, "Score: %.2f\n", opp.PriorityScore)
	fmt.Fprintf(&b, "Expires: %s", opp.ExpiresAt.UTC().Format(time.RFC3339))

	return Message{
		ChatID: sub.ChatID,
		Title:  fmt.Sprintf("Funding arb: %s", opp.Pair),
		Body:   b.String(),
		Payload: map[string]any{
			"opportunity_id": opp.ID,
			"subscriber_id":  sub.ID,
			"pair":           string(opp.Pair),
			"long_exchange":  string(opp.LongExchange),
			"short_exchange": string(opp.ShortExchange),
			"long_rate":      opp.LongRate,
			"short_rate":     opp.ShortRate,
			"rate_diff":      opp.RateDifference,
			"total_fees":     opp.TotalFees,
			"net_rate_diff":  opp.NetRateDifference,
			"priority_score": opp.PriorityScore,
			"expires_at":     opp.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}
}

// formatRate renders a funding rate fraction as a percentage with enough
// precision for typical funding magnitudes.
func formatRate(r float64) string {
	return fmt.Sprintf("%.4f%%", r*100)
}
