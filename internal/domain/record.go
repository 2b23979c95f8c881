package domain

import "time"

// DeliveryStatus tracks a distribution record through notification dispatch.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DistributionRecord is the durable proof that an opportunity was offered to
// a subscriber. At most one record exists per (OpportunityID, SubscriberID);
// that uniqueness is what prevents duplicate delivery.
type DistributionRecord struct {
	OpportunityID string
	SubscriberID  string
	DistributedAt time.Time
	Status        DeliveryStatus
	Attempts      int
	ResponseAt    *time.Time
	Response      string
}

// DeliveryResult is the outcome of one dispatch unit of work.
type DeliveryResult struct {
	OpportunityID string
	SubscriberID  string
	Status        DeliveryStatus
	Attempts      int
	Err           error
}
