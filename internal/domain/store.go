package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OpportunityStore persists detected opportunities for audit and history.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	UpdateState(ctx context.Context, id string, state OpportunityState, participants int) error
	GetByID(ctx context.Context, id string) (Opportunity, error)
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
	// ListClosedBefore returns closed opportunities whose TTL elapsed before
	// the cutoff; used by the archiver.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Opportunity, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

// DistributionStore persists distribution records. Create must fail with
// ErrAlreadyExists when a record for (OpportunityID, SubscriberID) already
// exists; the engine relies on that to keep delivery exactly-once.
type DistributionStore interface {
	Create(ctx context.Context, rec DistributionRecord) error
	Get(ctx context.Context, opportunityID, subscriberID string) (DistributionRecord, error)
	UpdateStatus(ctx context.Context, opportunityID, subscriberID string, status DeliveryStatus, attempts int, response string) error
	ListByOpportunity(ctx context.Context, opportunityID string) ([]DistributionRecord, error)
	ListByOpportunityIDs(ctx context.Context, ids []string) ([]DistributionRecord, error)
	DeleteByOpportunityIDs(ctx context.Context, ids []string) error
}

// SubscriberDirectory is the engine's interface to the externally owned
// subscriber profiles. The engine reads eligibility attributes and writes
// back exactly one field: the last-allocation timestamp.
type SubscriberDirectory interface {
	ListEligible(ctx context.Context, opp Opportunity) ([]Subscriber, error)
	RecordLastAllocation(ctx context.Context, subscriberID string, ts time.Time) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log. Writes are best-effort;
// callers log failures and continue.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// BlobWriter writes archive objects to blob storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}
