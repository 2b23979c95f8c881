package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// DistributionStore implements domain.DistributionStore using PostgreSQL.
// The (opportunity_id, subscriber_id) primary key is what guarantees at most
// one record per pairing across engine replicas.
type DistributionStore struct {
	pool *pgxpool.Pool
}

// NewDistributionStore creates a DistributionStore backed by the given pool.
func NewDistributionStore(pool *pgxpool.Pool) *DistributionStore {
	return &DistributionStore{pool: pool}
}

// Create inserts a new record. Returns domain.ErrAlreadyExists when a record
// for the same (opportunity, subscriber) pairing exists.
func (s *DistributionStore) Create(ctx context.Context, rec domain.DistributionRecord) error {
	const query = `
		INSERT INTO distribution_records
			(opportunity_id, subscriber_id, distributed_at, status, attempts, response_at, response)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, query,
		rec.OpportunityID, rec.SubscriberID, rec.DistributedAt,
		string(rec.Status), rec.Attempts, rec.ResponseAt, rec.Response,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create distribution record %s/%s: %w", rec.OpportunityID, rec.SubscriberID, err)
	}
	return nil
}

// Get returns a single record.
func (s *DistributionStore) Get(ctx context.Context, opportunityID, subscriberID string) (domain.DistributionRecord, error) {
	const query = `
		SELECT opportunity_id, subscriber_id, distributed_at, status, attempts, response_at, response
		FROM distribution_records
		WHERE opportunity_id = $1 AND subscriber_id = $2`
	rec, err := scanDistributionRecord(s.pool.QueryRow(ctx, query, opportunityID, subscriberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DistributionRecord{}, domain.ErrNotFound
		}
		return domain.DistributionRecord{}, fmt.Errorf("postgres: get distribution record %s/%s: %w", opportunityID, subscriberID, err)
	}
	return rec, nil
}

// UpdateStatus records the delivery outcome and stamps the response time.
func (s *DistributionStore) UpdateStatus(ctx context.Context, opportunityID, subscriberID string, status domain.DeliveryStatus, attempts int, response string) error {
	const query = `
		UPDATE distribution_records
		SET status = $3, attempts = $4, response = $5, response_at = NOW()
		WHERE opportunity_id = $1 AND subscriber_id = $2`
	tag, err := s.pool.Exec(ctx, query, opportunityID, subscriberID, string(status), attempts, response)
	if err != nil {
		return fmt.Errorf("postgres: update distribution record %s/%s: %w", opportunityID, subscriberID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByOpportunity returns all records for one opportunity.
func (s *DistributionStore) ListByOpportunity(ctx context.Context, opportunityID string) ([]domain.DistributionRecord, error) {
	const query = `
		SELECT opportunity_id, subscriber_id, distributed_at, status, attempts, response_at, response
		FROM distribution_records
		WHERE opportunity_id = $1
		ORDER BY distributed_at ASC`
	rows, err := s.pool.Query(ctx, query, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list distribution records: %w", err)
	}
	defer rows.Close()
	return collectDistributionRecords(rows)
}

// ListByOpportunityIDs returns all records for a batch of opportunities; used
// by the archiver to bundle records with their opportunities.
func (s *DistributionStore) ListByOpportunityIDs(ctx context.Context, ids []string) ([]domain.DistributionRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `
		SELECT opportunity_id, subscriber_id, distributed_at, status, attempts, response_at, response
		FROM distribution_records
		WHERE opportunity_id = ANY($1)
		ORDER BY opportunity_id, distributed_at ASC`
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: list distribution records by batch: %w", err)
	}
	defer rows.Close()
	return collectDistributionRecords(rows)
}

// DeleteByOpportunityIDs removes records for the given opportunities.
func (s *DistributionStore) DeleteByOpportunityIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `DELETE FROM distribution_records WHERE opportunity_id = ANY($1)`
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("postgres: delete distribution records: %w", err)
	}
	return nil
}

func scanDistributionRecord(row pgx.Row) (domain.DistributionRecord, error) {
	var (
		rec    domain.DistributionRecord
		status string
	)
	err := row.Scan(
		&rec.OpportunityID, &rec.SubscriberID, &rec.DistributedAt,
		&status, &rec.Attempts, &rec.ResponseAt, &rec.Response,
	)
	if err != nil {
		return domain.DistributionRecord{}, err
	}
	rec.Status = domain.DeliveryStatus(status)
	return rec, nil
}

func collectDistributionRecords(rows pgx.Rows) ([]domain.DistributionRecord, error) {
	var out []domain.DistributionRecord
	for rows.Next() {
		rec, err := scanDistributionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan distribution record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: distribution record rows: %w", err)
	}
	return out, nil
}
