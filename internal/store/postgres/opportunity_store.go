package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunityColumns = `id, pair, long_exchange, short_exchange, long_rate, short_rate,
	rate_difference, long_fee, short_fee, total_fees, net_rate_difference,
	priority_score, detected_at, expires_at, strategy, max_participants,
	current_participants, state`

// Insert persists a newly detected opportunity.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	const query = `
		INSERT INTO opportunities (` + opportunityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := s.pool.Exec(ctx, query,
		opp.ID, string(opp.Pair), string(opp.LongExchange), string(opp.ShortExchange),
		opp.LongRate, opp.ShortRate, opp.RateDifference, opp.LongFee, opp.ShortFee,
		opp.TotalFees, opp.NetRateDifference, opp.PriorityScore,
		opp.DetectedAt, opp.ExpiresAt, string(opp.Strategy),
		opp.MaxParticipants, opp.CurrentParticipants, string(opp.State),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// UpdateState sets the state and participant count of an opportunity.
func (s *OpportunityStore) UpdateState(ctx context.Context, id string, state domain.OpportunityState, participants int) error {
	const query = `
		UPDATE opportunities
		SET state = $2, current_participants = $3
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(state), participants)
	if err != nil {
		return fmt.Errorf("postgres: update opportunity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns a single opportunity.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.Opportunity, error) {
	const query = `SELECT ` + opportunityColumns + ` FROM opportunities WHERE id = $1`
	opp, err := scanOpportunity(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Opportunity{}, domain.ErrNotFound
		}
		return domain.Opportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	return opp, nil
}

// ListRecent returns the most recently detected opportunities.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	const query = `
		SELECT ` + opportunityColumns + `
		FROM opportunities
		ORDER BY detected_at DESC
		LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	defer rows.Close()
	return collectOpportunities(rows)
}

// ListClosedBefore returns closed opportunities that expired before the
// cutoff, oldest first.
func (s *OpportunityStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Opportunity, error) {
	const query = `
		SELECT ` + opportunityColumns + `
		FROM opportunities
		WHERE state IN ('filled', 'expired') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed opportunities: %w", err)
	}
	defer rows.Close()
	return collectOpportunities(rows)
}

// DeleteByIDs removes the given opportunities; distribution records cascade.
func (s *OpportunityStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `DELETE FROM opportunities WHERE id = ANY($1)`
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("postgres: delete opportunities: %w", err)
	}
	return nil
}

func scanOpportunity(row pgx.Row) (domain.Opportunity, error) {
	var (
		o                     domain.Opportunity
		pair, longEx, shortEx string
		strategy, state       string
	)
	err := row.Scan(
		&o.ID, &pair, &longEx, &shortEx, &o.LongRate, &o.ShortRate,
		&o.RateDifference, &o.LongFee, &o.ShortFee, &o.TotalFees,
		&o.NetRateDifference, &o.PriorityScore, &o.DetectedAt, &o.ExpiresAt,
		&strategy, &o.MaxParticipants, &o.CurrentParticipants, &state,
	)
	if err != nil {
		return domain.Opportunity{}, err
	}
	o.Pair = domain.Pair(pair)
	o.LongExchange = domain.ExchangeID(longEx)
	o.ShortExchange = domain.ExchangeID(shortEx)
	o.Strategy = domain.DistributionStrategy(strategy)
	o.State = domain.OpportunityState(state)
	return o, nil
}

func collectOpportunities(rows pgx.Rows) ([]domain.Opportunity, error) {
	var out []domain.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: opportunity rows: %w", err)
	}
	return out, nil
}
