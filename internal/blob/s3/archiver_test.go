package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

type memWriter struct {
	keys []string
	data map[string][]byte
}

func (w *memWriter) Write(_ context.Context, key string, data []byte, _ string) error {
	if w.data == nil {
		w.data = make(map[string][]byte)
	}
	w.keys = append(w.keys, key)
	w.data[key] = data
	return nil
}

type archiveOppStore struct {
	closed  []domain.Opportunity
	deleted []string
}

func (s *archiveOppStore) Insert(context.Context, domain.Opportunity) error { return nil }

func (s *archiveOppStore) UpdateState(context.Context, string, domain.OpportunityState, int) error {
	return nil
}

func (s *archiveOppStore) GetByID(context.Context, string) (domain.Opportunity, error) {
	return domain.Opportunity{}, domain.ErrNotFound
}

func (s *archiveOppStore) ListRecent(context.Context, int) ([]domain.Opportunity, error) {
	return nil, nil
}

func (s *archiveOppStore) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Opportunity, error) {
	var out []domain.Opportunity
	for _, o := range s.closed {
		if o.ExpiresAt.Before(cutoff) && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *archiveOppStore) DeleteByIDs(_ context.Context, ids []string) error {
	s.deleted = append(s.deleted, ids...)
	return nil
}

type archiveDistStore struct {
	recs    []domain.DistributionRecord
	deleted []string
}

func (s *archiveDistStore) Create(context.Context, domain.DistributionRecord) error { return nil }

func (s *archiveDistStore) Get(context.Context, string, string) (domain.DistributionRecord, error) {
	return domain.DistributionRecord{}, domain.ErrNotFound
}

func (s *archiveDistStore) UpdateStatus(context.Context, string, string, domain.DeliveryStatus, int, string) error {
	return nil
}

func (s *archiveDistStore) ListByOpportunity(context.Context, string) ([]domain.DistributionRecord, error) {
	return nil, nil
}

func (s *archiveDistStore) ListByOpportunityIDs(_ context.Context, ids []string) ([]domain.DistributionRecord, error) {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	var out []domain.DistributionRecord
	for _, rec := range s.recs {
		if idSet[rec.OpportunityID] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *archiveDistStore) DeleteByOpportunityIDs(_ context.Context, ids []string) error {
	s.deleted = append(s.deleted, ids...)
	return nil
}

func TestArchiveClosedUploadsAndPrunes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := domain.Opportunity{
		ID:        "old-1",
		Pair:      "BTC/USDT",
		State:     domain.OpportunityExpired,
		ExpiresAt: now.Add(-60 * 24 * time.Hour),
	}
	fresh := domain.Opportunity{
		ID:        "fresh-1",
		Pair:      "ETH/USDT",
		State:     domain.OpportunityFilled,
		ExpiresAt: now.Add(-time.Hour),
	}

	opps := &archiveOppStore{closed: []domain.Opportunity{old, fresh}}
	dist := &archiveDistStore{recs: []domain.DistributionRecord{
		{OpportunityID: "old-1", SubscriberID: "alice", Status: domain.DeliverySent},
	}}
	writer := &memWriter{}

	a := NewArchiver(
		ArchiverConfig{Retention: 30 * 24 * time.Hour, BatchSize: 100},
		writer, opps, dist, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	a.now = func() time.Time { return now }

	n, err := a.ArchiveClosed(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("archived = %d, want 1 (only the old opportunity)", n)
	}

	if len(writer.keys) != 1 {
		t.Fatalf("objects written = %d, want 1", len(writer.keys))
	}
	var line archiveLine
	dec := json.NewDecoder(bytes.NewReader(writer.data[writer.keys[0]]))
	if err := dec.Decode(&line); err != nil {
		t.Fatal(err)
	}
	if line.Opportunity.ID != "old-1" || len(line.Records) != 1 {
		t.Errorf("archive line = %+v", line)
	}

	if len(opps.deleted) != 1 || opps.deleted[0] != "old-1" {
		t.Errorf("pruned opportunities = %v, want [old-1]", opps.deleted)
	}
	if len(dist.deleted) != 1 || dist.deleted[0] != "old-1" {
		t.Errorf("pruned records = %v, want [old-1]", dist.deleted)
	}
}

func TestArchiveClosedNothingToDo(t *testing.T) {
	writer := &memWriter{}
	a := NewArchiver(
		ArchiverConfig{Retention: 30 * 24 * time.Hour},
		writer, &archiveOppStore{}, &archiveDistStore{}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	n, err := a.ArchiveClosed(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(writer.keys) != 0 {
		t.Errorf("archived = %d, objects = %d; want 0/0", n, len(writer.keys))
	}
}
