package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// ArchiverConfig controls what the archiver moves to cold storage.
type ArchiverConfig struct {
	// Retention is how long closed opportunities stay in the primary store.
	Retention time.Duration
	// BatchSize bounds one archival pass.
	BatchSize int
}

// Archiver moves cold, closed opportunities and their distribution records
// out of the primary store into JSONL objects. Records are deleted from
// Postgres only after the archive object is uploaded.
type Archiver struct {
	cfg    ArchiverConfig
	writer domain.BlobWriter
	opps   domain.OpportunityStore
	dist   domain.DistributionStore
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(cfg ArchiverConfig, writer domain.BlobWriter, opps domain.OpportunityStore, dist domain.DistributionStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	return &Archiver{
		cfg:    cfg,
		writer: writer,
		opps:   opps,
		dist:   dist,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// archiveLine is one JSONL line: an opportunity bundled with everything that
// happened to it.
type archiveLine struct {
	Opportunity domain.Opportunity          `json:"opportunity"`
	Records     []domain.DistributionRecord `json:"records,omitempty"`
}

// ArchiveClosed uploads one batch of closed opportunities older than the
// retention window and prunes them from the primary store. Returns the
// number archived.
func (a *Archiver) ArchiveClosed(ctx context.Context) (int, error) {
	now := a.now().UTC()
	cutoff := now.Add(-a.cfg.Retention)

	closed, err := a.opps.ListClosedBefore(ctx, cutoff, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list closed opportunities: %w", err)
	}
	if len(closed) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(closed))
	for _, o := range closed {
		ids = append(ids, o.ID)
	}

	records, err := a.dist.ListByOpportunityIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list distribution records: %w", err)
	}
	recsByOpp := make(map[string][]domain.DistributionRecord, len(closed))
	for _, rec := range records {
		recsByOpp[rec.OpportunityID] = append(recsByOpp[rec.OpportunityID], rec)
	}

	buf, err := marshalArchive(closed, recsByOpp)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal archive: %w", err)
	}

	key := archiveKey(now)
	if err := a.writer.Write(ctx, key, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: upload archive: %w", err)
	}

	// Prune only after the object is durably stored.
	if err := a.dist.DeleteByOpportunityIDs(ctx, ids); err != nil {
		return 0, fmt.Errorf("s3blob: prune distribution records: %w", err)
	}
	if err := a.opps.DeleteByIDs(ctx, ids); err != nil {
		return 0, fmt.Errorf("s3blob: prune opportunities: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.opportunities", map[string]any{
			"key":    key,
			"count":  len(closed),
			"cutoff": cutoff.Format(time.RFC3339),
		}); err != nil {
			a.logger.Warn("archive audit write failed", slog.String("error", err.Error()))
		}
	}

	a.logger.Info("archived closed opportunities",
		slog.Int("count", len(closed)),
		slog.String("key", key))
	return len(closed), nil
}

// Run archives on the given interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveClosed(ctx); err != nil {
				a.logger.Error("archival pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archiveKey builds the object key for an archival pass, partitioned by day
// with a timestamp so repeated passes never clobber each other.
func archiveKey(now time.Time) string {
	return fmt.Sprintf("archive/opportunities/%s/%s.jsonl",
		now.Format("2006-01-02"), now.Format("150405"))
}

// marshalArchive serialises the batch as newline-delimited JSON.
func marshalArchive(opps []domain.Opportunity, recs map[string][]domain.DistributionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, opp := range opps {
		line := archiveLine{Opportunity: opp, Records: recs[opp.ID]}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("jsonl encode line %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
