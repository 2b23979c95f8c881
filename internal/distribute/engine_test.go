package distribute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// --- fakes -----------------------------------------------------------------

type fakeOppStore struct {
	mu     sync.Mutex
	opps   map[string]domain.Opportunity
	states map[string]domain.OpportunityState
}

func newFakeOppStore() *fakeOppStore {
	return &fakeOppStore{
		opps:   make(map[string]domain.Opportunity),
		states: make(map[string]domain.OpportunityState),
	}
}

func (s *fakeOppStore) Insert(_ context.Context, opp domain.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps[opp.ID] = opp
	s.states[opp.ID] = opp.State
	return nil
}

func (s *fakeOppStore) UpdateState(_ context.Context, id string, state domain.OpportunityState, participants int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.opps[id]
	o.State = state
	o.CurrentParticipants = participants
	s.opps[id] = o
	s.states[id] = state
	return nil
}

func (s *fakeOppStore) GetByID(_ context.Context, id string) (domain.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.opps[id]
	if !ok {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *fakeOppStore) ListRecent(context.Context, int) ([]domain.Opportunity, error) {
	return nil, nil
}

func (s *fakeOppStore) ListClosedBefore(context.Context, time.Time, int) ([]domain.Opportunity, error) {
	return nil, nil
}

func (s *fakeOppStore) DeleteByIDs(context.Context, []string) error { return nil }

type fakeDistStore struct {
	mu         sync.Mutex
	recs       map[string]domain.DistributionRecord // key opp|sub
	failCreate map[string]error                     // per-subscriber Create failures
}

func newFakeDistStore() *fakeDistStore {
	return &fakeDistStore{recs: make(map[string]domain.DistributionRecord)}
}

func distKey(oppID, subID string) string { return oppID + "|" + subID }

func (s *fakeDistStore) Create(_ context.Context, rec domain.DistributionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCreate[rec.SubscriberID]; err != nil {
		return err
	}
	key := distKey(rec.OpportunityID, rec.SubscriberID)
	if _, exists := s.recs[key]; exists {
		return domain.ErrAlreadyExists
	}
	s.recs[key] = rec
	return nil
}

func (s *fakeDistStore) Get(_ context.Context, oppID, subID string) (domain.DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[distKey(oppID, subID)]
	if !ok {
		return domain.DistributionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *fakeDistStore) UpdateStatus(_ context.Context, oppID, subID string, status domain.DeliveryStatus, attempts int, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recs[distKey(oppID, subID)]
	rec.Status = status
	rec.Attempts = attempts
	rec.Response = response
	s.recs[distKey(oppID, subID)] = rec
	return nil
}

func (s *fakeDistStore) ListByOpportunity(_ context.Context, oppID string) ([]domain.DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DistributionRecord
	for _, rec := range s.recs {
		if rec.OpportunityID == oppID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeDistStore) ListByOpportunityIDs(context.Context, []string) ([]domain.DistributionRecord, error) {
	return nil, nil
}

func (s *fakeDistStore) DeleteByOpportunityIDs(context.Context, []string) error { return nil }

func (s *fakeDistStore) count(oppID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.recs {
		if rec.OpportunityID == oppID {
			n++
		}
	}
	return n
}

type fakeDirectory struct {
	mu        sync.Mutex
	subs      []domain.Subscriber
	lastAlloc map[string]time.Time
}

func (d *fakeDirectory) ListEligible(_ context.Context, _ domain.Opportunity) ([]domain.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Subscriber, len(d.subs))
	copy(out, d.subs)
	return out, nil
}

func (d *fakeDirectory) RecordLastAllocation(_ context.Context, id string, ts time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastAlloc == nil {
		d.lastAlloc = make(map[string]time.Time)
	}
	d.lastAlloc[id] = ts
	return nil
}

// fakeLocks serializes Acquire per key with a real mutex so concurrency tests
// exercise the same exclusion a Redis lock provides.
type fakeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock, nil
}

type fakeFairness struct {
	mu      sync.Mutex
	taken   map[string]int
	cooling map[string]bool
}

func newFakeFairness() *fakeFairness {
	return &fakeFairness{taken: make(map[string]int), cooling: make(map[string]bool)}
}

func (f *fakeFairness) TakenToday(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taken[id], nil
}

func (f *fakeFairness) MarkAllocated(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taken[id]++
	return nil
}

func (f *fakeFairness) InCooldown(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cooling[id], nil
}

// --- helpers ---------------------------------------------------------------

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine   *Engine
	opps     *fakeOppStore
	dist     *fakeDistStore
	dir      *fakeDirectory
	fairness *fakeFairness
}

func newFixture(cfg Config, subs []domain.Subscriber) *engineFixture {
	f := &engineFixture{
		opps:     newFakeOppStore(),
		dist:     newFakeDistStore(),
		dir:      &fakeDirectory{subs: subs},
		fairness: newFakeFairness(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = NewEngine(cfg, f.opps, f.dist, f.dir, newFakeLocks(), f.fairness, nil, logger)
	f.engine.now = func() time.Time { return testTime }
	return f
}

func defaultEngineConfig() Config {
	return Config{
		MaxQueueSize:     50,
		Cooldown:         5 * time.Minute,
		MaxPerUserPerDay: 20,
		TierMultipliers: map[string]float64{
			"free": 1.0, "basic": 1.5, "premium": 2.0, "enterprise": 3.0,
		},
	}
}

func makeOpp(id string, strategy domain.DistributionStrategy, maxParticipants int) *domain.Opportunity {
	return &domain.Opportunity{
		ID:                id,
		Pair:              "BTC/USDT",
		LongExchange:      domain.ExchangeBybit,
		ShortExchange:     domain.ExchangeBinance,
		LongRate:          0.0003,
		ShortRate:         0.0010,
		RateDifference:    0.0007,
		NetRateDifference: 0.0007,
		PriorityScore:     0.7,
		DetectedAt:        testTime,
		ExpiresAt:         testTime.Add(10 * time.Minute),
		Strategy:          strategy,
		MaxParticipants:   maxParticipants,
		State:             domain.OpportunityOpen,
	}
}

func makeSub(id string, tier domain.SubscriptionTier) domain.Subscriber {
	return domain.Subscriber{
		ID:     id,
		Tier:   tier,
		Focus:  domain.FocusArbitrage,
		Active: true,
		ChatID: "chat-" + id,
	}
}

// --- tests -----------------------------------------------------------------

func TestSubmitDeduplicatesOpenEntries(t *testing.T) {
	f := newFixture(defaultEngineConfig(), nil)
	ctx := context.Background()

	ok, err := f.engine.Submit(ctx, makeOpp("opp-1", domain.StrategyBroadcast, 0))
	if err != nil || !ok {
		t.Fatalf("first submit: ok=%v err=%v", ok, err)
	}

	// Same pair and legs while opp-1 is still open.
	ok, err = f.engine.Submit(ctx, makeOpp("opp-2", domain.StrategyBroadcast, 0))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if ok {
		t.Error("duplicate open opportunity should be dropped")
	}
	if len(f.engine.Snapshot()) != 1 {
		t.Errorf("queue size = %d, want 1", len(f.engine.Snapshot()))
	}
}

func TestSubmitTruncatesLowestPriority(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.MaxQueueSize = 2
	f := newFixture(cfg, nil)
	ctx := context.Background()

	for i, score := range []float64{0.9, 0.5, 0.7} {
		opp := makeOpp(fmt.Sprintf("opp-%d", i), domain.StrategyBroadcast, 0)
		opp.Pair = domain.Pair(fmt.Sprintf("P%d/USDT", i)) // distinct, no dedup
		opp.PriorityScore = score
		if _, err := f.engine.Submit(ctx, opp); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	snap := f.engine.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("queue size = %d, want 2", len(snap))
	}
	if snap[0].PriorityScore != 0.9 || snap[1].PriorityScore != 0.7 {
		t.Errorf("kept scores %v/%v, want 0.9/0.7", snap[0].PriorityScore, snap[1].PriorityScore)
	}
	if f.opps.states["opp-1"] != domain.OpportunityExpired {
		t.Errorf("evicted opportunity state = %s, want expired", f.opps.states["opp-1"])
	}
}

func TestAllocateBroadcastReachesEveryone(t *testing.T) {
	subs := []domain.Subscriber{
		makeSub("alice", domain.TierFree),
		makeSub("bob", domain.TierPremium),
		makeSub("carol", domain.TierEnterprise),
	}
	f := newFixture(defaultEngineConfig(), subs)
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyBroadcast, domain.UnlimitedParticipants)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	allocs, err := f.engine.Allocate(ctx, "opp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 3 {
		t.Fatalf("allocations = %d, want 3", len(allocs))
	}
	if f.dist.count("opp-1") != 3 {
		t.Errorf("records = %d, want 3", f.dist.count("opp-1"))
	}
}

func TestAllocateFirstComeLimitedHonorsCap(t *testing.T) {
	subs := make([]domain.Subscriber, 0, 5)
	for i := 0; i < 5; i++ {
		subs = append(subs, makeSub(fmt.Sprintf("sub-%d", i), domain.TierFree))
	}
	f := newFixture(defaultEngineConfig(), subs)
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyFirstComeLimited, 2)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	allocs, err := f.engine.Allocate(ctx, "opp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 2 {
		t.Fatalf("allocations = %d, want 2 of 5", len(allocs))
	}
	// Arrival order: the first two candidates win.
	if allocs[0].Subscriber.ID != "sub-0" || allocs[1].Subscriber.ID != "sub-1" {
		t.Errorf("winners = %s, %s; want sub-0, sub-1", allocs[0].Subscriber.ID, allocs[1].Subscriber.ID)
	}
	if f.opps.states["opp-1"] != domain.OpportunityFilled {
		t.Errorf("state = %s, want filled", f.opps.states["opp-1"])
	}
}

func TestAllocatePriorityRankedOrdering(t *testing.T) {
	older := testTime.Add(-2 * time.Hour)
	newer := testTime.Add(-10 * time.Minute)

	subs := []domain.Subscriber{
		func() domain.Subscriber {
			s := makeSub("free-1", domain.TierFree)
			return s
		}(),
		func() domain.Subscriber {
			s := makeSub("ent-recent", domain.TierEnterprise)
			s.LastAllocatedAt = newer
			return s
		}(),
		func() domain.Subscriber {
			s := makeSub("ent-stale", domain.TierEnterprise)
			s.LastAllocatedAt = older
			return s
		}(),
		makeSub("premium-1", domain.TierPremium),
	}
	f := newFixture(defaultEngineConfig(), subs)
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyPriorityRanked, 3)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	allocs, err := f.engine.Allocate(ctx, "opp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 3 {
		t.Fatalf("allocations = %d, want 3", len(allocs))
	}

	// Enterprise first (least recently served breaking the tie), then
	// premium; the free subscriber misses the last slot.
	want := []string{"ent-stale", "ent-recent", "premium-1"}
	for i, w := range want {
		if allocs[i].Subscriber.ID != w {
			t.Errorf("winner[%d] = %s, want %s", i, allocs[i].Subscriber.ID, w)
		}
	}
}

func TestAllocatePriorityRankedActivityBoost(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.ActivityBoost = 1.2
	cfg.ActivityWindow = time.Hour

	subs := []domain.Subscriber{
		func() domain.Subscriber {
			// Served long ago but idle: loses to the active subscriber.
			s := makeSub("basic-idle", domain.TierBasic)
			s.LastAllocatedAt = testTime.Add(-3 * time.Hour)
			s.LastActiveAt = testTime.Add(-2 * time.Hour)
			return s
		}(),
		func() domain.Subscriber {
			s := makeSub("basic-active", domain.TierBasic)
			s.LastAllocatedAt = testTime.Add(-10 * time.Minute)
			s.LastActiveAt = testTime.Add(-5 * time.Minute)
			return s
		}(),
		func() domain.Subscriber {
			// The boost never lifts a lower tier over a higher one.
			s := makeSub("premium-idle", domain.TierPremium)
			s.LastActiveAt = testTime.Add(-2 * time.Hour)
			return s
		}(),
	}
	f := newFixture(cfg, subs)
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyPriorityRanked, 2)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	allocs, err := f.engine.Allocate(ctx, "opp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 2 {
		t.Fatalf("allocations = %d, want 2", len(allocs))
	}
	want := []string{"premium-idle", "basic-active"}
	for i, w := range want {
		if allocs[i].Subscriber.ID != w {
			t.Errorf("winner[%d] = %s, want %s", i, allocs[i].Subscriber.ID, w)
		}
	}
}

func TestAllocateSkipsCoolingAndCappedSubscribers(t *testing.T) {
	subs := []domain.Subscriber{
		makeSub("cooling", domain.TierFree),
		makeSub("capped", domain.TierFree),
		makeSub("fresh", domain.TierFree),
	}
	f := newFixture(defaultEngineConfig(), subs)
	f.fairness.cooling["cooling"] = true
	f.fairness.taken["capped"] = 20 // at the free-tier daily cap
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyBroadcast, 0)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	allocs, err := f.engine.Allocate(ctx, "opp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 1 || allocs[0].Subscriber.ID != "fresh" {
		t.Fatalf("allocations = %+v, want only fresh", allocs)
	}
}

func TestAllocateTierMultiplierRaisesDailyCap(t *testing.T) {
	subs := []domain.Subscriber{
		makeSub("premium", domain.TierPremium),
	}
	f := newFixture(defaultEngineConfig(), subs)
	// 25 taken: above the base cap of 20 but below premium's 40.
	f.fairness.taken["premium"] = 25
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyBroadcast, 0)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	allocs, err := f.engine.Allocate(ctx, "opp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 1 {
		t.Fatalf("allocations = %d, want 1 (premium cap is 40)", len(allocs))
	}
}

func TestAllocateIsIdempotentPerSubscriber(t *testing.T) {
	subs := []domain.Subscriber{makeSub("alice", domain.TierFree)}
	f := newFixture(defaultEngineConfig(), subs)
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyBroadcast, 0)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	first, err := f.engine.Allocate(ctx, "opp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first pass allocations = %d, want 1", len(first))
	}

	second, err := f.engine.Allocate(ctx, "opp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second pass allocations = %d, want 0 (record exists)", len(second))
	}
	if f.dist.count("opp-1") != 1 {
		t.Errorf("records = %d, want exactly 1", f.dist.count("opp-1"))
	}
}

func TestAllocateExpiredOpportunity(t *testing.T) {
	f := newFixture(defaultEngineConfig(), []domain.Subscriber{makeSub("alice", domain.TierFree)})
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyBroadcast, 0)
	opp.ExpiresAt = testTime.Add(-time.Second)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Allocate(ctx, "opp-1"); !errors.Is(err, domain.ErrOpportunityExpired) {
		t.Fatalf("err = %v, want ErrOpportunityExpired", err)
	}

	// The failed attempt retires the entry; no separate sweep is needed.
	if _, ok := f.engine.Get("opp-1"); ok {
		t.Error("expired opportunity should be removed from the queue")
	}
	if f.opps.states["opp-1"] != domain.OpportunityExpired {
		t.Errorf("stored state = %s, want expired", f.opps.states["opp-1"])
	}
}

func TestAllocateIsolatesSubscriberWriteFailures(t *testing.T) {
	subs := []domain.Subscriber{
		makeSub("alice", domain.TierFree),
		makeSub("bob", domain.TierFree),
		makeSub("carol", domain.TierFree),
	}
	f := newFixture(defaultEngineConfig(), subs)
	f.dist.failCreate = map[string]error{"bob": errors.New("connection reset")}
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyBroadcast, 0)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	allocs, err := f.engine.Allocate(ctx, "opp-1")
	if err != nil {
		t.Fatalf("one bad subscriber must not fail the batch: %v", err)
	}
	if len(allocs) != 2 {
		t.Fatalf("allocations = %d, want 2 (bob skipped)", len(allocs))
	}
	got := map[string]bool{}
	for _, a := range allocs {
		got[a.Subscriber.ID] = true
	}
	if !got["alice"] || !got["carol"] || got["bob"] {
		t.Errorf("winners = %v, want alice and carol only", got)
	}
	if _, err := f.dist.Get(ctx, "opp-1", "bob"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("bob should have no record, got err %v", err)
	}
}

func TestAllocateConcurrentNeverOversubscribes(t *testing.T) {
	subs := make([]domain.Subscriber, 0, 20)
	for i := 0; i < 20; i++ {
		subs = append(subs, makeSub(fmt.Sprintf("sub-%02d", i), domain.TierFree))
	}
	f := newFixture(defaultEngineConfig(), subs)
	ctx := context.Background()

	opp := makeOpp("opp-1", domain.StrategyFirstComeLimited, 5)
	if _, err := f.engine.Submit(ctx, opp); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allocs, err := f.engine.Allocate(ctx, "opp-1")
			if err != nil && err != domain.ErrOpportunityFull {
				t.Errorf("allocate: %v", err)
				return
			}
			mu.Lock()
			total += len(allocs)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 5 {
		t.Errorf("total allocations across racers = %d, want exactly 5", total)
	}
	if f.dist.count("opp-1") != 5 {
		t.Errorf("records = %d, want 5", f.dist.count("opp-1"))
	}

	got, _ := f.engine.Get("opp-1")
	if got.CurrentParticipants != 5 {
		t.Errorf("participants = %d, want 5", got.CurrentParticipants)
	}
}

func TestSweepExpiredRemovesAndMarks(t *testing.T) {
	f := newFixture(defaultEngineConfig(), nil)
	ctx := context.Background()

	live := makeOpp("live", domain.StrategyBroadcast, 0)
	stale := makeOpp("stale", domain.StrategyBroadcast, 0)
	stale.Pair = "ETH/USDT"
	stale.ExpiresAt = testTime.Add(-time.Minute)

	if _, err := f.engine.Submit(ctx, live); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Submit(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if n := f.engine.SweepExpired(ctx); n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if _, ok := f.engine.Get("stale"); ok {
		t.Error("stale opportunity should have left the queue")
	}
	if _, ok := f.engine.Get("live"); !ok {
		t.Error("live opportunity should remain queued")
	}
	if f.opps.states["stale"] != domain.OpportunityExpired {
		t.Errorf("stale state = %s, want expired", f.opps.states["stale"])
	}
}
