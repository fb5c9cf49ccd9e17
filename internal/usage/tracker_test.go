package usage

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/talon/internal/cache"
	"github.com/opensource-finance/talon/internal/domain"
)

// fakeRepo is an in-memory ledger that counts reads so cache behavior is
// observable. Rule catalog methods are unused by the tracker.
type fakeRepo struct {
	usage    map[string]float64
	getCalls int
	failAll  bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{usage: make(map[string]float64)}
}

func (r *fakeRepo) ledgerKey(tenantID string, key domain.UsageKey) string {
	return tenantID + "|" + key.CacheKey()
}

func (r *fakeRepo) AddUsageDelta(_ context.Context, tenantID string, key domain.UsageKey, delta float64) (float64, error) {
	if r.failAll {
		return 0, errors.New("ledger unavailable")
	}
	k := r.ledgerKey(tenantID, key)
	r.usage[k] = math.Max(0, r.usage[k]+delta)
	return r.usage[k], nil
}

func (r *fakeRepo) GetUsage(_ context.Context, tenantID string, key domain.UsageKey) (float64, error) {
	if r.failAll {
		return 0, errors.New("ledger unavailable")
	}
	r.getCalls++
	return r.usage[r.ledgerKey(tenantID, key)], nil
}

func (r *fakeRepo) SaveRule(context.Context, string, *domain.RewardRule) error { return nil }
func (r *fakeRepo) GetRule(context.Context, string, string) (*domain.RewardRule, error) {
	return nil, errors.New("not implemented")
}
func (r *fakeRepo) ListRules(context.Context, string) ([]*domain.RewardRule, error) {
	return nil, nil
}
func (r *fakeRepo) ListRulesForCardType(context.Context, string, string) ([]*domain.RewardRule, error) {
	return nil, nil
}
func (r *fakeRepo) DeleteRule(context.Context, string, string) error { return nil }
func (r *fakeRepo) Ping(context.Context) error                       { return nil }
func (r *fakeRepo) Close() error                                     { return nil }

func testKey(trackingID string) domain.UsageKey {
	return domain.UsageKey{
		UserID:     "user-001",
		TrackingID: trackingID,
		CardID:     "card-001",
		Period:     domain.PeriodKey{Type: domain.PeriodCalendar, Year: 2026, Month: 8},
	}
}

func TestTrackerGetUsedDefaultsToZero(t *testing.T) {
	tracker := NewTracker(newFakeRepo(), cache.NewLRUCache(100), nil)

	used, err := tracker.GetUsed(context.Background(), "tenant-001", testKey("rule-a:bonus_points"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != 0 {
		t.Errorf("expected 0 usage for untracked bucket, got %v", used)
	}
}

func TestTrackerRequiresTenantID(t *testing.T) {
	tracker := NewTracker(newFakeRepo(), cache.NewLRUCache(100), nil)
	key := testKey("rule-a:bonus_points")

	if _, err := tracker.GetUsed(context.Background(), "", key); err == nil {
		t.Error("expected error for empty tenant on read")
	}
	if _, err := tracker.Track(context.Background(), "", key, 10); err == nil {
		t.Error("expected error for empty tenant on track")
	}
}

func TestTrackerTrackAndDecrementRoundTrip(t *testing.T) {
	tracker := NewTracker(newFakeRepo(), cache.NewLRUCache(100), nil)
	ctx := context.Background()
	key := testKey("rule-a:bonus_points")

	before, _ := tracker.GetUsed(ctx, "tenant-001", key)

	if _, err := tracker.Track(ctx, "tenant-001", key, 120); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if _, err := tracker.Decrement(ctx, "tenant-001", key, 120); err != nil {
		t.Fatalf("decrement failed: %v", err)
	}

	after, _ := tracker.GetUsed(ctx, "tenant-001", key)
	if after != before {
		t.Errorf("expected round-trip to restore usage %v, got %v", before, after)
	}
}

func TestTrackerDecrementRejectsNegativeDelta(t *testing.T) {
	tracker := NewTracker(newFakeRepo(), cache.NewLRUCache(100), nil)

	_, err := tracker.Decrement(context.Background(), "tenant-001", testKey("rule-a:bonus_points"), -50)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestTrackerRejectsNonFiniteDelta(t *testing.T) {
	tracker := NewTracker(newFakeRepo(), cache.NewLRUCache(100), nil)
	key := testKey("rule-a:bonus_points")

	for _, delta := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := tracker.Track(context.Background(), "tenant-001", key, delta); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("delta %v: expected validation error, got %v", delta, err)
		}
	}
}

func TestTrackerCachesReads(t *testing.T) {
	repo := newFakeRepo()
	tracker := NewTracker(repo, cache.NewLRUCache(100), nil)
	ctx := context.Background()
	key := testKey("rule-a:bonus_points")

	tracker.GetUsed(ctx, "tenant-001", key)
	tracker.GetUsed(ctx, "tenant-001", key)
	tracker.GetUsed(ctx, "tenant-001", key)

	if repo.getCalls != 1 {
		t.Errorf("expected 1 ledger read with warm cache, got %d", repo.getCalls)
	}
}

func TestTrackerWriteThrough(t *testing.T) {
	repo := newFakeRepo()
	tracker := NewTracker(repo, cache.NewLRUCache(100), nil)
	ctx := context.Background()
	key := testKey("rule-a:bonus_points")

	if _, err := tracker.Track(ctx, "tenant-001", key, 75); err != nil {
		t.Fatalf("track failed: %v", err)
	}

	// The write already populated the cache; a read must not hit the ledger.
	used, err := tracker.GetUsed(ctx, "tenant-001", key)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if used != 75 {
		t.Errorf("expected 75, got %v", used)
	}
	if repo.getCalls != 0 {
		t.Errorf("expected no ledger read after write-through, got %d", repo.getCalls)
	}
}

func TestTrackerWorksWithoutCache(t *testing.T) {
	tracker := NewTracker(newFakeRepo(), nil, nil)
	ctx := context.Background()
	key := testKey("rule-a:bonus_points")

	if _, err := tracker.Track(ctx, "tenant-001", key, 30); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	used, err := tracker.GetUsed(ctx, "tenant-001", key)
	if err != nil || used != 30 {
		t.Errorf("expected 30, got %v (err %v)", used, err)
	}
}

func TestTrackerSurfacesLedgerFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.failAll = true
	tracker := NewTracker(repo, cache.NewLRUCache(100), nil)

	if _, err := tracker.GetUsed(context.Background(), "tenant-001", testKey("rule-a:bonus_points")); err == nil {
		t.Error("expected read error to surface")
	}
	if _, err := tracker.Track(context.Background(), "tenant-001", testKey("rule-a:bonus_points"), 10); err == nil {
		t.Error("expected write error to surface")
	}
}

func TestApplyCap(t *testing.T) {
	tests := []struct {
		name          string
		potential     float64
		used          float64
		cap           float64
		wantApplied   float64
		wantRemaining float64
	}{
		{"NoUsage", 100, 0, 500, 100, 400},
		{"PartialHeadroom", 100, 450, 500, 50, 0},
		{"CapReached", 100, 500, 500, 0, 0},
		{"CapExceeded", 100, 600, 500, 0, 0},
		{"ExactFit", 100, 400, 500, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied, remaining := ApplyCap(tt.potential, tt.used, tt.cap)
			if applied != tt.wantApplied {
				t.Errorf("applied = %v, want %v", applied, tt.wantApplied)
			}
			if remaining != tt.wantRemaining {
				t.Errorf("remaining = %v, want %v", remaining, tt.wantRemaining)
			}
		})
	}
}

func TestApplyCapNeverExceedsCapAcrossSequence(t *testing.T) {
	const monthlyCap = 1000.0
	used := 0.0
	total := 0.0

	for i := 0; i < 20; i++ {
		applied, _ := ApplyCap(175, used, monthlyCap)
		used += applied
		total += applied
	}

	if total > monthlyCap {
		t.Errorf("awarded %v, exceeds cap %v", total, monthlyCap)
	}
	if total != monthlyCap {
		t.Errorf("expected the sequence to exhaust the cap, awarded %v", total)
	}
}

func TestGetCapUsageForRulesDeduplicatesCapGroups(t *testing.T) {
	repo := newFakeRepo()
	tracker := NewTracker(repo, cache.NewLRUCache(100), nil)
	ctx := context.Background()
	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)

	groupCap := 1000.0
	ownCap := 250.0
	rules := []*domain.RewardRule{
		{
			ID: "rule-travel-air", Name: "air", CardTypeID: "card-gold",
			Reward: domain.RewardConfig{MonthlyCap: &groupCap, CapGroupID: "group-travel"},
		},
		{
			ID: "rule-travel-hotel", Name: "hotel", CardTypeID: "card-gold",
			Reward: domain.RewardConfig{MonthlyCap: &groupCap, CapGroupID: "group-travel"},
		},
		{
			ID: "rule-dining", Name: "dining", CardTypeID: "card-gold",
			Reward: domain.RewardConfig{MonthlyCap: &ownCap},
		},
		{
			ID: "rule-uncapped", Name: "uncapped", CardTypeID: "card-gold",
			Reward: domain.RewardConfig{},
		},
	}

	// Seed usage for the shared group.
	groupKey := domain.UsageKey{
		UserID:     "user-001",
		TrackingID: "group-travel:bonus_points",
		CardID:     "card-001",
		Period:     domain.PeriodKey{Type: domain.PeriodCalendar, Year: 2026, Month: 8},
	}
	if _, err := tracker.Track(ctx, "tenant-001", groupKey, 300); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result, err := tracker.GetCapUsageForRules(ctx, "tenant-001", rules, "user-001", "card-001", 0, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("expected 2 entries (group deduped, uncapped skipped), got %d", len(result))
	}

	byTracking := make(map[string]domain.CapUsage)
	for _, cu := range result {
		byTracking[cu.TrackingID] = cu
	}

	group := byTracking["group-travel:bonus_points"]
	if len(group.RuleIDs) != 2 {
		t.Errorf("expected 2 rule ids in the shared group, got %v", group.RuleIDs)
	}
	if group.Used != 300 || group.Remaining != 700 {
		t.Errorf("expected used 300 remaining 700, got %v/%v", group.Used, group.Remaining)
	}

	dining := byTracking["rule-dining:bonus_points"]
	if dining.Used != 0 || dining.Remaining != 250 {
		t.Errorf("expected untouched dining cap, got %v/%v", dining.Used, dining.Remaining)
	}
}

func TestInvalidateTracking(t *testing.T) {
	repo := newFakeRepo()
	tracker := NewTracker(repo, cache.NewLRUCache(100), nil)
	ctx := context.Background()

	keyA := testKey("rule-a:bonus_points")
	keyB := testKey("rule-b:bonus_points")
	tracker.Track(ctx, "tenant-001", keyA, 100)
	tracker.Track(ctx, "tenant-001", keyB, 200)

	if err := tracker.InvalidateTracking(ctx, "tenant-001", "rule-a:bonus_points"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	// rule-a re-reads the ledger, rule-b still serves from cache.
	repo.getCalls = 0
	tracker.GetUsed(ctx, "tenant-001", keyA)
	tracker.GetUsed(ctx, "tenant-001", keyB)
	if repo.getCalls != 1 {
		t.Errorf("expected exactly the invalidated bucket to re-read, got %d reads", repo.getCalls)
	}
}

func TestConcurrentTracking(t *testing.T) {
	repo := newFakeRepoLocked()
	tracker := NewTracker(repo, nil, nil)
	ctx := context.Background()
	key := testKey("rule-a:bonus_points")

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			var err error
			for j := 0; j < 20; j++ {
				if _, e := tracker.Track(ctx, "tenant-001", key, 1); e != nil {
					err = e
				}
			}
			done <- err
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Fatalf("track failed: %v", err)
		}
	}

	used, _ := tracker.GetUsed(ctx, "tenant-001", key)
	if used != 200 {
		t.Errorf("expected 200 after concurrent increments, got %v", used)
	}
}

// fakeRepoLocked guards the map for concurrent use.
type fakeRepoLocked struct {
	*fakeRepo
	mu sync.Mutex
}

func newFakeRepoLocked() *fakeRepoLocked {
	return &fakeRepoLocked{fakeRepo: newFakeRepo()}
}

func (r *fakeRepoLocked) AddUsageDelta(ctx context.Context, tenantID string, key domain.UsageKey, delta float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fakeRepo.AddUsageDelta(ctx, tenantID, key, delta)
}

func (r *fakeRepoLocked) GetUsage(ctx context.Context, tenantID string, key domain.UsageKey) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fakeRepo.GetUsage(ctx, tenantID, key)
}
