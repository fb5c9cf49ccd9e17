// Package usage tracks cumulative cap usage per period: a two-tier cache
// in front of the persistent ledger, with atomic server-side increments so
// cap enforcement holds under concurrent writers.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// DefaultCacheTTL bounds how long a usage bucket may serve from cache
// without re-reading the ledger.
const DefaultCacheTTL = 5 * time.Minute

// Tracker maintains the cumulative usage ledger. Reads populate the cache
// lazily from the store; writes go to the store first (atomic delta) and
// then update the cache with the returned value (write-through). The cache
// is never authoritative.
type Tracker struct {
	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus // optional; nil disables usage events
	ttl   time.Duration
}

// NewTracker creates a usage tracker. bus may be nil.
func NewTracker(repo domain.Repository, cache domain.Cache, bus domain.EventBus) *Tracker {
	return &Tracker{
		repo:  repo,
		cache: cache,
		bus:   bus,
		ttl:   DefaultCacheTTL,
	}
}

// GetUsed returns the cumulative usage for a bucket, defaulting to 0 when
// no transaction has been tracked in the period yet.
func (t *Tracker) GetUsed(ctx context.Context, tenantID string, key domain.UsageKey) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	if t.cache != nil {
		cached, err := t.cache.GetUsage(ctx, tenantID, key.CacheKey())
		if err == nil && cached != nil {
			return cached.Used, nil
		}
		if err != nil {
			slog.Debug("usage cache read failed", "key", key.CacheKey(), "error", err)
		}
	}

	used, err := t.repo.GetUsage(ctx, tenantID, key)
	if err != nil {
		return 0, err
	}

	t.writeCache(ctx, tenantID, key, used)
	return used, nil
}

// Track adds delta to a bucket and returns the new cumulative value. The
// delta is applied server-side so concurrent calls cannot lose updates.
// Callers invoke this at most once per durably saved transaction.
func (t *Tracker) Track(ctx context.Context, tenantID string, key domain.UsageKey, delta float64) (float64, error) {
	return t.apply(ctx, tenantID, key, delta)
}

// Decrement subtracts delta from a bucket, flooring at zero. Used when a
// tracked transaction is edited downward or deleted.
func (t *Tracker) Decrement(ctx context.Context, tenantID string, key domain.UsageKey, delta float64) (float64, error) {
	if delta < 0 {
		return 0, fmt.Errorf("%w: decrement delta must be non-negative", domain.ErrValidation)
	}
	return t.apply(ctx, tenantID, key, -delta)
}

func (t *Tracker) apply(ctx context.Context, tenantID string, key domain.UsageKey, delta float64) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, fmt.Errorf("%w: delta must be finite", domain.ErrValidation)
	}

	used, err := t.repo.AddUsageDelta(ctx, tenantID, key, delta)
	if err != nil {
		return 0, err
	}

	t.writeCache(ctx, tenantID, key, used)
	t.publishTracked(ctx, tenantID, key, delta, used)

	return used, nil
}

// ApplyCap clamps a potential award against the remaining headroom:
// min(potential, max(0, cap-used)). The second return value is the
// headroom left after the award.
func ApplyCap(potential, used, cap float64) (applied, remaining float64) {
	headroom := math.Max(0, cap-used)
	applied = math.Min(potential, headroom)
	remaining = math.Max(0, cap-used-applied)
	return applied, remaining
}

// GetCapUsageForRules is a batched reporting read over the capped rules in
// a catalog, deduplicated by tracking ID so shared cap groups appear once.
// Never used for the clamping decision itself.
func (t *Tracker) GetCapUsageForRules(ctx context.Context, tenantID string, rules []*domain.RewardRule, userID, cardID string, statementDay int, now time.Time) ([]domain.CapUsage, error) {
	seen := make(map[string]int)
	var result []domain.CapUsage

	for _, rule := range rules {
		if rule.Reward.MonthlyCap == nil {
			continue
		}

		trackingID := rule.TrackingID()
		if idx, ok := seen[trackingID]; ok {
			result[idx].RuleIDs = append(result[idx].RuleIDs, rule.ID)
			continue
		}

		key := domain.UsageKey{
			UserID:     userID,
			TrackingID: trackingID,
			CardID:     cardID,
			Period:     ResolvePeriod(rule.Reward.EffectivePeriodType(), now, statementDay, rule.ValidFrom),
		}

		used, err := t.GetUsed(ctx, tenantID, key)
		if err != nil {
			return nil, err
		}

		capType := rule.Reward.MonthlyCapType
		if capType == "" {
			capType = domain.CapBonusPoints
		}

		seen[trackingID] = len(result)
		result = append(result, domain.CapUsage{
			TrackingID: trackingID,
			RuleIDs:    []string{rule.ID},
			Cap:        *rule.Reward.MonthlyCap,
			CapType:    capType,
			Used:       used,
			Remaining:  math.Max(0, *rule.Reward.MonthlyCap-used),
		})
	}

	return result, nil
}

// InvalidateTracking drops cached buckets for one tracking ID (rule or cap
// group). Call after a rule configuration changes or is deleted.
func (t *Tracker) InvalidateTracking(ctx context.Context, tenantID, trackingID string) error {
	if t.cache == nil {
		return nil
	}
	return t.cache.DeletePrefix(ctx, tenantID, domain.UsageCachePrefix+trackingID+":")
}

// InvalidateAll flushes every cached usage bucket for a tenant. Coarse but
// safe: used when an instrument is deleted, where buckets cannot be
// enumerated by prefix.
func (t *Tracker) InvalidateAll(ctx context.Context, tenantID string) error {
	if t.cache == nil {
		return nil
	}
	return t.cache.DeletePrefix(ctx, tenantID, domain.UsageCachePrefix)
}

func (t *Tracker) writeCache(ctx context.Context, tenantID string, key domain.UsageKey, used float64) {
	if t.cache == nil {
		return
	}
	entry := &domain.CachedUsage{Used: used, UpdatedAt: time.Now().UnixNano()}
	if err := t.cache.SetUsage(ctx, tenantID, key.CacheKey(), entry, t.ttl); err != nil {
		slog.Debug("usage cache write failed", "key", key.CacheKey(), "error", err)
	}
}

func (t *Tracker) publishTracked(ctx context.Context, tenantID string, key domain.UsageKey, delta, used float64) {
	if t.bus == nil {
		return
	}

	record := domain.UsageRecord{
		TenantID:  tenantID,
		Key:       key,
		Used:      used,
		UpdatedAt: time.Now().UTC(),
	}
	payload, _ := json.Marshal(struct {
		domain.UsageRecord
		Delta float64 `json:"delta"`
	}{record, delta})

	if err := t.bus.Publish(ctx, tenantID, domain.TopicUsageTracked, payload); err != nil {
		slog.Debug("failed to publish usage event", "error", err)
	}
}
