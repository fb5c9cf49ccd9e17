package domain

import (
	"fmt"
	"time"
)

// PeriodKey identifies one cap accumulation bucket. For calendar and
// statement periods Year/Month name the month the bucket starts in; for
// promotional periods they name the promotion's start month.
type PeriodKey struct {
	Type         PeriodType `json:"type"`
	Year         int        `json:"year"`
	Month        int        `json:"month"`
	StatementDay int        `json:"statementDay,omitempty"`
}

// String renders the key in a stable cache-friendly form.
func (k PeriodKey) String() string {
	return fmt.Sprintf("%s:%04d-%02d:%d", k.Type, k.Year, k.Month, k.StatementDay)
}

// UsageKey is the composite ledger key for cumulative cap usage.
type UsageKey struct {
	UserID     string    `json:"userId"`
	TrackingID string    `json:"trackingId"`
	CardID     string    `json:"cardId"`
	Period     PeriodKey `json:"period"`
}

// CacheKey renders the key for the usage cache. The tracking ID leads so
// rule-level invalidation can use a prefix delete.
func (k UsageKey) CacheKey() string {
	return UsageCachePrefix + k.TrackingID + ":" + k.CardID + ":" + k.UserID + ":" + k.Period.String()
}

// UsageCachePrefix is the cache namespace for usage buckets.
const UsageCachePrefix = "usage:"

// UsageRecord is the persisted cumulative usage row. Created lazily on the
// first tracked transaction in a period, mutated by every later one, and
// never deleted.
type UsageRecord struct {
	TenantID  string    `json:"tenantId"`
	Key       UsageKey  `json:"key"`
	Used      float64   `json:"used"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CachedUsage is the cache payload for one usage bucket.
type CachedUsage struct {
	Used      float64 `json:"used"`
	UpdatedAt int64   `json:"updatedAt"`
}

// CapUsage is one entry in a batched reporting read.
type CapUsage struct {
	TrackingID string   `json:"trackingId"`
	RuleIDs    []string `json:"ruleIds"`
	Cap        float64  `json:"cap"`
	CapType    CapType  `json:"capType"`
	Used       float64  `json:"used"`
	Remaining  float64  `json:"remaining"`
}
