package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Classification of rule/input problems. Malformed rules are skipped during
// calculation; malformed inputs are rejected before any calculation runs.
var (
	ErrRuleConfig = errors.New("rule configuration invalid")
	ErrValidation = errors.New("validation failed")
)

// ConditionType identifies which transaction attribute a condition inspects.
type ConditionType string

const (
	ConditionMCC             ConditionType = "mcc"
	ConditionTransactionType ConditionType = "transaction_type"
	ConditionCurrency        ConditionType = "currency"
	ConditionMerchant        ConditionType = "merchant"
	ConditionAmount          ConditionType = "amount"
	ConditionCategory        ConditionType = "category"
)

// ConditionOperation is the comparison applied to a condition's values.
type ConditionOperation string

const (
	OpInclude     ConditionOperation = "include"
	OpExclude     ConditionOperation = "exclude"
	OpEquals      ConditionOperation = "equals"
	OpGreaterThan ConditionOperation = "greater_than"
	OpLessThan    ConditionOperation = "less_than"
	OpRange       ConditionOperation = "range"
)

// RuleCondition is one eligibility predicate. All conditions on a rule must
// hold (AND semantics); a rule with no conditions applies to every input.
type RuleCondition struct {
	Type      ConditionType      `json:"type"`
	Operation ConditionOperation `json:"operation"`
	Values    []string           `json:"values"`
}

// CalculationMethod selects how bonus points are derived.
type CalculationMethod string

const (
	// MethodStandard applies bonusMultiplier to the rounded amount.
	MethodStandard CalculationMethod = "standard"

	// MethodTiered selects a BonusTier by amount or monthly spend and
	// applies the tier's multiplier to the rounded amount.
	MethodTiered CalculationMethod = "tiered"

	// MethodFlatRate awards a fixed point amount per transaction:
	// bonus = roundPoints(bonusMultiplier), independent of the amount.
	MethodFlatRate CalculationMethod = "flat_rate"
)

// RoundingStrategy controls amount and point rounding.
type RoundingStrategy string

const (
	RoundFloor   RoundingStrategy = "floor"
	RoundCeiling RoundingStrategy = "ceiling"
	RoundNearest RoundingStrategy = "nearest"

	// RoundFloorToBlock floors the amount to the nearest multiple of
	// BlockSize. Valid for amount rounding only.
	RoundFloorToBlock RoundingStrategy = "floor_to_block"
)

// CapType distinguishes what a monthly cap limits.
type CapType string

const (
	CapBonusPoints CapType = "bonus_points"
	CapSpendAmount CapType = "spend_amount"
)

// PeriodType selects how cap periods are bucketed.
type PeriodType string

const (
	// PeriodCalendar resets on the 1st of every calendar month.
	PeriodCalendar PeriodType = "calendar"

	// PeriodStatement is anchored to the instrument's statement day.
	PeriodStatement PeriodType = "statement"

	// PeriodPromotional accumulates into a single bucket anchored to the
	// rule's validity start, regardless of calendar boundaries.
	PeriodPromotional PeriodType = "promotional"
)

// BonusTier is a sub-range of the rule's input domain with its own
// multiplier. Amount bounds match against the transaction amount, spend
// bounds against the supplied monthly spend. Lower bounds are inclusive,
// upper bounds exclusive; a missing upper bound is open-ended.
type BonusTier struct {
	MinAmount   *float64 `json:"minAmount,omitempty"`
	MaxAmount   *float64 `json:"maxAmount,omitempty"`
	MinSpend    *float64 `json:"minSpend,omitempty"`
	MaxSpend    *float64 `json:"maxSpend,omitempty"`
	Multiplier  float64  `json:"multiplier"`
	Priority    int      `json:"priority,omitempty"`
	Description string   `json:"description,omitempty"`
}

// RewardConfig is the earning policy attached to a rule.
type RewardConfig struct {
	CalculationMethod CalculationMethod `json:"calculationMethod"`
	BaseMultiplier    float64           `json:"baseMultiplier"`
	BonusMultiplier   float64           `json:"bonusMultiplier"`

	// Rounding conventions. PointsRounding defaults to floor,
	// AmountRounding to nearest.
	PointsRounding RoundingStrategy `json:"pointsRounding,omitempty"`
	AmountRounding RoundingStrategy `json:"amountRounding,omitempty"`
	BlockSize      float64          `json:"blockSize,omitempty"`

	Tiers []BonusTier `json:"tiers,omitempty"`

	// Cap settings. A nil MonthlyCap means uncapped. CapGroupID lets
	// several rules drain one shared ceiling.
	MonthlyCap     *float64   `json:"monthlyCap,omitempty"`
	MonthlyCapType CapType    `json:"monthlyCapType,omitempty"`
	PeriodType     PeriodType `json:"periodType,omitempty"`
	CapGroupID     string     `json:"capGroupId,omitempty"`

	// MinSpend is an aggregate monthly spend threshold that must be met
	// before bonus points accrue (foreign-currency minimum style).
	MinSpend *float64 `json:"minSpend,omitempty"`

	PointsCurrency string `json:"pointsCurrency,omitempty"`
}

// RewardRule is a configurable earning rule for one card product type.
// Rules are admin-managed and read-only on the calculation path.
type RewardRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	CardTypeID  string `json:"cardTypeId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	// Priority breaks ties among simultaneously applicable rules:
	// the highest value wins, equal values resolve to the earliest
	// created rule.
	Priority int `json:"priority"`

	Conditions []RuleCondition `json:"conditions,omitempty"`
	Reward     RewardConfig    `json:"reward"`

	// Expression is an optional CEL predicate evaluated after the
	// structured conditions. Empty means no expression gate.
	Expression string `json:"expression,omitempty"`

	// Validity window. ValidFrom also anchors promotional cap periods.
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TrackingID returns the ledger key this rule's cap accumulates under:
// the cap group when shared, otherwise the rule's own ID, with the cap
// type as a sub-key so point and spend caps are never conflated.
func (r *RewardRule) TrackingID() string {
	id := r.ID
	if r.Reward.CapGroupID != "" {
		id = r.Reward.CapGroupID
	}
	capType := r.Reward.MonthlyCapType
	if capType == "" {
		capType = CapBonusPoints
	}
	return id + ":" + string(capType)
}

// ActiveAt reports whether the rule's validity window covers t.
func (r *RewardRule) ActiveAt(t time.Time) bool {
	if r.ValidFrom != nil && t.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && t.After(*r.ValidUntil) {
		return false
	}
	return true
}

// Validate checks the rule is structurally sound. Failures wrap
// ErrRuleConfig so callers can skip the rule without failing the request.
func (r *RewardRule) Validate() error {
	if r.CardTypeID == "" {
		return fmt.Errorf("%w: cardTypeId is required", ErrRuleConfig)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrRuleConfig)
	}
	if r.Reward.EffectivePeriodType() == PeriodPromotional && r.ValidFrom == nil {
		return fmt.Errorf("%w: promotional period requires validFrom", ErrRuleConfig)
	}
	return r.Reward.Validate()
}

// Validate checks the reward policy fields.
func (c *RewardConfig) Validate() error {
	switch c.CalculationMethod {
	case MethodStandard, MethodFlatRate:
	case MethodTiered:
		if len(c.Tiers) == 0 {
			return fmt.Errorf("%w: tiered method requires at least one tier", ErrRuleConfig)
		}
	default:
		return fmt.Errorf("%w: unknown calculation method %q", ErrRuleConfig, c.CalculationMethod)
	}

	if !isFinite(c.BaseMultiplier) || !isFinite(c.BonusMultiplier) {
		return fmt.Errorf("%w: multipliers must be finite", ErrRuleConfig)
	}

	switch c.PointsRounding {
	case "", RoundFloor, RoundCeiling, RoundNearest:
	default:
		return fmt.Errorf("%w: unknown points rounding %q", ErrRuleConfig, c.PointsRounding)
	}

	switch c.AmountRounding {
	case "", RoundFloor, RoundCeiling, RoundNearest:
	case RoundFloorToBlock:
		if c.BlockSize <= 0 {
			return fmt.Errorf("%w: floor_to_block requires a positive blockSize", ErrRuleConfig)
		}
	default:
		return fmt.Errorf("%w: unknown amount rounding %q", ErrRuleConfig, c.AmountRounding)
	}

	if c.MonthlyCap != nil {
		if *c.MonthlyCap < 0 || !isFinite(*c.MonthlyCap) {
			return fmt.Errorf("%w: monthlyCap must be non-negative", ErrRuleConfig)
		}
		switch c.MonthlyCapType {
		case "", CapBonusPoints, CapSpendAmount:
		default:
			return fmt.Errorf("%w: unknown cap type %q", ErrRuleConfig, c.MonthlyCapType)
		}
		switch c.PeriodType {
		case "", PeriodCalendar, PeriodStatement, PeriodPromotional:
		default:
			return fmt.Errorf("%w: unknown period type %q", ErrRuleConfig, c.PeriodType)
		}
	}

	if c.MinSpend != nil && (*c.MinSpend < 0 || !isFinite(*c.MinSpend)) {
		return fmt.Errorf("%w: minSpend must be non-negative", ErrRuleConfig)
	}

	for i, tier := range c.Tiers {
		if tier.MinAmount != nil && tier.MaxAmount != nil && *tier.MaxAmount < *tier.MinAmount {
			return fmt.Errorf("%w: tier %d amount bounds inverted", ErrRuleConfig, i)
		}
		if tier.MinSpend != nil && tier.MaxSpend != nil && *tier.MaxSpend < *tier.MinSpend {
			return fmt.Errorf("%w: tier %d spend bounds inverted", ErrRuleConfig, i)
		}
	}

	return nil
}

// EffectivePeriodType returns the configured period type, defaulting to
// calendar months.
func (c *RewardConfig) EffectivePeriodType() PeriodType {
	if c.PeriodType == "" {
		return PeriodCalendar
	}
	return c.PeriodType
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
