// Package calc implements reward point arithmetic: amount and point
// rounding, calculation method dispatch, and bonus tier selection.
//
// Multiplication and rounding are done with decimal arithmetic so results
// match contractual issuer policies exactly (no float drift on values like
// 100 * 0.57). Rounding always operates on the magnitude with the sign
// reapplied, so a refund removes exactly the points the original purchase
// earned.
package calc

import (
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
)

// Outcome is the pre-cap result of running a reward config against an
// input.
type Outcome struct {
	// BlockAmount is the amount after the amount rounding strategy.
	BlockAmount float64

	BasePoints  float64
	BonusPoints float64

	// AppliedTier is set for the tiered method when a tier matched.
	AppliedTier *domain.BonusTier

	// MinSpendMet is false when the config defines a minimum spend
	// threshold the supplied monthly spend has not reached; bonus points
	// are zero in that case.
	MinSpendMet bool
}

// Calculate produces base and bonus points for one transaction, before any
// cap clamping. Negative amounts (refunds) propagate to negative points.
func Calculate(cfg *domain.RewardConfig, in *domain.CalculationInput) *Outcome {
	block := RoundAmount(in.Amount, cfg.AmountRounding, cfg.BlockSize)

	out := &Outcome{
		BlockAmount: block,
		BasePoints:  MultiplyPoints(block, cfg.BaseMultiplier, cfg.PointsRounding),
		MinSpendMet: minSpendMet(cfg, in),
	}

	if !out.MinSpendMet {
		return out
	}

	switch cfg.CalculationMethod {
	case domain.MethodStandard:
		out.BonusPoints = MultiplyPoints(block, cfg.BonusMultiplier, cfg.PointsRounding)

	case domain.MethodFlatRate:
		out.BonusPoints = MultiplyPoints(cfg.BonusMultiplier, 1, cfg.PointsRounding)

	case domain.MethodTiered:
		tier := SelectTier(cfg.Tiers, in.Amount, in.MonthlySpend)
		if tier != nil {
			out.AppliedTier = tier
			out.BonusPoints = MultiplyPoints(block, tier.Multiplier, cfg.PointsRounding)
		}
	}

	return out
}

// BonusOn recomputes the bonus earned on an already-clamped spend amount,
// keeping the multiplier selected during the full calculation. Used when a
// spend-amount cap limits how much of the transaction still earns bonus.
func BonusOn(cfg *domain.RewardConfig, spend float64, tier *domain.BonusTier) float64 {
	if spend <= 0 {
		return 0
	}

	switch cfg.CalculationMethod {
	case domain.MethodFlatRate:
		return MultiplyPoints(cfg.BonusMultiplier, 1, cfg.PointsRounding)
	case domain.MethodTiered:
		if tier == nil {
			return 0
		}
		return MultiplyPoints(spend, tier.Multiplier, cfg.PointsRounding)
	default:
		return MultiplyPoints(spend, cfg.BonusMultiplier, cfg.PointsRounding)
	}
}

// SelectTier picks the tier whose range contains the relevant quantity:
// tiers with spend bounds match against the supplied monthly spend, tiers
// with amount bounds against the transaction amount. Lower bounds are
// inclusive, upper bounds exclusive, a missing upper bound is open-ended.
// Overlaps resolve by tier priority descending, then declaration order.
func SelectTier(tiers []domain.BonusTier, amount float64, monthlySpend *float64) *domain.BonusTier {
	var selected *domain.BonusTier
	for i := range tiers {
		tier := &tiers[i]

		if tier.MinSpend != nil || tier.MaxSpend != nil {
			if monthlySpend == nil {
				continue
			}
			if !inRange(*monthlySpend, tier.MinSpend, tier.MaxSpend) {
				continue
			}
		} else if !inRange(amount, tier.MinAmount, tier.MaxAmount) {
			continue
		}

		if selected == nil || tier.Priority > selected.Priority {
			selected = tier
		}
	}
	return selected
}

func inRange(qty float64, lower, upper *float64) bool {
	if lower != nil && qty < *lower {
		return false
	}
	if upper != nil && qty >= *upper {
		return false
	}
	return true
}

// RoundAmount applies the amount rounding strategy. The default is nearest.
func RoundAmount(amount float64, strategy domain.RoundingStrategy, blockSize float64) float64 {
	d, sign := magnitude(decimal.NewFromFloat(amount))

	switch strategy {
	case domain.RoundFloor:
		d = d.Floor()
	case domain.RoundCeiling:
		d = d.Ceil()
	case domain.RoundFloorToBlock:
		block := decimal.NewFromFloat(blockSize)
		if block.IsPositive() {
			d = d.Div(block).Floor().Mul(block)
		} else {
			d = d.Floor()
		}
	default: // nearest
		d = d.Round(0)
	}

	f, _ := d.Mul(sign).Float64()
	return f
}

// MultiplyPoints computes amount x multiplier in decimal space and applies
// the points rounding strategy. The default strategy is floor.
func MultiplyPoints(amount, multiplier float64, strategy domain.RoundingStrategy) float64 {
	product := decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(multiplier))
	d, sign := magnitude(product)

	switch strategy {
	case domain.RoundCeiling:
		d = d.Ceil()
	case domain.RoundNearest:
		d = d.Round(0)
	default: // floor
		d = d.Floor()
	}

	f, _ := d.Mul(sign).Float64()
	return f
}

// magnitude splits a decimal into absolute value and sign.
func magnitude(d decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if d.IsNegative() {
		return d.Neg(), decimal.NewFromInt(-1)
	}
	return d, decimal.NewFromInt(1)
}

func minSpendMet(cfg *domain.RewardConfig, in *domain.CalculationInput) bool {
	if cfg.MinSpend == nil {
		return true
	}
	return in.MonthlySpend != nil && *in.MonthlySpend >= *cfg.MinSpend
}
