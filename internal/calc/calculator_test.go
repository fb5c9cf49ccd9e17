package calc

import (
	"testing"

	"github.com/opensource-finance/talon/internal/domain"
)

func fptr(f float64) *float64 { return &f }

func TestRoundAmount(t *testing.T) {
	tests := []struct {
		name      string
		amount    float64
		strategy  domain.RoundingStrategy
		blockSize float64
		want      float64
	}{
		{"Floor", 100.75, domain.RoundFloor, 0, 100},
		{"Ceiling", 100.25, domain.RoundCeiling, 0, 101},
		{"Nearest", 100.5, domain.RoundNearest, 0, 101},
		{"NearestDown", 100.4, domain.RoundNearest, 0, 100},
		{"DefaultIsNearest", 100.6, "", 0, 101},
		{"FloorToBlock5", 123.45, domain.RoundFloorToBlock, 5, 120},
		{"FloorToBlockExact", 125, domain.RoundFloorToBlock, 5, 125},
		{"FloorToBlockZeroSize", 123.45, domain.RoundFloorToBlock, 0, 123},
		{"NegativeFloorRoundsTowardZero", -100.75, domain.RoundFloor, 0, -100},
		{"NegativeCeilingRoundsAwayFromZero", -100.25, domain.RoundCeiling, 0, -101},
		{"NegativeFloorToBlock", -123.45, domain.RoundFloorToBlock, 5, -120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundAmount(tt.amount, tt.strategy, tt.blockSize)
			if got != tt.want {
				t.Errorf("RoundAmount(%v, %s, %v) = %v, want %v",
					tt.amount, tt.strategy, tt.blockSize, got, tt.want)
			}
		})
	}
}

func TestMultiplyPointsDecimalExactness(t *testing.T) {
	// 100 * 0.57 drifts below 57 in binary floats; decimal math must not.
	got := MultiplyPoints(100, 0.57, domain.RoundFloor)
	if got != 57 {
		t.Errorf("expected exactly 57 points, got %v", got)
	}

	got = MultiplyPoints(100, 1.1, domain.RoundFloor)
	if got != 110 {
		t.Errorf("expected exactly 110 points, got %v", got)
	}
}

func TestMultiplyPointsRounding(t *testing.T) {
	tests := []struct {
		name       string
		amount     float64
		multiplier float64
		strategy   domain.RoundingStrategy
		want       float64
	}{
		{"FloorDefault", 100.75, 1, "", 100},
		{"Floor", 99.9, 1, domain.RoundFloor, 99},
		{"Ceiling", 99.1, 1, domain.RoundCeiling, 100},
		{"Nearest", 99.5, 1, domain.RoundNearest, 100},
		{"NegativeFloorTowardZero", -99.9, 1, domain.RoundFloor, -99},
		{"NegativeCeilingAwayFromZero", -99.1, 1, domain.RoundCeiling, -100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MultiplyPoints(tt.amount, tt.multiplier, tt.strategy)
			if got != tt.want {
				t.Errorf("MultiplyPoints(%v, %v, %s) = %v, want %v",
					tt.amount, tt.multiplier, tt.strategy, got, tt.want)
			}
		})
	}
}

func TestRefundSymmetry(t *testing.T) {
	// A refund must remove exactly the points the purchase earned.
	cfg := &domain.RewardConfig{
		CalculationMethod: domain.MethodStandard,
		BaseMultiplier:    1,
		BonusMultiplier:   2,
		AmountRounding:    domain.RoundFloor,
	}

	purchase := Calculate(cfg, &domain.CalculationInput{Amount: 100.75})
	refund := Calculate(cfg, &domain.CalculationInput{Amount: -100.75})

	if refund.BasePoints != -purchase.BasePoints {
		t.Errorf("base points not symmetric: %v vs %v", purchase.BasePoints, refund.BasePoints)
	}
	if refund.BonusPoints != -purchase.BonusPoints {
		t.Errorf("bonus points not symmetric: %v vs %v", purchase.BonusPoints, refund.BonusPoints)
	}
}

func TestCalculateFloorToBlock(t *testing.T) {
	// baseMultiplier 0.4, bonusMultiplier 3.6, floor-to-5:
	// 123.45 blocks to 120, base 48, bonus 432.
	cfg := &domain.RewardConfig{
		CalculationMethod: domain.MethodStandard,
		BaseMultiplier:    0.4,
		BonusMultiplier:   3.6,
		AmountRounding:    domain.RoundFloorToBlock,
		BlockSize:         5,
	}

	out := Calculate(cfg, &domain.CalculationInput{Amount: 123.45})
	if out.BlockAmount != 120 {
		t.Errorf("expected block amount 120, got %v", out.BlockAmount)
	}
	if out.BasePoints != 48 {
		t.Errorf("expected 48 base points, got %v", out.BasePoints)
	}
	if out.BonusPoints != 432 {
		t.Errorf("expected 432 bonus points, got %v", out.BonusPoints)
	}
}

func TestCalculateTiered(t *testing.T) {
	// [0,100) 1x, [100,500) 2x, [500,inf) 3x.
	cfg := &domain.RewardConfig{
		CalculationMethod: domain.MethodTiered,
		BaseMultiplier:    1,
		AmountRounding:    domain.RoundFloor,
		Tiers: []domain.BonusTier{
			{MinAmount: fptr(0), MaxAmount: fptr(100), Multiplier: 1},
			{MinAmount: fptr(100), MaxAmount: fptr(500), Multiplier: 2},
			{MinAmount: fptr(500), Multiplier: 3},
		},
	}

	tests := []struct {
		amount    float64
		wantBonus float64
		wantMult  float64
	}{
		{50, 50, 1},
		{200, 400, 2},
		{1000, 3000, 3},
		{100, 200, 2},  // lower bound inclusive
		{499.5, 998, 2}, // floors to 499, still tier 2
		{500, 1500, 3},
	}

	for _, tt := range tests {
		out := Calculate(cfg, &domain.CalculationInput{Amount: tt.amount})
		if out.BonusPoints != tt.wantBonus {
			t.Errorf("amount %v: expected bonus %v, got %v", tt.amount, tt.wantBonus, out.BonusPoints)
		}
		if out.AppliedTier == nil || out.AppliedTier.Multiplier != tt.wantMult {
			t.Errorf("amount %v: expected tier multiplier %v", tt.amount, tt.wantMult)
		}
	}
}

func TestCalculateTieredNoMatch(t *testing.T) {
	cfg := &domain.RewardConfig{
		CalculationMethod: domain.MethodTiered,
		BaseMultiplier:    1,
		AmountRounding:    domain.RoundFloor,
		Tiers: []domain.BonusTier{
			{MinAmount: fptr(100), MaxAmount: fptr(500), Multiplier: 2},
		},
	}

	out := Calculate(cfg, &domain.CalculationInput{Amount: 50})
	if out.AppliedTier != nil {
		t.Error("expected no tier below the lowest bound")
	}
	if out.BonusPoints != 0 {
		t.Errorf("expected 0 bonus without a tier, got %v", out.BonusPoints)
	}
	if out.BasePoints != 50 {
		t.Errorf("expected base points unaffected, got %v", out.BasePoints)
	}
}

func TestCalculateFlatRate(t *testing.T) {
	// flat_rate awards a fixed point amount per transaction.
	cfg := &domain.RewardConfig{
		CalculationMethod: domain.MethodFlatRate,
		BaseMultiplier:    1,
		BonusMultiplier:   250,
		AmountRounding:    domain.RoundFloor,
	}

	small := Calculate(cfg, &domain.CalculationInput{Amount: 10})
	large := Calculate(cfg, &domain.CalculationInput{Amount: 10000})

	if small.BonusPoints != 250 || large.BonusPoints != 250 {
		t.Errorf("expected fixed 250 bonus regardless of amount, got %v and %v",
			small.BonusPoints, large.BonusPoints)
	}
	if small.BasePoints != 10 || large.BasePoints != 10000 {
		t.Error("expected base points to still scale with amount")
	}
}

func TestSelectTierSpendBounds(t *testing.T) {
	tiers := []domain.BonusTier{
		{MinSpend: fptr(0), MaxSpend: fptr(1000), Multiplier: 1},
		{MinSpend: fptr(1000), Multiplier: 2},
	}

	spend := 1500.0
	tier := SelectTier(tiers, 50, &spend)
	if tier == nil || tier.Multiplier != 2 {
		t.Error("expected spend-bound tier selection by monthly spend")
	}

	// Spend-bound tiers never match without a supplied spend.
	if SelectTier(tiers, 50, nil) != nil {
		t.Error("expected no tier when monthly spend is absent")
	}
}

func TestSelectTierOverlapResolvesByPriority(t *testing.T) {
	tiers := []domain.BonusTier{
		{MinAmount: fptr(0), Multiplier: 1, Priority: 1},
		{MinAmount: fptr(0), Multiplier: 5, Priority: 10},
		{MinAmount: fptr(0), Multiplier: 2, Priority: 1},
	}

	tier := SelectTier(tiers, 100, nil)
	if tier == nil || tier.Multiplier != 5 {
		t.Error("expected highest-priority tier to win overlaps")
	}

	// Equal priority resolves by declaration order.
	equal := []domain.BonusTier{
		{MinAmount: fptr(0), Multiplier: 1},
		{MinAmount: fptr(0), Multiplier: 2},
	}
	tier = SelectTier(equal, 100, nil)
	if tier == nil || tier.Multiplier != 1 {
		t.Error("expected first declared tier to win equal priority")
	}
}

func TestMinSpendThreshold(t *testing.T) {
	cfg := &domain.RewardConfig{
		CalculationMethod: domain.MethodStandard,
		BaseMultiplier:    1,
		BonusMultiplier:   2,
		AmountRounding:    domain.RoundFloor,
		MinSpend:          fptr(1000),
	}

	t.Run("BelowThreshold", func(t *testing.T) {
		spend := 500.0
		out := Calculate(cfg, &domain.CalculationInput{Amount: 100, MonthlySpend: &spend})
		if out.MinSpendMet {
			t.Error("expected min spend not met")
		}
		if out.BonusPoints != 0 {
			t.Errorf("expected no bonus below min spend, got %v", out.BonusPoints)
		}
		if out.BasePoints != 100 {
			t.Errorf("expected base points to accrue regardless, got %v", out.BasePoints)
		}
	})

	t.Run("AtThreshold", func(t *testing.T) {
		spend := 1000.0
		out := Calculate(cfg, &domain.CalculationInput{Amount: 100, MonthlySpend: &spend})
		if !out.MinSpendMet {
			t.Error("expected min spend met at threshold")
		}
		if out.BonusPoints != 200 {
			t.Errorf("expected bonus 200, got %v", out.BonusPoints)
		}
	})

	t.Run("NoSpendSupplied", func(t *testing.T) {
		out := Calculate(cfg, &domain.CalculationInput{Amount: 100})
		if out.MinSpendMet {
			t.Error("expected min spend unmet when spend is absent")
		}
	})
}

func TestBonusOn(t *testing.T) {
	standard := &domain.RewardConfig{
		CalculationMethod: domain.MethodStandard,
		BonusMultiplier:   3.6,
	}
	if got := BonusOn(standard, 100, nil); got != 360 {
		t.Errorf("expected 360, got %v", got)
	}
	if got := BonusOn(standard, 0, nil); got != 0 {
		t.Errorf("expected 0 on zero spend, got %v", got)
	}
	if got := BonusOn(standard, -50, nil); got != 0 {
		t.Errorf("expected 0 on negative spend, got %v", got)
	}

	tiered := &domain.RewardConfig{CalculationMethod: domain.MethodTiered}
	tier := &domain.BonusTier{Multiplier: 2}
	if got := BonusOn(tiered, 100, tier); got != 200 {
		t.Errorf("expected 200, got %v", got)
	}
	if got := BonusOn(tiered, 100, nil); got != 0 {
		t.Errorf("expected 0 without a tier, got %v", got)
	}

	flat := &domain.RewardConfig{
		CalculationMethod: domain.MethodFlatRate,
		BonusMultiplier:   250,
	}
	if got := BonusOn(flat, 10, nil); got != 250 {
		t.Errorf("expected fixed 250, got %v", got)
	}
}

func TestMonotonicity(t *testing.T) {
	cfg := &domain.RewardConfig{
		CalculationMethod: domain.MethodStandard,
		BaseMultiplier:    1,
		BonusMultiplier:   2,
		AmountRounding:    domain.RoundFloor,
	}

	prevBase, prevBonus := -1.0, -1.0
	for amount := 0.0; amount <= 1000; amount += 37.5 {
		out := Calculate(cfg, &domain.CalculationInput{Amount: amount})
		if out.BasePoints < prevBase || out.BonusPoints < prevBonus {
			t.Fatalf("points decreased at amount %v", amount)
		}
		prevBase, prevBonus = out.BasePoints, out.BonusPoints
	}
}
