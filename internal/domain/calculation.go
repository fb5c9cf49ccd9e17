package domain

import (
	"fmt"
	"math"
	"time"
)

// CalculationInput is the transaction context a reward calculation runs
// against. The engine never persists it.
type CalculationInput struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Payment instrument references.
	UserID     string `json:"userId"`
	CardID     string `json:"cardId"`
	CardTypeID string `json:"cardTypeId"`

	MCC             *string `json:"mcc,omitempty"`
	MerchantName    string  `json:"merchantName,omitempty"`
	Category        string  `json:"category,omitempty"`
	TransactionType string  `json:"transactionType"`
	IsOnline        bool    `json:"isOnline,omitempty"`
	IsContactless   bool    `json:"isContactless,omitempty"`

	Date time.Time `json:"date"`

	// StatementDay (1-31) anchors statement-period caps for this card.
	// Zero means unset; statement periods then clamp to day 1.
	StatementDay int `json:"statementDay,omitempty"`

	// MonthlySpend is the caller-supplied aggregate spend for the current
	// period, used by spend-bound tiers and minimum-spend thresholds.
	MonthlySpend *float64 `json:"monthlySpend,omitempty"`

	// UsedBonusPoints, when set, overrides the tracker's usage read.
	UsedBonusPoints *float64 `json:"usedBonusPoints,omitempty"`
}

// Validate rejects inputs that must never reach the calculator.
func (in *CalculationInput) Validate() error {
	if math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) {
		return fmt.Errorf("%w: amount must be finite", ErrValidation)
	}
	if in.CardTypeID == "" {
		return fmt.Errorf("%w: cardTypeId is required", ErrValidation)
	}
	if in.StatementDay < 0 || in.StatementDay > 31 {
		return fmt.Errorf("%w: statementDay must be between 0 and 31", ErrValidation)
	}
	if in.MonthlySpend != nil && (math.IsNaN(*in.MonthlySpend) || math.IsInf(*in.MonthlySpend, 0)) {
		return fmt.Errorf("%w: monthlySpend must be finite", ErrValidation)
	}
	return nil
}

// CalculationResult is the outcome of one reward calculation. AppliedRule
// and AppliedTier are back-references for the caller to echo in UI or
// persist alongside the transaction.
type CalculationResult struct {
	TotalPoints float64 `json:"totalPoints"`
	BasePoints  float64 `json:"basePoints"`
	BonusPoints float64 `json:"bonusPoints"`

	PointsCurrency string `json:"pointsCurrency,omitempty"`

	// RemainingMonthlyBonusPoints is set when the applied rule carries a
	// bonus-point cap.
	RemainingMonthlyBonusPoints *float64 `json:"remainingMonthlyBonusPoints,omitempty"`

	// RemainingMonthlySpend is set when the applied rule carries a
	// spend-amount cap: the spend still eligible for bonus once this
	// transaction is tracked.
	RemainingMonthlySpend *float64 `json:"remainingMonthlySpend,omitempty"`

	MinSpendMet bool `json:"minSpendMet"`

	AppliedRule *RewardRule `json:"appliedRule,omitempty"`
	AppliedTier *BonusTier  `json:"appliedTier,omitempty"`

	Messages []string `json:"messages,omitempty"`
}

// ZeroResult builds an empty result carrying an explanatory message.
func ZeroResult(messages ...string) *CalculationResult {
	return &CalculationResult{Messages: messages}
}
