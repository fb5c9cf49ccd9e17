// Package reward orchestrates reward calculation: rule fetch, eligibility
// filtering, priority selection, point calculation, and cap clamping.
package reward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/talon/internal/calc"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/rules"
	"github.com/opensource-finance/talon/internal/usage"
)

// ruleCacheTTL bounds how long a per-card-type rule list may serve from
// cache before re-reading the repository.
const ruleCacheTTL = 5 * time.Minute

// Service is the reward calculation orchestrator. Calculation is
// side-effect free with respect to the usage ledger: tracking happens only
// when the caller invokes the Tracker after durably saving the transaction.
type Service struct {
	repo    domain.Repository
	tracker *usage.Tracker
	exprs   *rules.ExpressionEngine
	cache   domain.Cache    // optional rule-list cache
	bus     domain.EventBus // optional result events
}

// NewService creates a reward service. cache and bus may be nil.
func NewService(repo domain.Repository, tracker *usage.Tracker, exprs *rules.ExpressionEngine, cache domain.Cache, bus domain.EventBus) *Service {
	return &Service{
		repo:    repo,
		tracker: tracker,
		exprs:   exprs,
		cache:   cache,
		bus:     bus,
	}
}

// Calculate computes the reward points one transaction earns. Repository
// and ledger failures degrade to a zero or base-only result with an
// explanatory message; they never fail the request.
func (s *Service) Calculate(ctx context.Context, tenantID string, in *domain.CalculationInput) (*domain.CalculationResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.Date.IsZero() {
		in.Date = time.Now().UTC()
	}

	catalog, err := s.rulesForCardType(ctx, tenantID, in.CardTypeID)
	if err != nil {
		slog.Warn("failed to load reward rules",
			"tenant_id", tenantID,
			"card_type_id", in.CardTypeID,
			"error", err,
		)
		return domain.ZeroResult("reward rules unavailable"), nil
	}
	if len(catalog) == 0 {
		return domain.ZeroResult("no reward rules configured for this card type"), nil
	}

	rule := s.selectRule(catalog, in)
	if rule == nil {
		return domain.ZeroResult("no reward rule applies to this transaction"), nil
	}

	outcome := calc.Calculate(&rule.Reward, in)

	result := &domain.CalculationResult{
		BasePoints:     outcome.BasePoints,
		BonusPoints:    outcome.BonusPoints,
		PointsCurrency: rule.Reward.PointsCurrency,
		MinSpendMet:    outcome.MinSpendMet,
		AppliedRule:    rule,
		AppliedTier:    outcome.AppliedTier,
	}
	if !outcome.MinSpendMet {
		result.Messages = append(result.Messages, "minimum spend not yet met")
	}

	if rule.Reward.MonthlyCap != nil {
		s.applyCap(ctx, tenantID, rule, in, outcome, result)
	}

	result.TotalPoints = result.BasePoints + result.BonusPoints

	s.publishResult(ctx, tenantID, in, result)
	return result, nil
}

// applyCap clamps the bonus (or spend-eligible) portion against the
// period's remaining headroom. A usage read failure zeroes the bonus and
// explains why, leaving base points intact.
func (s *Service) applyCap(ctx context.Context, tenantID string, rule *domain.RewardRule, in *domain.CalculationInput, outcome *calc.Outcome, result *domain.CalculationResult) {
	limit := *rule.Reward.MonthlyCap

	var used float64
	if in.UsedBonusPoints != nil {
		used = *in.UsedBonusPoints
	} else {
		var err error
		used, err = s.tracker.GetUsed(ctx, tenantID, usage.KeyFor(rule, in))
		if err != nil {
			slog.Warn("failed to read cap usage",
				"tenant_id", tenantID,
				"tracking_id", rule.TrackingID(),
				"error", err,
			)
			result.BonusPoints = 0
			result.Messages = append(result.Messages, "cap usage unavailable; bonus points omitted")
			return
		}
	}

	switch rule.Reward.MonthlyCapType {
	case domain.CapSpendAmount:
		remainingSpend := math.Max(0, limit-used)
		if outcome.BlockAmount > remainingSpend && outcome.BonusPoints > 0 {
			result.BonusPoints = calc.BonusOn(&rule.Reward, remainingSpend, outcome.AppliedTier)
			result.Messages = append(result.Messages, "monthly spend cap reached; bonus limited")
		}
		after := math.Max(0, remainingSpend-math.Max(0, outcome.BlockAmount))
		result.RemainingMonthlySpend = &after

	default: // bonus_points
		if result.BonusPoints > 0 {
			applied, remaining := usage.ApplyCap(result.BonusPoints, used, limit)
			if applied < result.BonusPoints {
				result.Messages = append(result.Messages, "monthly bonus cap reached")
			}
			result.BonusPoints = applied
			result.RemainingMonthlyBonusPoints = &remaining
		} else {
			remaining := math.Max(0, limit-used)
			result.RemainingMonthlyBonusPoints = &remaining
		}
	}
}

// selectRule filters the catalog to applicable rules and picks exactly one:
// highest priority wins, ties resolve to the first rule in catalog order
// (earliest created).
func (s *Service) selectRule(catalog []*domain.RewardRule, in *domain.CalculationInput) *domain.RewardRule {
	var selected *domain.RewardRule
	for _, rule := range catalog {
		if !rule.Enabled {
			continue
		}
		if err := rule.Validate(); err != nil {
			slog.Warn("skipping malformed reward rule", "rule_id", rule.ID, "error", err)
			continue
		}
		if !rule.ActiveAt(in.Date) {
			continue
		}
		if !rules.IsApplicable(rule, in) {
			continue
		}
		if s.exprs != nil && !s.exprs.Eligible(rule, in) {
			continue
		}

		if selected == nil || rule.Priority > selected.Priority {
			selected = rule
		}
	}
	return selected
}

// CapUsage reports current cap consumption across the card type's rules,
// deduplicated by cap group. Reporting only; clamping always reads the
// ledger per rule.
func (s *Service) CapUsage(ctx context.Context, tenantID, cardTypeID, userID, cardID string, statementDay int) ([]domain.CapUsage, error) {
	catalog, err := s.rulesForCardType(ctx, tenantID, cardTypeID)
	if err != nil {
		return nil, err
	}
	return s.tracker.GetCapUsageForRules(ctx, tenantID, catalog, userID, cardID, statementDay, time.Now().UTC())
}

// InvalidateRules drops the cached rule list for a card type. Call after
// any rule create/update/delete.
func (s *Service) InvalidateRules(ctx context.Context, tenantID, cardTypeID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, tenantID, ruleCacheKey(cardTypeID)); err != nil {
		slog.Debug("failed to invalidate rule cache", "card_type_id", cardTypeID, "error", err)
	}
}

func (s *Service) rulesForCardType(ctx context.Context, tenantID, cardTypeID string) ([]*domain.RewardRule, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, tenantID, ruleCacheKey(cardTypeID)); err == nil && data != nil {
			var cached []*domain.RewardRule
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	catalog, err := s.repo.ListRulesForCardType(ctx, tenantID, cardTypeID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(catalog); err == nil {
			_ = s.cache.Set(ctx, tenantID, ruleCacheKey(cardTypeID), data, ruleCacheTTL)
		}
	}

	return catalog, nil
}

func (s *Service) publishResult(ctx context.Context, tenantID string, in *domain.CalculationInput, result *domain.CalculationResult) {
	if s.bus == nil {
		return
	}

	payload, _ := json.Marshal(struct {
		Input  *domain.CalculationInput  `json:"input"`
		Result *domain.CalculationResult `json:"result"`
	}{in, result})

	if err := s.bus.Publish(ctx, tenantID, domain.TopicRewardCalculated, payload); err != nil {
		slog.Debug("failed to publish calculation event", "error", err)
	}
}

func ruleCacheKey(cardTypeID string) string {
	return "rules:" + cardTypeID
}
