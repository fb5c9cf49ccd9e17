// Package rules provides rule eligibility evaluation: structured condition
// matching plus optional CEL expression gates.
package rules

import (
	"strconv"
	"strings"

	"github.com/opensource-finance/talon/internal/domain"
)

// IsApplicable reports whether every condition on the rule holds for the
// input. Conditions combine with AND; an empty list is vacuously true.
// Evaluation is total: unrecognized condition shapes fail closed (the rule
// simply does not apply) instead of returning an error.
func IsApplicable(rule *domain.RewardRule, in *domain.CalculationInput) bool {
	for i := range rule.Conditions {
		if !matchCondition(&rule.Conditions[i], in) {
			return false
		}
	}
	return true
}

func matchCondition(c *domain.RuleCondition, in *domain.CalculationInput) bool {
	switch c.Type {
	case domain.ConditionMCC:
		return matchOptionalString(c, in.MCC, false)
	case domain.ConditionMerchant:
		return matchString(c, in.MerchantName, true)
	case domain.ConditionTransactionType:
		return matchString(c, in.TransactionType, false)
	case domain.ConditionCurrency:
		return matchString(c, in.Currency, false)
	case domain.ConditionCategory:
		return matchString(c, in.Category, false)
	case domain.ConditionAmount:
		return matchAmount(c, in.Amount)
	default:
		return false
	}
}

// matchOptionalString handles attributes that may be absent. Include-style
// operations require the attribute to be present; exclude is satisfied by
// absence.
func matchOptionalString(c *domain.RuleCondition, val *string, fold bool) bool {
	if val == nil {
		return c.Operation == domain.OpExclude
	}
	return matchString(c, *val, fold)
}

func matchString(c *domain.RuleCondition, val string, fold bool) bool {
	contains := func() bool {
		for _, v := range c.Values {
			if fold && strings.EqualFold(v, val) {
				return true
			}
			if !fold && v == val {
				return true
			}
		}
		return false
	}

	switch c.Operation {
	case domain.OpInclude:
		return val != "" && contains()
	case domain.OpExclude:
		return val == "" || !contains()
	case domain.OpEquals:
		if len(c.Values) == 0 || val == "" {
			return false
		}
		if fold {
			return strings.EqualFold(c.Values[0], val)
		}
		return c.Values[0] == val
	default:
		return false
	}
}

func matchAmount(c *domain.RuleCondition, amount float64) bool {
	switch c.Operation {
	case domain.OpRange:
		// Inclusive on both bounds.
		lo, okLo := parseValue(c.Values, 0)
		hi, okHi := parseValue(c.Values, 1)
		if !okLo || !okHi {
			return false
		}
		return amount >= lo && amount <= hi
	case domain.OpGreaterThan:
		v, ok := parseValue(c.Values, 0)
		return ok && amount > v
	case domain.OpLessThan:
		v, ok := parseValue(c.Values, 0)
		return ok && amount < v
	case domain.OpEquals:
		v, ok := parseValue(c.Values, 0)
		return ok && amount == v
	default:
		return false
	}
}

func parseValue(values []string, idx int) (float64, bool) {
	if idx >= len(values) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(values[idx]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
