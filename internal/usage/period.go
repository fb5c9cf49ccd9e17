package usage

import (
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// ResolvePeriod maps a transaction date onto the cap bucket it accumulates
// into.
//
// Calendar periods reset on the 1st irrespective of billing cycle.
// Statement periods are anchored to the instrument's statement day: a date
// before the statement day belongs to the bucket that began in the previous
// calendar month. Promotional periods are anchored to the promotion start,
// so every transaction within one promotion shares a single bucket.
func ResolvePeriod(periodType domain.PeriodType, date time.Time, statementDay int, promoStart *time.Time) domain.PeriodKey {
	switch periodType {
	case domain.PeriodStatement:
		day := statementDay
		if day < 1 || day > 31 {
			day = 1
		}
		year, month := date.Year(), date.Month()
		if date.Day() < day {
			// Still inside the bucket that opened last month.
			prev := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
			year, month = prev.Year(), prev.Month()
		}
		return domain.PeriodKey{
			Type:         domain.PeriodStatement,
			Year:         year,
			Month:        int(month),
			StatementDay: day,
		}

	case domain.PeriodPromotional:
		if promoStart != nil {
			return domain.PeriodKey{
				Type:  domain.PeriodPromotional,
				Year:  promoStart.Year(),
				Month: int(promoStart.Month()),
			}
		}
		// No anchor configured: degrade to a calendar bucket so tracking
		// stays total.
		fallthrough

	default:
		return domain.PeriodKey{
			Type:  domain.PeriodCalendar,
			Year:  date.Year(),
			Month: int(date.Month()),
		}
	}
}

// KeyFor resolves the full ledger key for a rule's cap against one input.
func KeyFor(rule *domain.RewardRule, in *domain.CalculationInput) domain.UsageKey {
	return domain.UsageKey{
		UserID:     in.UserID,
		TrackingID: rule.TrackingID(),
		CardID:     in.CardID,
		Period:     ResolvePeriod(rule.Reward.EffectivePeriodType(), in.Date, in.StatementDay, rule.ValidFrom),
	}
}
