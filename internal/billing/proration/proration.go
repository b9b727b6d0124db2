package proration

import (
	"math/big"
	"time"

	plandomain "github.com/carelinkhq/carelink/internal/plan/domain"
)

// Result is the outcome of a plan-change proration.
//
// Charge is the prorated value of the new plan over the remaining period,
// Credit the unused value of the old plan over the same window. AmountDue
// is never negative; excess credit is forfeited rather than refunded.
type Result struct {
	Charge      int64
	Credit      int64
	AmountDue   int64
	PeriodStart time.Time
	PeriodEnd   time.Time

	// Prorated is false when the period had already lapsed and the change
	// was priced as a fresh full period.
	Prorated bool
}

// Compute prices a mid-period plan change using the remaining-value method.
//
// The remaining fraction is measured at millisecond resolution and clamped to
// [0, 1]. Monetary amounts round down. When the current period has already
// lapsed the change is priced as a fresh full period starting now.
func Compute(oldPlan, newPlan plandomain.Snapshot, periodStart, periodEnd, now time.Time) Result {
	totalMs := periodEnd.Sub(periodStart).Milliseconds()
	remainingMs := periodEnd.Sub(now).Milliseconds()

	if totalMs <= 0 || remainingMs <= 0 {
		return Result{
			Charge:      newPlan.Price,
			Credit:      0,
			AmountDue:   newPlan.Price,
			PeriodStart: now,
			PeriodEnd:   now.AddDate(0, 1, 0),
			Prorated:    false,
		}
	}

	if remainingMs > totalMs {
		remainingMs = totalMs
	}

	charge := prorate(newPlan.Price, remainingMs, totalMs)
	credit := prorate(oldPlan.Price, remainingMs, totalMs)

	amountDue := charge - credit
	if amountDue < 0 {
		amountDue = 0
	}

	return Result{
		Charge:      charge,
		Credit:      credit,
		AmountDue:   amountDue,
		PeriodStart: now,
		PeriodEnd:   periodEnd,
		Prorated:    true,
	}
}

// prorate computes floor(price * remaining / total) without float drift.
func prorate(price, remainingMs, totalMs int64) int64 {
	if price <= 0 {
		return 0
	}

	product := new(big.Int).Mul(big.NewInt(price), big.NewInt(remainingMs))
	quotient := new(big.Int).Quo(product, big.NewInt(totalMs))
	return quotient.Int64()
}
