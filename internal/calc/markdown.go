package calc

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Schedule maps a days-listed threshold to a discount fraction. The
// discount for the largest threshold at or below the current listing age
// applies; below every threshold the discount is zero.
type Schedule map[int]decimal.Decimal

// DefaultSchedule returns the standard markdown schedule: 10% after 30
// days, 20% after 60.
func DefaultSchedule() Schedule {
	return Schedule{
		30: decimal.NewFromFloat(0.10),
		60: decimal.NewFromFloat(0.20),
	}
}

// MarkdownResult describes a computed markdown for an unsold listing.
// MarginProtected reports whether the discounted price still covers the
// cost basis — informational only, the price is not clamped to preserve
// margin.
type MarkdownResult struct {
	DaysListed      int             `json:"days_listed"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	NewPrice        decimal.Decimal `json:"new_price"`
	MarginProtected bool            `json:"margin_protected"`
}

// Markdown computes the time-decayed discount for a listing. The new
// price never exceeds the current price regardless of schedule content.
func Markdown(currentPrice decimal.Decimal, listedAt time.Time, costBasis decimal.Decimal, sched Schedule, now time.Time) MarkdownResult {
	if len(sched) == 0 {
		sched = DefaultSchedule()
	}

	daysListed := int(now.Sub(listedAt).Hours() / 24)
	if daysListed < 0 {
		daysListed = 0
	}

	thresholds := make([]int, 0, len(sched))
	for t := range sched {
		thresholds = append(thresholds, t)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(thresholds)))

	discount := decimal.Zero
	for _, t := range thresholds {
		if daysListed >= t {
			discount = sched[t]
			break
		}
	}

	newPrice := currentPrice.Mul(one.Sub(discount)).Round(2)
	if newPrice.GreaterThan(currentPrice) {
		newPrice = currentPrice
	}

	return MarkdownResult{
		DaysListed:      daysListed,
		DiscountPercent: discount.Mul(oneHundred),
		NewPrice:        newPrice,
		MarginProtected: newPrice.GreaterThanOrEqual(costBasis),
	}
}
