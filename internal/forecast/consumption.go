// Package forecast holds the pure arithmetic behind stock insights: usage
// rates, days-left forecasts, the inventory health score and the chart
// projection. Nothing here touches a store or returns an error.
package forecast

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
)

const (
	DefaultWindowDays = 14
	// reorderLevelDays converts a reorder level into a daily rate when an
	// item has no recent consumption.
	reorderLevelDays = 7
)

// AvgDailyRate estimates units consumed per active day over the window ending
// at asOf. Only sale and damaged entries count; days are UTC calendar days.
// The result is never below 1.
func AvgDailyRate(itemID string, entries []domain.LedgerEntry, reorderLevel int, asOf time.Time, windowDays int) domain.ConsumptionEstimate {
	if windowDays < 1 {
		windowDays = DefaultWindowDays
	}
	from := asOf.Add(-time.Duration(windowDays) * 24 * time.Hour)

	total := 0
	days := make(map[time.Time]struct{})
	for _, e := range entries {
		if !e.ChangeType.Consumption() {
			continue
		}
		if e.CreatedAt.Before(from) || e.CreatedAt.After(asOf) {
			continue
		}
		total += abs(e.QuantityDelta)
		u := e.CreatedAt.UTC()
		days[time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)] = struct{}{}
	}

	est := domain.ConsumptionEstimate{ItemID: itemID, WindowDays: windowDays}
	if len(days) == 0 {
		est.Source = domain.EstimateFromReorderLevel
		est.AvgDailyRate = max(1, roundDiv(reorderLevel, reorderLevelDays))
		return est
	}
	est.Source = domain.EstimateFromHistory
	est.TotalConsumed = total
	est.ActiveDays = max(1, len(days))
	est.AvgDailyRate = max(1, roundDiv(total, est.ActiveDays))
	return est
}

// roundDiv returns a/b rounded half-up. b must be positive.
func roundDiv(a, b int) int {
	return int(decimal.NewFromInt(int64(a)).Div(decimal.NewFromInt(int64(b))).Round(0).IntPart())
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
