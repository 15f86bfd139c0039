package forecast

import (
	"github.com/shopspring/decimal"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
)

var (
	maxLowPenalty    = decimal.NewFromInt(40)
	maxExpiryPenalty = decimal.NewFromInt(30)
	maxDaysBonus     = decimal.NewFromInt(10)
	fullCoverDays    = decimal.NewFromInt(MaxDaysLeft)
	hundred          = decimal.NewFromInt(100)
)

const (
	goodScore  = 80
	watchScore = 60
)

// Health scores the whole inventory. Items missing from forecasts do not
// contribute to the days-left mean; with no forecasts at all the mean is
// MaxDaysLeft.
func Health(items []domain.Item, forecasts map[string]domain.Forecast, expiringBatches int) domain.HealthScore {
	n := decimal.NewFromInt(int64(max(1, len(items))))

	low := 0
	sumDays, counted := 0, 0
	for _, item := range items {
		if item.LowStock() {
			low++
		}
		if f, ok := forecasts[item.ID]; ok {
			sumDays += f.PredictedDaysLeft
			counted++
		}
	}

	avgDays := fullCoverDays
	if counted > 0 {
		avgDays = decimal.NewFromInt(int64(sumDays)).Div(decimal.NewFromInt(int64(counted)))
	}

	penaltyLow := decimal.Min(maxLowPenalty, decimal.NewFromInt(int64(low)).Div(n).Mul(maxLowPenalty))
	penaltyExpiry := decimal.Min(maxExpiryPenalty, decimal.NewFromInt(int64(expiringBatches)).Div(n).Mul(maxExpiryPenalty))
	bonus := decimal.Min(avgDays, fullCoverDays).Div(fullCoverDays).Mul(maxDaysBonus)

	raw := hundred.Sub(penaltyLow).Sub(penaltyExpiry).Add(bonus).Round(0).IntPart()
	score := int(clamp(raw, 0, 100))

	return domain.HealthScore{
		Score:         score,
		Label:         label(score),
		LowStockCount: low,
		ExpiringCount: expiringBatches,
		AvgDaysLeft:   int(avgDays.Round(0).IntPart()),
	}
}

func label(score int) string {
	switch {
	case score >= goodScore:
		return domain.HealthGood
	case score >= watchScore:
		return domain.HealthWatch
	default:
		return domain.HealthCritical
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
