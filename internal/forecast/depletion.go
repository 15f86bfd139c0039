package forecast

import "github.com/shlokie19/invi-ware-nexus/internal/domain"

const (
	MaxDaysLeft      = 30
	ReorderCoverDays = 14

	criticalDays = 3
	warningDays  = 10
	reorderDays  = 7
)

// Compute forecasts how many days the item's stock lasts at rate and how much
// to order to cover ReorderCoverDays. A rate below 1 is treated as 1.
func Compute(item domain.Item, rate int) domain.Forecast {
	rate = max(1, rate)
	f := domain.Forecast{
		ItemID:              item.ID,
		SuggestedReorderQty: rate * ReorderCoverDays,
	}
	if item.Quantity <= 0 {
		return f
	}
	f.PredictedDaysLeft = min(MaxDaysLeft, roundDiv(item.Quantity, rate))
	return f
}

func Urgency(daysLeft int) string {
	switch {
	case daysLeft <= criticalDays:
		return domain.UrgencyCritical
	case daysLeft <= warningDays:
		return domain.UrgencyWarning
	default:
		return domain.UrgencyOK
	}
}

// ReorderRecommended is true for items that still have stock but will run out
// within a week. Empty items are already covered by the low-stock flag.
func ReorderRecommended(item domain.Item, f domain.Forecast) bool {
	return item.Quantity > 0 && f.PredictedDaysLeft <= reorderDays
}

// Insight bundles the estimate and forecast for one item.
func Insight(item domain.Item, est domain.ConsumptionEstimate) domain.ItemInsight {
	f := Compute(item, est.AvgDailyRate)
	return domain.ItemInsight{
		Item:               item,
		Estimate:           est,
		Forecast:           f,
		Urgency:            Urgency(f.PredictedDaysLeft),
		ReorderRecommended: ReorderRecommended(item, f),
		LowStock:           item.LowStock(),
	}
}
