package forecast

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
)

var asOf = time.Date(2025, 5, 20, 18, 0, 0, 0, time.UTC)

func entry(ct domain.ChangeType, delta int, at time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{ItemID: "itm", ChangeType: ct, QuantityDelta: delta, CreatedAt: at}
}

func TestAvgDailyRateFallsBackToReorderLevel(t *testing.T) {
	cases := []struct {
		reorderLevel int
		want         int
	}{
		{0, 1},
		{3, 1},
		{7, 1},
		{10, 1},
		{11, 2},
		{70, 10},
	}
	for _, tc := range cases {
		est := AvgDailyRate("itm", nil, tc.reorderLevel, asOf, DefaultWindowDays)
		assert.Equal(t, tc.want, est.AvgDailyRate, "reorder level %d", tc.reorderLevel)
		assert.Equal(t, domain.EstimateFromReorderLevel, est.Source)
		assert.Equal(t, DefaultWindowDays, est.WindowDays)
	}
}

func TestAvgDailyRateAveragesOverActiveDays(t *testing.T) {
	day1 := asOf.AddDate(0, 0, -3)
	day2 := asOf.AddDate(0, 0, -1)
	entries := []domain.LedgerEntry{
		entry(domain.ChangeSale, -5, day1),
		entry(domain.ChangeDamaged, -3, day1.Add(time.Hour)),
		entry(domain.ChangeSale, -4, day2),
		entry(domain.ChangeRestock, 50, day2),
		entry(domain.ChangeAdjustment, -20, day2),
		entry(domain.ChangeSale, -100, asOf.AddDate(0, 0, -15)),
	}

	est := AvgDailyRate("itm", entries, 70, asOf, DefaultWindowDays)
	assert.Equal(t, domain.EstimateFromHistory, est.Source)
	assert.Equal(t, 12, est.TotalConsumed)
	assert.Equal(t, 2, est.ActiveDays)
	assert.Equal(t, 6, est.AvgDailyRate)
}

func TestAvgDailyRateRoundsHalfUpAndFloorsAtOne(t *testing.T) {
	est := AvgDailyRate("itm", []domain.LedgerEntry{
		entry(domain.ChangeSale, -3, asOf.AddDate(0, 0, -2)),
		entry(domain.ChangeSale, -2, asOf.AddDate(0, 0, -1)),
	}, 0, asOf, DefaultWindowDays)
	assert.Equal(t, 3, est.AvgDailyRate)

	// A zero-quantity sale cannot happen through the mutator but must not
	// produce a zero rate.
	est = AvgDailyRate("itm", []domain.LedgerEntry{entry(domain.ChangeSale, 0, asOf)}, 0, asOf, DefaultWindowDays)
	assert.Equal(t, 1, est.AvgDailyRate)
}

func TestAvgDailyRateBucketsByUTCDay(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*60*60)
	// Both instants fall on 2025-05-19 in UTC but on different local days.
	a := time.Date(2025, 5, 19, 23, 30, 0, 0, jakarta)
	b := time.Date(2025, 5, 20, 6, 30, 0, 0, jakarta)

	est := AvgDailyRate("itm", []domain.LedgerEntry{
		entry(domain.ChangeSale, -4, a),
		entry(domain.ChangeSale, -4, b),
	}, 0, asOf, DefaultWindowDays)
	assert.Equal(t, 1, est.ActiveDays)
	assert.Equal(t, 8, est.AvgDailyRate)
}

func TestComputeForecast(t *testing.T) {
	f := Compute(domain.Item{ID: "a", Quantity: 100}, 5)
	assert.Equal(t, 20, f.PredictedDaysLeft)
	assert.Equal(t, 70, f.SuggestedReorderQty)

	f = Compute(domain.Item{ID: "b", Quantity: 310}, 1)
	assert.Equal(t, MaxDaysLeft, f.PredictedDaysLeft)
	assert.Equal(t, 14, f.SuggestedReorderQty)

	f = Compute(domain.Item{ID: "c", Quantity: 0}, 4)
	assert.Equal(t, 0, f.PredictedDaysLeft)
	assert.Equal(t, 56, f.SuggestedReorderQty)

	f = Compute(domain.Item{ID: "d", Quantity: 5}, 0)
	assert.Equal(t, 5, f.PredictedDaysLeft)

	f = Compute(domain.Item{ID: "e", Quantity: 5}, 2)
	assert.Equal(t, 3, f.PredictedDaysLeft)
}

func TestUrgencyAndReorderHint(t *testing.T) {
	assert.Equal(t, domain.UrgencyCritical, Urgency(0))
	assert.Equal(t, domain.UrgencyCritical, Urgency(3))
	assert.Equal(t, domain.UrgencyWarning, Urgency(4))
	assert.Equal(t, domain.UrgencyWarning, Urgency(10))
	assert.Equal(t, domain.UrgencyOK, Urgency(11))

	item := domain.Item{ID: "x", Quantity: 12, ReorderLevel: 5}
	insight := Insight(item, domain.ConsumptionEstimate{ItemID: "x", AvgDailyRate: 2})
	assert.Equal(t, 6, insight.Forecast.PredictedDaysLeft)
	assert.True(t, insight.ReorderRecommended)
	assert.False(t, insight.LowStock)
	assert.Equal(t, domain.UrgencyWarning, insight.Urgency)

	empty := domain.Item{ID: "y", Quantity: 0, ReorderLevel: 5}
	insight = Insight(empty, domain.ConsumptionEstimate{ItemID: "y", AvgDailyRate: 1})
	assert.False(t, insight.ReorderRecommended)
	assert.True(t, insight.LowStock)
	assert.Equal(t, domain.UrgencyCritical, insight.Urgency)
}

func TestHealthEmptyInventory(t *testing.T) {
	h := Health(nil, nil, 0)
	assert.Equal(t, 100, h.Score)
	assert.Equal(t, domain.HealthGood, h.Label)
	assert.Equal(t, MaxDaysLeft, h.AvgDaysLeft)
}

func TestHealthPenalisesLowStock(t *testing.T) {
	items := make([]domain.Item, 10)
	forecasts := map[string]domain.Forecast{}
	for i := range items {
		items[i] = domain.Item{ID: string(rune('a' + i)), Quantity: 100, ReorderLevel: 10}
		if i < 4 {
			items[i].Quantity = 10
		}
		forecasts[items[i].ID] = domain.Forecast{PredictedDaysLeft: 30}
	}

	h := Health(items, forecasts, 0)
	assert.Equal(t, 94, h.Score)
	assert.Equal(t, domain.HealthGood, h.Label)
	assert.Equal(t, 4, h.LowStockCount)
	assert.Equal(t, 30, h.AvgDaysLeft)
}

func TestHealthLabelsAndClamp(t *testing.T) {
	items := []domain.Item{
		{ID: "a", Quantity: 0, ReorderLevel: 5},
		{ID: "b", Quantity: 1, ReorderLevel: 5},
		{ID: "c", Quantity: 50, ReorderLevel: 5},
		{ID: "d", Quantity: 50, ReorderLevel: 5},
		{ID: "e", Quantity: 50, ReorderLevel: 5},
	}
	zero := map[string]domain.Forecast{}
	for _, it := range items {
		zero[it.ID] = domain.Forecast{PredictedDaysLeft: 0}
	}

	h := Health(items, zero, 2)
	assert.Equal(t, 72, h.Score)
	assert.Equal(t, domain.HealthWatch, h.Label)
	assert.Equal(t, 0, h.AvgDaysLeft)
	assert.Equal(t, 2, h.ExpiringCount)

	h = Health(items[:2], zero, 50)
	assert.Equal(t, 30, h.Score)
	assert.Equal(t, domain.HealthCritical, h.Label)
}

func TestHealthRoundsAverageDaysLeft(t *testing.T) {
	items := []domain.Item{{ID: "a", Quantity: 9}, {ID: "b", Quantity: 9}}
	h := Health(items, map[string]domain.Forecast{
		"a": {PredictedDaysLeft: 1},
		"b": {PredictedDaysLeft: 2},
	}, 0)
	assert.Equal(t, 2, h.AvgDaysLeft)
	// 100 + 1.5/30*10 = 100.5, clamped.
	assert.Equal(t, 100, h.Score)
}

type fixedJitter float64

func (f fixedJitter) Float64() float64 { return float64(f) }

func TestProjectShape(t *testing.T) {
	item := domain.Item{ID: "itm", Quantity: 30}
	p := Project(item, 5, asOf, nil)

	require.Len(t, p.Points, 15)
	assert.Equal(t, "2025-05-13", p.Points[0].Date)
	assert.Equal(t, "2025-05-20", p.Points[7].Date)
	assert.Equal(t, "2025-05-27", p.Points[14].Date)

	require.NotNil(t, p.Points[0].Actual)
	assert.Equal(t, 65, *p.Points[0].Actual)
	assert.Nil(t, p.Points[0].Predicted)

	assert.Equal(t, 30, *p.Points[7].Actual)
	assert.Equal(t, 30, *p.Points[7].Predicted)

	assert.Nil(t, p.Points[8].Actual)
	assert.Equal(t, 25, *p.Points[8].Predicted)
	assert.Equal(t, 0, *p.Points[14].Predicted)
}

func TestProjectJitterStaysWithinBand(t *testing.T) {
	item := domain.Item{ID: "itm", Quantity: 500}
	rate := 20

	low := Project(item, rate, asOf, fixedJitter(0))
	assert.Equal(t, 474, *low.Points[8].Predicted)

	mid := Project(item, rate, asOf, fixedJitter(0.5))
	assert.Equal(t, 480, *mid.Points[8].Predicted)

	rng := rand.New(rand.NewPCG(7, 11))
	for range 50 {
		p := Project(item, rate, asOf, rng)
		for i := 1; i <= 7; i++ {
			got := *p.Points[7+i].Predicted
			base := item.Quantity - rate*i
			assert.GreaterOrEqual(t, got, base-6)
			assert.LessOrEqual(t, got, base+6)
		}
	}
}
