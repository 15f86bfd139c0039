package forecast

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
)

const (
	projectionDays = 7
	noiseShare     = 0.3
)

// Jitter supplies uniform values in [0, 1). *math/rand.Rand satisfies it.
type Jitter interface {
	Float64() float64
}

// Project builds the 15-point stock chart around today: a back-projection of
// what stock would have been at a constant rate, today's quantity, and a
// noisy forward projection. It is for display only; forecasts never read it.
// A nil jitter gives a straight line.
func Project(item domain.Item, rate int, today time.Time, jitter Jitter) domain.ItemProjection {
	rate = max(1, rate)
	day := today.UTC()
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	points := make([]domain.ProjectionPoint, 0, 2*projectionDays+1)
	for i := projectionDays; i >= 1; i-- {
		past := item.Quantity + rate*i
		points = append(points, domain.ProjectionPoint{
			Date:   day.AddDate(0, 0, -i).Format(time.DateOnly),
			Actual: &past,
		})
	}

	current := item.Quantity
	predictedToday := item.Quantity
	points = append(points, domain.ProjectionPoint{
		Date:      day.Format(time.DateOnly),
		Actual:    &current,
		Predicted: &predictedToday,
	})

	spread := decimal.NewFromInt(int64(rate)).Mul(decimal.NewFromFloat(noiseShare))
	for i := 1; i <= projectionDays; i++ {
		v := decimal.NewFromInt(int64(item.Quantity - rate*i))
		if jitter != nil {
			// Maps [0, 1) onto [-spread, +spread).
			u := decimal.NewFromFloat(jitter.Float64()*2 - 1)
			v = v.Add(u.Mul(spread))
		}
		predicted := max(0, int(v.Round(0).IntPart()))
		points = append(points, domain.ProjectionPoint{
			Date:      day.AddDate(0, 0, i).Format(time.DateOnly),
			Predicted: &predicted,
		})
	}

	return domain.ItemProjection{ItemID: item.ID, AvgDailyRate: rate, Points: points}
}
