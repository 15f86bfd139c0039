package insight

import (
	"cmp"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shlokie19/invi-ware-nexus/internal/cache"
	"github.com/shlokie19/invi-ware-nexus/internal/domain"
	"github.com/shlokie19/invi-ware-nexus/internal/forecast"
	"github.com/shlokie19/invi-ware-nexus/internal/metrics"
)

// ConsumptionSource supplies the sale and damaged entries of one item.
type ConsumptionSource interface {
	ListConsumption(ctx context.Context, itemID string, from time.Time, to time.Time) ([]domain.LedgerEntry, error)
}

type Engine struct {
	source     ConsumptionSource
	cache      cache.InsightCache
	cacheTTL   time.Duration
	windowDays int
	logger     *zap.Logger
}

func NewEngine(source ConsumptionSource, cacheStore cache.InsightCache, cacheTTL time.Duration, logger *zap.Logger) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopInsightCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:     source,
		cache:      cacheStore,
		cacheTTL:   cacheTTL,
		windowDays: forecast.DefaultWindowDays,
		logger:     logger,
	}
}

// Evaluate returns the usage estimate, forecast and flags for one item as of
// asOf. Results are cached under the item's version, so any committed
// adjustment changes the key.
func (e *Engine) Evaluate(ctx context.Context, item domain.Item, asOf time.Time) (domain.ItemInsight, error) {
	key := buildCacheKey(item, asOf, e.windowDays)
	cached, ok, err := e.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.InsightCacheLookups.WithLabelValues(metrics.CacheError).Inc()
		e.logger.Warn("insight cache read failed", zap.String("item_id", item.ID), zap.Error(err))
	case ok:
		metrics.InsightCacheLookups.WithLabelValues(metrics.CacheHit).Inc()
		return *cached, nil
	default:
		metrics.InsightCacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
	}

	from := asOf.Add(-time.Duration(e.windowDays) * 24 * time.Hour)
	entries, err := e.source.ListConsumption(ctx, item.ID, from, asOf)
	if err != nil {
		return domain.ItemInsight{}, err
	}
	est := forecast.AvgDailyRate(item.ID, entries, item.ReorderLevel, asOf, e.windowDays)
	result := forecast.Insight(item, est)

	if err := e.cache.Set(ctx, key, &result, e.cacheTTL); err != nil {
		e.logger.Warn("insight cache write failed", zap.String("item_id", item.ID), zap.Error(err))
	}
	return result, nil
}

// Inventory evaluates every item and rolls the forecasts up into a health
// score. Insights come back in the order of items.
func (e *Engine) Inventory(ctx context.Context, items []domain.Item, expiringBatches int, asOf time.Time) (domain.InventoryInsights, error) {
	insights := make([]domain.ItemInsight, 0, len(items))
	forecasts := make(map[string]domain.Forecast, len(items))
	for _, item := range items {
		in, err := e.Evaluate(ctx, item, asOf)
		if err != nil {
			return domain.InventoryInsights{}, fmt.Errorf("evaluate item %s: %w", item.ID, err)
		}
		insights = append(insights, in)
		forecasts[item.ID] = in.Forecast
	}
	return domain.InventoryInsights{
		AsOf:   asOf.UTC(),
		Items:  insights,
		Health: forecast.Health(items, forecasts, expiringBatches),
	}, nil
}

// ReorderSuggestions lists items that are low on stock or will run out within
// a week, soonest first.
func ReorderSuggestions(insights []domain.ItemInsight) []domain.ReorderSuggestion {
	out := make([]domain.ReorderSuggestion, 0, len(insights))
	for _, in := range insights {
		if !in.LowStock && !in.ReorderRecommended {
			continue
		}
		out = append(out, domain.ReorderSuggestion{
			ItemID:              in.Item.ID,
			Name:                in.Item.Name,
			SKU:                 in.Item.SKU,
			CurrentStock:        in.Item.Quantity,
			ReorderLevel:        in.Item.ReorderLevel,
			PredictedDaysLeft:   in.Forecast.PredictedDaysLeft,
			AvgDailyRate:        in.Estimate.AvgDailyRate,
			SuggestedReorderQty: in.Forecast.SuggestedReorderQty,
		})
	}
	slices.SortFunc(out, func(a, b domain.ReorderSuggestion) int {
		if c := cmp.Compare(a.PredictedDaysLeft, b.PredictedDaysLeft); c != 0 {
			return c
		}
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return out
}

func buildCacheKey(item domain.Item, asOf time.Time, windowDays int) string {
	parts := []string{
		item.ID,
		fmt.Sprintf("v:%d", item.Version),
		fmt.Sprintf("q:%d", item.Quantity),
		fmt.Sprintf("r:%d", item.ReorderLevel),
		fmt.Sprintf("w:%d", windowDays),
		"t:" + asOf.UTC().Truncate(time.Minute).Format(time.RFC3339),
	}
	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "stock:insight:" + hex.EncodeToString(hash[:])
}
