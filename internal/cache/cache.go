package cache

import (
	"context"
	"time"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
)

// InsightCache stores derived per-item insights. Keys carry the item version,
// so entries never need explicit invalidation.
type InsightCache interface {
	Get(ctx context.Context, key string) (*domain.ItemInsight, bool, error)
	Set(ctx context.Context, key string, value *domain.ItemInsight, ttl time.Duration) error
}

type NoopInsightCache struct{}

func (NoopInsightCache) Get(_ context.Context, _ string) (*domain.ItemInsight, bool, error) {
	return nil, false, nil
}

func (NoopInsightCache) Set(_ context.Context, _ string, _ *domain.ItemInsight, _ time.Duration) error {
	return nil
}
