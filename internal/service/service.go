package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
	"github.com/shlokie19/invi-ware-nexus/internal/forecast"
	"github.com/shlokie19/invi-ware-nexus/internal/insight"
	"github.com/shlokie19/invi-ware-nexus/internal/metrics"
	"github.com/shlokie19/invi-ware-nexus/internal/store"
)

var ErrAdminRequired = errors.New("admin role required")

const (
	DefaultExpiryWindowDays = 7
	maxExpiryWindowDays     = 365
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo             store.Repository
	engine           *insight.Engine
	logger           *zap.Logger
	now              func() time.Time
	jitter           forecast.Jitter
	expiryWindowDays int
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJitter sets the noise source of item projections. Nil draws a straight line.
func WithJitter(j forecast.Jitter) Option {
	return func(s *Service) { s.jitter = j }
}

func WithExpiryWindow(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.expiryWindowDays = min(days, maxExpiryWindowDays)
		}
	}
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

func New(repo store.Repository, engine *insight.Engine, opts ...Option) *Service {
	s := &Service{
		repo:             repo,
		engine:           engine,
		logger:           zap.NewNop(),
		now:              time.Now,
		jitter:           globalRand{},
		expiryWindowDays: DefaultExpiryWindowDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = insight.NewEngine(repo, nil, 0, s.logger)
	}
	return s
}

// AdjustStock applies one signed quantity change to an item and appends the
// matching ledger entry. The caller's username is recorded on the entry.
func (s *Service) AdjustStock(ctx context.Context, itemID string, req domain.AdjustmentRequest) (domain.AdjustmentResult, error) {
	adj := domain.StockAdjustment{
		ItemID:     strings.TrimSpace(itemID),
		ChangeType: req.ChangeType,
		Delta:      req.QuantityChange,
		Note:       strings.TrimSpace(req.Note),
	}
	if adj.ChangeType == domain.ChangeMove && adj.Note == "" {
		adj.Note = moveNote(req.FromLocation, req.ToLocation)
	}
	if actor, ok := ActorFromContext(ctx); ok {
		adj.Actor = actor.Username
	}

	started := time.Now()
	res, err := s.repo.AdjustStock(ctx, adj)
	metrics.AdjustmentDuration.Observe(time.Since(started).Seconds())

	fields := []zap.Field{
		zap.String("item_id", adj.ItemID),
		zap.String("change_type", string(adj.ChangeType)),
		zap.Int("delta", adj.Delta),
	}
	if err != nil {
		kind := store.Kind(err)
		metrics.StockAdjustments.WithLabelValues(string(adj.ChangeType), kind).Inc()
		fields = append(fields, zap.String("error_kind", kind), zap.Error(err))
		if kind == store.KindPersistence {
			s.logger.Error("stock adjustment failed", fields...)
		} else {
			s.logger.Warn("stock adjustment rejected", fields...)
		}
		return domain.AdjustmentResult{}, err
	}

	metrics.StockAdjustments.WithLabelValues(string(adj.ChangeType), metrics.OutcomeApplied).Inc()
	s.logger.Info("stock adjusted", append(fields,
		zap.Int("previous_quantity", res.PreviousQuantity),
		zap.Int("new_quantity", res.NewQuantity),
		zap.Int64("seq", res.Entry.Seq),
	)...)
	return *res, nil
}

func moveNote(from string, to string) string {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	switch {
	case from != "" && to != "":
		return fmt.Sprintf("Moved from %s to %s", from, to)
	case to != "":
		return "Moved to " + to
	case from != "":
		return "Moved from " + from
	default:
		return ""
	}
}

// CreateItem registers an item with its batches. Without an explicit quantity
// the item starts with the sum of its batch quantities.
func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.ItemDetail, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.ItemDetail{}, ErrAdminRequired
	}

	batches := make([]domain.Batch, 0, len(req.Batches))
	batchTotal := 0
	for _, b := range req.Batches {
		number := strings.TrimSpace(b.BatchNumber)
		if number == "" {
			return domain.ItemDetail{}, fmt.Errorf("%w: batch number is required", store.ErrValidation)
		}
		if b.Quantity < 0 || b.Quantity > domain.MaxQuantity {
			return domain.ItemDetail{}, fmt.Errorf("%w: batch quantity must be between 0 and %d", store.ErrValidation, domain.MaxQuantity)
		}
		batch := domain.Batch{BatchNumber: number, Quantity: b.Quantity}
		if raw := strings.TrimSpace(b.ExpiryDate); raw != "" {
			expiry, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				return domain.ItemDetail{}, fmt.Errorf("%w: expiry date must be YYYY-MM-DD", store.ErrValidation)
			}
			batch.ExpiryDate = &expiry
		}
		batchTotal += b.Quantity
		if batchTotal > domain.MaxQuantity {
			return domain.ItemDetail{}, fmt.Errorf("%w: batch total exceeds %d", store.ErrValidation, domain.MaxQuantity)
		}
		batches = append(batches, batch)
	}

	quantity := batchTotal
	if req.Quantity != nil {
		if len(batches) > 0 && *req.Quantity != batchTotal {
			return domain.ItemDetail{}, fmt.Errorf("%w: quantity %d does not match batch total %d", store.ErrValidation, *req.Quantity, batchTotal)
		}
		quantity = *req.Quantity
	}
	if quantity < 0 || quantity > domain.MaxQuantity {
		return domain.ItemDetail{}, fmt.Errorf("%w: quantity must be between 0 and %d", store.ErrValidation, domain.MaxQuantity)
	}

	item := domain.Item{
		Name:         strings.TrimSpace(req.Name),
		SKU:          strings.ToUpper(strings.TrimSpace(req.SKU)),
		Unit:         strings.TrimSpace(req.Unit),
		Quantity:     quantity,
		ReorderLevel: req.ReorderLevel,
	}
	created, err := s.repo.CreateItem(ctx, item, batches)
	if err != nil {
		return domain.ItemDetail{}, err
	}
	stored, err := s.repo.ListBatches(ctx, created.ID)
	if err != nil {
		return domain.ItemDetail{}, err
	}
	s.logger.Info("item created",
		zap.String("item_id", created.ID),
		zap.String("actor", actor.Username),
		zap.Int("quantity", created.Quantity),
		zap.Int("batches", len(stored)),
	)
	return domain.ItemDetail{Item: *created, Batches: stored}, nil
}

func (s *Service) GetItem(ctx context.Context, itemID string) (domain.ItemDetail, error) {
	item, err := s.repo.GetItem(ctx, strings.TrimSpace(itemID))
	if err != nil {
		return domain.ItemDetail{}, err
	}
	batches, err := s.repo.ListBatches(ctx, item.ID)
	if err != nil {
		return domain.ItemDetail{}, err
	}
	return domain.ItemDetail{Item: *item, Batches: batches}, nil
}

func (s *Service) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.repo.ListItems(ctx)
}

func (s *Service) LowStockItems(ctx context.Context) ([]domain.Item, error) {
	return s.repo.ListLowStockItems(ctx)
}

// ExpiringBatches lists batches expiring within withinDays of today; a
// non-positive window uses the configured default.
func (s *Service) ExpiringBatches(ctx context.Context, withinDays int) ([]domain.Batch, error) {
	if withinDays <= 0 {
		withinDays = s.expiryWindowDays
	}
	return s.repo.ListExpiringBatches(ctx, s.now(), min(withinDays, maxExpiryWindowDays))
}

func (s *Service) ItemInsight(ctx context.Context, itemID string) (domain.ItemInsight, error) {
	item, err := s.repo.GetItem(ctx, strings.TrimSpace(itemID))
	if err != nil {
		return domain.ItemInsight{}, err
	}
	return s.engine.Evaluate(ctx, *item, s.now())
}

func (s *Service) InventoryInsights(ctx context.Context) (domain.InventoryInsights, error) {
	asOf := s.now()
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return domain.InventoryInsights{}, err
	}
	expiring, err := s.repo.CountExpiringBatches(ctx, asOf, s.expiryWindowDays)
	if err != nil {
		return domain.InventoryInsights{}, err
	}
	return s.engine.Inventory(ctx, items, expiring, asOf)
}

func (s *Service) HealthScore(ctx context.Context) (domain.HealthScore, error) {
	insights, err := s.InventoryInsights(ctx)
	if err != nil {
		return domain.HealthScore{}, err
	}
	return insights.Health, nil
}

// ItemProjection draws the chart series for one item from its current usage rate.
func (s *Service) ItemProjection(ctx context.Context, itemID string) (domain.ItemProjection, error) {
	in, err := s.ItemInsight(ctx, itemID)
	if err != nil {
		return domain.ItemProjection{}, err
	}
	return forecast.Project(in.Item, in.Estimate.AvgDailyRate, s.now(), s.jitter), nil
}

func (s *Service) ItemLedger(ctx context.Context, itemID string, limit int) ([]domain.LedgerEntry, error) {
	return s.repo.ListItemLedger(ctx, strings.TrimSpace(itemID), limit)
}

// ListLedger returns the filtered history, newest first, with totals over the
// returned entries.
func (s *Service) ListLedger(ctx context.Context, filter domain.LedgerFilter) (domain.LedgerView, error) {
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return domain.LedgerView{}, fmt.Errorf("%w: from must not be after to", store.ErrValidation)
	}
	for _, ct := range filter.ChangeTypes {
		if !ct.Valid() {
			return domain.LedgerView{}, fmt.Errorf("%w: unknown change type %s", store.ErrValidation, ct)
		}
	}
	filter.Search = strings.TrimSpace(filter.Search)

	entries, err := s.repo.ListLedger(ctx, filter)
	if err != nil {
		return domain.LedgerView{}, err
	}
	return domain.LedgerView{Entries: entries, Totals: LedgerTotals(entries)}, nil
}

func LedgerTotals(entries []domain.LedgerEntry) domain.LedgerTotals {
	var totals domain.LedgerTotals
	sales := 0
	for _, e := range entries {
		if e.ChangeType == domain.ChangeSale {
			sales += e.QuantityDelta
		}
		if e.ChangeType == domain.ChangeRestock || e.QuantityDelta > 0 {
			totals.TotalRestocks += abs(e.QuantityDelta)
		}
		totals.NetMovement += e.QuantityDelta
	}
	totals.TotalSales = abs(sales)
	return totals
}

func (s *Service) ReorderSuggestions(ctx context.Context) (domain.ReorderSuggestionResponse, error) {
	insights, err := s.InventoryInsights(ctx)
	if err != nil {
		return domain.ReorderSuggestionResponse{}, err
	}
	return domain.ReorderSuggestionResponse{
		GeneratedAt: insights.AsOf.Format(time.RFC3339),
		Suggestions: insight.ReorderSuggestions(insights.Items),
	}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
