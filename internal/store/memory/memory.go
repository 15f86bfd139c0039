package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
	"github.com/shlokie19/invi-ware-nexus/internal/store"
	"github.com/shlokie19/invi-ware-nexus/internal/xid"
)

const defaultLockTimeout = 2 * time.Second

// Store keeps items, their batches and ledgers in process memory. Writers to
// one item are serialized by that item's semaphore; the store-level mutex only
// guards the maps, so adjustments to different items never wait on each other.
type Store struct {
	mu              sync.RWMutex
	items           map[string]*itemState
	usersByUsername map[string]domain.UserAccount

	now         func() time.Time
	lockTimeout time.Duration
}

type itemState struct {
	// sem is the single-writer slot. Holding it is the equivalent of the
	// row lock taken by SELECT ... FOR UPDATE.
	sem chan struct{}

	mu      sync.RWMutex
	item    domain.Item
	entries []domain.LedgerEntry
	batches []domain.Batch
}

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests that need fixed ledger times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLockTimeout bounds how long an adjustment waits for a busy item.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		items:           make(map[string]*itemState),
		usersByUsername: make(map[string]domain.UserAccount),
		now:             time.Now,
		lockTimeout:     defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD.
// If unset, dev defaults are used and a warning is logged. The postgres
// store never sees these.
func seedUsers(now time.Time) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		zap.L().Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override")
	}

	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"clerk", clerkPwd, domain.RoleClerk},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users and a small warehouse catalog.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	now := s.now().UTC()
	s.usersByUsername = seedUsers(now)

	day := store.DateUTC(now)
	expiry := func(days int) *time.Time {
		t := day.AddDate(0, 0, days)
		return &t
	}
	seed := []struct {
		item    domain.Item
		batches []domain.Batch
	}{
		{
			item: domain.Item{ID: "itm-phone-15", Name: "iPhone 15 Pro", SKU: "EL-PH-015", Unit: "pcs", ReorderLevel: 15},
			batches: []domain.Batch{
				{BatchNumber: "BATCH-001", Quantity: 25, ExpiryDate: expiry(400)},
				{BatchNumber: "BATCH-002", Quantity: 20, ExpiryDate: expiry(420)},
			},
		},
		{
			item:    domain.Item{ID: "itm-galaxy-s24", Name: "Samsung Galaxy S24", SKU: "EL-PH-024", Unit: "pcs", ReorderLevel: 15},
			batches: []domain.Batch{{BatchNumber: "BATCH-003", Quantity: 12, ExpiryDate: expiry(300)}},
		},
		{
			item:    domain.Item{ID: "itm-macbook-16", Name: "MacBook Pro 16", SKU: "EL-LT-016", Unit: "pcs", ReorderLevel: 10},
			batches: []domain.Batch{{BatchNumber: "BATCH-004", Quantity: 30}},
		},
		{
			item: domain.Item{ID: "itm-water-600", Name: "Bottled Water", SKU: "FD-BV-600", Unit: "bottle", ReorderLevel: 100},
			batches: []domain.Batch{
				{BatchNumber: "BATCH-005", Quantity: 300, ExpiryDate: expiry(5)},
				{BatchNumber: "BATCH-006", Quantity: 200, ExpiryDate: expiry(60)},
			},
		},
	}
	for _, row := range seed {
		qty := 0
		for _, b := range row.batches {
			qty += b.Quantity
		}
		row.item.Quantity = qty
		if _, err := s.CreateItem(context.Background(), row.item, row.batches); err != nil {
			zap.L().Fatal("seed item", zap.String("item_id", row.item.ID), zap.Error(err))
		}
	}
	return s
}

func (s *Store) state(itemID string) (*itemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.items[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st, nil
}

func (s *Store) snapshot() []*itemState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*itemState, 0, len(s.items))
	for _, st := range s.items {
		out = append(out, st)
	}
	return out
}

// acquire takes the item's writer slot, giving up after timeout.
func (st *itemState) acquire(ctx context.Context, itemID string, timeout time.Duration) (func(), error) {
	release := func() { <-st.sem }
	select {
	case st.sem <- struct{}{}:
		return release, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case st.sem <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: item %s is busy", store.ErrConcurrencyConflict, itemID)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, ctx.Err())
	}
}

func (s *Store) AdjustStock(ctx context.Context, adj domain.StockAdjustment) (*domain.AdjustmentResult, error) {
	if err := store.ValidateAdjustment(adj); err != nil {
		return nil, err
	}
	st, err := s.state(adj.ItemID)
	if err != nil {
		return nil, err
	}
	release, err := st.acquire(ctx, adj.ItemID, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	st.mu.RLock()
	current := st.item
	var lastAt time.Time
	if n := len(st.entries); n > 0 {
		lastAt = st.entries[n-1].CreatedAt
	}
	st.mu.RUnlock()

	next, err := store.ApplyDelta(current.Quantity, adj.Delta)
	if err != nil {
		return nil, err
	}

	at := s.now().UTC()
	if at.Before(lastAt) {
		at = lastAt
	}
	entry := domain.LedgerEntry{
		ID:               xid.New("led"),
		ItemID:           current.ID,
		Seq:              current.Version + 1,
		ChangeType:       adj.ChangeType,
		QuantityDelta:    adj.Delta,
		PreviousQuantity: current.Quantity,
		NewQuantity:      next,
		Note:             strings.TrimSpace(adj.Note),
		CreatedBy:        adj.Actor,
		CreatedAt:        at,
	}

	st.mu.Lock()
	st.item.Quantity = next
	st.item.Version = entry.Seq
	st.item.UpdatedAt = at
	st.entries = append(st.entries, entry)
	st.mu.Unlock()

	return &domain.AdjustmentResult{
		PreviousQuantity: entry.PreviousQuantity,
		NewQuantity:      entry.NewQuantity,
		Entry:            entry,
	}, nil
}

func (s *Store) ListConsumption(_ context.Context, itemID string, from time.Time, to time.Time) ([]domain.LedgerEntry, error) {
	st, err := s.state(itemID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]domain.LedgerEntry, 0)
	for _, e := range st.entries {
		if !e.ChangeType.Consumption() {
			continue
		}
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ListItemLedger(_ context.Context, itemID string, limit int) ([]domain.LedgerEntry, error) {
	st, err := s.state(itemID)
	if err != nil {
		return nil, err
	}
	limit = store.NormalizeLimit(limit, 100, 1000)

	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0, min(limit, len(st.entries)))
	for i := len(st.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, st.entries[i])
	}
	return out, nil
}

func (s *Store) ListLedger(_ context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	limit := store.NormalizeLimit(filter.Limit, 200, 1000)
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	out := make([]domain.LedgerEntry, 0)
	for _, st := range s.snapshot() {
		st.mu.RLock()
		if filter.ItemID != "" && st.item.ID != filter.ItemID {
			st.mu.RUnlock()
			continue
		}
		item := st.item
		for _, e := range st.entries {
			if len(filter.ChangeTypes) > 0 && !slices.Contains(filter.ChangeTypes, e.ChangeType) {
				continue
			}
			if filter.From != nil && e.CreatedAt.Before(*filter.From) {
				continue
			}
			if filter.To != nil && e.CreatedAt.After(*filter.To) {
				continue
			}
			if search != "" && !matchesSearch(search, e, item) {
				continue
			}
			out = append(out, e)
		}
		st.mu.RUnlock()
	}

	slices.SortFunc(out, func(a, b domain.LedgerEntry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ItemID, b.ItemID); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesSearch(search string, e domain.LedgerEntry, item domain.Item) bool {
	return strings.Contains(strings.ToLower(e.Note), search) ||
		strings.Contains(strings.ToLower(item.Name), search) ||
		strings.Contains(strings.ToLower(item.SKU), search)
}

func (s *Store) CreateItem(_ context.Context, item domain.Item, batches []domain.Batch) (*domain.Item, error) {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return nil, fmt.Errorf("%w: item name is required", store.ErrValidation)
	}
	if item.Quantity < 0 || item.ReorderLevel < 0 || item.Quantity > domain.MaxQuantity || item.ReorderLevel > domain.MaxQuantity {
		return nil, fmt.Errorf("%w: quantity and reorder level must be between 0 and %d", store.ErrValidation, domain.MaxQuantity)
	}
	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	now := s.now().UTC()
	item.Version = 0
	item.CreatedAt = now
	item.UpdatedAt = now

	stored := make([]domain.Batch, 0, len(batches))
	for _, b := range batches {
		if b.Quantity < 0 || b.Quantity > domain.MaxQuantity {
			return nil, fmt.Errorf("%w: batch quantity must be between 0 and %d", store.ErrValidation, domain.MaxQuantity)
		}
		if b.ID == "" {
			b.ID = xid.New("bat")
		}
		b.ItemID = item.ID
		stored = append(stored, cloneBatch(b))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return nil, fmt.Errorf("%w: item %s already exists", store.ErrValidation, item.ID)
	}
	s.items[item.ID] = &itemState{
		sem:     make(chan struct{}, 1),
		item:    item,
		entries: make([]domain.LedgerEntry, 0, 16),
		batches: stored,
	}
	dup := item
	return &dup, nil
}

func (s *Store) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	st, err := s.state(itemID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	dup := st.item
	return &dup, nil
}

func (s *Store) ListItems(_ context.Context) ([]domain.Item, error) {
	return s.filterItems(func(domain.Item) bool { return true }), nil
}

func (s *Store) ListLowStockItems(_ context.Context) ([]domain.Item, error) {
	return s.filterItems(domain.Item.LowStock), nil
}

func (s *Store) filterItems(keep func(domain.Item) bool) []domain.Item {
	out := make([]domain.Item, 0)
	for _, st := range s.snapshot() {
		st.mu.RLock()
		item := st.item
		st.mu.RUnlock()
		if keep(item) {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b domain.Item) int {
		if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) ListBatches(_ context.Context, itemID string) ([]domain.Batch, error) {
	st, err := s.state(itemID)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]domain.Batch, 0, len(st.batches))
	for _, b := range st.batches {
		out = append(out, cloneBatch(b))
	}
	return out, nil
}

// ListExpiringBatches returns batches whose expiry date falls between asOf's
// calendar day and withinDays after it, inclusive. Already expired batches
// are not reported.
func (s *Store) ListExpiringBatches(_ context.Context, asOf time.Time, withinDays int) ([]domain.Batch, error) {
	start := store.DateUTC(asOf)
	end := start.AddDate(0, 0, max(withinDays, 0))

	out := make([]domain.Batch, 0)
	for _, st := range s.snapshot() {
		st.mu.RLock()
		for _, b := range st.batches {
			if b.ExpiryDate == nil {
				continue
			}
			exp := store.DateUTC(*b.ExpiryDate)
			if exp.Before(start) || exp.After(end) {
				continue
			}
			out = append(out, cloneBatch(b))
		}
		st.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b domain.Batch) int {
		if c := a.ExpiryDate.Compare(*b.ExpiryDate); c != 0 {
			return c
		}
		return cmp.Compare(a.BatchNumber, b.BatchNumber)
	})
	return out, nil
}

func (s *Store) CountExpiringBatches(ctx context.Context, asOf time.Time, withinDays int) (int, error) {
	batches, err := s.ListExpiringBatches(ctx, asOf, withinDays)
	if err != nil {
		return 0, err
	}
	return len(batches), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: user %s already exists", store.ErrValidation, username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneBatch(src domain.Batch) domain.Batch {
	dup := src
	if src.ExpiryDate != nil {
		t := *src.ExpiryDate
		dup.ExpiryDate = &t
	}
	return dup
}
