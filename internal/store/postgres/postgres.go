package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
	"github.com/shlokie19/invi-ware-nexus/internal/store"
	"github.com/shlokie19/invi-ware-nexus/internal/xid"
)

const defaultLockTimeout = 2 * time.Second

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout bounds how long AdjustStock waits for the item row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db, opts...), nil
}

// NewWithDB wraps an already opened pool.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

const itemColumns = `id, name, sku, unit, quantity, reorder_level, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.Item, error) {
	var item domain.Item
	err := row.Scan(&item.ID, &item.Name, &item.SKU, &item.Unit, &item.Quantity, &item.ReorderLevel,
		&item.Version, &item.CreatedAt, &item.UpdatedAt)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, err
}

const entryColumns = `h.id, h.item_id, h.seq, h.change_type, h.quantity_change, h.previous_quantity, h.new_quantity, h.note, h.created_by, h.created_at`

func scanEntry(row rowScanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var changeType string
	err := row.Scan(&e.ID, &e.ItemID, &e.Seq, &changeType, &e.QuantityDelta, &e.PreviousQuantity,
		&e.NewQuantity, &e.Note, &e.CreatedBy, &e.CreatedAt)
	e.ChangeType = domain.ChangeType(changeType)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, err
}

// AdjustStock locks the item row, checks the change against the locked
// quantity, then writes the ledger entry and the new quantity in one
// READ COMMITTED transaction. The entry time is read after the lock is held
// and never precedes the item's previous entry.
func (s *Store) AdjustStock(ctx context.Context, adj domain.StockAdjustment) (*domain.AdjustmentResult, error) {
	if err := store.ValidateAdjustment(adj); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
		return nil, classify(err)
	}

	item, err := scanItem(tx.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE id = $1
		FOR UPDATE
	`, adj.ItemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}

	next, err := store.ApplyDelta(item.Quantity, adj.Delta)
	if err != nil {
		return nil, err
	}

	entry := domain.LedgerEntry{
		ID:               xid.New("led"),
		ItemID:           item.ID,
		Seq:              item.Version + 1,
		ChangeType:       adj.ChangeType,
		QuantityDelta:    adj.Delta,
		PreviousQuantity: item.Quantity,
		NewQuantity:      next,
		Note:             strings.TrimSpace(adj.Note),
		CreatedBy:        adj.Actor,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO stock_history (
			id, item_id, seq, change_type, quantity_change, previous_quantity, new_quantity,
			note, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, GREATEST(
			clock_timestamp(),
			COALESCE((SELECT max(created_at) FROM stock_history WHERE item_id = $2), '-infinity'::timestamptz)
		))
		RETURNING created_at
	`, entry.ID, entry.ItemID, entry.Seq, string(entry.ChangeType), entry.QuantityDelta,
		entry.PreviousQuantity, entry.NewQuantity, entry.Note, entry.CreatedBy).Scan(&entry.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE items
		SET quantity = $2, version = $3, updated_at = $4
		WHERE id = $1
	`, item.ID, next, entry.Seq, entry.CreatedAt); err != nil {
		return nil, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	return &domain.AdjustmentResult{
		PreviousQuantity: entry.PreviousQuantity,
		NewQuantity:      entry.NewQuantity,
		Entry:            entry,
	}, nil
}

func (s *Store) ListConsumption(ctx context.Context, itemID string, from time.Time, to time.Time) ([]domain.LedgerEntry, error) {
	if err := s.itemExists(ctx, itemID); err != nil {
		return nil, err
	}
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM stock_history h
		WHERE h.item_id = $1
		  AND h.change_type IN ('sale', 'damaged')
		  AND h.created_at BETWEEN $2 AND $3
		ORDER BY h.created_at ASC, h.seq ASC
	`, itemID, from.UTC(), to.UTC())
}

func (s *Store) ListItemLedger(ctx context.Context, itemID string, limit int) ([]domain.LedgerEntry, error) {
	if err := s.itemExists(ctx, itemID); err != nil {
		return nil, err
	}
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM stock_history h
		WHERE h.item_id = $1
		ORDER BY h.seq DESC
		LIMIT $2
	`, itemID, store.NormalizeLimit(limit, 100, 1000))
}

func (s *Store) ListLedger(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 6)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ItemID != "" {
		where = append(where, "h.item_id = "+arg(filter.ItemID))
	}
	if len(filter.ChangeTypes) > 0 {
		types := make([]string, 0, len(filter.ChangeTypes))
		for _, ct := range filter.ChangeTypes {
			types = append(types, string(ct))
		}
		where = append(where, "h.change_type = ANY("+arg(types)+")")
	}
	if filter.From != nil {
		where = append(where, "h.created_at >= "+arg(filter.From.UTC()))
	}
	if filter.To != nil {
		where = append(where, "h.created_at <= "+arg(filter.To.UTC()))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		p := arg("%" + escapeLike(search) + "%")
		where = append(where, "(h.note ILIKE "+p+" OR i.name ILIKE "+p+" OR i.sku ILIKE "+p+")")
	}

	query := `
		SELECT ` + entryColumns + `
		FROM stock_history h
		JOIN items i ON i.id = h.item_id`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY h.created_at DESC, h.item_id ASC, h.seq DESC\n\t\tLIMIT " + arg(store.NormalizeLimit(filter.Limit, 200, 1000))

	return s.queryEntries(ctx, query, args...)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, 32)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify(err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

func (s *Store) itemExists(ctx context.Context, itemID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item, batches []domain.Batch) (*domain.Item, error) {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return nil, fmt.Errorf("%w: item name is required", store.ErrValidation)
	}
	if item.Quantity < 0 || item.ReorderLevel < 0 || item.Quantity > domain.MaxQuantity || item.ReorderLevel > domain.MaxQuantity {
		return nil, fmt.Errorf("%w: quantity and reorder level must be between 0 and %d", store.ErrValidation, domain.MaxQuantity)
	}
	for _, b := range batches {
		if b.Quantity < 0 || b.Quantity > domain.MaxQuantity {
			return nil, fmt.Errorf("%w: batch quantity must be between 0 and %d", store.ErrValidation, domain.MaxQuantity)
		}
	}
	if item.ID == "" {
		item.ID = xid.New("itm")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := scanItem(tx.QueryRowContext(ctx, `
		INSERT INTO items (id, name, sku, unit, quantity, reorder_level, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,now(),now())
		RETURNING `+itemColumns,
		item.ID, item.Name, item.SKU, item.Unit, item.Quantity, item.ReorderLevel))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: item %s already exists", store.ErrValidation, item.ID)
		}
		return nil, classify(err)
	}

	for _, b := range batches {
		if b.ID == "" {
			b.ID = xid.New("bat")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, item_id, batch_number, quantity, expiry_date)
			VALUES ($1,$2,$3,$4,$5)
		`, b.ID, created.ID, b.BatchNumber, b.Quantity, nullDate(b.ExpiryDate)); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: batch %s already exists", store.ErrValidation, b.ID)
			}
			return nil, classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return &created, nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM items ORDER BY lower(name), id`)
}

func (s *Store) ListLowStockItems(ctx context.Context) ([]domain.Item, error) {
	return s.queryItems(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE quantity <= reorder_level
		ORDER BY lower(name), id
	`)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 64)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, classify(err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (s *Store) ListBatches(ctx context.Context, itemID string) ([]domain.Batch, error) {
	if err := s.itemExists(ctx, itemID); err != nil {
		return nil, err
	}
	return s.queryBatches(ctx, `
		SELECT id, item_id, batch_number, quantity, expiry_date
		FROM batches
		WHERE item_id = $1
		ORDER BY expiry_date ASC NULLS LAST, batch_number ASC
	`, itemID)
}

// ListExpiringBatches returns batches expiring from asOf's UTC date through
// withinDays after it, inclusive.
func (s *Store) ListExpiringBatches(ctx context.Context, asOf time.Time, withinDays int) ([]domain.Batch, error) {
	start := store.DateUTC(asOf)
	end := start.AddDate(0, 0, max(withinDays, 0))
	return s.queryBatches(ctx, `
		SELECT id, item_id, batch_number, quantity, expiry_date
		FROM batches
		WHERE expiry_date BETWEEN $1 AND $2
		ORDER BY expiry_date ASC, batch_number ASC
	`, start, end)
}

func (s *Store) CountExpiringBatches(ctx context.Context, asOf time.Time, withinDays int) (int, error) {
	start := store.DateUTC(asOf)
	end := start.AddDate(0, 0, max(withinDays, 0))
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM batches
		WHERE expiry_date BETWEEN $1 AND $2
	`, start, end).Scan(&count); err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 16)
	for rows.Next() {
		var b domain.Batch
		var expiry sql.NullTime
		if err := rows.Scan(&b.ID, &b.ItemID, &b.BatchNumber, &b.Quantity, &expiry); err != nil {
			return nil, classify(err)
		}
		if expiry.Valid {
			d := store.DateUTC(expiry.Time)
			b.ExpiryDate = &d
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return batches, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, true, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already exists", store.ErrValidation, user.Username)
		}
		return classify(err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, classify(err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SQLSTATEs that mean another writer held or raced for the same row.
const (
	sqlStateLockNotAvailable     = "55P03"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// classify maps driver errors onto the store's failure classes. Lock waits,
// serialization failures, deadlocks and a duplicate (item_id, seq) are
// retryable conflicts; everything else is a persistence error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateLockNotAvailable, sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateUniqueViolation:
			return fmt.Errorf("%w: %s (%s)", store.ErrConcurrencyConflict, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("%w: %v", store.ErrPersistence, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateUniqueViolation
	}
	return false
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return store.DateUTC(*val)
}
