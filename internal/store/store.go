package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPersistence         = errors.New("persistence error")
)

const (
	KindValidation   = "validation_error"
	KindInsufficient = "insufficient_stock"
	KindConflict     = "concurrency_conflict"
	KindPersistence  = "persistence_error"
	KindNotFound     = "not_found"
)

// Kind maps an error to the wire name of its failure class. Unclassified
// errors are reported as persistence errors.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficient
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindPersistence
	}
}

// Retryable reports whether the failed call may succeed when repeated unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// Ledger is the append-only stock history plus the item rows it keeps in step.
// AdjustStock is the only method that changes an item's quantity.
type Ledger interface {
	AdjustStock(ctx context.Context, adj domain.StockAdjustment) (*domain.AdjustmentResult, error)
	ListConsumption(ctx context.Context, itemID string, from time.Time, to time.Time) ([]domain.LedgerEntry, error)
	ListItemLedger(ctx context.Context, itemID string, limit int) ([]domain.LedgerEntry, error)
	ListLedger(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error)
}

type Catalog interface {
	CreateItem(ctx context.Context, item domain.Item, batches []domain.Batch) (*domain.Item, error)
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)
	ListItems(ctx context.Context) ([]domain.Item, error)
	ListLowStockItems(ctx context.Context) ([]domain.Item, error)
	ListBatches(ctx context.Context, itemID string) ([]domain.Batch, error)
	ListExpiringBatches(ctx context.Context, asOf time.Time, withinDays int) ([]domain.Batch, error)
	CountExpiringBatches(ctx context.Context, asOf time.Time, withinDays int) (int, error)
}

type Users interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Ledger
	Catalog
	Users
}

// ValidateAdjustment checks the sign rules of each change type and the note
// requirement for damaged stock. It does not look at the current quantity.
func ValidateAdjustment(adj domain.StockAdjustment) error {
	if strings.TrimSpace(adj.ItemID) == "" {
		return wrap(ErrValidation, "item id is required")
	}
	if adj.Delta < -domain.MaxQuantity || adj.Delta > domain.MaxQuantity {
		return fmt.Errorf("%w: quantity change must be between -%d and %d", ErrValidation, domain.MaxQuantity, domain.MaxQuantity)
	}
	switch adj.ChangeType {
	case domain.ChangeSale, domain.ChangeDamaged:
		if adj.Delta >= 0 {
			return wrap(ErrValidation, string(adj.ChangeType)+" requires a negative quantity change")
		}
	case domain.ChangeRestock:
		if adj.Delta <= 0 {
			return wrap(ErrValidation, "restock requires a positive quantity change")
		}
	case domain.ChangeAdjustment:
		if adj.Delta == 0 {
			return wrap(ErrValidation, "adjustment requires a non-zero quantity change")
		}
	case domain.ChangeMove:
		if adj.Delta != 0 {
			return wrap(ErrValidation, "move must not change quantity")
		}
	default:
		return wrap(ErrValidation, "unknown change type "+string(adj.ChangeType))
	}
	if adj.ChangeType == domain.ChangeDamaged && strings.TrimSpace(adj.Note) == "" {
		return wrap(ErrValidation, "damaged stock requires a note")
	}
	return nil
}

// ApplyDelta computes the next quantity, refusing to go below zero or past
// MaxQuantity.
func ApplyDelta(current int, delta int) (int, error) {
	next := int64(current) + int64(delta)
	if next < 0 {
		return current, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientStock, -int64(delta), current)
	}
	if next > domain.MaxQuantity {
		return current, fmt.Errorf("%w: quantity would exceed %d", ErrValidation, domain.MaxQuantity)
	}
	return int(next), nil
}

// NormalizeLimit clamps list limits the same way for every store.
func NormalizeLimit(limit int, fallback int, max int) int {
	if limit < 1 {
		limit = fallback
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func DateUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func wrap(sentinel error, msg string) error {
	return fmt.Errorf("%w: %s", sentinel, msg)
}
