package domain

import (
	"math"
	"time"
)

// MaxQuantity bounds on-hand quantities and single changes to what the
// ledger columns hold.
const MaxQuantity = math.MaxInt32

type ChangeType string

const (
	ChangeSale       ChangeType = "sale"
	ChangeRestock    ChangeType = "restock"
	ChangeDamaged    ChangeType = "damaged"
	ChangeAdjustment ChangeType = "adjustment"
	ChangeMove       ChangeType = "move"
)

var ChangeTypes = []ChangeType{ChangeSale, ChangeRestock, ChangeDamaged, ChangeAdjustment, ChangeMove}

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeSale, ChangeRestock, ChangeDamaged, ChangeAdjustment, ChangeMove:
		return true
	}
	return false
}

// Consumption reports whether entries of this type count towards the usage rate.
func (c ChangeType) Consumption() bool {
	return c == ChangeSale || c == ChangeDamaged
}

// Item.Quantity is the authoritative on-hand count. Version equals the Seq of
// the latest ledger entry, or 0 before the first mutation.
type Item struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SKU          string    `json:"sku,omitempty"`
	Unit         string    `json:"unit,omitempty"`
	Quantity     int       `json:"quantity"`
	ReorderLevel int       `json:"reorder_level"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (i Item) LowStock() bool {
	return i.Quantity <= i.ReorderLevel
}

type Batch struct {
	ID          string     `json:"id"`
	ItemID      string     `json:"item_id"`
	BatchNumber string     `json:"batch_number"`
	Quantity    int        `json:"quantity"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
}

type LedgerEntry struct {
	ID               string     `json:"id"`
	ItemID           string     `json:"item_id"`
	Seq              int64      `json:"seq"`
	ChangeType       ChangeType `json:"change_type"`
	QuantityDelta    int        `json:"quantity_change"`
	PreviousQuantity int        `json:"previous_quantity"`
	NewQuantity      int        `json:"new_quantity"`
	Note             string     `json:"note,omitempty"`
	CreatedBy        string     `json:"created_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type StockAdjustment struct {
	ItemID     string
	ChangeType ChangeType
	Delta      int
	Note       string
	Actor      string
}

// AdjustmentRequest is the body of an adjustment call. For moves without a
// note the locations produce one.
type AdjustmentRequest struct {
	ChangeType     ChangeType `json:"change_type" validate:"required,oneof=sale restock damaged adjustment move"`
	QuantityChange int        `json:"quantity_change" validate:"gte=-2147483647,lte=2147483647"`
	Note           string     `json:"note" validate:"max=500"`
	FromLocation   string     `json:"from_location,omitempty" validate:"max=64"`
	ToLocation     string     `json:"to_location,omitempty" validate:"max=64"`
}

type AdjustmentResult struct {
	PreviousQuantity int         `json:"previous_quantity"`
	NewQuantity      int         `json:"new_quantity"`
	Entry            LedgerEntry `json:"entry"`
}

type ItemCreateRequest struct {
	Name         string               `json:"name" validate:"required,max=200"`
	SKU          string               `json:"sku" validate:"max=64"`
	Unit         string               `json:"unit" validate:"max=32"`
	ReorderLevel int                  `json:"reorder_level" validate:"gte=0,lte=2147483647"`
	Quantity     *int                 `json:"quantity,omitempty" validate:"omitempty,gte=0,lte=2147483647"`
	Batches      []BatchCreateRequest `json:"batches" validate:"dive"`
}

type BatchCreateRequest struct {
	BatchNumber string `json:"batch_number" validate:"required,max=64"`
	Quantity    int    `json:"quantity" validate:"gte=0,lte=2147483647"`
	ExpiryDate  string `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type ItemDetail struct {
	Item    Item    `json:"item"`
	Batches []Batch `json:"batches"`
}

const (
	EstimateFromHistory      = "history"
	EstimateFromReorderLevel = "reorder_level"
)

type ConsumptionEstimate struct {
	ItemID        string `json:"item_id"`
	AvgDailyRate  int    `json:"avg_daily_rate"`
	WindowDays    int    `json:"window_days"`
	TotalConsumed int    `json:"total_consumed"`
	ActiveDays    int    `json:"active_days"`
	Source        string `json:"source"`
}

type Forecast struct {
	ItemID              string `json:"item_id"`
	PredictedDaysLeft   int    `json:"predicted_days_left"`
	SuggestedReorderQty int    `json:"suggested_reorder_qty"`
}

const (
	UrgencyCritical = "critical"
	UrgencyWarning  = "warning"
	UrgencyOK       = "ok"
)

type ItemInsight struct {
	Item               Item                `json:"item"`
	Estimate           ConsumptionEstimate `json:"estimate"`
	Forecast           Forecast            `json:"forecast"`
	Urgency            string              `json:"urgency"`
	ReorderRecommended bool                `json:"reorder_recommended"`
	LowStock           bool                `json:"low_stock"`
}

const (
	HealthGood     = "Good"
	HealthWatch    = "Watch"
	HealthCritical = "Critical"
)

type HealthScore struct {
	Score         int    `json:"score"`
	Label         string `json:"label"`
	LowStockCount int    `json:"low_stock_count"`
	ExpiringCount int    `json:"expiring_count"`
	AvgDaysLeft   int    `json:"avg_days_left"`
}

type InventoryInsights struct {
	AsOf   time.Time     `json:"as_of"`
	Items  []ItemInsight `json:"items"`
	Health HealthScore   `json:"health"`
}

// ProjectionPoint is one day of the decorative stock chart. Actual is set for
// today and the back-projected days, Predicted for today and the days ahead.
type ProjectionPoint struct {
	Date      string `json:"date"`
	Actual    *int   `json:"actual"`
	Predicted *int   `json:"predicted"`
}

type ItemProjection struct {
	ItemID       string            `json:"item_id"`
	AvgDailyRate int               `json:"avg_daily_rate"`
	Points       []ProjectionPoint `json:"points"`
}

type LedgerFilter struct {
	ItemID      string
	ChangeTypes []ChangeType
	From        *time.Time
	To          *time.Time
	Search      string
	Limit       int
}

type LedgerTotals struct {
	TotalSales    int `json:"total_sales"`
	TotalRestocks int `json:"total_restocks"`
	NetMovement   int `json:"net_movement"`
}

type LedgerView struct {
	Entries []LedgerEntry `json:"entries"`
	Totals  LedgerTotals  `json:"totals"`
}

type ReorderSuggestion struct {
	ItemID              string `json:"item_id"`
	Name                string `json:"name"`
	SKU                 string `json:"sku,omitempty"`
	CurrentStock        int    `json:"current_stock"`
	ReorderLevel        int    `json:"reorder_level"`
	PredictedDaysLeft   int    `json:"predicted_days_left"`
	AvgDailyRate        int    `json:"avg_daily_rate"`
	SuggestedReorderQty int    `json:"suggested_reorder_qty"`
}

type ReorderSuggestionResponse struct {
	GeneratedAt string              `json:"generated_at"`
	Suggestions []ReorderSuggestion `json:"suggestions"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin = "admin"
	RoleClerk = "clerk"
)

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
