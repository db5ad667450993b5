package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPlaced OrderStatus = "PLACED"
)

// OrderLineItem is a frozen copy of a cart line at placement time.
type OrderLineItem struct {
	MenuItemID        int64           `json:"menu_item_id"`
	Name              string          `json:"name"`
	Selections        []int64         `json:"selections"`
	SelectionLabels   []string        `json:"selection_labels"`
	Quantity          int             `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	CustomizationCost decimal.Decimal `json:"customization_cost"`
	LineTotal         decimal.Decimal `json:"line_total"`
}

// Order is immutable once created and outlives the session it came from.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      string          `json:"session_id"`
	TableContext   string          `json:"table_context"`
	Status         OrderStatus     `json:"status"`
	Currency       string          `json:"currency"`
	Items          []OrderLineItem `json:"items"`
	Total          decimal.Decimal `json:"total"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PriceDiscrepancy is attached to a successful placement when the catalog
// price changed after the line was added.
type PriceDiscrepancy struct {
	LineItemID        string          `json:"line_item_id"`
	MenuItemID        int64           `json:"menu_item_id"`
	Name              string          `json:"name"`
	SnapshotUnitPrice decimal.Decimal `json:"snapshot_unit_price"`
	CurrentUnitPrice  decimal.Decimal `json:"current_unit_price"`
}

func (d PriceDiscrepancy) Warning() *Error {
	return WithMetadata(CodePriceDiscrepancy, "unit price changed since the item was added", map[string]string{
		"line_item_id": d.LineItemID,
		"snapshot":     d.SnapshotUnitPrice.StringFixed(2),
		"current":      d.CurrentUnitPrice.StringFixed(2),
	})
}
