package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type CartLineItem struct {
	ID                string          `json:"id"`
	MenuItemID        int64           `json:"menu_item_id"`
	Name              string          `json:"name"`
	Selections        []int64         `json:"selections"`
	Quantity          int             `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	CustomizationCost decimal.Decimal `json:"customization_cost"`
	AddedAt           time.Time       `json:"added_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SameSelection reports whether the line holds the given menu item with
// exactly the given (normalised) selection set.
func (li CartLineItem) SameSelection(menuItemID int64, selections []int64) bool {
	return li.MenuItemID == menuItemID && slices.Equal(li.Selections, selections)
}

func (li CartLineItem) LineTotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Cart is the ordered set of line items for one session. Items keep
// insertion order.
type Cart struct {
	SessionID    string         `json:"session_id"`
	TableContext string         `json:"table_context"`
	Status       SessionStatus  `json:"status"`
	Items        []CartLineItem `json:"items"`
	Version      int64          `json:"version"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

func (c Cart) Empty() bool {
	return len(c.Items) == 0
}

// CacheVersion implements cache.Versioned.
func (c Cart) CacheVersion() int64 {
	return c.Version
}

// IndexOf returns the position of the line item with the given id, or -1.
func (c Cart) IndexOf(lineItemID string) int {
	return slices.IndexFunc(c.Items, func(li CartLineItem) bool { return li.ID == lineItemID })
}
