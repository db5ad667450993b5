package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MenuItem is read-only to the engine; the catalog owns it.
type MenuItem struct {
	ID        int64                 `json:"id" db:"id"`
	Name      string                `json:"name" db:"name"`
	BasePrice decimal.Decimal       `json:"base_price" db:"base_price"`
	Available bool                  `json:"available" db:"available"`
	Options   []CustomizationOption `json:"options"`
	UpdatedAt time.Time             `json:"updated_at" db:"updated_at"`
}

// CustomizationOption is an optional modifier with an incremental cost.
// Cost may be zero or negative.
type CustomizationOption struct {
	ID    int64           `json:"id" db:"id"`
	Group string          `json:"group" db:"group_name"`
	Label string          `json:"label" db:"label"`
	Cost  decimal.Decimal `json:"cost" db:"cost"`
}

// Option looks up an option of this item by id.
func (m MenuItem) Option(id int64) (CustomizationOption, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o, true
		}
	}
	return CustomizationOption{}, false
}

// Money normalises an amount to two fractional digits.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
