// Package pricing computes line prices for menu items and their
// customization selections. All arithmetic is decimal; nothing here does I/O.
package pricing

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/shopspring/decimal"
)

type Quote struct {
	UnitPrice         decimal.Decimal
	CustomizationCost decimal.Decimal
	LineTotal         decimal.Decimal
}

// Price returns the unit price, customization cost and line total for
// quantity units of item with the given selections. Every selected id must
// be an option of item. Catalog amounts are taken at two fractional digits,
// so the line total is exact at two digits as well.
func Price(item domain.MenuItem, selections []int64, quantity int) (Quote, error) {
	if quantity < 1 {
		return Quote{}, domain.WithMetadata(domain.CodeInvalidArgument, "quantity must be a positive integer",
			map[string]string{"quantity": strconv.Itoa(quantity)})
	}

	cost := decimal.Zero
	for _, id := range NormalizeSelections(selections) {
		opt, ok := item.Option(id)
		if !ok {
			return Quote{}, domain.WithMetadata(domain.CodeUnknownCustomization,
				fmt.Sprintf("option %d is not available for menu item %d", id, item.ID),
				map[string]string{"option_id": strconv.FormatInt(id, 10), "menu_item_id": strconv.FormatInt(item.ID, 10)})
		}
		cost = cost.Add(domain.Money(opt.Cost))
	}

	unit := domain.Money(item.BasePrice).Add(cost)
	return Quote{
		UnitPrice:         unit,
		CustomizationCost: cost,
		LineTotal:         unit.Mul(decimal.NewFromInt(int64(quantity))),
	}, nil
}

// NormalizeSelections returns the selection set sorted and without
// duplicates. The input is not modified.
func NormalizeSelections(selections []int64) []int64 {
	out := slices.Clone(selections)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []int64{}
	}
	return out
}

// SelectionKey renders a normalised selection set as a stable string, used
// as the merge key for cart lines.
func SelectionKey(selections []int64) string {
	norm := NormalizeSelections(selections)
	parts := make([]string, len(norm))
	for i, id := range norm {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// Describe returns the labels of the selected options ordered by option id.
// Unknown ids are an error, same as in Price.
func Describe(item domain.MenuItem, selections []int64) ([]string, error) {
	labels := make([]string, 0, len(selections))
	for _, id := range NormalizeSelections(selections) {
		opt, ok := item.Option(id)
		if !ok {
			return nil, domain.New(domain.CodeUnknownCustomization,
				fmt.Sprintf("option %d is not available for menu item %d", id, item.ID))
		}
		labels = append(labels, opt.Label)
	}
	return labels, nil
}
