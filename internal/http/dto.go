package http

import (
	"time"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/service"
)

type AddItemRequestDTO struct {
	sessionFields
	MenuItemID int64   `json:"menuItemId" validate:"required,gt=0"`
	Selections []int64 `json:"selections" validate:"omitempty,max=32,dive,gt=0"`
	Quantity   int     `json:"quantity" validate:"required,min=1"`
}

type UpdateItemRequestDTO struct {
	sessionFields
	Quantity   *int     `json:"quantity" validate:"omitempty,min=1"`
	Selections *[]int64 `json:"selections" validate:"omitempty,max=32,dive,gt=0"`
}

type SessionRequestDTO struct {
	sessionFields
}

type PlaceOrderRequestDTO struct {
	sessionFields
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,max=128"`
}

type LineItemDTO struct {
	ID                string  `json:"id"`
	MenuItemID        int64   `json:"menuItemId"`
	Name              string  `json:"name"`
	Selections        []int64 `json:"selections"`
	Quantity          int     `json:"quantity"`
	UnitPrice         string  `json:"unitPrice"`
	CustomizationCost string  `json:"customizationCost"`
	LineTotal         string  `json:"lineTotal"`
}

type CartDTO struct {
	SessionID   string        `json:"sessionId"`
	TableNumber string        `json:"tableNumber,omitempty"`
	Items       []LineItemDTO `json:"items"`
	Total       string        `json:"total"`
	Version     int64         `json:"version"`
	Migrated    bool          `json:"migrated,omitempty"`
}

type OrderLineDTO struct {
	MenuItemID        int64    `json:"menuItemId"`
	Name              string   `json:"name"`
	Selections        []int64  `json:"selections"`
	SelectionLabels   []string `json:"selectionLabels"`
	Quantity          int      `json:"quantity"`
	UnitPrice         string   `json:"unitPrice"`
	CustomizationCost string   `json:"customizationCost"`
	LineTotal         string   `json:"lineTotal"`
}

type WarningDTO struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	LineItemID        string `json:"lineItemId"`
	MenuItemID        int64  `json:"menuItemId"`
	SnapshotUnitPrice string `json:"snapshotUnitPrice"`
	CurrentUnitPrice  string `json:"currentUnitPrice"`
}

type OrderDTO struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	TableNumber string         `json:"tableNumber,omitempty"`
	Status      string         `json:"status"`
	Currency    string         `json:"currency"`
	Items       []OrderLineDTO `json:"items"`
	Total       string         `json:"total"`
	CreatedAt   time.Time      `json:"createdAt"`
	Warnings    []WarningDTO   `json:"warnings,omitempty"`
	Replayed    bool           `json:"replayed,omitempty"`
}

type MenuOptionDTO struct {
	ID    int64  `json:"id"`
	Group string `json:"group"`
	Label string `json:"label"`
	Cost  string `json:"cost"`
}

type MenuItemDTO struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	BasePrice string          `json:"basePrice"`
	Available bool            `json:"available"`
	Options   []MenuOptionDTO `json:"options"`
}

type SessionDTO struct {
	ID           string    `json:"id"`
	TableNumber  string    `json:"tableNumber,omitempty"`
	Status       string    `json:"status"`
	Format       string    `json:"format"`
	CartVersion  int64     `json:"cartVersion"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type CacheStateDTO struct {
	Cached  bool  `json:"cached"`
	Version int64 `json:"version,omitempty"`
	Stale   bool  `json:"stale"`
}

type InspectionDTO struct {
	Session SessionDTO    `json:"session"`
	Cart    CartDTO       `json:"cart"`
	Cache   CacheStateDTO `json:"cache"`
}

func toCartDTO(res service.Result) CartDTO {
	dto := cartDTO(res.Cart)
	dto.Migrated = res.Migrated
	return dto
}

func cartDTO(c domain.Cart) CartDTO {
	items := make([]LineItemDTO, len(c.Items))
	for i, li := range c.Items {
		items[i] = LineItemDTO{
			ID:                li.ID,
			MenuItemID:        li.MenuItemID,
			Name:              li.Name,
			Selections:        nonNil(li.Selections),
			Quantity:          li.Quantity,
			UnitPrice:         li.UnitPrice.StringFixed(2),
			CustomizationCost: li.CustomizationCost.StringFixed(2),
			LineTotal:         li.LineTotal().StringFixed(2),
		}
	}
	return CartDTO{
		SessionID:   c.SessionID,
		TableNumber: c.TableContext,
		Items:       items,
		Total:       c.Total().StringFixed(2),
		Version:     c.Version,
	}
}

func toOrderDTO(o domain.Order) OrderDTO {
	items := make([]OrderLineDTO, len(o.Items))
	for i, li := range o.Items {
		labels := li.SelectionLabels
		if labels == nil {
			labels = []string{}
		}
		items[i] = OrderLineDTO{
			MenuItemID:        li.MenuItemID,
			Name:              li.Name,
			Selections:        nonNil(li.Selections),
			SelectionLabels:   labels,
			Quantity:          li.Quantity,
			UnitPrice:         li.UnitPrice.StringFixed(2),
			CustomizationCost: li.CustomizationCost.StringFixed(2),
			LineTotal:         li.LineTotal.StringFixed(2),
		}
	}
	return OrderDTO{
		ID:          o.ID.String(),
		SessionID:   o.SessionID,
		TableNumber: o.TableContext,
		Status:      string(o.Status),
		Currency:    o.Currency,
		Items:       items,
		Total:       o.Total.StringFixed(2),
		CreatedAt:   o.CreatedAt,
	}
}

func toPlacementDTO(p service.Placement) OrderDTO {
	dto := toOrderDTO(p.Order)
	dto.Replayed = p.Replayed
	for _, d := range p.Warnings {
		w := d.Warning()
		dto.Warnings = append(dto.Warnings, WarningDTO{
			Code:              string(w.Code),
			Message:           w.Message,
			LineItemID:        d.LineItemID,
			MenuItemID:        d.MenuItemID,
			SnapshotUnitPrice: d.SnapshotUnitPrice.StringFixed(2),
			CurrentUnitPrice:  d.CurrentUnitPrice.StringFixed(2),
		})
	}
	return dto
}

func toMenuItemDTO(m domain.MenuItem) MenuItemDTO {
	opts := make([]MenuOptionDTO, len(m.Options))
	for i, o := range m.Options {
		opts[i] = MenuOptionDTO{ID: o.ID, Group: o.Group, Label: o.Label, Cost: o.Cost.StringFixed(2)}
	}
	return MenuItemDTO{
		ID:        m.ID,
		Name:      m.Name,
		BasePrice: m.BasePrice.StringFixed(2),
		Available: m.Available,
		Options:   opts,
	}
}

func toInspectionDTO(in service.Inspection) InspectionDTO {
	s := in.Session
	return InspectionDTO{
		Session: SessionDTO{
			ID:           s.ID,
			TableNumber:  s.TableContext,
			Status:       string(s.Status),
			Format:       string(s.Format),
			CartVersion:  s.CartVersion,
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
		},
		Cart:  cartDTO(in.Cart),
		Cache: CacheStateDTO{Cached: in.Cached, Version: in.CachedVersion, Stale: in.Stale()},
	}
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
