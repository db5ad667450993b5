package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/tableorder/internal/cache"
	"github.com/fjod/tableorder/internal/catalog"
	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/keylock"
	"github.com/fjod/tableorder/internal/pricing"
	"github.com/fjod/tableorder/internal/repository"
	"github.com/fjod/tableorder/internal/session"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStore is the durable side of the order service.
type OrderStore interface {
	repository.OrderRepository
	GetCart(ctx context.Context, sessionID string) (domain.Cart, error)
}

type PlaceOrderInput struct {
	TableContext   string
	IdempotencyKey string
}

// Placement is a placed order. Replayed is true when the idempotency key
// matched an order placed earlier; Warnings is empty then.
type Placement struct {
	Order    domain.Order
	Warnings []domain.PriceDiscrepancy
	Identity session.Identity
	Replayed bool
}

// OrderPlacedEvent is the outbox payload published for every order.
type OrderPlacedEvent struct {
	OrderID      string                 `json:"order_id"`
	SessionID    string                 `json:"session_id"`
	TableContext string                 `json:"table_context"`
	Total        decimal.Decimal        `json:"total"`
	Currency     string                 `json:"currency"`
	Items        []domain.OrderLineItem `json:"items"`
	PlacedAt     time.Time              `json:"placed_at"`
}

type OrderService struct {
	store    OrderStore
	resolver *session.Resolver
	catalog  catalog.Catalog
	cache    *cache.Layer
	locks    *keylock.Locker
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func NewOrderService(store OrderStore, resolver *session.Resolver, menu catalog.Catalog, layer *cache.Layer, locks *keylock.Locker, opts Options) *OrderService {
	opts.defaults()
	return &OrderService{
		store:    store,
		resolver: resolver,
		catalog:  menu,
		cache:    layer,
		locks:    locks,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "order")),
		now:      time.Now,
	}
}

// PlaceOrder turns the session's cart into an order priced against the
// current catalog. The cart read, the order write and the cart clear happen
// under the session lock and commit in one transaction; on failure the cart
// is left as it was.
func (s *OrderService) PlaceOrder(ctx context.Context, req session.Request, in PlaceOrderInput) (res Placement, err error) {
	ctx, span := startSpan(ctx, "OrderService.PlaceOrder", req.SessionID)
	defer func() { endSpan(span, err) }()

	id, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return Placement{}, err
	}
	if id.Minted {
		return Placement{}, domain.ErrEmptyCart
	}

	unlock, err := lockSession(ctx, s.locks, s.opts.LockTimeout, id.SessionID)
	if err != nil {
		return Placement{}, err
	}
	defer unlock()

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if p, ok, err := s.replay(ctx, id, key); err != nil || ok {
			return p, err
		}
	}

	cart, err := s.store.GetCart(ctx, id.SessionID)
	if errors.Is(err, repository.ErrCartNotFound) {
		return Placement{}, domain.ErrEmptyCart
	}
	if err != nil {
		return Placement{}, storeError(err)
	}
	if cart.Status == domain.SessionExpired {
		return Placement{}, domain.New(domain.CodeInvalidSession, "session has expired")
	}
	if cart.Empty() {
		return Placement{}, domain.ErrEmptyCart
	}

	lines, total, warnings, err := s.price(ctx, cart)
	if err != nil {
		return Placement{}, err
	}

	table := cart.TableContext
	if table == "" {
		table = strings.TrimSpace(in.TableContext)
	}
	order := domain.Order{
		ID:             uuid.New(),
		SessionID:      cart.SessionID,
		TableContext:   table,
		Status:         domain.OrderStatusPlaced,
		Currency:       s.opts.Currency,
		Items:          lines,
		Total:          total,
		IdempotencyKey: key,
		CreatedAt:      s.now().UTC(),
	}

	payload, err := json.Marshal(OrderPlacedEvent{
		OrderID:      order.ID.String(),
		SessionID:    order.SessionID,
		TableContext: order.TableContext,
		Total:        order.Total,
		Currency:     order.Currency,
		Items:        order.Items,
		PlacedAt:     order.CreatedAt,
	})
	if err != nil {
		return Placement{}, fmt.Errorf("marshal order event: %w", err)
	}

	version, err := s.store.PlaceOrder(ctx, &order, cart.Version, payload)
	if errors.Is(err, repository.ErrDuplicateOrder) {
		if p, ok, rerr := s.replay(ctx, id, key); rerr == nil && ok {
			return p, nil
		}
	}
	if err != nil {
		return Placement{}, storeError(err)
	}

	cleared := cart
	cleared.Items = []domain.CartLineItem{}
	cleared.Version = version
	cleared.UpdatedAt = order.CreatedAt
	s.cache.Write(ctx, cache.CartKey(cart.SessionID), cleared)
	s.cache.Write(ctx, cache.OrderKey(order.ID.String()), order)

	for _, w := range warnings {
		s.log.InfoContext(ctx, "price changed since item was added",
			slog.String("order_id", order.ID.String()),
			slog.String("line_item_id", w.LineItemID),
			slog.String("snapshot", w.SnapshotUnitPrice.StringFixed(2)),
			slog.String("current", w.CurrentUnitPrice.StringFixed(2)))
	}
	return Placement{Order: order, Warnings: warnings, Identity: id}, nil
}

// price re-prices every line against the current catalog.
func (s *OrderService) price(ctx context.Context, cart domain.Cart) ([]domain.OrderLineItem, decimal.Decimal, []domain.PriceDiscrepancy, error) {
	lines := make([]domain.OrderLineItem, 0, len(cart.Items))
	total := decimal.Zero
	var warnings []domain.PriceDiscrepancy

	for _, li := range cart.Items {
		item, err := s.catalog.GetMenuItem(ctx, li.MenuItemID)
		if err != nil {
			return nil, decimal.Zero, nil, err
		}
		if !item.Available {
			return nil, decimal.Zero, nil, domain.WithMetadata(domain.CodeInvalidArgument, "menu item is no longer available",
				map[string]string{"line_item_id": li.ID, "menu_item_id": strconv.FormatInt(li.MenuItemID, 10)})
		}
		quote, err := pricing.Price(item, li.Selections, li.Quantity)
		if err != nil {
			return nil, decimal.Zero, nil, err
		}
		labels, err := pricing.Describe(item, li.Selections)
		if err != nil {
			return nil, decimal.Zero, nil, err
		}

		if !quote.UnitPrice.Equal(li.UnitPrice) {
			warnings = append(warnings, domain.PriceDiscrepancy{
				LineItemID:        li.ID,
				MenuItemID:        li.MenuItemID,
				Name:              item.Name,
				SnapshotUnitPrice: li.UnitPrice,
				CurrentUnitPrice:  quote.UnitPrice,
			})
		}

		lines = append(lines, domain.OrderLineItem{
			MenuItemID:        li.MenuItemID,
			Name:              item.Name,
			Selections:        li.Selections,
			SelectionLabels:   labels,
			Quantity:          li.Quantity,
			UnitPrice:         quote.UnitPrice,
			CustomizationCost: quote.CustomizationCost,
			LineTotal:         quote.LineTotal,
		})
		total = total.Add(quote.LineTotal)
	}
	return lines, total, warnings, nil
}

// replay finds the order id's session already placed under key. Another
// session's order under the same key is never returned.
func (s *OrderService) replay(ctx context.Context, id session.Identity, key string) (Placement, bool, error) {
	order, err := s.store.GetOrderByIdempotencyKey(ctx, id.SessionID, key)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return Placement{}, false, nil
	}
	if err != nil {
		return Placement{}, false, storeError(err)
	}
	if order.SessionID != id.SessionID {
		return Placement{}, false, domain.WithMetadata(domain.CodeInvalidArgument,
			"idempotency key belongs to another session", map[string]string{"idempotency_key": key})
	}
	return Placement{Order: order, Identity: id, Replayed: true}, true, nil
}

// GetOrder returns an order by id, through the cache.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (order domain.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.GetOrder", "")
	defer func() { endSpan(span, err) }()

	id, err := uuid.Parse(orderID)
	if err != nil {
		return domain.Order{}, domain.WithMetadata(domain.CodeInvalidArgument, "malformed order id",
			map[string]string{"order_id": orderID})
	}

	order, err = cache.Read(ctx, s.cache, cache.OrderKey(id.String()), func(ctx context.Context) (domain.Order, error) {
		return s.store.GetOrderByID(ctx, id)
	})
	if err != nil {
		return domain.Order{}, storeError(err)
	}
	return order, nil
}

// ListOrders reads straight from the store, newest first.
func (s *OrderService) ListOrders(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	orders, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	return orders, nil
}
