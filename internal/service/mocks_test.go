package service

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/tableorder/internal/cache"
	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/keylock"
	"github.com/fjod/tableorder/internal/repository"
	"github.com/fjod/tableorder/internal/session"
	"github.com/fjod/tableorder/pkg/circuitbreaker"
	"github.com/fjod/tableorder/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// MockRepository is an in-memory store with the same version checks as the
// Postgres repository.
type MockRepository struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	items    map[string][]domain.CartLineItem
	orders   []domain.Order

	GetErr       error
	SaveErr      error
	PlaceErr     error
	KeyErr       error
	SaveCalls    int
	OutboxEvents [][]byte
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		sessions: make(map[string]domain.Session),
		items:    make(map[string][]domain.CartLineItem),
	}
}

func (m *MockRepository) GetSession(_ context.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, repository.ErrSessionNotFound
	}
	return s, nil
}

func (m *MockRepository) ActiveSessionForTable(_ context.Context, table string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TableContext == table && s.Active() {
			return s, nil
		}
	}
	return domain.Session{}, repository.ErrSessionNotFound
}

func (m *MockRepository) GetCart(_ context.Context, id string) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return domain.Cart{}, m.GetErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return domain.Cart{}, repository.ErrCartNotFound
	}
	return domain.Cart{
		SessionID:    s.ID,
		TableContext: s.TableContext,
		Status:       s.Status,
		Items:        cloneItems(m.items[id]),
		Version:      s.CartVersion,
		UpdatedAt:    s.LastActiveAt,
	}, nil
}

func (m *MockRepository) SaveCart(_ context.Context, w repository.CartWrite) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	if m.SaveErr != nil {
		return domain.Cart{}, m.SaveErr
	}

	version := w.ExpectedVersion + 1
	if w.Replaces != "" {
		if old, ok := m.sessions[w.Replaces]; ok {
			if old.CartVersion != w.ExpectedVersion {
				return domain.Cart{}, repository.ErrVersionConflict
			}
			delete(m.sessions, w.Replaces)
			delete(m.items, w.Replaces)
		}
	} else if cur, ok := m.sessions[w.Session.ID]; ok {
		if cur.Status == domain.SessionExpired {
			return domain.Cart{}, repository.ErrSessionExpired
		}
		if cur.CartVersion != w.ExpectedVersion {
			return domain.Cart{}, repository.ErrVersionConflict
		}
	} else {
		for _, s := range m.sessions {
			if w.Session.TableContext != "" && s.TableContext == w.Session.TableContext && s.Active() {
				return domain.Cart{}, repository.ErrActiveSessionExists
			}
		}
		version = 1
	}

	now := time.Now().UTC()
	s := w.Session
	s.Status = domain.SessionActive
	s.CartVersion = version
	s.LastActiveAt = now
	m.sessions[s.ID] = s
	m.items[s.ID] = cloneItems(w.Items)

	return domain.Cart{
		SessionID:    s.ID,
		TableContext: s.TableContext,
		Status:       domain.SessionActive,
		Items:        cloneItems(w.Items),
		Version:      version,
		UpdatedAt:    now,
	}, nil
}

func (m *MockRepository) PlaceOrder(_ context.Context, order *domain.Order, expectedVersion int64, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return 0, m.PlaceErr
	}
	s, ok := m.sessions[order.SessionID]
	if !ok || s.CartVersion != expectedVersion {
		return 0, repository.ErrVersionConflict
	}
	for _, o := range m.orders {
		if order.IdempotencyKey != "" && o.SessionID == order.SessionID && o.IdempotencyKey == order.IdempotencyKey {
			return 0, repository.ErrDuplicateOrder
		}
	}
	s.CartVersion++
	m.sessions[s.ID] = s
	m.items[s.ID] = nil
	m.orders = append(m.orders, *order)
	m.OutboxEvents = append(m.OutboxEvents, payload)
	return s.CartVersion, nil
}

func (m *MockRepository) GetOrderByID(_ context.Context, id uuid.UUID) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == id {
			return o, nil
		}
	}
	return domain.Order{}, repository.ErrOrderNotFound
}

func (m *MockRepository) GetOrderByIdempotencyKey(_ context.Context, sessionID, key string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.KeyErr != nil {
		return domain.Order{}, m.KeyErr
	}
	for _, o := range m.orders {
		if o.SessionID == sessionID && o.IdempotencyKey == key {
			return o, nil
		}
	}
	return domain.Order{}, repository.ErrOrderNotFound
}

func (m *MockRepository) ListOrders(_ context.Context, f repository.OrderFilter) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for i := len(m.orders) - 1; i >= 0; i-- {
		o := m.orders[i]
		if (f.TableContext == "" || o.TableContext == f.TableContext) && (f.SessionID == "" || o.SessionID == f.SessionID) {
			out = append(out, o)
		}
	}
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// seed stores a session with items, bypassing the version check.
func (m *MockRepository) seed(s domain.Session, items ...domain.CartLineItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Status == "" {
		s.Status = domain.SessionActive
	}
	if s.CartVersion == 0 {
		s.CartVersion = 1
	}
	m.sessions[s.ID] = s
	m.items[s.ID] = cloneItems(items)
}

func cloneItems(items []domain.CartLineItem) []domain.CartLineItem {
	out := make([]domain.CartLineItem, len(items))
	for i, li := range items {
		li.Selections = slices.Clone(li.Selections)
		out[i] = li
	}
	return out
}

// MockCatalog serves a fixed menu whose prices tests may change.
type MockCatalog struct {
	mu    sync.Mutex
	items map[int64]domain.MenuItem
}

func NewMockCatalog() *MockCatalog {
	opt := func(id int64, label, cost string) domain.CustomizationOption {
		return domain.CustomizationOption{ID: id, Group: "extra", Label: label, Cost: decimal.RequireFromString(cost)}
	}
	return &MockCatalog{items: map[int64]domain.MenuItem{
		1: {ID: 1, Name: "Beef Noodle Soup", BasePrice: decimal.NewFromInt(280), Available: true,
			Options: []domain.CustomizationOption{opt(10, "Thick Noodles", "0"), opt(11, "Extra Beef", "120")}},
		2: {ID: 2, Name: "Bubble Milk Tea", BasePrice: decimal.NewFromInt(150), Available: true,
			Options: []domain.CustomizationOption{opt(20, "Brown Sugar Pearls", "90"), opt(21, "Large", "15")}},
		4: {ID: 4, Name: "Seasonal Fruit Tea", BasePrice: decimal.NewFromInt(120), Available: false},
	}}
}

func (c *MockCatalog) GetMenuItem(_ context.Context, id int64) (domain.MenuItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		return domain.MenuItem{}, domain.New(domain.CodeNotFound, "menu item not found")
	}
	return item, nil
}

func (c *MockCatalog) setPrice(id int64, price string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.items[id]
	item.BasePrice = decimal.RequireFromString(price)
	c.items[id] = item
}

type fixture struct {
	repo   *MockRepository
	menu   *MockCatalog
	layer  *cache.Layer
	mr     *miniredis.Miniredis
	carts  *CartService
	orders *OrderService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.Nop()
	layer := cache.NewLayer(cache.NewRedisCache(client, "test:", time.Minute), cache.Options{
		Breaker: circuitbreaker.New(circuitbreaker.Settings{
			Name:                "test",
			ConsecutiveFailures: 1000,
			Ignore:              []error{cache.ErrCacheMiss},
		}, log),
		Logger: log,
	})

	repo := NewMockRepository()
	menu := NewMockCatalog()
	resolver := session.NewResolver(repo)
	locks := keylock.New()
	opts := Options{LockTimeout: 2 * time.Second, MaxQuantity: 99, Currency: "TWD", Logger: log}

	return &fixture{
		repo:   repo,
		menu:   menu,
		layer:  layer,
		mr:     mr,
		carts:  NewCartService(repo, resolver, menu, layer, locks, opts),
		orders: NewOrderService(repo, resolver, menu, layer, locks, opts),
	}
}

// cachedCart reads the cart entry straight from the cache, or false.
func (f *fixture) cachedCart(t *testing.T, sessionID string) (domain.Cart, bool) {
	t.Helper()
	var miss bool
	cart, err := cache.Read(context.Background(), f.layer, cache.CartKey(sessionID), func(context.Context) (domain.Cart, error) {
		miss = true
		return domain.Cart{}, repository.ErrCartNotFound
	})
	if err != nil || miss {
		return domain.Cart{}, false
	}
	return cart, true
}
