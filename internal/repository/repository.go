package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrCartNotFound        = errors.New("cart not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrVersionConflict     = errors.New("cart version conflict")
	ErrDuplicateOrder      = errors.New("order for this idempotency key already exists")
	ErrActiveSessionExists = errors.New("table already has an active session")
)

// EventOrderPlaced is the outbox event type written with every order.
const EventOrderPlaced = "order_placed"

type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// CartWrite replaces the stored cart of Session with Items. ExpectedVersion
// is the cart version the caller read; zero means the session is new.
// Replaces names a legacy session that is deleted in the same transaction.
type CartWrite struct {
	Session         domain.Session
	Items           []domain.CartLineItem
	ExpectedVersion int64
	Replaces        string
}

type OrderFilter struct {
	TableContext string
	SessionID    string
	Limit        int
}

type OutboxEvent struct {
	ID          int64           `db:"id"`
	AggregateID string          `db:"aggregate_id"`
	EventType   string          `db:"event_type"`
	Payload     json.RawMessage `db:"payload"`
	CreatedAt   time.Time       `db:"created_at"`
}

type SessionRepository interface {
	GetSession(ctx context.Context, id string) (domain.Session, error)
	ActiveSessionForTable(ctx context.Context, tableContext string) (domain.Session, error)
	ExpireIdleSessions(ctx context.Context, before time.Time) ([]string, error)
}

type CartRepository interface {
	GetCart(ctx context.Context, sessionID string) (domain.Cart, error)
	SaveCart(ctx context.Context, w CartWrite) (domain.Cart, error)
}

type OrderRepository interface {
	// PlaceOrder stores order with its outbox event and clears the session's
	// cart in one transaction. It returns the session's new cart version.
	PlaceOrder(ctx context.Context, order *domain.Order, expectedVersion int64, payload []byte) (int64, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (domain.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, sessionID, key string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
}

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}
