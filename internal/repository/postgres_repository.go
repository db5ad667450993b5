package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/pricing"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultListLimit = 50

type Repository struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewRepository(cred *Credentials, timeout time.Duration) (*Repository, error) {
	sslMode := cred.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName,
		sslMode)

	db, err := sqlx.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*timeout)
	defer cancel()
	if e2 := db.PingContext(ctx); e2 != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &Repository{db: db, timeout: timeout}, nil
}

func (r *Repository) RunMigrations() error {
	driver, err := postgres.WithInstance(r.db.DB, &postgres.Config{
		MigrationsTable: "tableorder_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return classify("ping", r.db.PingContext(ctx))
}

func (r *Repository) Close() error {
	return r.db.Close()
}

type sessionRow struct {
	ID           string    `db:"id"`
	TableContext string    `db:"table_context"`
	Status       string    `db:"status"`
	Format       string    `db:"format"`
	CartVersion  int64     `db:"cart_version"`
	CreatedAt    time.Time `db:"created_at"`
	LastActiveAt time.Time `db:"last_active_at"`
}

func (s sessionRow) toDomain() domain.Session {
	return domain.Session{
		ID:           s.ID,
		TableContext: s.TableContext,
		Status:       domain.SessionStatus(s.Status),
		Format:       domain.SessionFormat(s.Format),
		CartVersion:  s.CartVersion,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
	}
}

type lineItemRow struct {
	ID                uuid.UUID       `db:"id"`
	MenuItemID        int64           `db:"menu_item_id"`
	Name              string          `db:"name"`
	Selections        pq.Int64Array   `db:"selections"`
	Quantity          int             `db:"quantity"`
	UnitPrice         decimal.Decimal `db:"unit_price"`
	CustomizationCost decimal.Decimal `db:"customization_cost"`
	AddedAt           time.Time       `db:"added_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

type orderRow struct {
	ID             uuid.UUID       `db:"id"`
	SessionID      string          `db:"session_id"`
	TableContext   string          `db:"table_context"`
	Status         string          `db:"status"`
	Currency       string          `db:"currency"`
	Total          decimal.Decimal `db:"total"`
	IdempotencyKey sql.NullString  `db:"idempotency_key"`
	CreatedAt      time.Time       `db:"created_at"`
}

type orderLineRow struct {
	OrderID           uuid.UUID       `db:"order_id"`
	MenuItemID        int64           `db:"menu_item_id"`
	Name              string          `db:"name"`
	Selections        pq.Int64Array   `db:"selections"`
	SelectionLabels   pq.StringArray  `db:"selection_labels"`
	Quantity          int             `db:"quantity"`
	UnitPrice         decimal.Decimal `db:"unit_price"`
	CustomizationCost decimal.Decimal `db:"customization_cost"`
	LineTotal         decimal.Decimal `db:"line_total"`
}

const sessionColumns = `id, table_context, status, format, cart_version, created_at, last_active_at`

func (r *Repository) GetSession(ctx context.Context, id string) (domain.Session, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var row sessionRow
	err := r.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, classify("get session", err)
	}
	return row.toDomain(), nil
}

func (r *Repository) ActiveSessionForTable(ctx context.Context, tableContext string) (domain.Session, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var row sessionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+sessionColumns+` FROM sessions WHERE table_context = $1 AND status = 'active'`, tableContext)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, classify("get active session for table", err)
	}
	return row.toDomain(), nil
}

// ExpireIdleSessions marks active sessions idle since before as expired,
// drops their cart lines and returns their ids.
func (r *Repository) ExpireIdleSessions(ctx context.Context, before time.Time) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var ids []string
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &ids,
			`UPDATE sessions SET status = 'expired'
			 WHERE status = 'active' AND last_active_at < $1
			 RETURNING id`, before); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cart_line_items WHERE session_id = ANY($1)`, pq.Array(ids))
		return err
	})
	if err != nil {
		return nil, classify("expire idle sessions", err)
	}
	return ids, nil
}

// GetCart returns the cart of a stored session, items in insertion order.
// Expired sessions are returned with their status so callers can reject
// them.
func (r *Repository) GetCart(ctx context.Context, sessionID string) (domain.Cart, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var s sessionRow
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cart{}, ErrCartNotFound
	}
	if err != nil {
		return domain.Cart{}, classify("get cart session", err)
	}

	items, err := r.lineItems(ctx, r.db, sessionID)
	if err != nil {
		return domain.Cart{}, classify("get cart items", err)
	}

	return domain.Cart{
		SessionID:    s.ID,
		TableContext: s.TableContext,
		Status:       domain.SessionStatus(s.Status),
		Items:        items,
		Version:      s.CartVersion,
		UpdatedAt:    s.LastActiveAt,
	}, nil
}

// SaveCart commits a full cart replacement guarded by the expected version.
func (r *Repository) SaveCart(ctx context.Context, w CartWrite) (domain.Cart, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var saved sessionRow
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if w.Replaces != "" {
			saved, err = r.replaceSession(ctx, tx, w)
		} else {
			saved, err = r.upsertSession(ctx, tx, w)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_line_items WHERE session_id = $1`, saved.ID); err != nil {
			return err
		}
		return insertLineItems(ctx, tx, saved.ID, w.Items)
	})
	if isUniqueViolation(err, activeTableIndex) {
		return domain.Cart{}, ErrActiveSessionExists
	}
	if err != nil {
		return domain.Cart{}, classify("save cart", err)
	}

	return domain.Cart{
		SessionID:    saved.ID,
		TableContext: saved.TableContext,
		Status:       domain.SessionActive,
		Items:        w.Items,
		Version:      saved.CartVersion,
		UpdatedAt:    saved.LastActiveAt,
	}, nil
}

func (r *Repository) upsertSession(ctx context.Context, tx *sqlx.Tx, w CartWrite) (sessionRow, error) {
	var row sessionRow
	err := tx.GetContext(ctx, &row,
		`INSERT INTO sessions (id, table_context, status, format, cart_version, created_at, last_active_at)
		 VALUES ($1, $2, 'active', $3, 1, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE
		     SET cart_version = sessions.cart_version + 1, last_active_at = NOW()
		     WHERE sessions.cart_version = $4 AND sessions.status = 'active'
		 RETURNING `+sessionColumns,
		w.Session.ID, w.Session.TableContext, string(w.Session.Format), w.ExpectedVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return sessionRow{}, r.conflictReason(ctx, tx, w.Session.ID)
	}
	return row, err
}

// replaceSession deletes the legacy session named by w.Replaces and creates
// w.Session in its place, carrying the version forward.
func (r *Repository) replaceSession(ctx context.Context, tx *sqlx.Tx, w CartWrite) (sessionRow, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1 AND cart_version = $2 AND status = 'active'`,
		w.Replaces, w.ExpectedVersion)
	if err != nil {
		return sessionRow{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sessionRow{}, err
	}
	if n == 0 && w.ExpectedVersion != 0 {
		return sessionRow{}, r.conflictReason(ctx, tx, w.Replaces)
	}

	var row sessionRow
	err = tx.GetContext(ctx, &row,
		`INSERT INTO sessions (id, table_context, status, format, cart_version, created_at, last_active_at)
		 VALUES ($1, $2, 'active', $3, $4, NOW(), NOW())
		 RETURNING `+sessionColumns,
		w.Session.ID, w.Session.TableContext, string(w.Session.Format), w.ExpectedVersion+1)
	return row, err
}

func (r *Repository) conflictReason(ctx context.Context, tx *sqlx.Tx, id string) error {
	var status string
	err := tx.GetContext(ctx, &status, `SELECT status FROM sessions WHERE id = $1`, id)
	if err == nil && status == string(domain.SessionExpired) {
		return ErrSessionExpired
	}
	return ErrVersionConflict
}

func insertLineItems(ctx context.Context, tx *sqlx.Tx, sessionID string, items []domain.CartLineItem) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO cart_line_items
		     (id, session_id, position, menu_item_id, name, selections, selection_key,
		      quantity, unit_price, customization_cost, added_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, li := range items {
		id, err := uuid.Parse(li.ID)
		if err != nil {
			return fmt.Errorf("line item id %q: %w", li.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			id, sessionID, i, li.MenuItemID, li.Name, pq.Array(nonNilInt64(li.Selections)), pricing.SelectionKey(li.Selections),
			li.Quantity, li.UnitPrice, li.CustomizationCost, li.AddedAt, li.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) lineItems(ctx context.Context, q sqlx.QueryerContext, sessionID string) ([]domain.CartLineItem, error) {
	var rows []lineItemRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT id, menu_item_id, name, selections, quantity, unit_price, customization_cost, added_at, updated_at
		 FROM cart_line_items WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}

	items := make([]domain.CartLineItem, len(rows))
	for i, row := range rows {
		items[i] = domain.CartLineItem{
			ID:                row.ID.String(),
			MenuItemID:        row.MenuItemID,
			Name:              row.Name,
			Selections:        nonNilInt64(row.Selections),
			Quantity:          row.Quantity,
			UnitPrice:         row.UnitPrice,
			CustomizationCost: row.CustomizationCost,
			AddedAt:           row.AddedAt,
			UpdatedAt:         row.UpdatedAt,
		}
	}
	return items, nil
}

func (r *Repository) PlaceOrder(ctx context.Context, order *domain.Order, expectedVersion int64, payload []byte) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var version int64
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &version,
			`UPDATE sessions SET cart_version = cart_version + 1, last_active_at = NOW()
			 WHERE id = $1 AND cart_version = $2 AND status = 'active'
			 RETURNING cart_version`, order.SessionID, expectedVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return r.conflictReason(ctx, tx, order.SessionID)
		}
		if err != nil {
			return err
		}

		var key sql.NullString
		if order.IdempotencyKey != "" {
			key = sql.NullString{String: order.IdempotencyKey, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, session_id, table_context, status, currency, total, idempotency_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			order.ID, order.SessionID, order.TableContext, string(order.Status), order.Currency,
			order.Total, key, order.CreatedAt); err != nil {
			return err
		}

		for i, li := range order.Items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO order_line_items
				     (order_id, position, menu_item_id, name, selections, selection_labels,
				      quantity, unit_price, customization_cost, line_total)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				order.ID, i, li.MenuItemID, li.Name, pq.Array(nonNilInt64(li.Selections)), pq.Array(nonNilStrings(li.SelectionLabels)),
				li.Quantity, li.UnitPrice, li.CustomizationCost, li.LineTotal); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`,
			order.ID.String(), EventOrderPlaced, payload); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM cart_line_items WHERE session_id = $1`, order.SessionID)
		return err
	})
	if isUniqueViolation(err, "orders_session_idempotency_key") {
		return 0, ErrDuplicateOrder
	}
	if err != nil {
		return 0, classify("place order", err)
	}
	return version, nil
}

const orderColumns = `id, session_id, table_context, status, currency, total, idempotency_key, created_at`

func (r *Repository) GetOrderByID(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	return r.getOrder(ctx, "get order by id", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

// GetOrderByIdempotencyKey finds the order a session placed under key. Keys
// are client chosen, so the same key from another session is a different
// order.
func (r *Repository) GetOrderByIdempotencyKey(ctx context.Context, sessionID, key string) (domain.Order, error) {
	return r.getOrder(ctx, "get order by idempotency key",
		`SELECT `+orderColumns+` FROM orders WHERE session_id = $1 AND idempotency_key = $2`, sessionID, key)
}

func (r *Repository) getOrder(ctx context.Context, op, query string, args ...any) (domain.Order, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var row orderRow
	err := r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, classify(op, err)
	}

	orders, err := r.attachLines(ctx, []orderRow{row})
	if err != nil {
		return domain.Order{}, classify(op, err)
	}
	return orders[0], nil
}

// ListOrders returns orders newest first, optionally filtered by table or
// session.
func (r *Repository) ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var rows []orderRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+orderColumns+` FROM orders
		 WHERE ($1::text = '' OR table_context = $1) AND ($2::text = '' OR session_id = $2)
		 ORDER BY created_at DESC, id
		 LIMIT $3`, filter.TableContext, filter.SessionID, limit)
	if err != nil {
		return nil, classify("list orders", err)
	}

	orders, err := r.attachLines(ctx, rows)
	if err != nil {
		return nil, classify("list orders", err)
	}
	return orders, nil
}

func (r *Repository) attachLines(ctx context.Context, rows []orderRow) ([]domain.Order, error) {
	orders := make([]domain.Order, len(rows))
	if len(rows) == 0 {
		return orders, nil
	}

	ids := make([]string, len(rows))
	index := make(map[uuid.UUID]int, len(rows))
	for i, row := range rows {
		ids[i] = row.ID.String()
		index[row.ID] = i
		orders[i] = domain.Order{
			ID:             row.ID,
			SessionID:      row.SessionID,
			TableContext:   row.TableContext,
			Status:         domain.OrderStatus(row.Status),
			Currency:       row.Currency,
			Items:          []domain.OrderLineItem{},
			Total:          row.Total,
			IdempotencyKey: row.IdempotencyKey.String,
			CreatedAt:      row.CreatedAt,
		}
	}

	var lines []orderLineRow
	err := r.db.SelectContext(ctx, &lines,
		`SELECT order_id, menu_item_id, name, selections, selection_labels, quantity,
		        unit_price, customization_cost, line_total
		 FROM order_line_items WHERE order_id = ANY($1::uuid[])
		 ORDER BY order_id, position`, pq.Array(ids))
	if err != nil {
		return nil, err
	}

	for _, l := range lines {
		i := index[l.OrderID]
		orders[i].Items = append(orders[i].Items, domain.OrderLineItem{
			MenuItemID:        l.MenuItemID,
			Name:              l.Name,
			Selections:        nonNilInt64(l.Selections),
			SelectionLabels:   nonNilStrings(l.SelectionLabels),
			Quantity:          l.Quantity,
			UnitPrice:         l.UnitPrice,
			CustomizationCost: l.CustomizationCost,
			LineTotal:         l.LineTotal,
		})
	}
	return orders, nil
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var events []*OutboxEvent
	err := r.db.SelectContext(ctx, &events,
		`SELECT id, aggregate_id, event_type, payload, created_at
		 FROM outbox_events WHERE processed_at IS NULL
		 ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, classify("get unprocessed events", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	return classify("mark event processed", err)
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// nonNilInt64 maps nil to an empty slice.
func nonNilInt64(a []int64) []int64 {
	if a == nil {
		return []int64{}
	}
	return a
}

func nonNilStrings(a []string) []string {
	if a == nil {
		return []string{}
	}
	return a
}
