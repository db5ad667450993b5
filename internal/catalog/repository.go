package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Repository struct {
	db *sqlx.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations() error {
	driver, err := sqlite.WithInstance(r.db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (r *Repository) GetMenuItem(ctx context.Context, id int64) (domain.MenuItem, error) {
	var item domain.MenuItem
	err := r.db.GetContext(ctx, &item,
		`SELECT id, name, base_price, available, updated_at FROM menu_items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MenuItem{}, domain.WithMetadata(domain.CodeNotFound, "menu item not found",
			map[string]string{"menu_item_id": strconv.FormatInt(id, 10)})
	}
	if err != nil {
		return domain.MenuItem{}, domain.Wrap(domain.CodeTransientStorageFailure, "failed to query menu item", err)
	}

	item.Options = []domain.CustomizationOption{}
	err = r.db.SelectContext(ctx, &item.Options,
		`SELECT id, group_name, label, cost FROM customization_options WHERE menu_item_id = $1 ORDER BY id`, id)
	if err != nil {
		return domain.MenuItem{}, domain.Wrap(domain.CodeTransientStorageFailure, "failed to query customization options", err)
	}
	return normalize(item), nil
}

// ListMenuItems returns every item with its options, ordered by id.
func (r *Repository) ListMenuItems(ctx context.Context) ([]domain.MenuItem, error) {
	var items []domain.MenuItem
	if err := r.db.SelectContext(ctx, &items,
		`SELECT id, name, base_price, available, updated_at FROM menu_items ORDER BY id`); err != nil {
		return nil, domain.Wrap(domain.CodeTransientStorageFailure, "failed to query menu items", err)
	}

	type optionRow struct {
		MenuItemID int64 `db:"menu_item_id"`
		domain.CustomizationOption
	}
	var opts []optionRow
	if err := r.db.SelectContext(ctx, &opts,
		`SELECT menu_item_id, id, group_name, label, cost FROM customization_options ORDER BY id`); err != nil {
		return nil, domain.Wrap(domain.CodeTransientStorageFailure, "failed to query customization options", err)
	}

	index := make(map[int64]int, len(items))
	for i := range items {
		items[i].Options = []domain.CustomizationOption{}
		index[items[i].ID] = i
	}
	for _, o := range opts {
		if i, ok := index[o.MenuItemID]; ok {
			items[i].Options = append(items[i].Options, o.CustomizationOption)
		}
	}
	for i := range items {
		items[i] = normalize(items[i])
	}
	return items, nil
}

// normalize holds every amount of item to two fractional digits, the
// precision carts and orders are stored at.
func normalize(item domain.MenuItem) domain.MenuItem {
	item.BasePrice = domain.Money(item.BasePrice)
	for i := range item.Options {
		item.Options[i].Cost = domain.Money(item.Options[i].Cost)
	}
	return item
}

// SetPrice changes an item's base price. Used by repair scripts and tests;
// callers must evict the cached copy afterwards.
// Prices with more than two fractional digits are rejected.
func (r *Repository) SetPrice(ctx context.Context, id int64, price string) error {
	amount, err := decimal.NewFromString(price)
	if err != nil || amount.IsNegative() || !amount.Equal(domain.Money(amount)) {
		return domain.WithMetadata(domain.CodeInvalidArgument, "price must be a non-negative amount with at most two decimals",
			map[string]string{"price": price})
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE menu_items SET base_price = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, amount.StringFixed(2), id)
	if err != nil {
		return fmt.Errorf("failed to update price: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.New(domain.CodeNotFound, "menu item not found")
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
