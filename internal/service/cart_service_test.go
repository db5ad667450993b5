package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/tableorder/internal/cache"
	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/repository"
	"github.com/fjod/tableorder/internal/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionT1 = "session-T1-1700000000000-abcdef123456"

func header(id string) session.Request {
	return session.Request{SessionID: id, Source: session.SourceHeader}
}

func TestAddItem_NewSessionPersistsAndCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.carts.AddItem(ctx, session.Request{TableContext: "T1"}, AddItemInput{MenuItemID: 2, Selections: []int64{20}, Quantity: 2})
	require.NoError(t, err)

	assert.True(t, res.Identity.Minted)
	assert.Equal(t, "T1", res.Cart.TableContext)
	require.Len(t, res.Cart.Items, 1)
	li := res.Cart.Items[0]
	assert.Equal(t, "Bubble Milk Tea", li.Name)
	assert.True(t, li.UnitPrice.Equal(decimal.NewFromInt(240)))
	assert.True(t, li.CustomizationCost.Equal(decimal.NewFromInt(90)))
	assert.True(t, res.Cart.Total().Equal(decimal.NewFromInt(480)))
	assert.Equal(t, int64(1), res.Cart.Version)

	cached, ok := f.cachedCart(t, res.Cart.SessionID)
	require.True(t, ok)
	assert.Equal(t, int64(1), cached.Version)

	// The table now resolves to the stored session.
	again, err := f.carts.GetCart(ctx, session.Request{TableContext: "T1"})
	require.NoError(t, err)
	assert.Equal(t, res.Cart.SessionID, again.Cart.SessionID)
	assert.Len(t, again.Cart.Items, 1)
}

func TestAddItem_MergesSameSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 2, Selections: []int64{21, 20}, Quantity: 1})
	require.NoError(t, err)
	res, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 2, Selections: []int64{20, 21, 20}, Quantity: 3})
	require.NoError(t, err)

	require.Len(t, res.Cart.Items, 1)
	assert.Equal(t, 4, res.Cart.Items[0].Quantity)
	assert.Equal(t, []int64{20, 21}, res.Cart.Items[0].Selections)

	res, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 2, Selections: []int64{20}, Quantity: 1})
	require.NoError(t, err)
	assert.Len(t, res.Cart.Items, 2)
}

func TestAddItem_ConcurrentAddsMergeIntoOneLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	res, err := f.carts.GetCart(ctx, header(sessionT1))
	require.NoError(t, err)
	require.Len(t, res.Cart.Items, 1)
	assert.Equal(t, callers, res.Cart.Items[0].Quantity)
	assert.Equal(t, int64(callers), res.Cart.Version)
}

func TestAddItem_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Selections: []int64{20}, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrUnknownCustomization)

	_, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 100})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 4, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 99, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.carts.AddItem(ctx, header("bad id"), AddItemInput{MenuItemID: 1, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	assert.Zero(t, f.repo.SaveCalls)
}

func TestAddItem_MergeRespectsQuantityCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 90})
	require.NoError(t, err)
	_, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	res, err := f.carts.GetCart(ctx, header(sessionT1))
	require.NoError(t, err)
	assert.Equal(t, 90, res.Cart.Items[0].Quantity)
}

func TestUpdateItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 2, Quantity: 1})
	require.NoError(t, err)
	lineID := res.Cart.Items[0].ID

	qty := 3
	sel := []int64{21}
	res, err = f.carts.UpdateItem(ctx, header(sessionT1), lineID, UpdateItemInput{Quantity: &qty, Selections: &sel})
	require.NoError(t, err)
	require.Len(t, res.Cart.Items, 1)
	assert.Equal(t, lineID, res.Cart.Items[0].ID)
	assert.Equal(t, 3, res.Cart.Items[0].Quantity)
	assert.True(t, res.Cart.Items[0].UnitPrice.Equal(decimal.NewFromInt(165)))

	cached, ok := f.cachedCart(t, sessionT1)
	require.True(t, ok)
	assert.Equal(t, 3, cached.Items[0].Quantity)
	assert.Equal(t, res.Cart.Version, cached.Version)

	_, err = f.carts.UpdateItem(ctx, header(sessionT1), "missing", UpdateItemInput{Quantity: &qty})
	assert.ErrorIs(t, err, domain.ErrLineItemNotFound)

	bad := []int64{99}
	_, err = f.carts.UpdateItem(ctx, header(sessionT1), lineID, UpdateItemInput{Selections: &bad})
	assert.ErrorIs(t, err, domain.ErrUnknownCustomization)

	_, err = f.carts.UpdateItem(ctx, header(sessionT1), lineID, UpdateItemInput{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestUpdateItem_MergesIntoIdenticalLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 2, Selections: []int64{20}, Quantity: 2})
	require.NoError(t, err)
	res, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 2, Quantity: 1})
	require.NoError(t, err)
	require.Len(t, res.Cart.Items, 2)
	plainID := res.Cart.Items[1].ID

	sel := []int64{20}
	res, err = f.carts.UpdateItem(ctx, header(sessionT1), plainID, UpdateItemInput{Selections: &sel})
	require.NoError(t, err)
	require.Len(t, res.Cart.Items, 1)
	assert.Equal(t, 3, res.Cart.Items[0].Quantity)
	assert.NotEqual(t, plainID, res.Cart.Items[0].ID)
}

func TestRemoveItem_LastItemLeavesEmptyCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
	require.NoError(t, err)

	res, err = f.carts.RemoveItem(ctx, header(sessionT1), res.Cart.Items[0].ID)
	require.NoError(t, err)
	assert.NotNil(t, res.Cart.Items)
	assert.Empty(t, res.Cart.Items)

	got, err := f.carts.GetCart(ctx, header(sessionT1))
	require.NoError(t, err)
	assert.Empty(t, got.Cart.Items)
	assert.Equal(t, res.Cart.Version, got.Cart.Version)

	_, err = f.carts.RemoveItem(ctx, header(sessionT1), "missing")
	assert.ErrorIs(t, err, domain.ErrLineItemNotFound)
}

func TestClearCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Nothing stored: nothing written.
	res, err := f.carts.ClearCart(ctx, header(sessionT1))
	require.NoError(t, err)
	assert.Empty(t, res.Cart.Items)
	assert.Zero(t, f.repo.SaveCalls)

	_, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 2})
	require.NoError(t, err)
	res, err = f.carts.ClearCart(ctx, header(sessionT1))
	require.NoError(t, err)
	assert.Empty(t, res.Cart.Items)

	cached, ok := f.cachedCart(t, sessionT1)
	require.True(t, ok)
	assert.Empty(t, cached.Items)
}

func TestGetCart_UnknownAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.carts.GetCart(ctx, header(sessionT1))
	require.NoError(t, err)
	assert.Equal(t, sessionT1, res.Cart.SessionID)
	assert.Empty(t, res.Cart.Items)
	_, cached := f.cachedCart(t, sessionT1)
	assert.False(t, cached, "unknown sessions are not cached")

	expired := "session-T9-1700000000000-abcdef"
	f.repo.seed(domain.Session{ID: expired, TableContext: "T9", Status: domain.SessionExpired})
	_, err = f.carts.GetCart(ctx, header(expired))
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	_, err = f.carts.AddItem(ctx, header(expired), AddItemInput{MenuItemID: 1, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidSession)
}

func TestGetCart_ServedFromCacheWhileStoreDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
	require.NoError(t, err)

	f.repo.GetErr = domain.Wrap(domain.CodeTransientStorageFailure, "get cart", errors.New("down"))
	res, err := f.carts.GetCart(ctx, header(sessionT1))
	require.NoError(t, err)
	assert.Len(t, res.Cart.Items, 1)

	// Store down and cache cold: retryable.
	f.mr.FlushAll()
	_, err = f.carts.GetCart(ctx, header(sessionT1))
	assert.True(t, domain.Retryable(err))
}

func TestMutation_CacheDownStillConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
	require.NoError(t, err)
	_, err = f.carts.GetCart(ctx, header(sessionT1))
	require.NoError(t, err)

	f.mr.SetError("LOADING")
	res, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cart.Items[0].Quantity)

	// The old entry could not be replaced or evicted; the next read must not see it.
	f.mr.SetError("")
	got, err := f.carts.GetCart(ctx, header(sessionT1))
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cart.Items[0].Quantity)
}

func TestMutation_StoreFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
	require.NoError(t, err)

	f.repo.SaveErr = repository.ErrVersionConflict
	_, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
	assert.True(t, domain.Retryable(err))

	f.repo.SaveErr = domain.Wrap(domain.CodeDurableWriteFailure, "save cart", errors.New("check violation"))
	_, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrDurableWriteFailure)
	assert.False(t, domain.Retryable(err))

	f.repo.SaveErr = nil
	got, err := f.carts.GetCart(ctx, header(sessionT1))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cart.Items[0].Quantity)
}

func TestMutation_LockTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.carts.opts.LockTimeout = 20 * time.Millisecond

	unlock, err := f.carts.locks.Lock(context.Background(), sessionT1)
	require.NoError(t, err)
	defer unlock()

	_, err = f.carts.AddItem(context.Background(), header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
	assert.True(t, domain.Retryable(err))
}

func TestLegacySession_MigratedOnWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legacy := "cart_12345"
	body := session.Request{SessionID: legacy, Source: session.SourceBody}

	f.repo.seed(domain.Session{ID: legacy, TableContext: "T5", Format: domain.FormatLegacy, CartVersion: 3},
		domain.CartLineItem{ID: "li-1", MenuItemID: 1, Name: "Beef Noodle Soup", Selections: []int64{}, Quantity: 1,
			UnitPrice: decimal.NewFromInt(280), CustomizationCost: decimal.Zero})

	// Reads never migrate.
	got, err := f.carts.GetCart(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, legacy, got.Cart.SessionID)
	_, ok := f.cachedCart(t, legacy)
	require.True(t, ok)

	res, err := f.carts.AddItem(ctx, body, AddItemInput{MenuItemID: 2, Quantity: 1})
	require.NoError(t, err)
	assert.True(t, res.Migrated)
	assert.Equal(t, legacy, res.PreviousSessionID)
	assert.NotEqual(t, legacy, res.Cart.SessionID)
	assert.Equal(t, res.Cart.SessionID, res.Identity.SessionID)
	assert.Equal(t, "T5", res.Cart.TableContext)
	assert.Len(t, res.Cart.Items, 2)
	assert.Equal(t, int64(4), res.Cart.Version)

	format, err := session.Classify(res.Cart.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.FormatCurrent, format)

	_, ok = f.cachedCart(t, legacy)
	assert.False(t, ok, "legacy key must be evicted")

	// The legacy id is now unknown and yields an empty cart.
	old, err := f.carts.GetCart(ctx, body)
	require.NoError(t, err)
	assert.Empty(t, old.Cart.Items)

	migrated, err := f.carts.GetCart(ctx, header(res.Cart.SessionID))
	require.NoError(t, err)
	assert.Len(t, migrated.Cart.Items, 2)
	_, err = f.repo.GetSession(ctx, legacy)
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestInspect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.carts.Inspect(ctx, sessionT1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.carts.AddItem(ctx, header(sessionT1), AddItemInput{MenuItemID: 1, Quantity: 1})
	require.NoError(t, err)

	got, err := f.carts.Inspect(ctx, sessionT1)
	require.NoError(t, err)
	assert.True(t, got.Session.Active())
	assert.True(t, got.Cached)
	assert.False(t, got.Stale())

	f.layer.Invalidate(ctx, cache.CartKey(sessionT1))
	got, err = f.carts.Inspect(ctx, sessionT1)
	require.NoError(t, err)
	assert.False(t, got.Cached)
}
