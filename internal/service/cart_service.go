package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/fjod/tableorder/internal/cache"
	"github.com/fjod/tableorder/internal/catalog"
	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/keylock"
	"github.com/fjod/tableorder/internal/pricing"
	"github.com/fjod/tableorder/internal/repository"
	"github.com/fjod/tableorder/internal/session"
	"github.com/google/uuid"
)

// CartStore is the durable side of the cart service.
type CartStore interface {
	repository.CartRepository
	GetSession(ctx context.Context, id string) (domain.Session, error)
}

type AddItemInput struct {
	MenuItemID int64
	Selections []int64
	Quantity   int
}

// UpdateItemInput changes a line. Nil fields are left as they are.
type UpdateItemInput struct {
	Quantity   *int
	Selections *[]int64
}

// Result is a cart together with the session it now lives under.
// PreviousSessionID is set when a legacy id was migrated by the call.
type Result struct {
	Cart              domain.Cart
	Identity          session.Identity
	Migrated          bool
	PreviousSessionID string
}

// Inspection is the admin view of one session.
type Inspection struct {
	Session       domain.Session
	Cart          domain.Cart
	Cached        bool
	CachedVersion int64
}

// Stale reports whether the cache holds a version other than the store's.
func (i Inspection) Stale() bool {
	return i.Cached && i.CachedVersion != i.Cart.Version
}

var errNoChange = errors.New("no change")

type CartService struct {
	store    CartStore
	resolver *session.Resolver
	catalog  catalog.Catalog
	cache    *cache.Layer
	locks    *keylock.Locker
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func NewCartService(store CartStore, resolver *session.Resolver, menu catalog.Catalog, layer *cache.Layer, locks *keylock.Locker, opts Options) *CartService {
	opts.defaults()
	return &CartService{
		store:    store,
		resolver: resolver,
		catalog:  menu,
		cache:    layer,
		locks:    locks,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "cart")),
		now:      time.Now,
	}
}

// GetCart returns the session's cart, through the cache. Unknown sessions
// have an empty cart; expired ones are rejected.
func (s *CartService) GetCart(ctx context.Context, req session.Request) (res Result, err error) {
	ctx, span := startSpan(ctx, "CartService.GetCart", req.SessionID)
	defer func() { endSpan(span, err) }()

	id, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return Result{}, err
	}

	cart, err := s.readCart(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return Result{Cart: cart, Identity: id}, nil
}

func (s *CartService) readCart(ctx context.Context, id session.Identity) (domain.Cart, error) {
	if id.Minted {
		return emptyCart(id), nil
	}

	cart, err := cache.Read(ctx, s.cache, cache.CartKey(id.SessionID), func(ctx context.Context) (domain.Cart, error) {
		return s.store.GetCart(ctx, id.SessionID)
	})
	if errors.Is(err, repository.ErrCartNotFound) {
		return emptyCart(id), nil
	}
	if err != nil {
		return domain.Cart{}, storeError(err)
	}
	if cart.Status == domain.SessionExpired {
		return domain.Cart{}, domain.New(domain.CodeInvalidSession, "session has expired")
	}
	return cart, nil
}

func (s *CartService) AddItem(ctx context.Context, req session.Request, in AddItemInput) (res Result, err error) {
	ctx, span := startSpan(ctx, "CartService.AddItem", req.SessionID)
	defer func() { endSpan(span, err) }()

	if err := s.checkQuantity(in.Quantity); err != nil {
		return Result{}, err
	}
	item, err := s.catalog.GetMenuItem(ctx, in.MenuItemID)
	if err != nil {
		return Result{}, err
	}
	if !item.Available {
		return Result{}, domain.WithMetadata(domain.CodeInvalidArgument, "menu item is not available",
			map[string]string{"menu_item_id": strconv.FormatInt(item.ID, 10)})
	}
	selections := pricing.NormalizeSelections(in.Selections)
	quote, err := pricing.Price(item, selections, in.Quantity)
	if err != nil {
		return Result{}, err
	}

	return s.mutate(ctx, req, func(cart *domain.Cart) error {
		now := s.now().UTC()
		idx := slices.IndexFunc(cart.Items, func(li domain.CartLineItem) bool {
			return li.SameSelection(item.ID, selections)
		})
		if idx < 0 {
			cart.Items = append(cart.Items, domain.CartLineItem{
				ID:                uuid.NewString(),
				MenuItemID:        item.ID,
				Name:              item.Name,
				Selections:        selections,
				Quantity:          in.Quantity,
				UnitPrice:         quote.UnitPrice,
				CustomizationCost: quote.CustomizationCost,
				AddedAt:           now,
				UpdatedAt:         now,
			})
			return nil
		}

		line := &cart.Items[idx]
		if err := s.checkQuantity(line.Quantity + in.Quantity); err != nil {
			return err
		}
		line.Quantity += in.Quantity
		line.Name = item.Name
		line.UnitPrice = quote.UnitPrice
		line.CustomizationCost = quote.CustomizationCost
		line.UpdatedAt = now
		return nil
	})
}

// UpdateItem replaces the quantity and/or selections of a line and
// re-prices it. A line that becomes identical to another is merged into it.
func (s *CartService) UpdateItem(ctx context.Context, req session.Request, lineItemID string, in UpdateItemInput) (res Result, err error) {
	ctx, span := startSpan(ctx, "CartService.UpdateItem", req.SessionID)
	defer func() { endSpan(span, err) }()

	if in.Quantity == nil && in.Selections == nil {
		return Result{}, domain.New(domain.CodeInvalidArgument, "nothing to update")
	}
	if in.Quantity != nil {
		if err := s.checkQuantity(*in.Quantity); err != nil {
			return Result{}, err
		}
	}

	return s.mutate(ctx, req, func(cart *domain.Cart) error {
		idx := cart.IndexOf(lineItemID)
		if idx < 0 {
			return lineNotFound(lineItemID)
		}
		line := cart.Items[idx]

		quantity := line.Quantity
		if in.Quantity != nil {
			quantity = *in.Quantity
		}
		selections := line.Selections
		if in.Selections != nil {
			selections = pricing.NormalizeSelections(*in.Selections)
		}

		item, err := s.catalog.GetMenuItem(ctx, line.MenuItemID)
		if err != nil {
			return err
		}
		quote, err := pricing.Price(item, selections, quantity)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		other := slices.IndexFunc(cart.Items, func(li domain.CartLineItem) bool {
			return li.ID != line.ID && li.SameSelection(line.MenuItemID, selections)
		})
		if other >= 0 {
			if err := s.checkQuantity(cart.Items[other].Quantity + quantity); err != nil {
				return err
			}
			merged := &cart.Items[other]
			merged.Quantity += quantity
			merged.Name = item.Name
			merged.UnitPrice = quote.UnitPrice
			merged.CustomizationCost = quote.CustomizationCost
			merged.UpdatedAt = now
			cart.Items = slices.Delete(cart.Items, idx, idx+1)
			return nil
		}

		line.Quantity = quantity
		line.Selections = selections
		line.Name = item.Name
		line.UnitPrice = quote.UnitPrice
		line.CustomizationCost = quote.CustomizationCost
		line.UpdatedAt = now
		cart.Items[idx] = line
		return nil
	})
}

// RemoveItem deletes a line. Removing the last line leaves an empty cart.
func (s *CartService) RemoveItem(ctx context.Context, req session.Request, lineItemID string) (res Result, err error) {
	ctx, span := startSpan(ctx, "CartService.RemoveItem", req.SessionID)
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, req, func(cart *domain.Cart) error {
		idx := cart.IndexOf(lineItemID)
		if idx < 0 {
			return lineNotFound(lineItemID)
		}
		cart.Items = slices.Delete(cart.Items, idx, idx+1)
		return nil
	})
}

// ClearCart empties the cart. Clearing a session with nothing stored is a
// no-op.
func (s *CartService) ClearCart(ctx context.Context, req session.Request) (res Result, err error) {
	ctx, span := startSpan(ctx, "CartService.ClearCart", req.SessionID)
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, req, func(cart *domain.Cart) error {
		if cart.Version == 0 {
			return errNoChange
		}
		cart.Items = []domain.CartLineItem{}
		return nil
	})
}

// Inspect returns the stored session, its cart and what the cache holds for
// it. Nothing is loaded into the cache.
func (s *CartService) Inspect(ctx context.Context, sessionID string) (Inspection, error) {
	if _, err := session.Classify(sessionID); err != nil {
		return Inspection{}, err
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return Inspection{}, domain.Wrap(domain.CodeNotFound, "session not found", err)
	}
	if err != nil {
		return Inspection{}, storeError(err)
	}
	cart, err := s.store.GetCart(ctx, sessionID)
	if err != nil {
		return Inspection{}, storeError(err)
	}

	out := Inspection{Session: sess, Cart: cart}
	out.CachedVersion, out.Cached = s.cache.Peek(ctx, cache.CartKey(sessionID))
	return out, nil
}

// mutate runs fn against the authoritative cart under the session lock,
// commits the result and writes it through the cache. A legacy session is
// moved to a freshly minted id in the same commit.
func (s *CartService) mutate(ctx context.Context, req session.Request, fn func(*domain.Cart) error) (Result, error) {
	id, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return Result{}, err
	}

	unlock, err := lockSession(ctx, s.locks, s.opts.LockTimeout, id.SessionID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	cart, err := s.loadForUpdate(ctx, id)
	if err != nil {
		return Result{}, err
	}

	if err := fn(&cart); err != nil {
		if errors.Is(err, errNoChange) {
			return Result{Cart: cart, Identity: id}, nil
		}
		return Result{}, err
	}

	w := repository.CartWrite{
		Session: domain.Session{
			ID:           cart.SessionID,
			TableContext: cart.TableContext,
			Format:       domain.FormatCurrent,
		},
		Items:           cart.Items,
		ExpectedVersion: cart.Version,
	}
	if id.Legacy() {
		w.Session.ID = session.Mint(cart.TableContext)
		w.Replaces = id.SessionID
	}

	saved, err := s.store.SaveCart(ctx, w)
	if err != nil {
		return Result{}, storeError(err)
	}

	res := Result{Cart: saved, Identity: id}
	if w.Replaces != "" {
		s.cache.Invalidate(ctx, cache.CartKey(w.Replaces))
		res.Migrated = true
		res.PreviousSessionID = w.Replaces
		res.Identity.SessionID = saved.SessionID
		res.Identity.Format = domain.FormatCurrent
		s.log.InfoContext(ctx, "legacy session migrated",
			slog.String("legacy_id", w.Replaces), slog.String("session_id", saved.SessionID))
	}
	s.cache.Write(ctx, cache.CartKey(saved.SessionID), saved)
	return res, nil
}

// loadForUpdate reads the cart from the store, never from the cache.
func (s *CartService) loadForUpdate(ctx context.Context, id session.Identity) (domain.Cart, error) {
	if id.Minted {
		return emptyCart(id), nil
	}
	cart, err := s.store.GetCart(ctx, id.SessionID)
	if errors.Is(err, repository.ErrCartNotFound) {
		return emptyCart(id), nil
	}
	if err != nil {
		return domain.Cart{}, storeError(err)
	}
	if cart.Status == domain.SessionExpired {
		return domain.Cart{}, domain.New(domain.CodeInvalidSession, "session has expired")
	}
	if cart.Items == nil {
		cart.Items = []domain.CartLineItem{}
	}
	return cart, nil
}

func (s *CartService) checkQuantity(q int) error {
	if q < 1 || q > s.opts.MaxQuantity {
		return domain.WithMetadata(domain.CodeInvalidArgument, "quantity out of range", map[string]string{
			"quantity": strconv.Itoa(q),
			"max":      strconv.Itoa(s.opts.MaxQuantity),
		})
	}
	return nil
}

func emptyCart(id session.Identity) domain.Cart {
	return domain.Cart{
		SessionID:    id.SessionID,
		TableContext: id.TableContext,
		Status:       domain.SessionActive,
		Items:        []domain.CartLineItem{},
	}
}

func lineNotFound(lineItemID string) error {
	return domain.WithMetadata(domain.CodeLineItemNotFound, "line item not found",
		map[string]string{"line_item_id": lineItemID})
}
