package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/tableorder/internal/cache"
	"github.com/fjod/tableorder/internal/domain"
	"github.com/go-chi/chi/v5"
)

type CacheAdmin interface {
	Flush(ctx context.Context) error
	Stats() cache.Stats
}

type MenuEvictor interface {
	Evict(ctx context.Context, ids ...int64)
}

type MenuLister interface {
	ListMenuItems(ctx context.Context) ([]domain.MenuItem, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// AdminHandler serves the operator endpoints and the menu listing.
type AdminHandler struct {
	carts   CartService
	cache   CacheAdmin
	menu    MenuEvictor
	lister  MenuLister
	store   Pinger
	timeout time.Duration
	log     *slog.Logger
}

func NewAdminHandler(carts CartService, layer CacheAdmin, menu MenuEvictor, lister MenuLister, store Pinger, timeout time.Duration, log *slog.Logger) *AdminHandler {
	return &AdminHandler{
		carts:   carts,
		cache:   layer,
		menu:    menu,
		lister:  lister,
		store:   store,
		timeout: timeout,
		log:     log,
	}
}

// InspectCart shows the stored session, its cart and whether the cached
// copy matches the store.
func (h *AdminHandler) InspectCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	in, err := h.carts.Inspect(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, toInspectionDTO(in))
}

func (h *AdminHandler) FlushCache(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.cache.Flush(ctx); err != nil {
		h.log.ErrorContext(ctx, "cache flush failed", slog.Any("error", err))
		w.Header().Set("Retry-After", retryAfterSeconds)
		respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     "cache flush failed",
			Code:      string(domain.CodeTransientStorageFailure),
			Details:   err.Error(),
			Retryable: true,
		})
		return
	}
	h.log.InfoContext(ctx, "cache flushed by operator")
	respondJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (h *AdminHandler) CacheStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.cache.Stats())
}

func (h *AdminHandler) EvictMenuItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "menu_item_id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, string(domain.CodeInvalidArgument), "invalid menu item id",
			"menu_item_id must be a positive integer")
		return
	}
	h.menu.Evict(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) ListMenu(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	items, err := h.lister.ListMenuItems(ctx)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	out := make([]MenuItemDTO, len(items))
	for i, m := range items {
		out[i] = toMenuItemDTO(m)
	}
	respondJSON(w, http.StatusOK, out)
}

// Health reports the store as required and the cache as informational.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok", "cache": h.cache.Stats()}
	if err := h.store.Ping(ctx); err != nil {
		h.log.ErrorContext(ctx, "store ping failed", slog.Any("error", err))
		body["status"] = "unavailable"
		body["store"] = "unreachable"
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}
