package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/fjod/tableorder/internal/repository"
	"github.com/fjod/tableorder/internal/service"
	"github.com/fjod/tableorder/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxListLimit = 200

type OrderService interface {
	PlaceOrder(ctx context.Context, req session.Request, in service.PlaceOrderInput) (service.Placement, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, error)
}

type OrdersHandler struct {
	orders   OrderService
	validate *validator.Validate
	timeout  time.Duration
	log      *slog.Logger
}

func NewOrdersHandler(orders OrderService, timeout time.Duration, log *slog.Logger) *OrdersHandler {
	return &OrdersHandler{
		orders:   orders,
		validate: NewValidator(),
		timeout:  timeout,
		log:      log,
	}
}

// PlaceOrder serves both POST /api/orders and the older
// POST /api/cart/{session_id}/checkout.
func (h *OrdersHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req PlaceOrderRequestDTO
	if err := decodeBody(r, h.validate, &req); err != nil {
		handleError(w, r, h.log, err)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	sr := sessionRequest(r, req.sessionFields)
	p, err := h.orders.PlaceOrder(ctx, sr, service.PlaceOrderInput{
		TableContext:   sr.TableContext,
		IdempotencyKey: key,
	})
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}

	status := http.StatusCreated
	if p.Replayed {
		status = http.StatusOK
	}
	setSessionHeaders(w, p.Identity.SessionID, false)
	respondJSON(w, status, toPlacementDTO(p))
}

func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "order_id"))
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// ListOrders accepts optional table, session_id and limit query
// parameters.
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	q := r.URL.Query()
	filter := repository.OrderFilter{
		TableContext: q.Get("table"),
		SessionID:    q.Get("session_id"),
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 || limit > maxListLimit {
			respondError(w, http.StatusBadRequest, string(domain.CodeInvalidArgument), "invalid limit",
				"limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		filter.Limit = limit
	}

	orders, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}

	out := make([]OrderDTO, len(orders))
	for i, o := range orders {
		out[i] = toOrderDTO(o)
	}
	respondJSON(w, http.StatusOK, out)
}
