package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/tableorder/internal/service"
	"github.com/fjod/tableorder/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type CartService interface {
	GetCart(ctx context.Context, req session.Request) (service.Result, error)
	AddItem(ctx context.Context, req session.Request, in service.AddItemInput) (service.Result, error)
	UpdateItem(ctx context.Context, req session.Request, lineItemID string, in service.UpdateItemInput) (service.Result, error)
	RemoveItem(ctx context.Context, req session.Request, lineItemID string) (service.Result, error)
	ClearCart(ctx context.Context, req session.Request) (service.Result, error)
	Inspect(ctx context.Context, sessionID string) (service.Inspection, error)
}

type CartHandler struct {
	carts    CartService
	validate *validator.Validate
	timeout  time.Duration
	log      *slog.Logger
}

func NewCartHandler(carts CartService, timeout time.Duration, log *slog.Logger) *CartHandler {
	return &CartHandler{
		carts:    carts,
		validate: NewValidator(),
		timeout:  timeout,
		log:      log,
	}
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.carts.GetCart(ctx, sessionRequest(r, sessionFields{}))
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	h.respondCart(w, http.StatusOK, res)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := decodeBody(r, h.validate, &req); err != nil {
		handleError(w, r, h.log, err)
		return
	}

	res, err := h.carts.AddItem(ctx, sessionRequest(r, req.sessionFields), service.AddItemInput{
		MenuItemID: req.MenuItemID,
		Selections: req.Selections,
		Quantity:   req.Quantity,
	})
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	h.respondCart(w, http.StatusCreated, res)
}

func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req UpdateItemRequestDTO
	if err := decodeBody(r, h.validate, &req); err != nil {
		handleError(w, r, h.log, err)
		return
	}

	res, err := h.carts.UpdateItem(ctx, sessionRequest(r, req.sessionFields), chi.URLParam(r, "line_item_id"), service.UpdateItemInput{
		Quantity:   req.Quantity,
		Selections: req.Selections,
	})
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	h.respondCart(w, http.StatusOK, res)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SessionRequestDTO
	if err := decodeBody(r, h.validate, &req); err != nil {
		handleError(w, r, h.log, err)
		return
	}

	res, err := h.carts.RemoveItem(ctx, sessionRequest(r, req.sessionFields), chi.URLParam(r, "line_item_id"))
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	h.respondCart(w, http.StatusOK, res)
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SessionRequestDTO
	if err := decodeBody(r, h.validate, &req); err != nil {
		handleError(w, r, h.log, err)
		return
	}

	res, err := h.carts.ClearCart(ctx, sessionRequest(r, req.sessionFields))
	if err != nil {
		handleError(w, r, h.log, err)
		return
	}
	h.respondCart(w, http.StatusOK, res)
}

func (h *CartHandler) respondCart(w http.ResponseWriter, status int, res service.Result) {
	setSessionHeaders(w, res.Cart.SessionID, res.Migrated)
	respondJSON(w, status, toCartDTO(res))
}
