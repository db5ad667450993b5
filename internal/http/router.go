package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Handlers struct {
	Cart   *CartHandler
	Orders *OrdersHandler
	Admin  *AdminHandler
}

// NewRouter wires every route. Session-in-path and header/body shapes reach
// the same handlers.
func NewRouter(h Handlers, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.Compress(5))

	r.Get("/health", h.Admin.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/menu", h.Admin.ListMenu)

		r.Route("/cart", func(r chi.Router) {
			cartRoutes(r, h.Cart)
			r.Route("/{session_id}", func(r chi.Router) {
				cartRoutes(r, h.Cart)
				r.Post("/checkout", h.Orders.PlaceOrder)
			})
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.Orders.PlaceOrder)
			r.Get("/", h.Orders.ListOrders)
			r.Get("/{order_id}", h.Orders.GetOrder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/carts/{session_id}", h.Admin.InspectCart)
			r.Post("/cache/flush", h.Admin.FlushCache)
			r.Get("/cache/stats", h.Admin.CacheStats)
			r.Delete("/cache/menu/{menu_item_id}", h.Admin.EvictMenuItem)
		})
	})

	return otelhttp.NewHandler(r, "tableorder",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

func cartRoutes(r chi.Router, h *CartHandler) {
	r.Get("/", h.GetCart)
	r.Delete("/", h.ClearCart)
	r.Post("/items", h.AddItem)
	r.Patch("/items/{line_item_id}", h.UpdateItem)
	r.Delete("/items/{line_item_id}", h.RemoveItem)
}
