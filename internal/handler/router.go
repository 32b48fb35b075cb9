package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/streamshop/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(custommiddleware.RequestLogger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}/quote", h.QuoteProduct)
		r.Get("/balance", h.GetBalance)
		r.Get("/orders", h.GetOrders)
		r.With(h.purchaseLimit).Post("/orders", h.CreateOrder)

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.RequireRole(custommiddleware.RoleAdmin))

			r.Get("/products", h.AdminListProducts)
			r.Post("/products", h.CreateProduct)
			r.Put("/products/{id}", h.UpdateProduct)
			r.Put("/products/{id}/allow-list", h.SetAllowList)
			r.Post("/products/{id}/stock", h.AddStock)
			r.Post("/products/{id}/stock/bulk", h.AddStockBulk)
			r.Get("/products/{id}/stock", h.StockCounts)

			r.Post("/users/{id}/credit", h.Recharge)
			r.Get("/users/{id}/balance", h.UserBalance)
			r.Get("/users/{id}/ledger", h.UserLedger)
			r.Post("/users/{id}/orders", h.PurchaseForUser)
			r.Get("/users/{id}/blocks", h.UserBlockStatus)
			r.Post("/users/{id}/blocks", h.BlockUser)
			r.Delete("/users/{id}/blocks", h.UnblockUser)
			r.Get("/users/{id}/offers", h.UserOffers)

			r.Post("/offers", h.CreateOffer)
			r.Delete("/offers/{id}", h.DeactivateOffer)

			r.Get("/orders", h.AdminListOrders)
			r.Get("/orders/{id}", h.AdminGetOrder)
			r.Post("/orders/{id}/renew", h.RenewOrder)
			r.Post("/orders/{id}/rehabilitate", h.RehabilitateOrder)
			r.Put("/orders/{id}/credential", h.CorrectCredential)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func (h *Handler) purchaseLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Middleware(next)
}
