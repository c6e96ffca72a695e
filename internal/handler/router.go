package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/fulfillment-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.StripSlashes)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))

	// promhttp сам сжимает ответ
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Post("/api/webhooks/stripe", h.StripeWebhook)

		r.Route("/api/account", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders/create", h.CreateOrder)
			r.Get("/orders", h.GetOrders)
			r.Get("/orders/{id}", h.GetOrder)
			r.Post("/orders/{id}/confirm", h.ConfirmOrder)

			r.Get("/subscriptions", h.GetSubscriptions)
			r.Get("/subscriptions/status", h.GetBillingStatus)
			r.Get("/entitlements", h.GetEntitlements)

			r.Get("/downloads", h.GetDownloads)
			r.Post("/downloads/{token}/access", h.RequestDownload)
		})

		r.Route("/api/ai/usage", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/summary", h.GetUsageSummary)
			r.Post("/consume", h.ConsumeUsage)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(custommiddleware.RequireSecret("X-Admin-Secret", h.opts.AdminSecret))

			r.Post("/orders/{id}/fulfill", h.FulfillOrder)
		})
	})

	if h.opts.Files != nil && h.opts.FilesDir != "" {
		r.Get("/files/*", h.ServeFile)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
