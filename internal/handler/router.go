package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/sponsorship-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса спонсорской поддержки.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Post("/", h.CreateRule)
			r.Get("/{ruleID}", h.GetRule)
			r.Post("/{ruleID}/pause", h.PauseRule)
			r.Post("/{ruleID}/resume", h.ResumeRule)
			r.Post("/{ruleID}/end", h.EndRule)
		})

		r.Route("/pricing", func(r chi.Router) {
			r.Post("/quote", h.Quote)
			r.Post("/batch", h.QuoteBatch)
		})

		r.Route("/allocations", func(r chi.Router) {
			r.Post("/", h.Reserve)
			r.Get("/{allocationID}", h.GetAllocation)
			r.Post("/{allocationID}/capture", h.Capture)
			r.Post("/{allocationID}/release", h.Release)
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
