package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremylongshore/moat/internal/platform/middleware"
)

// NewRouter assembles the gateway's routes. Execution and stats sit behind
// tenant auth; health and metrics do not.
func NewRouter(h *Handler, validator middleware.TenantValidator, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireTenant(validator, logger))
		r.Post("/v1/execute/{capability_id}", h.ExecuteCapability)
		r.Get("/v1/capabilities/{capability_id}/stats", h.CapabilityStats)
	})

	return r
}
