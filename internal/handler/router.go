package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/support-desk/internal/middleware"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

// RouterOptions holds what NewRouter mounts.
type RouterOptions struct {
	Tickets     *TicketHandler
	Events      *EventHandler
	Health      *HealthHandler
	JWTSecret   string
	RateLimit   int
	RateWindow  time.Duration
	CORSOrigins []string
	Logger      *logger.Logger
}

// NewRouter builds the HTTP routes of the API.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logging(opts.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(opts.CORSOrigins))

	r.Get("/health", opts.Health.Health)
	r.Get("/ready", opts.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(opts.JWTSecret))
		r.Use(middleware.RateLimit(opts.RateLimit, opts.RateWindow))

		r.Get("/tickets", opts.Tickets.List)
		r.Route("/tickets/{id}", func(r chi.Router) {
			r.Get("/", opts.Tickets.Get)
			r.Get("/messages", opts.Tickets.Messages)
			r.Post("/messages", opts.Tickets.Send)
			r.Get("/tool-usage", opts.Tickets.ToolUsage)
			r.Get("/summary", opts.Tickets.Summary)
			r.Get("/events", opts.Events.Stream)
			r.With(middleware.RequireScope(middleware.ScopeAdmin)).Delete("/agent", opts.Tickets.EvictAgent)
		})
		r.Get("/search", opts.Tickets.Search)
	})

	return r
}
