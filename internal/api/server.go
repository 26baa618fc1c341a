// Package api is the HTTP control surface of the consumer session: feed
// queries, opt-in, location, session and manual refresh.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"localbuzz/internal/gate"
	"localbuzz/internal/permission"
	"localbuzz/internal/scheduler"
	"localbuzz/internal/session"
)

// Options configures the router middleware.
type Options struct {
	CORSAllowOrigins  []string
	RateLimitRequests int // 0 disables rate limiting
	RateLimitWindow   time.Duration
}

// Deps are the components the handlers operate on. Manual may be nil when
// the position comes from a fixed home coordinate.
type Deps struct {
	Scheduler    *scheduler.Scheduler
	Gate         *gate.Gate
	Session      *session.Store
	Location     *permission.Location
	Notification *permission.Notification
	Manual       *permission.ManualLocator
	Log          *slog.Logger
	Now          func() time.Time
}

// NewRouter creates and configures the chi router with all middleware and routes.
func NewRouter(deps Deps, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LogMiddleware(deps.Log))
	r.Use(middleware.Recoverer)

	c := corslib.New(corslib.Options{
		AllowedOrigins: opts.CORSAllowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	})
	r.Use(c.Handler)

	if opts.RateLimitRequests > 0 && opts.RateLimitWindow > 0 {
		r.Use(RateLimitMiddleware(opts.RateLimitRequests, opts.RateLimitWindow))
	}

	h := newHandler(deps)

	r.Get("/health", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/feed", h.getFeed)
		r.Get("/active", h.getActive)
		r.Post("/refresh", h.refresh)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.getNotifications)
			r.Post("/opt-in", h.optIn)
			r.Delete("/opt-in", h.optOut)
		})

		r.Route("/location", func(r chi.Router) {
			r.Get("/", h.getLocation)
			r.Put("/", h.setLocation)
			r.Post("/request", h.requestLocation)
		})

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.logout)
			r.Post("/verify", h.verify)
			r.Put("/role", h.setRole)
		})
	})

	return r
}
