/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request for tracing
  2. Recoverer:   Panic recovery (500 instead of crash)
  3. CORS:        Cross-origin requests for the calendar frontend
  4. zap logger:  Structured request logging
  5. Identity:    Builds engine.Caller from the auth layer's headers

CALLER IDENTITY:
  Authentication is an external collaborator. The auth proxy in front of
  this service sets X-Caller-ID and X-Caller-Role on every request; the
  identity middleware turns them into an explicit engine.Caller in the
  request context. Requests without a valid identity get 401 before any
  handler runs.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/tinysteps/center-engine/engine"
)

type callerKey struct{}

// CallerFrom returns the authenticated caller stored by the identity
// middleware.
func CallerFrom(ctx context.Context) engine.Caller {
	c, _ := ctx.Value(callerKey{}).(engine.Caller)
	return c
}

// WithCaller returns a context carrying the caller. Exposed for tests.
func WithCaller(ctx context.Context, c engine.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, logger *zap.Logger, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Caller-ID", "X-Caller-Role"},
		AllowCredentials: true,
	}))
	r.Use(requestLogger(logger))
	r.Use(identity)

	r.Route("/api", func(r chi.Router) {
		// Service catalog
		r.Route("/services", func(r chi.Router) {
			r.Get("/", h.ListServices)
			r.Post("/", h.SaveService)
			r.Put("/{id}", h.UpdateService)
			r.Delete("/{id}", h.DeleteService)
		})

		// Directory setup
		r.Route("/children", func(r chi.Router) {
			r.Post("/", h.SaveChild)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.ListTransactions)
		})
		r.Route("/specialists", func(r chi.Router) {
			r.Post("/", h.SaveSpecialist)
			r.Put("/{id}/hours", h.SaveWorkingHours)
			r.Delete("/{id}/hours/{weekday}", h.DeleteWorkingHours)
			r.Get("/{id}/slots", h.FreeSlots)
		})
		r.Post("/assignments", h.SaveAssignment)

		// Appointments
		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", h.ListAppointments)
			r.Post("/", h.CreateAppointment)
			r.Post("/recurring", h.CreateRecurringSeries)
			r.Patch("/{id}", h.UpdateAppointment)
			r.Put("/{id}/status", h.ChangeStatus)
			r.Delete("/{id}", h.DeleteAppointment)
		})

		// Ledger
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.RecordPayment)
			r.Delete("/{id}", h.DeletePayment)
		})
		r.Get("/reports/income", h.IncomeReport)
	})

	return r
}

// identity extracts the opaque caller identity the auth layer forwards.
// The engine never learns how the caller authenticated.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := engine.Caller{
			ID:   r.Header.Get("X-Caller-ID"),
			Role: engine.Role(r.Header.Get("X-Caller-Role")),
		}
		if caller.ID == "" || !caller.Role.Valid() {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing or invalid caller identity"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// requestLogger logs one structured line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
