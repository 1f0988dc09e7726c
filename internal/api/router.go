package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/cloudvet/cloudvet/internal/api/middleware"
	"github.com/cloudvet/cloudvet/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitInspection http.HandlerFunc
	GetInspection    http.HandlerFunc
	GetResult        http.HandlerFunc
	CancelInspection http.HandlerFunc

	WebSocketHandler http.Handler

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// The WebSocket endpoint authenticates its own bearer token at connect
	// time, so it sits outside the HTTP auth group.
	if deps.WebSocketHandler != nil {
		r.Handle("/api/v1/ws", deps.WebSocketHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/inspections", orNotImplemented(deps.SubmitInspection))
		r.Get("/api/v1/inspections/{jobID}", orNotImplemented(deps.GetInspection))
		r.Get("/api/v1/inspections/{jobID}/result", orNotImplemented(deps.GetResult))
		r.Delete("/api/v1/inspections/{jobID}", orNotImplemented(deps.CancelInspection))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
