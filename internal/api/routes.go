package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Tellivision/newsletter/internal/auth"
)

// SetupRoutes configures the router: auth endpoints are open, everything
// under /api requires a live session.
func SetupRoutes(h *Handlers, authManager *auth.Manager) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// Credentials must be allowed for the session cookie, so origins are
	// explicit rather than a wildcard.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	if authManager != nil {
		r.Get("/auth/login", authManager.HandleLogin)
		r.Get("/auth/callback", authManager.HandleCallback)
		r.Get("/auth/logout", authManager.HandleLogout)
		r.Get("/auth/user", authManager.HandleUserInfo)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if !h.sessions.IsAuthenticated(req) {
					respondError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
				next.ServeHTTP(w, req)
			})
		})

		r.Post("/newsletters/send", h.SendNewsletter)
		r.Get("/newsletters/schedule", h.ListScheduled)
		r.Post("/newsletters/schedule", h.ScheduleNewsletter)
		r.Delete("/newsletters/schedule", h.CancelScheduled)
	})

	return r
}
