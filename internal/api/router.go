package api

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trafficwatch-dashboard/internal/auth"
)

// SetupOpsRouter serves metrics and health checks on the operations port.
func SetupOpsRouter(apiHandler *APIHandler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", apiHandler.HandleHealth)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}

func SetupUIRouter(apiHandler *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", apiHandler.ServeWebUI)

	// Serve static files (CSS, JS)
	staticPath := filepath.Join(apiHandler.webDir, "static")
	fs := http.FileServer(http.Dir(staticPath))
	r.Handle("/static/*", http.StripPrefix("/static/", fs))

	r.With(apiHandler.auth.Authenticate).Get("/ws", apiHandler.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", apiHandler.HandleLogin)

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.auth.Authenticate)

			r.Get("/dashboard", apiHandler.HandleDashboard)
			r.Get("/cameras", apiHandler.HandleListCameras)
			r.With(apiHandler.auth.RequireRole(auth.RoleAdmin)).Post("/cameras", apiHandler.HandleCreateCamera)
			r.Get("/cameras/{id}/dashboard", apiHandler.HandleCameraDashboard)
			// The frame cache is keyed by camera label.
			r.Get("/cameras/{id}/frame", apiHandler.HandleFrame)
		})
	})

	return r
}
