package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin API. Paths are relative to the /admin mount.
func NewRouter(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(AuthMiddleware)

	r.Get("/subscriptions", handlers.handleSubscriptions)
	r.Get("/mirror", handlers.handleMirror)
	r.Get("/watch", handlers.handleWatch)

	r.Route("/resources", func(r chi.Router) {
		r.Get("/", handlers.handleListResources)
		r.Get("/{name}", handlers.withResource(handlers.handleGetResource))
		r.Post("/{name}/retry", handlers.withResource(handlers.handleRetry))
		r.Delete("/{name}", handlers.withResource(handlers.handleRelease))
	})

	return r
}

// RegisterRoutes mounts the admin API under /admin, and /metrics when a
// metrics handler is given
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, metrics http.Handler) {
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", NewRouter(handlers)))

	if metrics != nil {
		mux.Handle("/metrics", metrics)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
