package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sitevault/sitevault-be/internal/api/handlers"
	"github.com/sitevault/sitevault-be/internal/auth"
	"github.com/sitevault/sitevault-be/internal/services"
	"github.com/sitevault/sitevault-be/internal/websocket"
)

// NewRouter creates and configures a new Chi router.
func NewRouter(hub *websocket.Hub, backupService services.BackupServiceProvider, stateService services.StateServiceProvider, userService services.UserServiceProvider, eventService services.EventServiceProvider) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS configuration for development
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"}, // Adjust for your frontend URL
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Initialize handlers
	backupHandler := handlers.NewBackupHandler(backupService, stateService, eventService)
	userHandler := handlers.NewUserHandler(userService)
	wsHandler := handlers.NewWebSocketHandler(hub)

	// API versioning
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket connection endpoint
		r.Get("/ws", wsHandler.Serve)

		r.Post("/auth/login", userHandler.Login)

		// Backup control and artifact management, auth-gated
		r.Group(func(r chi.Router) {
			r.Use(auth.JWTMiddleware())

			r.Route("/backups", func(r chi.Router) {
				r.Post("/start", backupHandler.Start)
				r.Post("/cancel", backupHandler.Cancel)
				r.Get("/status", backupHandler.Status)
				r.Route("/artifacts", func(r chi.Router) {
					r.Get("/", backupHandler.ListArtifacts)
					r.Get("/{filename}", backupHandler.DownloadArtifact)
					r.Delete("/{filename}", backupHandler.DeleteArtifact)
				})
			})
		})
	})

	return r
}
