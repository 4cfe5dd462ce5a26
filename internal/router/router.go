package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kiwari-pos/queue/internal/config"
	"github.com/kiwari-pos/queue/internal/enum"
	"github.com/kiwari-pos/queue/internal/handler"
	mw "github.com/kiwari-pos/queue/internal/middleware"
	"github.com/kiwari-pos/queue/internal/service"
	"github.com/kiwari-pos/queue/internal/ws"
	"go.uber.org/zap"
)

// New creates a Chi router with all application routes wired up.
func New(cfg *config.Config, svc *service.OrderService, hub *ws.Hub, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Customer orders: placement, tracking and cancellation. Auth is per route.
	orderHandler := handler.NewOrderHandler(svc, cfg.JWTSecret, logger)
	r.Route("/orders", orderHandler.RegisterRoutes)

	// WebSocket routes (staff stream checks its token from the query param)
	r.Get("/ws/queue", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeStaff(hub, cfg.JWTSecret, w, r)
	})
	r.Get("/ws/orders/{publicId}", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeTracker(hub, w, r)
	})

	// Staff queue
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))
		r.Use(mw.RequireRole(enum.UserRoleStaff, enum.UserRoleAdmin))

		queueHandler := handler.NewQueueHandler(svc, logger)
		r.Route("/queue", queueHandler.RegisterRoutes)
	})

	logger.Debug("router initialized")
	return r
}
