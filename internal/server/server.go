package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"opsdeck/internal/deploy"
	"opsdeck/internal/engine"
	"opsdeck/internal/project"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout = 10 * time.Second
	HTTPIdleTimeout = 60 * time.Second

	// Request timeout for middleware. Excludes the websocket route, which
	// holds its connection open.
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute
	GlobalRateLimit  = 120 // API requests per minute per IP
	WebhookRateLimit = 30  // Webhook deliveries per minute per IP
)

// HistoryReader serves persisted deployment records. Optional; without it
// the history endpoint returns an empty list.
type HistoryReader interface {
	DeploymentHistory(ctx context.Context, project string, limit int) ([]deploy.Record, error)
}

// Server represents the HTTP server
type Server struct {
	Registry *project.Registry
	Engine   *engine.Engine
	Logger   *slog.Logger
	User     string // dashboard session user, recorded as action actor
	History  HistoryReader
	TestMode bool
}

// NewServer creates a new server instance
func NewServer(registry *project.Registry, eng *engine.Engine, logger *slog.Logger, user string, testMode bool) *Server {
	return &Server{
		Registry: registry,
		Engine:   eng,
		Logger:   logger,
		User:     user,
		TestMode: testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	// Rate limiting middleware (only if not in test mode)
	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, time.Minute, s.Logger))
	}

	r.Get("/health", s.HandleHealth)

	// The websocket route stays outside the request timeout.
	r.Get("/ws", s.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(RequestTimeout))

		r.Get("/deployments", s.HandleListDeployments)
		r.Get("/deployments/{deploymentID}", s.HandleGetDeployment)
		r.Post("/deployments/{deploymentID}/retry", s.HandleRetryDeployment)
		r.Post("/deployments/{deploymentID}/cancel", s.HandleCancelDeployment)
		r.Post("/deployments/{deploymentID}/rollback", s.HandleRollbackDeployment)

		r.Get("/projects/{projectName}/presence", s.HandlePresence)
		r.Get("/projects/{projectName}/conflicts", s.HandleConflicts)
		r.Get("/projects/{projectName}/history", s.HandleHistory)

		r.Get("/sessions", s.HandleListSessions)
		r.Post("/sessions", s.HandleCreateSession)
		r.Get("/sessions/{sessionID}", s.HandleGetSession)
		r.Post("/sessions/{sessionID}/accept", s.handleSessionMember(s.Engine.AcceptSession))
		r.Post("/sessions/{sessionID}/decline", s.handleSessionMember(s.Engine.DeclineSession))
		r.Post("/sessions/{sessionID}/leave", s.handleSessionMember(s.Engine.LeaveSession))
		r.Post("/sessions/{sessionID}/close", s.handleSessionMember(s.Engine.CloseSession))
		r.Post("/sessions/{sessionID}/edit", s.HandleSessionEdit)
		r.Post("/sessions/{sessionID}/cursor", s.HandleSessionCursor)

		r.Get("/notifications", s.HandleListNotifications)
		r.Get("/notifications/badge", s.HandleBadge)
		r.Post("/notifications/{notificationID}/read", s.HandleMarkRead)
		r.Post("/notifications/{notificationID}/unread", s.HandleMarkUnread)
		r.Delete("/notifications/{notificationID}", s.HandleDismiss)

		r.Get("/preferences", s.HandleGetPreferences)
		r.Put("/preferences", s.HandlePutPreferences)
	})

	// Webhook route with stricter rate limit
	if !s.TestMode {
		r.With(NewRateLimitMiddleware(WebhookRateLimit, time.Minute, s.Logger)).
			Post("/in/github/{projectName}", s.HandleWebhook)
	} else {
		r.Post("/in/github/{projectName}", s.HandleWebhook)
	}

	return r
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	server := &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: HTTPReadTimeout,
		IdleTimeout: HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
