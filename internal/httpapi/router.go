// Package httpapi assembles the HTTP surface: router, CORS, request logging,
// and the route-to-guard mapping.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/stackmatic/twogate/internal/httpapi/handlers"
	"github.com/stackmatic/twogate/internal/httpapi/middleware"
)

type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter builds the route tree. Guard levels per route group: public,
// authenticated (pending session allowed), and fully authenticated (step-up
// enforced).
func NewRouter(
	cfg RouterConfig,
	authHandler *handlers.AuthHandler,
	twoFAHandler *handlers.TwoFAHandler,
	authGuard *middleware.Auth,
	logger *zap.Logger,
) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Route("/auth", func(api chi.Router) {
		api.Post("/register", authHandler.Register)
		api.Post("/login", authHandler.Login)
		api.Post("/google", authHandler.GoogleLogin)
		api.Get("/status", authHandler.Status)

		api.Group(func(g chi.Router) {
			g.Use(authGuard.RequireAuth)
			g.Post("/logout", authHandler.Logout)
		})
		api.Group(func(g chi.Router) {
			g.Use(authGuard.RequireFullAuth)
			g.Post("/change-password", authHandler.ChangePassword)
		})
	})

	r.Route("/2fa", func(api chi.Router) {
		// Verify and status must be reachable from a pending session, the
		// rest only after the second factor (when any) is satisfied.
		api.Group(func(g chi.Router) {
			g.Use(authGuard.RequireAuth)
			g.Post("/verify", twoFAHandler.Verify)
			g.Get("/status", twoFAHandler.Status)
		})
		api.Group(func(g chi.Router) {
			g.Use(authGuard.RequireFullAuth)
			g.Post("/setup", twoFAHandler.Setup)
			g.Post("/verify-setup", twoFAHandler.VerifySetup)
			g.Delete("/disable", twoFAHandler.Disable)
			g.Post("/regenerate-backup-codes", twoFAHandler.RegenerateBackupCodes)
		})
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
