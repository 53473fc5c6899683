// Command twogate runs the multi-factor authentication service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stackmatic/twogate/internal/account"
	"github.com/stackmatic/twogate/internal/audit"
	"github.com/stackmatic/twogate/internal/auth"
	"github.com/stackmatic/twogate/internal/config"
	"github.com/stackmatic/twogate/internal/federated"
	"github.com/stackmatic/twogate/internal/httpapi"
	"github.com/stackmatic/twogate/internal/httpapi/handlers"
	"github.com/stackmatic/twogate/internal/httpapi/middleware"
	"github.com/stackmatic/twogate/internal/metrics"
	"github.com/stackmatic/twogate/internal/password"
	"github.com/stackmatic/twogate/internal/session"
	"github.com/stackmatic/twogate/internal/totp"
	"github.com/stackmatic/twogate/internal/twofa"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return err
	}

	auditor := audit.NewDispatcher(
		audit.Config{Enabled: true, BufferSize: cfg.AuditBufferSize},
		audit.NewJSONWriterSink(os.Stdout),
	)
	defer auditor.Close()

	counters := metrics.New(metrics.Config{Enabled: true})

	accounts := account.NewStore(rdb, cfg.Redis.Prefix)
	sessions := session.NewStore(rdb, cfg.Redis.Prefix)

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return err
	}

	second := twofa.NewService(
		twofa.Config{BackupCodeCount: cfg.TwoFactor.BackupCodeCount},
		accounts,
		totp.NewManager(totp.Config{Issuer: cfg.TwoFactor.Issuer}),
		hasher,
		auditor,
		counters,
	)

	var google *federated.GoogleVerifier
	if cfg.Google.ClientID != "" {
		jwks := federated.NewJWKSCache(federated.GoogleJWKSURL, time.Hour)
		google, err = federated.NewGoogleVerifier(federated.GoogleConfig{
			ClientID: cfg.Google.ClientID,
			KeyFunc:  jwks.Keyfunc,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("GOOGLE_CLIENT_ID not set, federated login disabled")
	}

	authSvc := auth.NewService(
		auth.Config{
			LockoutThreshold: cfg.Lockout.Threshold,
			LockoutDuration:  cfg.Lockout.Duration,
			SessionLifetime:  cfg.Session.Lifetime,
		},
		accounts,
		sessions,
		second,
		hasher,
		google,
		auditor,
		counters,
	)

	cookie := handlers.CookieConfig{
		Name:   cfg.Session.CookieName,
		Secure: cfg.Session.CookieSecure,
	}
	router := httpapi.NewRouter(
		httpapi.RouterConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
		handlers.NewAuthHandler(authSvc, cookie, logger),
		handlers.NewTwoFAHandler(authSvc, second, sessions, logger),
		middleware.NewAuth(sessions, accounts, cfg.Session.CookieName, logger),
		logger,
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
