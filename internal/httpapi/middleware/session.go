// Package middleware carries request-scoped authentication: it resolves the
// session cookie into a session and account and enforces expiry and step-up
// before a handler runs.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stackmatic/twogate/internal/account"
	"github.com/stackmatic/twogate/internal/session"
)

type contextKey int

const (
	sessionKey contextKey = iota
	accountKey
)

// SessionFromContext returns the session attached by RequireAuth.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*session.Session)
	return s, ok
}

// AccountFromContext returns the account attached by RequireAuth.
func AccountFromContext(ctx context.Context) (*account.Account, bool) {
	a, ok := ctx.Value(accountKey).(*account.Account)
	return a, ok
}

// Auth authenticates requests off the session cookie.
type Auth struct {
	sessions   *session.Store
	accounts   *account.Store
	cookieName string
	logger     *zap.Logger
	now        func() time.Time
}

func NewAuth(sessions *session.Store, accounts *account.Store, cookieName string, logger *zap.Logger) *Auth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auth{
		sessions:   sessions,
		accounts:   accounts,
		cookieName: cookieName,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock is for tests.
func (m *Auth) WithClock(now func() time.Time) *Auth {
	m.now = now
	return m
}

// RequireAuth rejects requests without a live session. A pending session
// passes; handlers that need the second factor completed wrap with
// RequireFullAuth instead. An expired session is destroyed and signalled
// distinctly so the client routes to a full login, not a code prompt.
func (m *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(m.cookieName)
		if err != nil || cookie.Value == "" {
			m.reject(w, http.StatusUnauthorized, "authentication_error", "authentication required")
			return
		}

		sess, err := m.sessions.Get(r.Context(), cookie.Value, m.now())
		if err != nil {
			switch {
			case errors.Is(err, session.ErrExpired):
				m.clearCookie(w)
				m.reject(w, http.StatusUnauthorized, "authentication_expired",
					"session expired, full authentication required")
			case errors.Is(err, session.ErrNotFound):
				m.clearCookie(w)
				m.reject(w, http.StatusUnauthorized, "authentication_error", "authentication required")
			default:
				m.logger.Error("session load failed", zap.Error(err))
				m.reject(w, http.StatusInternalServerError, "server_error", "internal error")
			}
			return
		}

		acct, err := m.accounts.GetByID(r.Context(), sess.AccountID)
		if err != nil {
			if errors.Is(err, account.ErrNotFound) {
				_, _ = m.sessions.Delete(r.Context(), sess.ID)
				m.clearCookie(w)
				m.reject(w, http.StatusUnauthorized, "authentication_error", "authentication required")
				return
			}
			m.logger.Error("account load failed", zap.Error(err))
			m.reject(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		ctx = context.WithValue(ctx, accountKey, acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFullAuth additionally enforces the step-up policy: a pending
// session, or a session that never presented the second factor while the
// account has one enabled, is rejected with the distinct 2FA signal.
func (m *Auth) RequireFullAuth(next http.Handler) http.Handler {
	return m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := SessionFromContext(r.Context())
		acct, _ := AccountFromContext(r.Context())

		if sess.State() != session.StateFullyAuthenticated ||
			(acct.TwoFactor.Enabled && !sess.TwoFactorVerified) {
			m.reject(w, http.StatusUnauthorized, "two_factor_required", "second factor required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (m *Auth) reject(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}

func (m *Auth) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
