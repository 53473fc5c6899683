// Package handlers exposes the authentication core over JSON endpoints.
package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/stackmatic/twogate/internal/auth"
	"github.com/stackmatic/twogate/internal/httpapi/middleware"
	"github.com/stackmatic/twogate/internal/session"
)

// CookieConfig describes the session cookie the handlers install.
type CookieConfig struct {
	Name   string
	Secure bool
}

// AuthHandler serves registration, login, status, logout, password change,
// and federated login.
type AuthHandler struct {
	svc    *auth.Service
	cookie CookieConfig
	logger *zap.Logger
}

func NewAuthHandler(svc *auth.Service, cookie CookieConfig, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{svc: svc, cookie: cookie, logger: logger}
}

// setSessionCookie installs a browser-session cookie. The absolute lifetime
// is enforced server-side; the cookie carries no expiry of its own.
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sess *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(h.cookie.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed request body")
		return
	}

	acct, err := h.svc.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": viewOf(acct)})
}

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"twoFactorCode"`
	IsBackupCode  bool   `json:"isBackupCode"`
}

type loginResponse struct {
	RequiresTwoFactor bool      `json:"requiresTwoFactor"`
	User              *userView `json:"user"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed request body")
		return
	}

	res, err := h.svc.Login(r.Context(), auth.LoginInput{
		Email:         req.Email,
		Password:      req.Password,
		TwoFactorCode: req.TwoFactorCode,
		IsBackupCode:  req.IsBackupCode,
	})
	if err != nil {
		// A failed inline code still leaves a live pending session; install
		// the cookie so the client can retry through /2fa/verify.
		if errors.Is(err, auth.ErrInvalidSecondFactor) && res != nil && res.Session != nil {
			h.setSessionCookie(w, res.Session)
		}
		writeServiceError(w, err)
		return
	}

	h.setSessionCookie(w, res.Session)
	writeJSON(w, http.StatusOK, loginResponse{
		RequiresTwoFactor: res.RequiresTwoFactor,
		User:              viewOf(res.Account),
	})
}

type googleLoginRequest struct {
	IDToken string `json:"idToken"`
}

func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var req googleLoginRequest
	if err := decodeJSON(r, &req); err != nil || req.IDToken == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "missing idToken")
		return
	}

	res, err := h.svc.FederatedLogin(r.Context(), req.IDToken)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.setSessionCookie(w, res.Session)
	writeJSON(w, http.StatusOK, loginResponse{
		RequiresTwoFactor: res.RequiresTwoFactor,
		User:              viewOf(res.Account),
	})
}

type statusResponse struct {
	IsAuthenticated   bool      `json:"isAuthenticated"`
	User              *userView `json:"user"`
	RequiresTwoFactor bool      `json:"requiresTwoFactor"`
	PendingTwoFactor  bool      `json:"pendingTwoFactor"`
}

// Status always answers 200; clients poll it after OAuth redirects to
// rehydrate their session state.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Status(r.Context(), h.sessionID(r))
	if err != nil {
		h.logger.Error("status check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, kindServer, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		IsAuthenticated:   res.IsAuthenticated,
		User:              viewOf(res.Account),
		RequiresTwoFactor: res.RequiresTwoFactor,
		PendingTwoFactor:  res.PendingTwoFactor,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "authentication required")
		return
	}
	if err := h.svc.Logout(r.Context(), sess.ID); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, kindServer, "internal error")
		return
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "authentication required")
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed request body")
		return
	}
	if err := h.svc.ChangePassword(r.Context(), acct, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}
