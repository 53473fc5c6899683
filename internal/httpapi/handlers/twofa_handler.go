package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stackmatic/twogate/internal/auth"
	"github.com/stackmatic/twogate/internal/httpapi/middleware"
	"github.com/stackmatic/twogate/internal/session"
	"github.com/stackmatic/twogate/internal/twofa"
)

// TwoFAHandler serves enrollment, verification, disable, regeneration, and
// status for the second factor.
type TwoFAHandler struct {
	authSvc  *auth.Service
	second   *twofa.Service
	sessions *session.Store
	logger   *zap.Logger
	now      func() time.Time
}

func NewTwoFAHandler(authSvc *auth.Service, second *twofa.Service, sessions *session.Store, logger *zap.Logger) *TwoFAHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwoFAHandler{
		authSvc:  authSvc,
		second:   second,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock is for tests.
func (h *TwoFAHandler) WithClock(now func() time.Time) *TwoFAHandler {
	h.now = now
	return h
}

type setupResponse struct {
	QRCode         string `json:"qrCode"`
	ManualEntryKey string `json:"manualEntryKey"`
}

func (h *TwoFAHandler) Setup(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "authentication required")
		return
	}

	prov, err := h.second.BeginSetup(r.Context(), acct)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setupResponse{
		QRCode:         prov.QRCode,
		ManualEntryKey: prov.ManualEntryKey,
	})
}

type tokenRequest struct {
	Token string `json:"token"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backupCodes"`
}

// VerifySetup confirms the pending secret and returns the plaintext backup
// codes. This is the only response that ever contains them.
func (h *TwoFAHandler) VerifySetup(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	sess, okSess := middleware.SessionFromContext(r.Context())
	if !ok || !okSess {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "authentication required")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "missing token")
		return
	}

	codes, err := h.second.ConfirmSetup(r.Context(), acct, req.Token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// The confirmation code also counts as this session's second factor;
	// without this the session that just enabled 2FA would fail step-up.
	if _, err := h.sessions.MarkTwoFactorVerified(r.Context(), sess.ID, h.now()); err != nil {
		h.logger.Error("session flag update failed", zap.Error(err), zap.String("session_id", sess.ID))
	}
	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

type verifyRequest struct {
	Token        string `json:"token"`
	IsBackupCode bool   `json:"isBackupCode"`
}

// Verify completes a pending login or satisfies a step-up demand for the
// current session.
func (h *TwoFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "authentication required")
		return
	}

	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "missing token")
		return
	}

	if _, err := h.authSvc.VerifySecondFactor(r.Context(), sess, req.Token, req.IsBackupCode); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

type disableRequest struct {
	Password string `json:"password"`
	Token    string `json:"token"`
}

func (h *TwoFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	sess, okSess := middleware.SessionFromContext(r.Context())
	if !ok || !okSess {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "authentication required")
		return
	}

	var req disableRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "missing token")
		return
	}

	if err := h.second.Disable(r.Context(), acct, req.Password, req.Token); err != nil {
		writeServiceError(w, err)
		return
	}
	// The factor is gone; the session's flags must not keep claiming it.
	if _, err := h.sessions.ClearTwoFactor(r.Context(), sess.ID, h.now()); err != nil {
		h.logger.Error("session flag reset failed", zap.Error(err), zap.String("session_id", sess.ID))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (h *TwoFAHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "authentication required")
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, kindValidation, "missing token")
		return
	}

	codes, err := h.second.RegenerateCodes(r.Context(), acct, req.Token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

type twoFAStatusResponse struct {
	IsEnabled            bool   `json:"isEnabled"`
	EnabledAt            string `json:"enabledAt,omitempty"`
	BackupCodesCount     int    `json:"backupCodesCount"`
	UsedBackupCodesCount int    `json:"usedBackupCodesCount"`
	IsVerifiedInSession  bool   `json:"isVerifiedInSession"`
	PendingTwoFactor     bool   `json:"pendingTwoFactor"`
}

func (h *TwoFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	sess, okSess := middleware.SessionFromContext(r.Context())
	if !ok || !okSess {
		writeError(w, http.StatusUnauthorized, kindAuthentication, "authentication required")
		return
	}

	status, err := h.second.Status(r.Context(), acct)
	if err != nil {
		h.logger.Error("twofa status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, kindServer, "internal error")
		return
	}

	resp := twoFAStatusResponse{
		IsEnabled:            status.Enabled,
		BackupCodesCount:     status.BackupCodes,
		UsedBackupCodesCount: status.UsedBackupCodes,
		IsVerifiedInSession:  sess.TwoFactorVerified,
		PendingTwoFactor:     sess.PendingTwoFactor,
	}
	if !status.EnabledAt.IsZero() {
		resp.EnabledAt = status.EnabledAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
