package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stackmatic/twogate/internal/account"
	"github.com/stackmatic/twogate/internal/auth"
	"github.com/stackmatic/twogate/internal/federated"
	"github.com/stackmatic/twogate/internal/password"
	"github.com/stackmatic/twogate/internal/session"
	"github.com/stackmatic/twogate/internal/twofa"
)

// Error kinds are part of the API contract; clients route on them.
const (
	kindValidation        = "validation_error"
	kindAuthentication    = "authentication_error"
	kindTwoFactorRequired = "two_factor_required"
	kindAuthExpired       = "authentication_expired"
	kindConflict          = "conflict"
	kindState             = "state_error"
	kindServer            = "server_error"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: kind, Message: message})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps the service sentinels onto the HTTP taxonomy. The
// message is always the sentinel text, never internal detail.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingField),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, password.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, kindValidation, err.Error())

	case errors.Is(err, account.ErrEmailTaken):
		writeError(w, http.StatusConflict, kindConflict, "email already registered")

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrAccountLocked),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrWrongProvider),
		errors.Is(err, auth.ErrInvalidSecondFactor),
		errors.Is(err, auth.ErrNotAuthenticated),
		errors.Is(err, twofa.ErrInvalidCode),
		errors.Is(err, twofa.ErrInvalidPassword),
		errors.Is(err, federated.ErrInvalidToken),
		errors.Is(err, federated.ErrIssuerMismatch),
		errors.Is(err, federated.ErrAudienceMismatch),
		errors.Is(err, federated.ErrSubjectMissing),
		errors.Is(err, federated.ErrEmailNotVerified):
		writeError(w, http.StatusUnauthorized, kindAuthentication, err.Error())

	case errors.Is(err, auth.ErrSecondFactorNeeded):
		writeError(w, http.StatusUnauthorized, kindTwoFactorRequired, err.Error())

	case errors.Is(err, auth.ErrSessionExpired), errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusUnauthorized, kindAuthExpired, auth.ErrSessionExpired.Error())

	case errors.Is(err, twofa.ErrAlreadyEnabled),
		errors.Is(err, twofa.ErrNotEnabled),
		errors.Is(err, twofa.ErrNoPendingSetup),
		errors.Is(err, account.ErrTwoFactorState),
		errors.Is(err, session.ErrState):
		writeError(w, http.StatusBadRequest, kindState, err.Error())

	default:
		writeError(w, http.StatusInternalServerError, kindServer, "internal error")
	}
}

// userView is the account shape exposed over the API. Hashes, secrets, and
// lockout fields never leave the server.
type userView struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Provider         string `json:"provider"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

func viewOf(a *account.Account) *userView {
	if a == nil {
		return nil
	}
	return &userView{
		ID:               a.ID,
		Email:            a.Email,
		FirstName:        a.FirstName,
		LastName:         a.LastName,
		Provider:         string(a.Provider),
		TwoFactorEnabled: a.TwoFactor.Enabled,
	}
}
