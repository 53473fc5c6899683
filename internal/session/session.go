// Package session stores server-side login sessions in Redis. A session is
// created once primary authentication succeeds; whether it grants access yet
// depends on its two-factor flags.
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is the authentication state a session record represents.
type State int

const (
	// StateTwoFactorPending means primary authentication succeeded but the
	// second factor has not been presented yet.
	StateTwoFactorPending State = iota
	// StateFullyAuthenticated grants access to protected operations.
	StateFullyAuthenticated
)

func (s State) String() string {
	switch s {
	case StateTwoFactorPending:
		return "two_factor_pending"
	case StateFullyAuthenticated:
		return "fully_authenticated"
	default:
		return "unknown"
	}
}

// Session is the server-side record behind an opaque cookie id. ExpiresAt is
// an absolute ceiling measured from login; it never slides.
type Session struct {
	ID                string
	AccountID         string
	LoginAt           time.Time
	PendingTwoFactor  bool
	TwoFactorVerified bool
	ExpiresAt         time.Time
}

// New builds an unsaved session. pending marks the record as awaiting a
// second factor. TwoFactorVerified starts false in every case; it is set only
// after a code has actually been checked.
func New(accountID string, pending bool, now time.Time, lifetime time.Duration) *Session {
	return &Session{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		LoginAt:          now,
		PendingTwoFactor: pending,
		ExpiresAt:        now.Add(lifetime),
	}
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// State derives the authentication state from the flags. Both flags false is
// the steady state of an account without a second factor, so only the pending
// flag withholds access here; step-up enforcement for 2FA-enabled accounts
// additionally checks TwoFactorVerified.
func (s *Session) State() State {
	if s.PendingTwoFactor {
		return StateTwoFactorPending
	}
	return StateFullyAuthenticated
}
