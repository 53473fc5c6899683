// Package account holds the identity record and its Redis-backed store. All
// safety-critical mutations (lockout counting, backup-code consumption,
// two-factor enable/disable) are expressed as atomic conditional updates at
// the store, never as read-then-write from a handler.
package account

import (
	"strings"
	"time"
)

// Provider tags how the account authenticates its primary factor.
type Provider string

const (
	ProviderLocal     Provider = "local"
	ProviderFederated Provider = "federated"
)

// Account is the identity record. Accounts are never hard-deleted;
// deactivation clears Active.
type Account struct {
	ID           string
	Email        string
	PasswordHash string // empty for federated-only accounts
	FirstName    string
	LastName     string
	GoogleID     string
	Provider     Provider
	Active       bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt time.Time // zero = never logged in

	FailedLogins uint32
	LockedUntil  time.Time // zero = not locked

	TwoFactor TwoFactorSettings
}

// TwoFactorSettings is embedded in Account. Secret is non-empty only while
// enabled or while a setup awaits confirmation.
type TwoFactorSettings struct {
	Enabled   bool
	Secret    string // base32
	EnabledAt time.Time
}

// Locked derives the lockout state. An expired lock counts as absent even
// though the stored fields are only physically cleared on the next
// failure-or-success event.
func (a *Account) Locked(now time.Time) bool {
	return !a.LockedUntil.IsZero() && a.LockedUntil.After(now)
}

// HasLocalPassword reports whether local password login is possible.
func (a *Account) HasLocalPassword() bool {
	return a.PasswordHash != ""
}

// SetupPending reports whether a two-factor setup awaits confirmation.
func (a *Account) SetupPending() bool {
	return !a.TwoFactor.Enabled && a.TwoFactor.Secret != ""
}

// NormalizeEmail lower-cases and trims an email for lookup and storage.
// Email matching is case-insensitive everywhere.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// BackupCode is a single one-time recovery credential. Only the salted hash
// is persisted; the plaintext is revealed exactly once at generation.
type BackupCode struct {
	Hash   [32]byte
	UsedAt time.Time // zero = unused
}

// Used reports whether the code has been consumed.
func (c BackupCode) Used() bool {
	return !c.UsedAt.IsZero()
}
