// Package metrics holds in-process atomic counters for the authentication
// core. Counters are cheap enough to increment on every flow outcome; a
// Snapshot is exposed for scraping or test assertions.
package metrics

import "sync/atomic"

// ID identifies a single counter.
type ID uint16

const (
	RegisterSuccess ID = iota
	RegisterDuplicate
	LoginSuccess
	LoginFailure
	LoginLockedOut
	AccountLockout
	SecondFactorRequired
	SecondFactorSuccess
	SecondFactorFailure
	BackupCodeUsed
	BackupCodeFailed
	BackupCodesRegenerated
	SetupStarted
	SetupConfirmed
	TwoFactorDisabled
	SessionCreated
	SessionExpired
	SessionDestroyed
	PasswordChanged
	FederatedLogin
	FederatedLinked

	idCount
)

var names = [idCount]string{
	RegisterSuccess:        "register_success",
	RegisterDuplicate:      "register_duplicate",
	LoginSuccess:           "login_success",
	LoginFailure:           "login_failure",
	LoginLockedOut:         "login_locked_out",
	AccountLockout:         "account_lockout",
	SecondFactorRequired:   "second_factor_required",
	SecondFactorSuccess:    "second_factor_success",
	SecondFactorFailure:    "second_factor_failure",
	BackupCodeUsed:         "backup_code_used",
	BackupCodeFailed:       "backup_code_failed",
	BackupCodesRegenerated: "backup_codes_regenerated",
	SetupStarted:           "twofactor_setup_started",
	SetupConfirmed:         "twofactor_setup_confirmed",
	TwoFactorDisabled:      "twofactor_disabled",
	SessionCreated:         "session_created",
	SessionExpired:         "session_expired",
	SessionDestroyed:       "session_destroyed",
	PasswordChanged:        "password_changed",
	FederatedLogin:         "federated_login",
	FederatedLinked:        "federated_linked",
}

// Metrics is safe for concurrent use. A nil *Metrics is a valid no-op.
type Metrics struct {
	enabled  bool
	counters [idCount]atomic.Uint64
}

type Config struct {
	Enabled bool
}

func New(cfg Config) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

func (m *Metrics) Inc(id ID) {
	if m == nil || !m.enabled || id >= idCount {
		return
	}
	m.counters[id].Add(1)
}

func (m *Metrics) Value(id ID) uint64 {
	if m == nil || !m.enabled || id >= idCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot returns a point-in-time copy of all counters keyed by metric name.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, idCount)
	for id := ID(0); id < idCount; id++ {
		var v uint64
		if m != nil && m.enabled {
			v = m.counters[id].Load()
		}
		out[names[id]] = v
	}
	return out
}
