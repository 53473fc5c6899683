// Package twofa implements the second-factor enrollment lifecycle and the
// code check used at login: setup, confirmation with backup-code issuance,
// disable, regeneration, and status.
package twofa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stackmatic/twogate/internal/account"
	"github.com/stackmatic/twogate/internal/audit"
	"github.com/stackmatic/twogate/internal/metrics"
	"github.com/stackmatic/twogate/internal/password"
	"github.com/stackmatic/twogate/internal/totp"
)

var (
	ErrAlreadyEnabled  = errors.New("two-factor authentication already enabled")
	ErrNotEnabled      = errors.New("two-factor authentication not enabled")
	ErrNoPendingSetup  = errors.New("no two-factor setup in progress")
	ErrInvalidCode     = errors.New("invalid two-factor code")
	ErrInvalidPassword = errors.New("invalid password")
)

type Config struct {
	BackupCodeCount int
}

type Service struct {
	accounts  *account.Store
	totp      *totp.Manager
	passwords *password.Hasher
	auditor   *audit.Dispatcher
	metrics   *metrics.Metrics
	codeCount int
	now       func() time.Time
}

func NewService(
	cfg Config,
	accounts *account.Store,
	totpManager *totp.Manager,
	passwords *password.Hasher,
	auditor *audit.Dispatcher,
	m *metrics.Metrics,
) *Service {
	count := cfg.BackupCodeCount
	if count <= 0 {
		count = 10
	}
	return &Service{
		accounts:  accounts,
		totp:      totpManager,
		passwords: passwords,
		auditor:   auditor,
		metrics:   m,
		codeCount: count,
		now:       time.Now,
	}
}

// Provision is what the client needs to register the secret in an
// authenticator app.
type Provision struct {
	ManualEntryKey string
	QRCode         string
}

// BeginSetup generates a fresh secret and stores it unconfirmed. Re-running
// while a setup is already pending replaces the secret; running against an
// enabled account is a state conflict.
func (s *Service) BeginSetup(ctx context.Context, acct *account.Account) (*Provision, error) {
	if acct.TwoFactor.Enabled {
		return nil, ErrAlreadyEnabled
	}

	prov, err := s.totp.GenerateSecret(acct.Email)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.SetPendingSecret(ctx, acct.ID, prov.Secret, s.now()); err != nil {
		if errors.Is(err, account.ErrTwoFactorState) {
			return nil, ErrAlreadyEnabled
		}
		return nil, err
	}

	s.metrics.Inc(metrics.SetupStarted)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventSetupStarted,
		AccountID: acct.ID,
		Success:   true,
	})

	return &Provision{ManualEntryKey: prov.Secret, QRCode: prov.QRCodePNG}, nil
}

// ConfirmSetup verifies the code against the pending secret, enables the
// second factor, and issues the backup-code batch. The returned plaintext
// codes are revealed here exactly once.
func (s *Service) ConfirmSetup(ctx context.Context, acct *account.Account, code string) ([]string, error) {
	if acct.TwoFactor.Enabled {
		return nil, ErrAlreadyEnabled
	}
	if acct.TwoFactor.Secret == "" {
		return nil, ErrNoPendingSetup
	}

	now := s.now()
	ok, err := s.totp.Verify(acct.TwoFactor.Secret, code, now)
	if err != nil {
		if errors.Is(err, totp.ErrNoSecret) {
			return nil, ErrNoPendingSetup
		}
		return nil, err
	}
	if !ok {
		s.metrics.Inc(metrics.SecondFactorFailure)
		s.emitFailure(ctx, audit.EventSetupConfirmed, acct.ID, "invalid code")
		return nil, ErrInvalidCode
	}

	plain, hashed, err := GenerateCodes(acct.ID, s.codeCount)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.EnableTwoFactor(ctx, acct.ID, acct.TwoFactor.Secret, hashed, now); err != nil {
		if errors.Is(err, account.ErrTwoFactorState) {
			return nil, ErrAlreadyEnabled
		}
		return nil, err
	}

	s.metrics.Inc(metrics.SetupConfirmed)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventSetupConfirmed,
		AccountID: acct.ID,
		Success:   true,
	})
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventBackupCodesIssued,
		AccountID: acct.ID,
		Success:   true,
		Metadata:  map[string]string{"count": fmt.Sprintf("%d", len(plain))},
	})

	return plain, nil
}

// Disable turns the second factor off. Local accounts must prove the current
// password, and every account must present a currently valid TOTP code. A
// backup code is never accepted here; a leaked recovery code must not be able
// to strip the protection it recovers.
func (s *Service) Disable(ctx context.Context, acct *account.Account, currentPassword, code string) error {
	if !acct.TwoFactor.Enabled {
		return ErrNotEnabled
	}

	if acct.HasLocalPassword() {
		ok, err := s.passwords.Verify(currentPassword, acct.PasswordHash)
		if err != nil {
			return err
		}
		if !ok {
			s.emitFailure(ctx, audit.EventTwoFactorDisabled, acct.ID, "invalid password")
			return ErrInvalidPassword
		}
	}

	now := s.now()
	ok, err := s.totp.Verify(acct.TwoFactor.Secret, code, now)
	if err != nil {
		return err
	}
	if !ok {
		s.metrics.Inc(metrics.SecondFactorFailure)
		s.emitFailure(ctx, audit.EventTwoFactorDisabled, acct.ID, "invalid code")
		return ErrInvalidCode
	}

	if err := s.accounts.DisableTwoFactor(ctx, acct.ID, now); err != nil {
		if errors.Is(err, account.ErrTwoFactorState) {
			return ErrNotEnabled
		}
		return err
	}

	s.metrics.Inc(metrics.TwoFactorDisabled)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventTwoFactorDisabled,
		AccountID: acct.ID,
		Success:   true,
	})
	return nil
}

// RegenerateCodes replaces the backup-code batch wholesale after a valid TOTP
// check. Previous codes stop working immediately.
func (s *Service) RegenerateCodes(ctx context.Context, acct *account.Account, code string) ([]string, error) {
	if !acct.TwoFactor.Enabled {
		return nil, ErrNotEnabled
	}

	now := s.now()
	ok, err := s.totp.Verify(acct.TwoFactor.Secret, code, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.metrics.Inc(metrics.SecondFactorFailure)
		s.emitFailure(ctx, audit.EventBackupCodesIssued, acct.ID, "invalid code")
		return nil, ErrInvalidCode
	}

	plain, hashed, err := GenerateCodes(acct.ID, s.codeCount)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.ReplaceBackupCodes(ctx, acct.ID, hashed); err != nil {
		return nil, err
	}

	s.metrics.Inc(metrics.BackupCodesRegenerated)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventBackupCodesIssued,
		AccountID: acct.ID,
		Success:   true,
		Metadata:  map[string]string{"count": fmt.Sprintf("%d", len(plain)), "reason": "regenerated"},
	})
	return plain, nil
}

// VerifyCode is the second-factor check used by login and step-up. The caller
// asserts the code type explicitly via isBackup; a TOTP code is never
// reinterpreted as a backup code or vice versa. Returns whether a backup code
// was consumed.
func (s *Service) VerifyCode(ctx context.Context, acct *account.Account, code string, isBackup bool) (bool, error) {
	if !acct.TwoFactor.Enabled {
		return false, ErrNotEnabled
	}

	now := s.now()
	if isBackup {
		hash := HashCode(acct.ID, Canonicalize(code))
		consumed, err := s.accounts.ConsumeBackupCode(ctx, acct.ID, hash, now)
		if err != nil {
			return false, err
		}
		if !consumed {
			s.metrics.Inc(metrics.BackupCodeFailed)
			s.emitFailure(ctx, audit.EventSecondFactorFailed, acct.ID, "backup code not matched")
			return false, ErrInvalidCode
		}
		s.metrics.Inc(metrics.BackupCodeUsed)
		s.metrics.Inc(metrics.SecondFactorSuccess)
		s.auditor.Emit(ctx, audit.Event{
			EventType: audit.EventBackupCodeUsed,
			AccountID: acct.ID,
			Success:   true,
		})
		return true, nil
	}

	ok, err := s.totp.Verify(acct.TwoFactor.Secret, code, now)
	if err != nil {
		return false, err
	}
	if !ok {
		s.metrics.Inc(metrics.SecondFactorFailure)
		s.emitFailure(ctx, audit.EventSecondFactorFailed, acct.ID, "invalid totp code")
		return false, ErrInvalidCode
	}

	s.metrics.Inc(metrics.SecondFactorSuccess)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventSecondFactorPassed,
		AccountID: acct.ID,
		Success:   true,
	})
	return false, nil
}

// Status reports the enrollment state plus batch usage counts for the status
// endpoint. Plaintext codes are never part of it.
type Status struct {
	Enabled         bool
	EnabledAt       time.Time
	BackupCodes     int
	UsedBackupCodes int
}

func (s *Service) Status(ctx context.Context, acct *account.Account) (*Status, error) {
	st := &Status{
		Enabled:   acct.TwoFactor.Enabled,
		EnabledAt: acct.TwoFactor.EnabledAt,
	}
	if !st.Enabled {
		return st, nil
	}

	codes, err := s.accounts.GetBackupCodes(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	st.BackupCodes = len(codes)
	for _, c := range codes {
		if c.Used() {
			st.UsedBackupCodes++
		}
	}
	return st, nil
}

// WithClock is for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) emitFailure(ctx context.Context, eventType, accountID, reason string) {
	s.auditor.Emit(ctx, audit.Event{
		EventType: eventType,
		AccountID: accountID,
		Error:     reason,
	})
}
