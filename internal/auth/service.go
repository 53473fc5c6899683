// Package auth orchestrates primary authentication, the two-step login state
// machine, and session lifecycle. It owns the error taxonomy the HTTP layer
// maps onto status codes.
package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackmatic/twogate/internal/account"
	"github.com/stackmatic/twogate/internal/audit"
	"github.com/stackmatic/twogate/internal/federated"
	"github.com/stackmatic/twogate/internal/metrics"
	"github.com/stackmatic/twogate/internal/password"
	"github.com/stackmatic/twogate/internal/session"
	"github.com/stackmatic/twogate/internal/twofa"
)

// Login failures for unknown accounts and wrong passwords share one sentinel;
// the distinction exists only in audit events so the API cannot be used to
// enumerate accounts.
var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrAccountLocked       = errors.New("account temporarily locked")
	ErrAccountInactive     = errors.New("account is not active")
	ErrWrongProvider       = errors.New("account does not use password login")
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrMissingField        = errors.New("missing required field")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrSessionExpired      = errors.New("session expired, full authentication required")
	ErrSecondFactorNeeded  = errors.New("second factor required")
	ErrInvalidSecondFactor = errors.New("invalid second-factor code")
)

type Config struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	SessionLifetime  time.Duration
}

type Service struct {
	cfg      Config
	accounts *account.Store
	sessions *session.Store
	second   *twofa.Service
	hasher   *password.Hasher
	google   *federated.GoogleVerifier
	auditor  *audit.Dispatcher
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewService wires the authentication core. google may be nil when federated
// login is not configured.
func NewService(
	cfg Config,
	accounts *account.Store,
	sessions *session.Store,
	second *twofa.Service,
	hasher *password.Hasher,
	google *federated.GoogleVerifier,
	auditor *audit.Dispatcher,
	m *metrics.Metrics,
) *Service {
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 2 * time.Hour
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = 10 * time.Hour
	}
	return &Service{
		cfg:      cfg,
		accounts: accounts,
		sessions: sessions,
		second:   second,
		hasher:   hasher,
		google:   google,
		auditor:  auditor,
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock is for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates a local account. Email uniqueness is case-insensitive and
// enforced by the store's index claim.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*account.Account, error) {
	email := account.NormalizeEmail(in.Email)
	if email == "" || in.FirstName == "" || in.LastName == "" {
		return nil, ErrMissingField
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if err := password.CheckPolicy(in.Password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	acct := &account.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Provider:     account.ProviderLocal,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, account.ErrEmailTaken) {
			s.metrics.Inc(metrics.RegisterDuplicate)
			s.auditor.Emit(ctx, audit.Event{
				EventType: audit.EventRegisterDuplicate,
				Error:     "email already registered",
			})
		}
		return nil, err
	}

	s.metrics.Inc(metrics.RegisterSuccess)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventRegister,
		AccountID: acct.ID,
		Success:   true,
	})
	return acct, nil
}

type LoginInput struct {
	Email         string
	Password      string
	TwoFactorCode string
	IsBackupCode  bool
}

// LoginResult carries the session and the derived state. Account is present
// even when RequiresTwoFactor is true so the client can prompt for a code
// without a second credential submission.
type LoginResult struct {
	Account           *account.Account
	Session           *session.Session
	RequiresTwoFactor bool
}

// Login runs primary authentication and, when a second factor applies, either
// parks the session pending or completes it with the supplied code.
//
// When a supplied code fails, the returned error is ErrInvalidSecondFactor
// but the result is non-nil: primary authentication already succeeded and the
// pending session is live, so the caller still installs the cookie. A
// second-factor failure never touches the lockout counter.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	now := s.now()

	acct, err := s.accounts.GetByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			s.metrics.Inc(metrics.LoginFailure)
			s.emitLoginFailure(ctx, "", "account not found")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if acct.Locked(now) {
		s.metrics.Inc(metrics.LoginLockedOut)
		s.emitLoginFailure(ctx, acct.ID, "account locked")
		return nil, ErrAccountLocked
	}
	if !acct.Active {
		s.emitLoginFailure(ctx, acct.ID, "account inactive")
		return nil, ErrAccountInactive
	}
	if !acct.HasLocalPassword() {
		s.emitLoginFailure(ctx, acct.ID, "federated-only account")
		return nil, ErrWrongProvider
	}

	ok, err := s.hasher.Verify(in.Password, acct.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		_, newlyLocked, ferr := s.accounts.RecordLoginFailure(
			ctx, acct.ID, s.cfg.LockoutThreshold, s.cfg.LockoutDuration, now)
		if ferr != nil {
			return nil, ferr
		}
		s.metrics.Inc(metrics.LoginFailure)
		s.emitLoginFailure(ctx, acct.ID, "bad password")
		if newlyLocked {
			s.metrics.Inc(metrics.AccountLockout)
			s.auditor.Emit(ctx, audit.Event{
				EventType: audit.EventAccountLocked,
				AccountID: acct.ID,
			})
		}
		return nil, ErrInvalidCredentials
	}

	acct, err = s.accounts.RecordLoginSuccess(ctx, acct.ID, now)
	if err != nil {
		return nil, err
	}

	return s.enterSession(ctx, acct, in.TwoFactorCode, in.IsBackupCode, now)
}

// enterSession is the PrimaryVerified entry point shared by local and
// federated login.
func (s *Service) enterSession(
	ctx context.Context,
	acct *account.Account,
	code string,
	isBackup bool,
	now time.Time,
) (*LoginResult, error) {
	pending := acct.TwoFactor.Enabled
	sess := session.New(acct.ID, pending, now, s.cfg.SessionLifetime)
	if err := s.sessions.Save(ctx, sess, now); err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.SessionCreated)

	if !pending {
		s.metrics.Inc(metrics.LoginSuccess)
		s.auditor.Emit(ctx, audit.Event{
			EventType: audit.EventLoginSuccess,
			AccountID: acct.ID,
			SessionID: sess.ID,
			Success:   true,
		})
		return &LoginResult{Account: acct, Session: sess}, nil
	}

	if code == "" {
		s.metrics.Inc(metrics.SecondFactorRequired)
		s.auditor.Emit(ctx, audit.Event{
			EventType: audit.EventSecondFactorNeeded,
			AccountID: acct.ID,
			SessionID: sess.ID,
		})
		return &LoginResult{Account: acct, Session: sess, RequiresTwoFactor: true}, nil
	}

	// A code came with the login call: verify it and promote in one step.
	if _, err := s.second.VerifyCode(ctx, acct, code, isBackup); err != nil {
		if errors.Is(err, twofa.ErrInvalidCode) {
			// The pending session survives the failed code.
			return &LoginResult{Account: acct, Session: sess, RequiresTwoFactor: true},
				ErrInvalidSecondFactor
		}
		return nil, err
	}
	sess, err := s.sessions.MarkTwoFactorVerified(ctx, sess.ID, now)
	if err != nil {
		return nil, err
	}

	s.metrics.Inc(metrics.LoginSuccess)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventLoginSuccess,
		AccountID: acct.ID,
		SessionID: sess.ID,
		Success:   true,
	})
	return &LoginResult{Account: acct, Session: sess}, nil
}

// VerifySecondFactor completes a pending login or satisfies a step-up check.
// The code is verified before the session flag is set, never the other way
// around.
func (s *Service) VerifySecondFactor(
	ctx context.Context,
	sess *session.Session,
	code string,
	isBackup bool,
) (*session.Session, error) {
	acct, err := s.accounts.GetByID(ctx, sess.AccountID)
	if err != nil {
		return nil, err
	}

	if _, err := s.second.VerifyCode(ctx, acct, code, isBackup); err != nil {
		if errors.Is(err, twofa.ErrInvalidCode) {
			return nil, ErrInvalidSecondFactor
		}
		return nil, err
	}

	updated, err := s.sessions.MarkTwoFactorVerified(ctx, sess.ID, s.now())
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	return updated, nil
}

// Logout destroys the session server-side. Unknown sessions are not an
// error; the outcome is the same.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	deleted, err := s.sessions.Delete(ctx, sessionID)
	if err != nil {
		return err
	}
	if deleted {
		s.metrics.Inc(metrics.SessionDestroyed)
		s.auditor.Emit(ctx, audit.Event{
			EventType: audit.EventLogout,
			SessionID: sessionID,
			Success:   true,
		})
	}
	return nil
}

// Status is the derived {isAuthenticated, requiresTwoFactor,
// pendingTwoFactor} triple plus the account when one is attached. It never
// fails on missing or expired sessions; it reports them as unauthenticated.
type StatusResult struct {
	IsAuthenticated   bool
	RequiresTwoFactor bool
	PendingTwoFactor  bool
	Account           *account.Account
}

func (s *Service) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	if sessionID == "" {
		return &StatusResult{}, nil
	}

	sess, err := s.sessions.Get(ctx, sessionID, s.now())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return &StatusResult{}, nil
		case errors.Is(err, session.ErrExpired):
			s.metrics.Inc(metrics.SessionExpired)
			s.auditor.Emit(ctx, audit.Event{
				EventType: audit.EventSessionExpired,
				SessionID: sessionID,
			})
			return &StatusResult{}, nil
		default:
			return nil, err
		}
	}

	acct, err := s.accounts.GetByID(ctx, sess.AccountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			_, _ = s.sessions.Delete(ctx, sess.ID)
			return &StatusResult{}, nil
		}
		return nil, err
	}

	pending := sess.PendingTwoFactor
	return &StatusResult{
		IsAuthenticated:   sess.State() == session.StateFullyAuthenticated,
		RequiresTwoFactor: pending,
		PendingTwoFactor:  pending,
		Account:           acct,
	}, nil
}

// ChangePassword re-proves the current password before accepting a new one.
// Federated-only accounts have no password to change.
func (s *Service) ChangePassword(ctx context.Context, acct *account.Account, current, next string) error {
	if !acct.HasLocalPassword() {
		return ErrWrongProvider
	}

	ok, err := s.hasher.Verify(current, acct.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		s.auditor.Emit(ctx, audit.Event{
			EventType: audit.EventPasswordChanged,
			AccountID: acct.ID,
			Error:     "wrong current password",
		})
		return ErrInvalidCredentials
	}
	if err := password.CheckPolicy(next); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePasswordHash(ctx, acct.ID, hash, s.now()); err != nil {
		return err
	}

	s.metrics.Inc(metrics.PasswordChanged)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventPasswordChanged,
		AccountID: acct.ID,
		Success:   true,
	})
	return nil
}

// FederatedLogin turns a verified Google ID token into a session. Accounts
// match by external id first, then by email to link an existing local
// account, then a new federated account is created. Entry into the session
// state machine is identical to a local login, including the 2FA branch.
func (s *Service) FederatedLogin(ctx context.Context, idToken string) (*LoginResult, error) {
	if s.google == nil {
		return nil, federated.ErrVerifierUnready
	}
	identity, err := s.google.Verify(idToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	acct, err := s.resolveFederated(ctx, identity, now)
	if err != nil {
		return nil, err
	}

	if acct.Locked(now) {
		s.metrics.Inc(metrics.LoginLockedOut)
		s.emitLoginFailure(ctx, acct.ID, "account locked")
		return nil, ErrAccountLocked
	}
	if !acct.Active {
		s.emitLoginFailure(ctx, acct.ID, "account inactive")
		return nil, ErrAccountInactive
	}

	acct, err = s.accounts.RecordLoginSuccess(ctx, acct.ID, now)
	if err != nil {
		return nil, err
	}

	s.metrics.Inc(metrics.FederatedLogin)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventFederatedLogin,
		AccountID: acct.ID,
		Success:   true,
	})
	return s.enterSession(ctx, acct, "", false, now)
}

func (s *Service) resolveFederated(
	ctx context.Context,
	identity *federated.Identity,
	now time.Time,
) (*account.Account, error) {
	acct, err := s.accounts.GetByGoogleID(ctx, identity.Subject)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return nil, err
	}

	// No account for this external id; link by email when one exists.
	acct, err = s.accounts.GetByEmail(ctx, identity.Email)
	if err == nil {
		linked, lerr := s.accounts.LinkGoogle(ctx, acct.ID, identity.Subject, now)
		if lerr != nil {
			return nil, lerr
		}
		s.metrics.Inc(metrics.FederatedLinked)
		s.auditor.Emit(ctx, audit.Event{
			EventType: audit.EventFederatedLinked,
			AccountID: linked.ID,
			Success:   true,
		})
		return linked, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return nil, err
	}

	acct = &account.Account{
		ID:        uuid.NewString(),
		Email:     account.NormalizeEmail(identity.Email),
		FirstName: identity.GivenName,
		LastName:  identity.FamilyName,
		GoogleID:  identity.Subject,
		Provider:  account.ProviderFederated,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.RegisterSuccess)
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventRegister,
		AccountID: acct.ID,
		Success:   true,
		Metadata:  map[string]string{"provider": string(account.ProviderFederated)},
	})
	return acct, nil
}

func (s *Service) emitLoginFailure(ctx context.Context, accountID, reason string) {
	s.auditor.Emit(ctx, audit.Event{
		EventType: audit.EventLoginFailure,
		AccountID: accountID,
		Error:     reason,
	})
}
