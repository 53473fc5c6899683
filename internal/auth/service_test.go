package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	otplib "github.com/pquerna/otp"
	totplib "github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/stackmatic/twogate/internal/account"
	"github.com/stackmatic/twogate/internal/federated"
	"github.com/stackmatic/twogate/internal/password"
	"github.com/stackmatic/twogate/internal/session"
	"github.com/stackmatic/twogate/internal/totp"
	"github.com/stackmatic/twogate/internal/twofa"
)

var signingKey = []byte("auth-test-signing-key")

type serviceTest struct {
	svc      *Service
	second   *twofa.Service
	accounts *account.Store
	sessions *session.Store
	clock    time.Time
}

func newServiceTest(t *testing.T) (*serviceTest, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := &serviceTest{
		accounts: account.NewStore(rdb, "tg"),
		sessions: session.NewStore(rdb, "tg"),
		clock:    time.Unix(1700000000, 0).UTC(),
	}
	clock := func() time.Time { return st.clock }

	hasher, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	st.second = twofa.NewService(
		twofa.Config{BackupCodeCount: 10},
		st.accounts,
		totp.NewManager(totp.Config{Issuer: "twogate"}),
		hasher,
		nil,
		nil,
	).WithClock(clock)

	google, err := federated.NewGoogleVerifier(federated.GoogleConfig{
		ClientID: "client-1",
		KeyFunc:  func(*jwt.Token) (interface{}, error) { return signingKey, nil },
		Methods:  []string{"HS256"},
	})
	if err != nil {
		t.Fatalf("NewGoogleVerifier: %v", err)
	}

	st.svc = NewService(
		Config{
			LockoutThreshold: 5,
			LockoutDuration:  2 * time.Hour,
			SessionLifetime:  10 * time.Hour,
		},
		st.accounts,
		st.sessions,
		st.second,
		hasher,
		google,
		nil,
		nil,
	).WithClock(clock)

	return st, func() {
		rdb.Close()
		mr.Close()
	}
}

func (st *serviceTest) register(t *testing.T) *account.Account {
	t.Helper()
	acct, err := st.svc.Register(context.Background(), RegisterInput{
		Email:     "alice@example.com",
		Password:  "Passw0rd1",
		FirstName: "Alice",
		LastName:  "Example",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return acct
}

func (st *serviceTest) mintCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totplib.GenerateCodeCustom(secret, st.clock, totplib.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otplib.DigitsSix,
		Algorithm: otplib.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

// enroll enables the second factor for an account and returns the plaintext
// backup codes and the stored secret.
func (st *serviceTest) enroll(t *testing.T, acct *account.Account) ([]string, string) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.second.BeginSetup(ctx, acct); err != nil {
		t.Fatalf("BeginSetup: %v", err)
	}
	pending, err := st.accounts.GetByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	codes, err := st.second.ConfirmSetup(ctx, pending, st.mintCode(t, pending.TwoFactor.Secret))
	if err != nil {
		t.Fatalf("ConfirmSetup: %v", err)
	}
	return codes, pending.TwoFactor.Secret
}

func TestRegisterValidation(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()

	cases := []struct {
		name    string
		in      RegisterInput
		wantErr error
	}{
		{
			name:    "missing name",
			in:      RegisterInput{Email: "a@example.com", Password: "Passw0rd1", LastName: "X"},
			wantErr: ErrMissingField,
		},
		{
			name:    "bad email",
			in:      RegisterInput{Email: "not-an-email", Password: "Passw0rd1", FirstName: "A", LastName: "X"},
			wantErr: ErrInvalidEmail,
		},
		{
			name:    "weak password",
			in:      RegisterInput{Email: "a@example.com", Password: "short", FirstName: "A", LastName: "X"},
			wantErr: password.ErrWeakPassword,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := st.svc.Register(ctx, tc.in); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	st.register(t)
	_, err := st.svc.Register(ctx, RegisterInput{
		Email:     "Alice@Example.COM",
		Password:  "Passw0rd1",
		FirstName: "Other",
		LastName:  "Person",
	})
	if !errors.Is(err, account.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginWithoutSecondFactor(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	st.register(t)

	res, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.RequiresTwoFactor {
		t.Fatal("no second factor enrolled, login must complete in one call")
	}
	if res.Session.State() != session.StateFullyAuthenticated {
		t.Fatalf("unexpected session state %v", res.Session.State())
	}
	if res.Account.LastLoginAt.IsZero() {
		t.Fatal("expected last-login stamp")
	}

	if _, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := st.svc.Login(ctx, LoginInput{Email: "nobody@example.com", Password: "Passw0rd1"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected uniform ErrInvalidCredentials for unknown account, got %v", err)
	}
}

func TestLockoutSequence(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	st.register(t)

	for i := 0; i < 5; i++ {
		if _, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	// Sixth attempt fails with locked regardless of password correctness.
	if _, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd1"}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	// After the lock expires a correct password succeeds and resets the
	// counter.
	st.clock = st.clock.Add(2*time.Hour + time.Minute)
	res, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd1"})
	if err != nil {
		t.Fatalf("Login after lock expiry: %v", err)
	}
	if res.Account.FailedLogins != 0 || !res.Account.LockedUntil.IsZero() {
		t.Fatalf("expected reset lockout state, got %+v", res.Account)
	}
}

func TestLoginTwoStep(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	acct := st.register(t)
	_, secret := st.enroll(t, acct)

	res, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.RequiresTwoFactor {
		t.Fatal("expected second factor requirement")
	}
	if res.Session.State() != session.StateTwoFactorPending {
		t.Fatalf("unexpected session state %v", res.Session.State())
	}
	if res.Account == nil {
		t.Fatal("partial identity must accompany the pending result")
	}

	sess, err := st.svc.VerifySecondFactor(ctx, res.Session, st.mintCode(t, secret), false)
	if err != nil {
		t.Fatalf("VerifySecondFactor: %v", err)
	}
	if sess.State() != session.StateFullyAuthenticated || !sess.TwoFactorVerified {
		t.Fatalf("unexpected state after verify %+v", sess)
	}
}

func TestLoginWithInlineCode(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	acct := st.register(t)
	codes, secret := st.enroll(t, acct)

	res, err := st.svc.Login(ctx, LoginInput{
		Email:         "alice@example.com",
		Password:      "Passw0rd1",
		TwoFactorCode: st.mintCode(t, secret),
	})
	if err != nil {
		t.Fatalf("Login with code: %v", err)
	}
	if res.RequiresTwoFactor || res.Session.State() != session.StateFullyAuthenticated {
		t.Fatalf("expected one-step completion, got %+v", res)
	}

	// A backup code works inline when flagged as such.
	res, err = st.svc.Login(ctx, LoginInput{
		Email:         "alice@example.com",
		Password:      "Passw0rd1",
		TwoFactorCode: codes[0],
		IsBackupCode:  true,
	})
	if err != nil {
		t.Fatalf("Login with backup code: %v", err)
	}
	if res.Session.State() != session.StateFullyAuthenticated {
		t.Fatalf("unexpected state %v", res.Session.State())
	}
}

func TestLoginBadCodeKeepsPendingSession(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	acct := st.register(t)
	before, err := st.accounts.GetByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	st.enroll(t, before)

	res, err := st.svc.Login(ctx, LoginInput{
		Email:         "alice@example.com",
		Password:      "Passw0rd1",
		TwoFactorCode: "000000",
	})
	if !errors.Is(err, ErrInvalidSecondFactor) {
		t.Fatalf("expected ErrInvalidSecondFactor, got %v", err)
	}
	if res == nil || res.Session == nil {
		t.Fatal("pending session must survive a failed code")
	}

	stored, err := st.sessions.Get(ctx, res.Session.ID, st.clock)
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if stored.State() != session.StateTwoFactorPending {
		t.Fatalf("session must remain pending, got %v", stored.State())
	}

	// Second-factor failures never touch the lockout counter.
	after, err := st.accounts.GetByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if after.FailedLogins != 0 {
		t.Fatalf("lockout counter moved on a second-factor failure: %d", after.FailedLogins)
	}
}

func TestStatusTriple(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	acct := st.register(t)

	// No session.
	status, err := st.svc.Status(ctx, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.IsAuthenticated || status.Account != nil {
		t.Fatalf("expected unauthenticated, got %+v", status)
	}

	// Unknown session id.
	status, err = st.svc.Status(ctx, "no-such-session")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.IsAuthenticated {
		t.Fatal("unknown session must be unauthenticated")
	}

	// Pending session.
	_, secret := st.enroll(t, acct)
	res, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	status, err = st.svc.Status(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.IsAuthenticated || !status.RequiresTwoFactor || !status.PendingTwoFactor {
		t.Fatalf("unexpected pending triple %+v", status)
	}
	if status.Account == nil {
		t.Fatal("pending status carries the identity for the code prompt")
	}

	// Fully authenticated.
	if _, err := st.svc.VerifySecondFactor(ctx, res.Session, st.mintCode(t, secret), false); err != nil {
		t.Fatalf("VerifySecondFactor: %v", err)
	}
	status, err = st.svc.Status(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.IsAuthenticated || status.RequiresTwoFactor || status.PendingTwoFactor {
		t.Fatalf("unexpected authenticated triple %+v", status)
	}

	// Past the absolute ceiling the session is destroyed and status drops to
	// unauthenticated.
	st.clock = st.clock.Add(10*time.Hour + time.Minute)
	status, err = st.svc.Status(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.IsAuthenticated {
		t.Fatal("expired session must report unauthenticated")
	}
	if _, err := st.sessions.Get(ctx, res.Session.ID, st.clock); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected destroyed session, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	st.register(t)

	res, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := st.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := st.sessions.Get(ctx, res.Session.ID, st.clock); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected session destroyed, got %v", err)
	}
	// Logging out twice is not an error.
	if err := st.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("Logout again: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	acct := st.register(t)

	if err := st.svc.ChangePassword(ctx, acct, "wrong", "NewPassw0rd"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := st.svc.ChangePassword(ctx, acct, "Passw0rd1", "weak"); !errors.Is(err, password.ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := st.svc.ChangePassword(ctx, acct, "Passw0rd1", "NewPassw0rd"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd1"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := st.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "NewPassw0rd"}); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func (st *serviceTest) googleToken(t *testing.T, sub, email string) string {
	t.Helper()
	// Token validity runs on the verifier's own clock, not the test clock.
	claims := jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            "client-1",
		"sub":            sub,
		"exp":            time.Now().Add(time.Hour).Unix(),
		"iat":            time.Now().Unix(),
		"email":          email,
		"email_verified": true,
		"given_name":     "Alice",
		"family_name":    "Example",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestFederatedLoginCreatesAccount(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()

	res, err := st.svc.FederatedLogin(ctx, st.googleToken(t, "google-sub-1", "alice@example.com"))
	if err != nil {
		t.Fatalf("FederatedLogin: %v", err)
	}
	if res.RequiresTwoFactor {
		t.Fatal("fresh federated account has no second factor")
	}
	if res.Account.Provider != account.ProviderFederated || res.Account.GoogleID != "google-sub-1" {
		t.Fatalf("unexpected account %+v", res.Account)
	}

	// Second login matches by external id, not by creating a duplicate.
	res2, err := st.svc.FederatedLogin(ctx, st.googleToken(t, "google-sub-1", "alice@example.com"))
	if err != nil {
		t.Fatalf("FederatedLogin again: %v", err)
	}
	if res2.Account.ID != res.Account.ID {
		t.Fatal("expected the same account on repeat login")
	}
}

func TestFederatedLoginLinksByEmail(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	local := st.register(t)

	res, err := st.svc.FederatedLogin(ctx, st.googleToken(t, "google-sub-1", "alice@example.com"))
	if err != nil {
		t.Fatalf("FederatedLogin: %v", err)
	}
	if res.Account.ID != local.ID {
		t.Fatal("expected link to the existing local account")
	}
	if res.Account.GoogleID != "google-sub-1" {
		t.Fatalf("external id not linked: %+v", res.Account)
	}
	if res.Account.Provider != account.ProviderLocal {
		t.Fatal("linking must not change the provider tag")
	}
}

func TestFederatedLoginEntersTwoFactorBranch(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()
	ctx := context.Background()
	acct := st.register(t)
	_, secret := st.enroll(t, acct)

	res, err := st.svc.FederatedLogin(ctx, st.googleToken(t, "google-sub-1", "alice@example.com"))
	if err != nil {
		t.Fatalf("FederatedLogin: %v", err)
	}
	if !res.RequiresTwoFactor || res.Session.State() != session.StateTwoFactorPending {
		t.Fatalf("expected pending session, got %+v", res)
	}
	if _, err := st.svc.VerifySecondFactor(ctx, res.Session, st.mintCode(t, secret), false); err != nil {
		t.Fatalf("VerifySecondFactor: %v", err)
	}
}

func TestFederatedLoginRejectsBadToken(t *testing.T) {
	st, done := newServiceTest(t)
	defer done()

	if _, err := st.svc.FederatedLogin(context.Background(), "not-a-token"); !errors.Is(err, federated.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
