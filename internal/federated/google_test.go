package federated

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	testKey   = []byte("federated-test-signing-key")
	testClock = time.Unix(1700000000, 0).UTC()
)

func newTestVerifier(t *testing.T) *GoogleVerifier {
	t.Helper()
	v, err := NewGoogleVerifier(GoogleConfig{
		ClientID: "client-1.apps.googleusercontent.com",
		KeyFunc:  func(*jwt.Token) (interface{}, error) { return testKey, nil },
		Methods:  []string{"HS256"},
	})
	if err != nil {
		t.Fatalf("NewGoogleVerifier: %v", err)
	}
	v.now = func() time.Time { return testClock }
	return v
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            "client-1.apps.googleusercontent.com",
		"sub":            "google-sub-1",
		"exp":            testClock.Add(time.Hour).Unix(),
		"iat":            testClock.Unix(),
		"email":          "alice@example.com",
		"email_verified": true,
		"given_name":     "Alice",
		"family_name":    "Example",
		"picture":        "https://example.com/alice.png",
	}
}

func TestVerifyValidToken(t *testing.T) {
	v := newTestVerifier(t)

	id, err := v.Verify(signToken(t, baseClaims()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Subject != "google-sub-1" || id.Email != "alice@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if id.GivenName != "Alice" || id.FamilyName != "Example" {
		t.Fatalf("unexpected names %+v", id)
	}
}

func TestVerifyBareIssuerAccepted(t *testing.T) {
	v := newTestVerifier(t)
	claims := baseClaims()
	claims["iss"] = "accounts.google.com"

	if _, err := v.Verify(signToken(t, claims)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	v := newTestVerifier(t)

	cases := []struct {
		name    string
		mutate  func(jwt.MapClaims)
		wantErr error
	}{
		{
			name:    "expired",
			mutate:  func(c jwt.MapClaims) { c["exp"] = testClock.Add(-time.Minute).Unix() },
			wantErr: ErrInvalidToken,
		},
		{
			name:    "missing expiry",
			mutate:  func(c jwt.MapClaims) { delete(c, "exp") },
			wantErr: ErrInvalidToken,
		},
		{
			name:    "foreign issuer",
			mutate:  func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			wantErr: ErrIssuerMismatch,
		},
		{
			name:    "wrong audience",
			mutate:  func(c jwt.MapClaims) { c["aud"] = "another-client" },
			wantErr: ErrAudienceMismatch,
		},
		{
			name:    "missing subject",
			mutate:  func(c jwt.MapClaims) { delete(c, "sub") },
			wantErr: ErrSubjectMissing,
		},
		{
			name:    "unverified email",
			mutate:  func(c jwt.MapClaims) { c["email_verified"] = false },
			wantErr: ErrEmailNotVerified,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			tc.mutate(claims)
			if _, err := v.Verify(signToken(t, claims)); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	v := newTestVerifier(t)

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims()).SignedString([]byte("another-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := v.Verify(other); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewGoogleVerifierRequiresConfig(t *testing.T) {
	if _, err := NewGoogleVerifier(GoogleConfig{}); !errors.Is(err, ErrVerifierUnready) {
		t.Fatalf("expected ErrVerifierUnready, got %v", err)
	}
}
