// Package totp wraps RFC 6238 time-based one-time passwords for the
// two-factor enrollment and verification flows: secret provisioning with an
// otpauth:// URI and QR payload, and code verification with clock-skew
// tolerance.
package totp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const qrImageSize = 244

// ErrNoSecret is returned when verification is attempted before any setup
// generated a secret.
var ErrNoSecret = errors.New("totp secret not provisioned")

// Config holds TOTP parameters. Zero values fall back to the RFC-common
// defaults (30s period, 6 digits, skew of one step, 20-byte secret).
type Config struct {
	Issuer     string
	Period     uint
	Skew       uint
	SecretSize uint
}

// Manager generates and verifies TOTP credentials. Safe for concurrent use.
type Manager struct {
	config Config
}

func NewManager(cfg Config) *Manager {
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.SecretSize == 0 {
		cfg.SecretSize = 20 // 160 bits
	}
	if cfg.Skew == 0 {
		cfg.Skew = 1
	}
	return &Manager{config: cfg}
}

// Provision is the output of GenerateSecret: the base32 secret for manual
// entry, the otpauth:// URI, and the QR code as a PNG data URI.
type Provision struct {
	Secret    string
	URI       string
	QRCodePNG string
}

// GenerateSecret creates a fresh random secret labeled with the issuer and
// the account email. Each call produces a new secret; restarting an
// unconfirmed setup simply replaces the previous one.
func (m *Manager) GenerateSecret(accountEmail string) (*Provision, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: accountEmail,
		Period:      m.config.Period,
		SecretSize:  m.config.SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("render totp qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode totp qr: %w", err)
	}

	return &Provision{
		Secret:    key.Secret(),
		URI:       key.URL(),
		QRCodePNG: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Verify checks code against secret at the given time, accepting the current
// step plus the configured skew on either side. A code that is not exactly
// six digits fails by format before any cryptographic work.
func (m *Manager) Verify(secret, code string, at time.Time) (bool, error) {
	if secret == "" {
		return false, ErrNoSecret
	}
	if !isSixDigits(code) {
		return false, nil
	}

	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    m.config.Period,
		Skew:      m.config.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("validate totp: %w", err)
	}
	return ok, nil
}

func isSixDigits(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
