package twofa

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/stackmatic/twogate/internal/account"
)

// codeAlphabet deliberately omits 0/O/1/I so codes read unambiguously off a
// printout. 32 symbols keeps the random mapping unbiased.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

// GenerateCodes produces count random backup codes in display form
// (XXXX-XXXX) together with their stored counterparts. The plaintext slice is
// handed to the caller exactly once; only the hashes persist.
func GenerateCodes(accountID string, count int) ([]string, []account.BackupCode, error) {
	plain := make([]string, 0, count)
	hashed := make([]account.BackupCode, 0, count)

	for i := 0; i < count; i++ {
		raw := make([]byte, codeLength)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		var b strings.Builder
		for _, v := range raw {
			b.WriteByte(codeAlphabet[int(v)%len(codeAlphabet)])
		}
		code := b.String()

		plain = append(plain, formatCode(code))
		hashed = append(hashed, account.BackupCode{Hash: HashCode(accountID, code)})
	}

	return plain, hashed, nil
}

func formatCode(code string) string {
	return code[:4] + "-" + code[4:]
}

// Canonicalize maps user input to the stored form: uppercase, separators
// stripped. Matching is case-insensitive by contract.
func Canonicalize(input string) string {
	s := strings.ToUpper(strings.TrimSpace(input))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

// HashCode salts the digest with the account id so equal codes on different
// accounts never share a stored hash.
func HashCode(accountID, canonical string) [32]byte {
	h := sha256.New()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(canonical))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
