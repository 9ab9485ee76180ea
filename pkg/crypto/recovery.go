package crypto

import (
	"encoding/base32"
	"errors"
	"strings"
)

// ErrInvalidRecoveryKey indicates a recovery key string could not be decoded.
var ErrInvalidRecoveryKey = errors.New("crypto: invalid recovery key format")

var recoveryEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// RecoveryKey is a 256-bit random secret shown to the user once at setup.
// It is already high-entropy and is never stretched.
type RecoveryKey []byte

// GenerateRecoveryKey returns a fresh recovery key.
func GenerateRecoveryKey() (RecoveryKey, error) {
	b, err := RandomBytes(KeyLength)
	if err != nil {
		return nil, err
	}
	return RecoveryKey(b), nil
}

// String renders the key as dash-separated groups of four base32 characters.
func (k RecoveryKey) String() string {
	enc := recoveryEncoding.EncodeToString(k)
	var sb strings.Builder
	for i := 0; i < len(enc); i += 4 {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + 4
		if end > len(enc) {
			end = len(enc)
		}
		sb.WriteString(enc[i:end])
	}
	return sb.String()
}

// ParseRecoveryKey accepts the String form, ignoring case, dashes and spaces.
func ParseRecoveryKey(s string) (RecoveryKey, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToUpper(s))

	b, err := recoveryEncoding.DecodeString(clean)
	if err != nil || len(b) != KeyLength {
		return nil, ErrInvalidRecoveryKey
	}
	return RecoveryKey(b), nil
}
