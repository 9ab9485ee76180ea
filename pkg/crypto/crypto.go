// Package crypto provides cryptographic primitives for recordvault.
//
// This package implements AES-256-GCM authenticated encryption, password
// key derivation (Argon2id, with scrypt retained for older vaults) and
// HKDF subkey derivation.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption with optional associated data
//   - Nonces are always generated internally from crypto/rand
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads by default)
//   - NFC password normalization before stretching
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	// Derive a key from password
//	kdf := crypto.DefaultKDF()
//	key, err := kdf.DeriveKey([]byte("password"), salt)
//
//	// Encrypt data
//	sealed, err := crypto.Encrypt(key, plaintext, aad)
//
//	// Decrypt data
//	plaintext, err := crypto.Decrypt(key, sealed, aad)
//
//	// Securely wipe sensitive data
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

const (
	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// TagLength is the length of the GCM authentication tag in bytes.
	TagLength = 16

	// SaltLength is the length of password salts in bytes (128 bits).
	SaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrIntegrity indicates authentication tag verification failed, or the
	// sealed value was truncated or malformed.
	ErrIntegrity = errors.New("crypto: integrity check failed")

	// ErrKeyDestroyed indicates the key backing a Cipher is no longer available.
	ErrKeyDestroyed = errors.New("crypto: key has been destroyed")

	// ErrNonceBudgetExhausted indicates a key reached its random-nonce encryption limit.
	ErrNonceBudgetExhausted = errors.New("crypto: encryption limit reached for this key")
)

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

// GenerateKey returns a fresh 256-bit random key.
func GenerateKey() ([]byte, error) {
	return RandomBytes(KeyLength)
}

// GenerateSalt returns a fresh random password salt.
func GenerateSalt() ([]byte, error) {
	return RandomBytes(SaltLength)
}

// DeriveSubkey derives a 256-bit key from secret using HKDF-SHA256.
// Distinct info strings yield independent keys from the same secret.
func DeriveSubkey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("crypto: empty HKDF secret")
	}
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return key, nil
}

// NormalizePassword returns the NFC form of password so that visually
// identical passwords typed through different input methods derive the
// same key. The returned slice is always a copy.
func NormalizePassword(password []byte) []byte {
	out := norm.NFC.Bytes(password)
	if len(out) > 0 && len(password) > 0 && &out[0] == &password[0] {
		out = append([]byte(nil), out...)
	}
	return out
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
// This is critical for securely destroying sensitive data like the DEK.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
