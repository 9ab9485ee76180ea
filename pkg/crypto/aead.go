package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
)

// MaxEncryptionsPerKey bounds how many random 96-bit nonces a single key may
// consume (NIST SP 800-38D §8.3).
const MaxEncryptionsPerKey = 1 << 32

// Sealed is the output of an authenticated encryption.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
}

// Bytes packs the sealed value as nonce || ciphertext || tag.
func (s *Sealed) Bytes() []byte {
	out := make([]byte, 0, len(s.Nonce)+len(s.Ciphertext)+len(s.Tag))
	out = append(out, s.Nonce...)
	out = append(out, s.Ciphertext...)
	out = append(out, s.Tag...)
	return out
}

// ParseSealed splits a packed nonce || ciphertext || tag blob.
func ParseSealed(b []byte) (*Sealed, error) {
	if len(b) < NonceLength+TagLength {
		return nil, ErrIntegrity
	}
	return &Sealed{
		Nonce:      append([]byte(nil), b[:NonceLength]...),
		Ciphertext: append([]byte(nil), b[NonceLength:len(b)-TagLength]...),
		Tag:        append([]byte(nil), b[len(b)-TagLength:]...),
	}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A fresh 12-byte nonce is drawn from crypto/rand on every call; there is
// deliberately no variant accepting a caller-supplied nonce. aad is
// authenticated but not encrypted and may be nil.
func Encrypt(key, plaintext, aad []byte) (*Sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	out := gcm.Seal(nil, nonce, plaintext, aad)
	split := len(out) - TagLength
	return &Sealed{
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		Tag:        out[split:],
	}, nil
}

// Decrypt verifies and decrypts a sealed value.
//
// Any tag mismatch, wrong nonce or tag length, or mismatched aad returns
// ErrIntegrity. The only other error is ErrInvalidKeyLength.
func Decrypt(key []byte, s *Sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if s == nil || len(s.Nonce) != NonceLength || len(s.Tag) != TagLength {
		return nil, ErrIntegrity
	}

	buf := make([]byte, 0, len(s.Ciphertext)+TagLength)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)

	plaintext, err := gcm.Open(nil, s.Nonce, buf, aad)
	if err != nil {
		return nil, ErrIntegrity
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// KeySource lends key material to fn for the duration of the call.
// Implementations must not retain the slice passed to fn beyond it.
type KeySource interface {
	WithKey(fn func(key []byte) error) error
}

// StaticKey is a KeySource backed by an ordinary byte slice.
type StaticKey []byte

// WithKey implements KeySource.
func (k StaticKey) WithKey(fn func(key []byte) error) error {
	if len(k) == 0 {
		return ErrKeyDestroyed
	}
	return fn(k)
}

// Cipher performs authenticated encryption under one long-lived key and
// enforces the per-key nonce budget. Create exactly one Cipher per key.
type Cipher struct {
	mu    sync.Mutex
	src   KeySource
	count uint64
}

// NewCipher returns a Cipher drawing its key from src.
func NewCipher(src KeySource) *Cipher {
	return &Cipher{src: src}
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext, aad []byte) (*Sealed, error) {
	c.mu.Lock()
	if c.src == nil {
		c.mu.Unlock()
		return nil, ErrKeyDestroyed
	}
	if c.count >= MaxEncryptionsPerKey {
		c.mu.Unlock()
		return nil, ErrNonceBudgetExhausted
	}
	c.count++
	src := c.src
	c.mu.Unlock()

	var sealed *Sealed
	err := src.WithKey(func(key []byte) error {
		var err error
		sealed, err = Encrypt(key, plaintext, aad)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// Decrypt opens a value sealed by Encrypt under the same key.
func (c *Cipher) Decrypt(s *Sealed, aad []byte) ([]byte, error) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()
	if src == nil {
		return nil, ErrKeyDestroyed
	}

	var plaintext []byte
	err := src.WithKey(func(key []byte) error {
		var err error
		plaintext, err = Decrypt(key, s, aad)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Invocations returns how many encryptions this Cipher has performed.
func (c *Cipher) Invocations() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Close detaches the key source. Later calls return ErrKeyDestroyed.
func (c *Cipher) Close() {
	c.mu.Lock()
	c.src = nil
	c.mu.Unlock()
}
