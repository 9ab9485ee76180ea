package crypto

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// Algorithm identifies a password key derivation function.
type Algorithm string

const (
	AlgorithmArgon2id Algorithm = "argon2id"
	AlgorithmScrypt   Algorithm = "scrypt"
)

// Argon2id defaults following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4
)

// Safety floors enforced when a vault is created.
const (
	MinArgon2Memory     = 19 * 1024 // 19 MiB
	MinArgon2Iterations = 2
	MinScryptN          = 1 << 15
	MinScryptR          = 8

	// maxKDFMemory caps what a stored config may ask for (4 GiB).
	maxKDFMemory = 4 << 30
)

var (
	// ErrUnsafeKDFParams indicates parameters below the creation-time floor.
	ErrUnsafeKDFParams = errors.New("crypto: KDF parameters below safety floor")

	// ErrUnknownKDF indicates an unrecognized algorithm identifier or a
	// parameter block that does not match the algorithm.
	ErrUnknownKDF = errors.New("crypto: unknown or malformed KDF")
)

// KDF is a password key derivation function together with its cost
// parameters. The set of implementations is closed: Argon2idParams and
// ScryptParams.
type KDF interface {
	Algorithm() Algorithm
	// DeriveKey stretches password with salt into a KeyLength key.
	DeriveKey(password, salt []byte) ([]byte, error)
	// CheckFloor reports ErrUnsafeKDFParams when below the creation floor.
	CheckFloor() error
	// Describe returns a short human-readable parameter summary.
	Describe() string

	validate() error
}

// Argon2idParams configures Argon2id.
type Argon2idParams struct {
	MemoryKiB   uint32 `json:"memory_kib"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultKDF returns the default KDF for new vaults.
func DefaultKDF() KDF {
	return Argon2idParams{
		MemoryKiB:   Argon2Memory,
		Iterations:  Argon2Time,
		Parallelism: Argon2Threads,
	}
}

// Algorithm implements KDF.
func (p Argon2idParams) Algorithm() Algorithm { return AlgorithmArgon2id }

// DeriveKey implements KDF.
func (p Argon2idParams) DeriveKey(password, salt []byte) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	pw := NormalizePassword(password)
	defer SecureWipe(pw)
	return argon2.IDKey(pw, salt, p.Iterations, p.MemoryKiB, p.Parallelism, KeyLength), nil
}

// CheckFloor implements KDF.
func (p Argon2idParams) CheckFloor() error {
	if p.MemoryKiB < MinArgon2Memory || p.Iterations < MinArgon2Iterations || p.Parallelism < 1 {
		return fmt.Errorf("%w: argon2id m=%d t=%d p=%d (minimum m=%d t=%d p=1)",
			ErrUnsafeKDFParams, p.MemoryKiB, p.Iterations, p.Parallelism, MinArgon2Memory, MinArgon2Iterations)
	}
	return nil
}

// Describe implements KDF.
func (p Argon2idParams) Describe() string {
	return fmt.Sprintf("argon2id (m=%dKiB, t=%d, p=%d)", p.MemoryKiB, p.Iterations, p.Parallelism)
}

func (p Argon2idParams) validate() error {
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return fmt.Errorf("%w: argon2id parameters must be non-zero", ErrUnknownKDF)
	}
	if uint64(p.MemoryKiB)*1024 > maxKDFMemory {
		return fmt.Errorf("%w: argon2id memory %dKiB exceeds limit", ErrUnknownKDF, p.MemoryKiB)
	}
	return nil
}

// ScryptParams configures scrypt. Kept for vaults created before Argon2id
// became the default.
type ScryptParams struct {
	N int `json:"n"`
	R int `json:"r"`
	P int `json:"p"`
}

// Algorithm implements KDF.
func (p ScryptParams) Algorithm() Algorithm { return AlgorithmScrypt }

// DeriveKey implements KDF.
func (p ScryptParams) DeriveKey(password, salt []byte) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	pw := NormalizePassword(password)
	defer SecureWipe(pw)
	key, err := scrypt.Key(pw, salt, p.N, p.R, p.P, KeyLength)
	if err != nil {
		return nil, fmt.Errorf("crypto: scrypt: %w", err)
	}
	return key, nil
}

// CheckFloor implements KDF.
func (p ScryptParams) CheckFloor() error {
	if p.N < MinScryptN || p.R < MinScryptR || p.P < 1 || !isPowerOfTwo(p.N) {
		return fmt.Errorf("%w: scrypt N=%d r=%d p=%d (minimum N=%d r=%d p=1)",
			ErrUnsafeKDFParams, p.N, p.R, p.P, MinScryptN, MinScryptR)
	}
	return nil
}

// Describe implements KDF.
func (p ScryptParams) Describe() string {
	return fmt.Sprintf("scrypt (N=%d, r=%d, p=%d)", p.N, p.R, p.P)
}

func (p ScryptParams) validate() error {
	if p.N <= 1 || !isPowerOfTwo(p.N) || p.R <= 0 || p.P <= 0 {
		return fmt.Errorf("%w: scrypt parameters invalid", ErrUnknownKDF)
	}
	if uint64(128)*uint64(p.N)*uint64(p.R) > maxKDFMemory {
		return fmt.Errorf("%w: scrypt memory exceeds limit", ErrUnknownKDF)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// KDFConfig is the persisted form of a KDF:
//
//	{"algorithm": "argon2id", "argon2id": {"memory_kib": 65536, ...}}
type KDFConfig struct {
	KDF KDF
}

type kdfConfigJSON struct {
	Algorithm Algorithm       `json:"algorithm"`
	Argon2id  *Argon2idParams `json:"argon2id,omitempty"`
	Scrypt    *ScryptParams   `json:"scrypt,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c KDFConfig) MarshalJSON() ([]byte, error) {
	var out kdfConfigJSON
	switch k := c.KDF.(type) {
	case Argon2idParams:
		out.Algorithm = AlgorithmArgon2id
		out.Argon2id = &k
	case ScryptParams:
		out.Algorithm = AlgorithmScrypt
		out.Scrypt = &k
	default:
		return nil, ErrUnknownKDF
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown algorithms, missing
// or extra parameter blocks, and structurally invalid parameters are all
// rejected with ErrUnknownKDF.
func (c *KDFConfig) UnmarshalJSON(b []byte) error {
	var in kdfConfigJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownKDF, err)
	}

	var k KDF
	switch in.Algorithm {
	case AlgorithmArgon2id:
		if in.Argon2id == nil || in.Scrypt != nil {
			return fmt.Errorf("%w: argon2id requires exactly the argon2id parameter block", ErrUnknownKDF)
		}
		k = *in.Argon2id
	case AlgorithmScrypt:
		if in.Scrypt == nil || in.Argon2id != nil {
			return fmt.Errorf("%w: scrypt requires exactly the scrypt parameter block", ErrUnknownKDF)
		}
		k = *in.Scrypt
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKDF, in.Algorithm)
	}

	if err := k.validate(); err != nil {
		return err
	}
	c.KDF = k
	return nil
}

// ParseAlgorithm maps a configuration string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgorithmArgon2id, AlgorithmScrypt:
		return Algorithm(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKDF, s)
	}
}
