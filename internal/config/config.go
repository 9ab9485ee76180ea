// Package config loads and saves recordvault settings.
//
// Settings come from three layers, later ones overriding earlier ones:
//  1. built-in defaults
//  2. <root>/settings.yaml
//  3. RECORDVAULT_* environment variables, with "__" separating nested
//     keys (RECORDVAULT_SERVER__ADDR sets server.addr)
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/filestore"
	"github.com/forest6511/recordvault/pkg/keychain"
	"github.com/forest6511/recordvault/pkg/ratelimit"
	"github.com/forest6511/recordvault/pkg/session"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RECORDVAULT_"

	// FileName is the settings file inside the root directory.
	FileName = "settings.yaml"

	// RootDirName is the default root directory under the home directory.
	RootDirName = ".recordvault"

	DataDirName  = "data"
	AuditDirName = "audit"

	FileMode = 0600
	DirMode  = 0700

	MinTaxYear = 2000
	MaxTaxYear = 2100
)

var (
	// ErrInvalidSettings wraps every validation failure.
	ErrInvalidSettings = errors.New("config: invalid settings")

	// ErrUnknownKey is returned by Set for a key that does not exist.
	ErrUnknownKey = errors.New("config: unknown setting")

	// ErrSettingsInsecure is returned when settings.yaml is writable by
	// group or others, or is a symlink.
	ErrSettingsInsecure = errors.New("config: settings file has insecure permissions")
)

// Settings is the full configuration.
type Settings struct {
	DataDir            string          `koanf:"data_dir" yaml:"data_dir,omitempty"`
	DeviceKeyPath      string          `koanf:"device_key_path" yaml:"device_key_path,omitempty"`
	LockTimeoutMinutes int             `koanf:"lock_timeout_minutes" yaml:"lock_timeout_minutes"`
	DefaultTaxYear     int             `koanf:"default_tax_year" yaml:"default_tax_year"`
	KDF                KDFSettings     `koanf:"kdf" yaml:"kdf"`
	RateLimit          RateLimitConfig `koanf:"rate_limit" yaml:"rate_limit"`
	Server             ServerSettings  `koanf:"server" yaml:"server"`
	Log                LogSettings     `koanf:"log" yaml:"log"`

	// root is the directory the settings were loaded for.
	root string
}

// KDFSettings selects the KDF for new vaults and password changes.
type KDFSettings struct {
	Algorithm string           `koanf:"algorithm" yaml:"algorithm"`
	Argon2id  Argon2idSettings `koanf:"argon2id" yaml:"argon2id"`
	Scrypt    ScryptSettings   `koanf:"scrypt" yaml:"scrypt"`
}

type Argon2idSettings struct {
	MemoryKiB   uint32 `koanf:"memory_kib" yaml:"memory_kib"`
	Iterations  uint32 `koanf:"iterations" yaml:"iterations"`
	Parallelism uint8  `koanf:"parallelism" yaml:"parallelism"`
}

type ScryptSettings struct {
	N int `koanf:"n" yaml:"n"`
	R int `koanf:"r" yaml:"r"`
	P int `koanf:"p" yaml:"p"`
}

// RateLimitConfig controls the unlock limiter.
type RateLimitConfig struct {
	// Persist keeps lockouts across restarts in ratelimit.json.
	Persist bool `koanf:"persist" yaml:"persist"`
}

// ServerSettings configures `recordvault serve`.
type ServerSettings struct {
	Addr              string  `koanf:"addr" yaml:"addr"`
	SecureCookies     bool    `koanf:"secure_cookies" yaml:"secure_cookies"`
	RequestsPerSecond float64 `koanf:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `koanf:"burst" yaml:"burst"`

	// TrustedProxy keys the per-client limiter on X-Forwarded-For. Leave
	// it off unless a reverse proxy sets that header.
	TrustedProxy bool `koanf:"trusted_proxy" yaml:"trusted_proxy"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// defaults returns the built-in defaults as a koanf map.
func defaults() map[string]any {
	return map[string]any{
		"lock_timeout_minutes": int(session.DefaultLockTimeout.Minutes()),
		"default_tax_year":     2026,
		"kdf": map[string]any{
			"algorithm": string(crypto.AlgorithmArgon2id),
			"argon2id": map[string]any{
				"memory_kib":  crypto.Argon2Memory,
				"iterations":  crypto.Argon2Time,
				"parallelism": crypto.Argon2Threads,
			},
			"scrypt": map[string]any{
				"n": 1 << 17,
				"r": 8,
				"p": 1,
			},
		},
		"rate_limit": map[string]any{
			"persist": false,
		},
		"server": map[string]any{
			"addr":                "127.0.0.1:8420",
			"secure_cookies":      true,
			"requests_per_second": 5.0,
			"burst":               10,
			"trusted_proxy":       false,
		},
		"log": map[string]any{
			"level":  "info",
			"format": "console",
		},
	}
}

// mapProvider is a koanf provider over an in-memory map.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}

// DefaultRoot returns ~/.recordvault.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get user home directory: %w", err)
	}
	return filepath.Join(home, RootDirName), nil
}

// Path returns the settings file for root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// Default returns the built-in settings for root.
func Default(root string) *Settings {
	s, err := load(root, false, false)
	if err != nil {
		// The built-in defaults always unmarshal.
		panic(err)
	}
	return s
}

// Load reads the settings for root: defaults, then settings.yaml if it
// exists, then the environment. The result is validated.
func Load(root string) (*Settings, error) {
	s, err := load(root, true, true)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// updateMu serializes read-modify-write cycles on settings.yaml.
var updateMu sync.Mutex

// Update sets each dotted key in changes, writes settings.yaml and returns
// the effective settings. Only the defaults and the file are rewritten, so
// environment overrides never end up in the file.
func Update(root string, changes map[string]string) (*Settings, error) {
	updateMu.Lock()
	defer updateMu.Unlock()

	next, err := load(root, true, false)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(changes))
	for key := range changes {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if next, err = next.Set(key, changes[key]); err != nil {
			return nil, err
		}
	}
	if err := next.Save(); err != nil {
		return nil, err
	}
	return Load(root)
}

func load(root string, withFile, withEnv bool) (*Settings, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if withFile {
		path := Path(root)
		if err := checkFile(path); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", FileName, err)
		}
	}
	if withEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("config: load env: %w", err)
		}
	}

	s := &Settings{root: root}
	if err := k.Unmarshal("", s); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return s, nil
}

// envKey maps RECORDVAULT_SERVER__SECURE_COOKIES to server.secure_cookies.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// checkFile rejects a symlinked or group/other-writable settings file.
func checkFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: %s is a symlink", ErrSettingsInsecure, path)
	}
	if perm := info.Mode().Perm(); perm&0022 != 0 {
		return fmt.Errorf("%w: %o (expected 0600)", ErrSettingsInsecure, perm)
	}
	return nil
}

// Root returns the directory the settings belong to.
func (s *Settings) Root() string { return s.root }

// DataPath returns the vault data directory.
func (s *Settings) DataPath() string {
	if s.DataDir != "" {
		return s.DataDir
	}
	return filepath.Join(s.root, DataDirName)
}

// AuditPath returns the audit log directory.
func (s *Settings) AuditPath() string {
	return filepath.Join(s.root, AuditDirName)
}

// RateLimitPath returns the limiter state file, or "" when persistence
// is off.
func (s *Settings) RateLimitPath() string {
	if !s.RateLimit.Persist {
		return ""
	}
	return filepath.Join(s.root, ratelimit.StateFileName)
}

// DeviceKeyFile returns the device key location.
func (s *Settings) DeviceKeyFile() (string, error) {
	if s.DeviceKeyPath != "" {
		return s.DeviceKeyPath, nil
	}
	return keychain.DefaultPath()
}

// BuildKDF returns the configured KDF.
func (s *Settings) BuildKDF() (crypto.KDF, error) {
	alg, err := crypto.ParseAlgorithm(s.KDF.Algorithm)
	if err != nil {
		return nil, err
	}
	switch alg {
	case crypto.AlgorithmScrypt:
		return crypto.ScryptParams{N: s.KDF.Scrypt.N, R: s.KDF.Scrypt.R, P: s.KDF.Scrypt.P}, nil
	default:
		return crypto.Argon2idParams{
			MemoryKiB:   s.KDF.Argon2id.MemoryKiB,
			Iterations:  s.KDF.Argon2id.Iterations,
			Parallelism: s.KDF.Argon2id.Parallelism,
		}, nil
	}
}

// Validate checks every setting and reports all problems at once.
func (s *Settings) Validate() error {
	var errs []error
	if !session.ValidLockTimeout(s.LockTimeoutMinutes) {
		errs = append(errs, fmt.Errorf("lock_timeout_minutes must be one of %v, got %d",
			session.AllowedLockTimeouts, s.LockTimeoutMinutes))
	}
	if s.DefaultTaxYear < MinTaxYear || s.DefaultTaxYear > MaxTaxYear {
		errs = append(errs, fmt.Errorf("default_tax_year must be between %d and %d, got %d",
			MinTaxYear, MaxTaxYear, s.DefaultTaxYear))
	}
	if kdf, err := s.BuildKDF(); err != nil {
		errs = append(errs, err)
	} else if err := kdf.CheckFloor(); err != nil {
		errs = append(errs, err)
	}
	if s.Server.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("server.requests_per_second must be positive"))
	}
	if s.Server.Burst < 1 {
		errs = append(errs, fmt.Errorf("server.burst must be at least 1"))
	}
	switch s.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", s.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	return nil
}

// Save writes the settings to <root>/settings.yaml.
func (s *Settings) Save() error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yamlv3.Marshal(s)
	if err != nil {
		return fmt.Errorf("config: failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(s.root, DirMode); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	if err := filestore.WriteFileAtomic(Path(s.root), data, FileMode); err != nil {
		return fmt.Errorf("config: failed to save settings: %w", err)
	}
	return nil
}

// YAML renders the settings as they would be saved.
func (s *Settings) YAML() ([]byte, error) {
	return yamlv3.Marshal(s)
}

// Set returns a copy of s with the dotted key set to value. The copy is
// validated; s is unchanged.
func (s *Settings) Set(key, value string) (*Settings, error) {
	data, err := yamlv3.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("config: failed to marshal settings: %w", err)
	}
	current, err := yaml.Parser().Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("config: failed to parse settings: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return nil, err
	}
	if err := k.Load(mapProvider(current), nil); err != nil {
		return nil, err
	}
	if !k.Exists(key) && !isOptionalKey(key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := k.Set(key, value); err != nil {
		return nil, fmt.Errorf("config: failed to set %s: %w", key, err)
	}

	updated := &Settings{root: s.root}
	if err := k.Unmarshal("", updated); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSettings, key, err)
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	return updated, nil
}

// isOptionalKey reports keys that are omitted from the file when empty.
func isOptionalKey(key string) bool {
	return key == "data_dir" || key == "device_key_path"
}
