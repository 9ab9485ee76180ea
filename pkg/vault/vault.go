// Package vault implements envelope encryption for the record vault.
//
// A random 256-bit data encryption key (DEK) encrypts everything stored in
// the vault. The DEK itself is only persisted wrapped, in vault.json, once
// per wrap slot:
//
//   - the password slot, under a key stretched from the master password
//     (optionally mixed with the device key, see package keychain)
//   - the recovery slot, under a key derived from the recovery key
//
// Changing the password re-wraps the DEK and never touches ciphertext, so
// the cost of rotation does not depend on how much data the vault holds.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/filestore"
	"github.com/forest6511/recordvault/pkg/records"
)

// Constants
const (
	SchemaVersion  = 1
	DEKLength      = crypto.KeyLength
	ConfigFileName = "vault.json"
	DBFileName     = records.FileName
	FilesDirName   = "files"
	LockFileName   = "vault.lock"
	FileMode       = 0600 // Owner read/write only
	DirMode        = 0700 // Owner read/write/execute only

	// CipherName is reported by Info.
	CipherName = "AES-256-GCM"

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90               // Warn when disk is 90% full

	slotPassword = "password"
	slotRecovery = "recovery"

	recoveryInfo = "recordvault/kek/recovery/v1"
)

// Errors
var (
	// ErrConfig covers an invalid or duplicate vault configuration and KDF
	// parameters below the safety floor.
	ErrConfig = errors.New("vault: configuration error")

	// ErrAuth is the single error for every unwrap failure: wrong password,
	// wrong or missing device key, wrong recovery key, or a tampered slot.
	ErrAuth = errors.New("vault: incorrect credentials")

	// ErrIntegrity is returned when authenticated decryption fails.
	ErrIntegrity = crypto.ErrIntegrity

	ErrVaultAlreadyExists = fmt.Errorf("%w: vault already exists", ErrConfig)
	ErrVaultNotFound      = errors.New("vault: vault not initialized")
	ErrVaultCorrupted     = fmt.Errorf("%w: vault config is missing or corrupted", ErrConfig)
	ErrUnsupportedSchema  = errors.New("vault: unsupported schema version")
	ErrNoKeychain         = fmt.Errorf("%w: device binding requires a device keychain", ErrConfig)
	ErrNoRecoverySlot     = errors.New("vault: vault has no recovery slot")
	ErrInsufficientDisk   = errors.New("vault: insufficient disk space")
)

// WrapSlot holds the DEK sealed under one key-encryption key.
// WrappedDataKey is the ciphertext followed by the GCM tag.
type WrapSlot struct {
	WrappedDataKey []byte `json:"wrapped_data_key"`
	WrapNonce      []byte `json:"wrap_nonce"`
}

func newWrapSlot(s *crypto.Sealed) WrapSlot {
	wrapped := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	wrapped = append(wrapped, s.Ciphertext...)
	wrapped = append(wrapped, s.Tag...)
	return WrapSlot{WrappedDataKey: wrapped, WrapNonce: s.Nonce}
}

func (s WrapSlot) sealed() *crypto.Sealed {
	if len(s.WrappedDataKey) < crypto.TagLength {
		return &crypto.Sealed{Nonce: s.WrapNonce}
	}
	split := len(s.WrappedDataKey) - crypto.TagLength
	return &crypto.Sealed{
		Ciphertext: s.WrappedDataKey[:split],
		Nonce:      s.WrapNonce,
		Tag:        s.WrappedDataKey[split:],
	}
}

func (s WrapSlot) validate(name string) error {
	if len(s.WrapNonce) != crypto.NonceLength {
		return fmt.Errorf("%s slot: nonce must be %d bytes", name, crypto.NonceLength)
	}
	if len(s.WrappedDataKey) != DEKLength+crypto.TagLength {
		return fmt.Errorf("%s slot: wrapped key must be %d bytes", name, DEKLength+crypto.TagLength)
	}
	return nil
}

// VaultConfig is the persisted vault.json record. Exactly one exists per
// installation; it only changes when a slot is re-wrapped.
type VaultConfig struct {
	SchemaVersion int              `json:"schema_version"`
	VaultID       string           `json:"vault_id"`
	KDF           crypto.KDFConfig `json:"kdf"`
	Salt          []byte           `json:"salt"`
	WrapSlot
	DeviceBindingEnabled bool      `json:"device_binding_enabled"`
	Recovery             *WrapSlot `json:"recovery,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (c *VaultConfig) validate() error {
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedSchema, c.SchemaVersion)
	}
	if c.VaultID == "" {
		return errors.New("vault_id is empty")
	}
	if c.KDF.KDF == nil {
		return fmt.Errorf("%w: kdf is missing", crypto.ErrUnknownKDF)
	}
	if len(c.Salt) != crypto.SaltLength {
		return fmt.Errorf("salt must be %d bytes", crypto.SaltLength)
	}
	if err := c.WrapSlot.validate(slotPassword); err != nil {
		return err
	}
	if c.Recovery != nil {
		if err := c.Recovery.validate(slotRecovery); err != nil {
			return err
		}
	}
	return nil
}

// ParseConfig decodes and validates a vault.json document. Unknown schema
// versions, unknown KDF algorithms and malformed slots are rejected with
// ErrVaultCorrupted.
func ParseConfig(data []byte) (*VaultConfig, error) {
	var cfg VaultConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVaultCorrupted, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVaultCorrupted, err)
	}
	return &cfg, nil
}

func slotAAD(name, vaultID string) []byte {
	return []byte("recordvault/slot/" + name + "/v1|" + vaultID)
}

// Keychain supplies the key-encryption key for the password slot.
// *keychain.Keychain satisfies it.
type Keychain interface {
	KEK(passwordKey []byte, deviceBound bool) ([]byte, error)
	Exists() bool
}

// Runner gates CPU-heavy work such as key stretching so that only a
// bounded number of calls run at once. Run blocks until fn returns.
type Runner interface {
	Run(fn func())
}

type inlineRunner struct{}

func (inlineRunner) Run(fn func()) { fn() }

// Option configures a Vault.
type Option func(*Vault)

// WithKeychain sets the device keychain used for device binding.
func WithKeychain(k Keychain) Option {
	return func(v *Vault) { v.keychain = k }
}

// WithRunner sets where key derivation runs.
func WithRunner(r Runner) Option {
	return func(v *Vault) { v.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithKDFObserver registers a callback invoked with the duration of every
// password key derivation.
func WithKDFObserver(fn func(alg crypto.Algorithm, d time.Duration)) Option {
	return func(v *Vault) { v.observeKDF = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// Vault manages the encrypted vault stored in one data directory.
type Vault struct {
	dir        string       // data directory (vault.json, vault.db, files/)
	storage    *StorageLock // guards the data directory across goroutines and processes
	keychain   Keychain
	runner     Runner
	logger     zerolog.Logger
	observeKDF func(crypto.Algorithm, time.Duration)
	now        func() time.Time
}

// New creates a Vault for the data directory dir without touching disk.
// The cross-process lock file lives next to dir, outside the directory
// that restore swaps.
func New(dir string, opts ...Option) *Vault {
	v := &Vault{
		dir:        dir,
		storage:    NewStorageLock(filepath.Join(filepath.Dir(dir), LockFileName)),
		runner:     inlineRunner{},
		logger:     zerolog.Nop(),
		observeKDF: func(crypto.Algorithm, time.Duration) {},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Open is New followed by Repair, finishing or rolling back a restore that
// was interrupted by a crash.
func Open(dir string, opts ...Option) (*Vault, error) {
	v := New(dir, opts...)
	if err := v.Repair(); err != nil {
		return nil, err
	}
	return v, nil
}

// Dir returns the data directory.
func (v *Vault) Dir() string { return v.dir }

// ConfigPath returns the path of vault.json.
func (v *Vault) ConfigPath() string { return filepath.Join(v.dir, ConfigFileName) }

// DBPath returns the path of vault.db.
func (v *Vault) DBPath() string { return filepath.Join(v.dir, DBFileName) }

// FilesDir returns the document blob directory.
func (v *Vault) FilesDir() string { return filepath.Join(v.dir, FilesDirName) }

// Storage returns the lock guarding the data directory.
func (v *Vault) Storage() *StorageLock { return v.storage }

// Status describes whether a vault exists and is loadable.
type Status int

const (
	StatusUninitialized Status = iota
	StatusInitialized
	StatusCorrupted
)

// String returns a human-readable representation of the status
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitialized:
		return "initialized"
	case StatusCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// Status reports the vault state. A database without vault.json means
// setup completed once and the config was lost.
func (v *Vault) Status() Status {
	unlock, err := v.storage.RLock()
	if err != nil {
		return StatusCorrupted
	}
	defer unlock()
	return v.status()
}

func (v *Vault) status() Status {
	_, err := v.loadConfig()
	switch {
	case err == nil:
		return StatusInitialized
	case errors.Is(err, ErrVaultNotFound):
		if _, statErr := os.Stat(v.DBPath()); statErr == nil {
			return StatusCorrupted
		}
		return StatusUninitialized
	default:
		return StatusCorrupted
	}
}

// LoadConfig reads and validates vault.json.
func (v *Vault) LoadConfig() (*VaultConfig, error) {
	unlock, err := v.storage.RLock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return v.loadConfig()
}

func (v *Vault) loadConfig() (*VaultConfig, error) {
	data, err := os.ReadFile(v.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrVaultCorrupted, err)
	}
	return ParseConfig(data)
}

func (v *Vault) saveConfig(cfg *VaultConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal config: %w", err)
	}
	if err := filestore.WriteFileAtomic(v.ConfigPath(), data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write config: %w", err)
	}
	return nil
}

// createConfig installs vault.json only if it does not exist yet, by
// hard-linking a fully written temp file into place.
func (v *Vault) createConfig(cfg *VaultConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(v.dir, ".vault-json-*")
	if err != nil {
		return fmt.Errorf("vault: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: failed to write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: failed to sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: failed to close config: %w", err)
	}

	if err := os.Link(tmpPath, v.ConfigPath()); err != nil {
		if os.IsExist(err) {
			return ErrVaultAlreadyExists
		}
		return fmt.Errorf("vault: failed to install config: %w", err)
	}
	return filestore.SyncDir(v.dir)
}

// derive stretches password on the runner and reports the duration.
func (v *Vault) derive(k crypto.KDF, password, salt []byte) ([]byte, error) {
	var key []byte
	var err error
	start := time.Now()
	v.runner.Run(func() {
		key, err = k.DeriveKey(password, salt)
	})
	v.observeKDF(k.Algorithm(), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return key, nil
}

func (v *Vault) passwordKEK(passwordKey []byte, deviceBound bool) ([]byte, error) {
	if !deviceBound {
		return append([]byte(nil), passwordKey...), nil
	}
	if v.keychain == nil {
		return nil, ErrNoKeychain
	}
	return v.keychain.KEK(passwordKey, true)
}

func recoveryKEK(key crypto.RecoveryKey) ([]byte, error) {
	if len(key) != crypto.KeyLength {
		return nil, crypto.ErrInvalidRecoveryKey
	}
	return crypto.DeriveSubkey(key, nil, recoveryInfo)
}

// wrapPassword seals dek under a freshly salted password KEK and stores the
// result in cfg's password slot.
func (v *Vault) wrapPassword(cfg *VaultConfig, dek, password []byte, deviceBound bool) error {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	pwKey, err := v.derive(cfg.KDF.KDF, password, salt)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(pwKey)

	kek, err := v.passwordKEK(pwKey, deviceBound)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(kek)

	sealed, err := crypto.Encrypt(kek, dek, slotAAD(slotPassword, cfg.VaultID))
	if err != nil {
		return fmt.Errorf("vault: failed to wrap data key: %w", err)
	}
	cfg.Salt = salt
	cfg.WrapSlot = newWrapSlot(sealed)
	cfg.DeviceBindingEnabled = deviceBound
	return nil
}

// wrapRecovery seals dek under key and stores it in the recovery slot.
func wrapRecovery(cfg *VaultConfig, dek []byte, key crypto.RecoveryKey) error {
	kek, err := recoveryKEK(key)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(kek)

	sealed, err := crypto.Encrypt(kek, dek, slotAAD(slotRecovery, cfg.VaultID))
	if err != nil {
		return fmt.Errorf("vault: failed to wrap data key: %w", err)
	}
	slot := newWrapSlot(sealed)
	cfg.Recovery = &slot
	return nil
}

func openSlot(kek []byte, slot WrapSlot, aad []byte) ([]byte, error) {
	dek, err := crypto.Decrypt(kek, slot.sealed(), aad)
	if err != nil || len(dek) != DEKLength {
		crypto.SecureWipe(dek)
		return nil, ErrAuth
	}
	return dek, nil
}

func (v *Vault) unwrapPassword(cfg *VaultConfig, password []byte) ([]byte, error) {
	pwKey, err := v.derive(cfg.KDF.KDF, password, cfg.Salt)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(pwKey)

	kek, err := v.passwordKEK(pwKey, cfg.DeviceBindingEnabled)
	if err != nil {
		// Reported to the caller as a credential failure; the local log
		// keeps the reason for the owner.
		v.logger.Warn().Err(err).Msg("device key unavailable during unlock")
		return nil, ErrAuth
	}
	defer crypto.SecureWipe(kek)

	return openSlot(kek, cfg.WrapSlot, slotAAD(slotPassword, cfg.VaultID))
}

func unwrapRecovery(cfg *VaultConfig, key crypto.RecoveryKey) ([]byte, error) {
	if cfg.Recovery == nil {
		return nil, ErrAuth
	}
	kek, err := recoveryKEK(key)
	if err != nil {
		return nil, ErrAuth
	}
	defer crypto.SecureWipe(kek)
	return openSlot(kek, *cfg.Recovery, slotAAD(slotRecovery, cfg.VaultID))
}

// Create initializes a new vault:
// 1. Check the KDF parameters against the safety floor
// 2. Generate the DEK and a recovery key
// 3. Wrap the DEK under the password KEK (device-bound if requested)
// 4. Wrap the DEK under the recovery key
// 5. Create vault.db and files/
// 6. Install vault.json, failing if one already exists
//
// The recovery key is returned once and never stored.
func (v *Vault) Create(password []byte, kdf crypto.KDF, deviceBinding bool) (crypto.RecoveryKey, error) {
	if kdf == nil {
		kdf = crypto.DefaultKDF()
	}
	if err := kdf.CheckFloor(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if r := ValidateMasterPassword(string(password)); !r.Valid {
		return nil, r.Err
	}
	if deviceBinding && v.keychain == nil {
		return nil, ErrNoKeychain
	}

	unlock, err := v.storage.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch v.status() {
	case StatusInitialized:
		return nil, ErrVaultAlreadyExists
	case StatusCorrupted:
		if !v.abandonedCreate() {
			return nil, fmt.Errorf("%w: refusing to overwrite an existing vault", ErrVaultAlreadyExists)
		}
		v.logger.Warn().Msg("discarding leftovers of an interrupted vault creation")
	}

	if err := v.checkDiskSpaceForWrite(1024 * 1024); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(v.FilesDir(), DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create vault directory: %w", err)
	}

	dek, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(dek)

	recoveryKey, err := crypto.GenerateRecoveryKey()
	if err != nil {
		return nil, err
	}

	now := v.now().UTC()
	cfg := &VaultConfig{
		SchemaVersion: SchemaVersion,
		VaultID:       uuid.NewString(),
		KDF:           crypto.KDFConfig{KDF: kdf},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := v.wrapPassword(cfg, dek, password, deviceBinding); err != nil {
		return nil, err
	}
	if err := wrapRecovery(cfg, dek, recoveryKey); err != nil {
		return nil, err
	}

	if err := records.Init(v.DBPath()); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if err := v.createConfig(cfg); err != nil {
		return nil, err
	}

	v.logger.Info().
		Str("vault_id", cfg.VaultID).
		Str("kdf", kdf.Describe()).
		Bool("device_binding", deviceBinding).
		Msg("vault created")
	return recoveryKey, nil
}

// abandonedCreate reports whether the data directory holds only what an
// interrupted Create leaves behind: no vault.json, an empty database and
// no documents.
func (v *Vault) abandonedCreate() bool {
	if _, err := os.Stat(v.ConfigPath()); !os.IsNotExist(err) {
		return false
	}
	empty, err := records.IsEmpty(v.DBPath())
	if err != nil || !empty {
		return false
	}
	names, err := filestore.New(v.FilesDir()).List()
	return err == nil && len(names) == 0
}

// UnwrapDataKey re-derives the password key from the stored parameters and
// opens the password slot. Every credential failure is ErrAuth.
// The caller owns the returned DEK and must wipe it.
func (v *Vault) UnwrapDataKey(password []byte) ([]byte, error) {
	unlock, err := v.storage.RLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	cfg, err := v.loadConfig()
	if err != nil {
		return nil, err
	}
	return v.unwrapPassword(cfg, password)
}

// UnwrapWithRecovery opens the recovery slot. The recovery key is already
// high-entropy, so it is not stretched.
func (v *Vault) UnwrapWithRecovery(key crypto.RecoveryKey) ([]byte, error) {
	unlock, err := v.storage.RLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	cfg, err := v.loadConfig()
	if err != nil {
		return nil, err
	}
	return unwrapRecovery(cfg, key)
}

// RotatePassword re-wraps the DEK under newPassword with a fresh salt.
// The recovery slot and all ciphertext are left untouched.
func (v *Vault) RotatePassword(oldPassword, newPassword []byte) error {
	if r := ValidateMasterPassword(string(newPassword)); !r.Valid {
		return r.Err
	}
	return v.mutate(func(cfg *VaultConfig) error {
		dek, err := v.unwrapPassword(cfg, oldPassword)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(dek)
		return v.wrapPassword(cfg, dek, newPassword, cfg.DeviceBindingEnabled)
	})
}

// ResetPasswordWithRecovery replaces a forgotten password using the
// recovery key.
func (v *Vault) ResetPasswordWithRecovery(key crypto.RecoveryKey, newPassword []byte) error {
	if r := ValidateMasterPassword(string(newPassword)); !r.Valid {
		return r.Err
	}
	return v.mutate(func(cfg *VaultConfig) error {
		dek, err := unwrapRecovery(cfg, key)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(dek)
		return v.wrapPassword(cfg, dek, newPassword, cfg.DeviceBindingEnabled)
	})
}

// RotateRecoveryKey issues a new recovery key; the previous one stops
// working immediately.
func (v *Vault) RotateRecoveryKey(password []byte) (crypto.RecoveryKey, error) {
	var fresh crypto.RecoveryKey
	err := v.mutate(func(cfg *VaultConfig) error {
		dek, err := v.unwrapPassword(cfg, password)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(dek)

		fresh, err = crypto.GenerateRecoveryKey()
		if err != nil {
			return err
		}
		return wrapRecovery(cfg, dek, fresh)
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// SetDeviceBinding re-wraps the password slot with or without the device
// key mixed in.
func (v *Vault) SetDeviceBinding(password []byte, enabled bool) error {
	if enabled && v.keychain == nil {
		return ErrNoKeychain
	}
	return v.mutate(func(cfg *VaultConfig) error {
		dek, err := v.unwrapPassword(cfg, password)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(dek)
		return v.wrapPassword(cfg, dek, password, enabled)
	})
}

// mutate loads the config under the exclusive storage lock, applies fn and
// persists the result atomically.
func (v *Vault) mutate(fn func(cfg *VaultConfig) error) error {
	unlock, err := v.storage.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	cfg, err := v.loadConfig()
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	cfg.UpdatedAt = v.now().UTC()
	if err := v.checkDiskSpaceForWrite(4096); err != nil {
		return err
	}
	return v.saveConfig(cfg)
}

// Info is the read-only environment report.
type Info struct {
	Status         string     `json:"status"`
	VaultID        string     `json:"vault_id,omitempty"`
	SchemaVersion  int        `json:"schema_version,omitempty"`
	KDFAlgorithm   string     `json:"kdf_algorithm,omitempty"`
	KDF            string     `json:"kdf,omitempty"`
	Cipher         string     `json:"cipher"`
	DeviceBinding  bool       `json:"device_binding"`
	RecoverySlot   bool       `json:"recovery_slot"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	DataDir        string     `json:"data_dir"`
	ConfigReadable bool       `json:"config_readable"`

	// DeviceKeyPresent is set for device-bound vaults.
	DeviceKeyPresent *bool    `json:"device_key_present,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Info reports which KDF and cipher are active, plus any problem found by
// CheckIntegrity or a missing device key. It never returns secrets.
func (v *Vault) Info() *Info {
	info := &Info{Cipher: CipherName, DataDir: v.dir}

	cfg, err := v.LoadConfig()
	if err != nil {
		if errors.Is(err, ErrVaultNotFound) {
			info.Status = v.Status().String()
		} else {
			info.Status = StatusCorrupted.String()
		}
		if info.Status == StatusCorrupted.String() {
			v.addIntegrityWarnings(info)
		}
		return info
	}

	info.Status = StatusInitialized.String()
	info.ConfigReadable = true
	info.VaultID = cfg.VaultID
	info.SchemaVersion = cfg.SchemaVersion
	info.KDFAlgorithm = string(cfg.KDF.KDF.Algorithm())
	info.KDF = cfg.KDF.KDF.Describe()
	info.DeviceBinding = cfg.DeviceBindingEnabled
	info.RecoverySlot = cfg.Recovery != nil
	created, updated := cfg.CreatedAt, cfg.UpdatedAt
	info.CreatedAt = &created
	info.UpdatedAt = &updated

	if cfg.DeviceBindingEnabled && v.keychain != nil {
		present := v.keychain.Exists()
		info.DeviceKeyPresent = &present
		if !present {
			info.Warnings = append(info.Warnings, "device key is missing, unlock with the recovery key")
		}
	}
	v.addIntegrityWarnings(info)
	return info
}

func (v *Vault) addIntegrityWarnings(info *Info) {
	result, err := v.CheckIntegrity()
	if err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("integrity check did not run: %v", err))
		return
	}
	info.Warnings = append(info.Warnings, result.Errors...)
}
