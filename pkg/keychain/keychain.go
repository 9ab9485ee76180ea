// Package keychain manages the device-local secret that can be mixed into
// the vault's key-encryption key.
//
// The device key lives outside the vault data directory, so copying the
// vault (or a backup of it) to another machine does not carry it along.
// When device binding is enabled, the password-derived key alone can no
// longer unwrap the data key.
package keychain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forest6511/recordvault/pkg/crypto"
)

const (
	// DeviceKeyLength is the size of the device secret in bytes.
	DeviceKeyLength = 32

	// FileName is the default device key file name.
	FileName = "device.key"

	FileMode = 0600
	DirMode  = 0700

	bindInfo = "recordvault/kek/device-bound/v1"
)

var (
	// ErrDeviceKeyInvalid indicates the key file has the wrong size or
	// permissions that allow access by other users.
	ErrDeviceKeyInvalid = errors.New("keychain: device key file is invalid")

	// ErrDeviceKeyNotFound means no key file exists yet.
	ErrDeviceKeyNotFound = errors.New("keychain: device key not found")
)

// DefaultPath returns $XDG_CONFIG_HOME/recordvault/device.key (or the
// platform equivalent).
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("keychain: cannot determine config directory: %w", err)
	}
	return filepath.Join(dir, "recordvault", FileName), nil
}

// Keychain owns one device key file.
type Keychain struct {
	path string
	mu   sync.Mutex
}

// New returns a Keychain backed by the file at path. Nothing is read or
// created until DeviceKey is called.
func New(path string) *Keychain {
	return &Keychain{path: path}
}

// Path returns the device key file path.
func (k *Keychain) Path() string {
	return k.path
}

// Exists reports whether the device key file is present. A device-bound
// vault cannot be unlocked with the password while it is missing.
func (k *Keychain) Exists() bool {
	_, err := os.Stat(k.path)
	return err == nil
}

// DeviceKey returns the device secret, creating it on first use.
// Concurrent first calls, in this process or another, agree on one key.
func (k *Keychain) DeviceKey() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, err := k.load()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrDeviceKeyNotFound) {
		return nil, err
	}

	if err := k.create(); err != nil {
		return nil, err
	}
	return k.load()
}

func (k *Keychain) load() ([]byte, error) {
	info, err := os.Lstat(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrDeviceKeyNotFound
		}
		return nil, fmt.Errorf("keychain: failed to stat device key: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file", ErrDeviceKeyInvalid)
	}
	if err := checkPermissions(info); err != nil {
		return nil, err
	}
	if info.Size() != DeviceKeyLength {
		return nil, fmt.Errorf("%w: expected %d bytes, found %d", ErrDeviceKeyInvalid, DeviceKeyLength, info.Size())
	}

	key, err := os.ReadFile(k.path)
	if err != nil {
		return nil, fmt.Errorf("keychain: failed to read device key: %w", err)
	}
	if len(key) != DeviceKeyLength {
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("%w: short read", ErrDeviceKeyInvalid)
	}
	return key, nil
}

// create writes a fresh key to a temp file and hard-links it into place,
// so the key file appears complete or not at all and an existing key is
// never overwritten.
func (k *Keychain) create() error {
	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("keychain: failed to create directory: %w", err)
	}

	key, err := crypto.RandomBytes(DeviceKeyLength)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	tmp, err := os.CreateTemp(dir, ".device-key-*")
	if err != nil {
		return fmt.Errorf("keychain: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("keychain: failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		return fmt.Errorf("keychain: failed to write device key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("keychain: failed to sync device key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keychain: failed to close device key: %w", err)
	}

	if err := os.Link(tmpPath, k.path); err != nil {
		if os.IsExist(err) {
			// Another process created it first; use theirs.
			return nil
		}
		return fmt.Errorf("keychain: failed to install device key: %w", err)
	}
	return nil
}

// KEK returns the key-encryption key for a password slot. With binding
// disabled it is a copy of passwordKey; with binding enabled the device key
// is mixed in via Bind.
func (k *Keychain) KEK(passwordKey []byte, deviceBound bool) ([]byte, error) {
	if !deviceBound {
		return append([]byte(nil), passwordKey...), nil
	}
	deviceKey, err := k.DeviceKey()
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(deviceKey)
	return Bind(passwordKey, deviceKey)
}

// Bind derives the device-bound KEK:
//
//	HKDF-SHA256(ikm = passwordKey || deviceKey, info = "recordvault/kek/device-bound/v1")
func Bind(passwordKey, deviceKey []byte) ([]byte, error) {
	if len(passwordKey) != crypto.KeyLength || len(deviceKey) != DeviceKeyLength {
		return nil, crypto.ErrInvalidKeyLength
	}
	ikm := make([]byte, 0, len(passwordKey)+len(deviceKey))
	ikm = append(ikm, passwordKey...)
	ikm = append(ikm, deviceKey...)
	defer crypto.SecureWipe(ikm)
	return crypto.DeriveSubkey(ikm, nil, bindInfo)
}
