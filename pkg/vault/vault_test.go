package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/keychain"
)

var testKDF = crypto.Argon2idParams{
	MemoryKiB:   crypto.MinArgon2Memory,
	Iterations:  crypto.MinArgon2Iterations,
	Parallelism: 1,
}

const testPassword = "correct-horse-battery"

func newTestVault(t *testing.T, opts ...Option) *Vault {
	t.Helper()
	v, err := Open(filepath.Join(t.TempDir(), "data"), opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return v
}

func createTestVault(t *testing.T, opts ...Option) (*Vault, crypto.RecoveryKey) {
	t.Helper()
	v := newTestVault(t, opts...)
	rk, err := v.Create([]byte(testPassword), testKDF, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return v, rk
}

func TestCreateAndUnwrap(t *testing.T) {
	v, rk := createTestVault(t)

	if len(rk) != crypto.KeyLength {
		t.Errorf("recovery key length = %d, want %d", len(rk), crypto.KeyLength)
	}
	for _, p := range []string{v.ConfigPath(), v.DBPath(), v.FilesDir()} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s not created: %v", p, err)
		}
	}

	dek, err := v.UnwrapDataKey([]byte(testPassword))
	if err != nil {
		t.Fatalf("UnwrapDataKey failed: %v", err)
	}
	if len(dek) != DEKLength {
		t.Fatalf("DEK length = %d, want %d", len(dek), DEKLength)
	}

	// The unwrapped DEK serves encrypt/decrypt round trips.
	c := crypto.NewCipher(crypto.StaticKey(dek))
	for _, pt := range [][]byte{{}, []byte("expense 42.00")} {
		sealed, err := c.Encrypt(pt, []byte("aad"))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		got, err := c.Decrypt(sealed, []byte("aad"))
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Errorf("round trip = %q, want %q", got, pt)
		}
	}

	again, _ := v.UnwrapDataKey([]byte(testPassword))
	if !bytes.Equal(dek, again) {
		t.Error("UnwrapDataKey should return the same DEK every time")
	}
}

func TestCreateTwiceFails(t *testing.T) {
	v, _ := createTestVault(t)

	_, err := v.Create([]byte("anotherpassword"), testKDF, false)
	if !errors.Is(err, ErrConfig) {
		t.Errorf("second Create error = %v, want ErrConfig", err)
	}
	if !errors.Is(err, ErrVaultAlreadyExists) {
		t.Errorf("second Create error = %v, want ErrVaultAlreadyExists", err)
	}
}

func TestCreateConcurrent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate Vault values share only the lock file, like separate processes.
			_, errs[i] = New(dir).Create([]byte(testPassword), testKDF, false)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, ErrConfig):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d concurrent creates succeeded, want exactly 1", succeeded)
	}
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name     string
		password string
		kdf      crypto.KDF
		want     error
	}{
		{"argon2id below floor", testPassword, crypto.Argon2idParams{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}, ErrConfig},
		{"scrypt below floor", testPassword, crypto.ScryptParams{N: 1024, R: 8, P: 1}, ErrConfig},
		{"short password", "short", testKDF, ErrPasswordTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVault(t)
			_, err := v.Create([]byte(tt.password), tt.kdf, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Create error = %v, want %v", err, tt.want)
			}
			if v.Status() != StatusUninitialized {
				t.Errorf("Status = %v after failed create", v.Status())
			}
		})
	}

	t.Run("binding without keychain", func(t *testing.T) {
		v := newTestVault(t)
		if _, err := v.Create([]byte(testPassword), testKDF, true); !errors.Is(err, ErrNoKeychain) {
			t.Errorf("Create error = %v, want ErrNoKeychain", err)
		}
	})
}

func TestCreateWithScrypt(t *testing.T) {
	v := newTestVault(t)
	kdf := crypto.ScryptParams{N: crypto.MinScryptN, R: crypto.MinScryptR, P: 1}
	if _, err := v.Create([]byte(testPassword), kdf, false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := v.UnwrapDataKey([]byte(testPassword)); err != nil {
		t.Fatalf("UnwrapDataKey failed: %v", err)
	}
	if got := v.Info().KDFAlgorithm; got != string(crypto.AlgorithmScrypt) {
		t.Errorf("Info().KDFAlgorithm = %q, want scrypt", got)
	}
}

func TestUnwrapWrongPassword(t *testing.T) {
	v, _ := createTestVault(t)

	for _, pw := range []string{"wrong-password", "", testPassword + " "} {
		if _, err := v.UnwrapDataKey([]byte(pw)); !errors.Is(err, ErrAuth) {
			t.Errorf("UnwrapDataKey(%q) error = %v, want ErrAuth", pw, err)
		}
	}
}

func TestUnwrapNotInitialized(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.UnwrapDataKey([]byte(testPassword)); !errors.Is(err, ErrVaultNotFound) {
		t.Errorf("UnwrapDataKey error = %v, want ErrVaultNotFound", err)
	}
}

func TestRotatePassword(t *testing.T) {
	v, _ := createTestVault(t)
	before, _ := v.UnwrapDataKey([]byte(testPassword))
	cfgBefore, _ := v.LoadConfig()

	if err := v.RotatePassword([]byte(testPassword), []byte("new-password-456")); err != nil {
		t.Fatalf("RotatePassword failed: %v", err)
	}

	after, err := v.UnwrapDataKey([]byte("new-password-456"))
	if err != nil {
		t.Fatalf("UnwrapDataKey(new) failed: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("rotation must preserve the DEK")
	}
	if _, err := v.UnwrapDataKey([]byte(testPassword)); !errors.Is(err, ErrAuth) {
		t.Errorf("UnwrapDataKey(old) error = %v, want ErrAuth", err)
	}

	cfgAfter, _ := v.LoadConfig()
	if bytes.Equal(cfgBefore.Salt, cfgAfter.Salt) {
		t.Error("rotation should use a fresh salt")
	}
	if !bytes.Equal(cfgBefore.Recovery.WrappedDataKey, cfgAfter.Recovery.WrappedDataKey) {
		t.Error("rotation should not touch the recovery slot")
	}
}

func TestRotatePasswordWrongOld(t *testing.T) {
	v, _ := createTestVault(t)
	if err := v.RotatePassword([]byte("wrong-password"), []byte("new-password-456")); !errors.Is(err, ErrAuth) {
		t.Errorf("RotatePassword error = %v, want ErrAuth", err)
	}
	if _, err := v.UnwrapDataKey([]byte(testPassword)); err != nil {
		t.Errorf("old password should still work: %v", err)
	}
}

func TestRecovery(t *testing.T) {
	v, rk := createTestVault(t)
	dek, _ := v.UnwrapDataKey([]byte(testPassword))

	got, err := v.UnwrapWithRecovery(rk)
	if err != nil {
		t.Fatalf("UnwrapWithRecovery failed: %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("recovery slot should yield the same DEK")
	}

	wrong, _ := crypto.GenerateRecoveryKey()
	if _, err := v.UnwrapWithRecovery(wrong); !errors.Is(err, ErrAuth) {
		t.Errorf("UnwrapWithRecovery(wrong) error = %v, want ErrAuth", err)
	}

	if err := v.ResetPasswordWithRecovery(rk, []byte("reset-password-789")); err != nil {
		t.Fatalf("ResetPasswordWithRecovery failed: %v", err)
	}
	got, err = v.UnwrapDataKey([]byte("reset-password-789"))
	if err != nil || !bytes.Equal(got, dek) {
		t.Fatalf("UnwrapDataKey after reset = %v", err)
	}

	fresh, err := v.RotateRecoveryKey([]byte("reset-password-789"))
	if err != nil {
		t.Fatalf("RotateRecoveryKey failed: %v", err)
	}
	if _, err := v.UnwrapWithRecovery(rk); !errors.Is(err, ErrAuth) {
		t.Errorf("old recovery key error = %v, want ErrAuth", err)
	}
	if got, err := v.UnwrapWithRecovery(fresh); err != nil || !bytes.Equal(got, dek) {
		t.Errorf("new recovery key failed: %v", err)
	}
}

func TestDeviceBinding(t *testing.T) {
	keyDir := t.TempDir()
	kc := keychain.New(filepath.Join(keyDir, "device.key"))
	dir := filepath.Join(t.TempDir(), "data")

	v := New(dir, WithKeychain(kc))
	if _, err := v.Create([]byte(testPassword), testKDF, true); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	dek, err := v.UnwrapDataKey([]byte(testPassword))
	if err != nil {
		t.Fatalf("UnwrapDataKey failed: %v", err)
	}

	// The same vault on another device has a different device key.
	other := New(dir, WithKeychain(keychain.New(filepath.Join(t.TempDir(), "device.key"))))
	if _, err := other.UnwrapDataKey([]byte(testPassword)); !errors.Is(err, ErrAuth) {
		t.Errorf("UnwrapDataKey on other device error = %v, want ErrAuth", err)
	}
	// Without any keychain the failure is the same generic error.
	if _, err := New(dir).UnwrapDataKey([]byte(testPassword)); !errors.Is(err, ErrAuth) {
		t.Errorf("UnwrapDataKey without keychain error = %v, want ErrAuth", err)
	}

	if err := v.SetDeviceBinding([]byte(testPassword), false); err != nil {
		t.Fatalf("SetDeviceBinding(false) failed: %v", err)
	}
	got, err := other.UnwrapDataKey([]byte(testPassword))
	if err != nil {
		t.Fatalf("UnwrapDataKey after unbinding failed: %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("unbinding must preserve the DEK")
	}
	if v.Info().DeviceBinding {
		t.Error("Info().DeviceBinding should be false")
	}
}

func TestDeviceLossRecoverable(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "device.key")
	v, rk := createTestVault(t, WithKeychain(keychain.New(keyPath)))
	if err := v.SetDeviceBinding([]byte(testPassword), true); err != nil {
		t.Fatalf("SetDeviceBinding failed: %v", err)
	}
	dek, _ := v.UnwrapDataKey([]byte(testPassword))

	if err := os.Remove(keyPath); err != nil {
		t.Fatal(err)
	}
	if _, err := v.UnwrapDataKey([]byte(testPassword)); !errors.Is(err, ErrAuth) {
		t.Errorf("UnwrapDataKey after device loss error = %v, want ErrAuth", err)
	}

	got, err := v.UnwrapWithRecovery(rk)
	if err != nil || !bytes.Equal(got, dek) {
		t.Fatalf("recovery after device loss failed: %v", err)
	}
	if err := v.ResetPasswordWithRecovery(rk, []byte("after-loss-password")); err != nil {
		t.Fatalf("ResetPasswordWithRecovery failed: %v", err)
	}
	if _, err := v.UnwrapDataKey([]byte("after-loss-password")); err != nil {
		t.Errorf("UnwrapDataKey after reset failed: %v", err)
	}
}

func editConfig(t *testing.T, v *Vault, fn func(m map[string]any)) {
	t.Helper()
	data, err := os.ReadFile(v.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	fn(m)
	data, _ = json.Marshal(m)
	if err := os.WriteFile(v.ConfigPath(), data, FileMode); err != nil {
		t.Fatal(err)
	}
}

func TestTamperedSlot(t *testing.T) {
	v, _ := createTestVault(t)
	cfg, _ := v.LoadConfig()
	cfg.WrappedDataKey[0] ^= 0x01
	if err := v.saveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	if _, err := v.UnwrapDataKey([]byte(testPassword)); !errors.Is(err, ErrAuth) {
		t.Errorf("UnwrapDataKey error = %v, want ErrAuth", err)
	}
}

func TestSlotBoundToVaultID(t *testing.T) {
	v, _ := createTestVault(t)
	editConfig(t, v, func(m map[string]any) { m["vault_id"] = "00000000-0000-0000-0000-000000000000" })

	if _, err := v.UnwrapDataKey([]byte(testPassword)); !errors.Is(err, ErrAuth) {
		t.Errorf("UnwrapDataKey error = %v, want ErrAuth", err)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		edit func(m map[string]any)
		want error
	}{
		{"future schema", func(m map[string]any) { m["schema_version"] = 2 }, ErrUnsupportedSchema},
		{"zero schema", func(m map[string]any) { m["schema_version"] = 0 }, ErrUnsupportedSchema},
		{"unknown kdf", func(m map[string]any) {
			m["kdf"] = map[string]any{"algorithm": "pbkdf2", "pbkdf2": map[string]any{"iterations": 1}}
		}, crypto.ErrUnknownKDF},
		{"missing kdf", func(m map[string]any) { delete(m, "kdf") }, crypto.ErrUnknownKDF},
		{"short salt", func(m map[string]any) { m["salt"] = "AAAA" }, ErrVaultCorrupted},
		{"missing nonce", func(m map[string]any) { delete(m, "wrap_nonce") }, ErrVaultCorrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := createTestVault(t)
			editConfig(t, v, tt.edit)

			_, err := v.LoadConfig()
			if !errors.Is(err, tt.want) {
				t.Errorf("LoadConfig error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrConfig) {
				t.Errorf("LoadConfig error = %v, want ErrConfig", err)
			}
			if v.Status() != StatusCorrupted {
				t.Errorf("Status = %v, want corrupted", v.Status())
			}
		})
	}
}

func TestStatus(t *testing.T) {
	v := newTestVault(t)
	if got := v.Status(); got != StatusUninitialized {
		t.Errorf("Status = %v, want uninitialized", got)
	}

	if _, err := v.Create([]byte(testPassword), testKDF, false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got := v.Status(); got != StatusInitialized {
		t.Errorf("Status = %v, want initialized", got)
	}

	if err := os.Remove(v.ConfigPath()); err != nil {
		t.Fatal(err)
	}
	if got := v.Status(); got != StatusCorrupted {
		t.Errorf("Status after losing vault.json = %v, want corrupted", got)
	}
}

func TestCreateOverAbandonedCreate(t *testing.T) {
	v, _ := createTestVault(t)
	// Simulate a crash before vault.json was installed.
	if err := os.Remove(v.ConfigPath()); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Create([]byte(testPassword), testKDF, false); err != nil {
		t.Fatalf("Create over an empty leftover failed: %v", err)
	}
}

func TestRepairRollsBackInterruptedSwap(t *testing.T) {
	v, _ := createTestVault(t)
	dek, _ := v.UnwrapDataKey([]byte(testPassword))

	// Crash after live -> old, before staged -> live.
	if err := os.Rename(v.Dir(), v.OldDir()); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(v.StagingDir(), DirMode); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(v.Dir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, err := reopened.UnwrapDataKey([]byte(testPassword))
	if err != nil {
		t.Fatalf("UnwrapDataKey after repair failed: %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("repair should restore the original vault")
	}
	for _, p := range []string{v.OldDir(), v.StagingDir()} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be removed by repair", p)
		}
	}
}

func TestRepairFinishesCompletedSwap(t *testing.T) {
	v, _ := createTestVault(t)
	if err := os.MkdirAll(v.OldDir(), DirMode); err != nil {
		t.Fatal(err)
	}
	if err := v.Repair(); err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if _, err := os.Stat(v.OldDir()); !os.IsNotExist(err) {
		t.Error("old directory should be removed")
	}
	if v.Status() != StatusInitialized {
		t.Error("live vault should be untouched")
	}
}

func TestInfo(t *testing.T) {
	v := newTestVault(t)
	if info := v.Info(); info.Status != "uninitialized" || info.Cipher != CipherName {
		t.Errorf("Info() = %+v", info)
	}

	createTestVaultAt(t, v)
	info := v.Info()
	if info.Status != "initialized" {
		t.Errorf("Status = %q", info.Status)
	}
	if info.KDFAlgorithm != "argon2id" || info.KDF == "" {
		t.Errorf("KDF = %q / %q", info.KDFAlgorithm, info.KDF)
	}
	if !info.RecoverySlot {
		t.Error("RecoverySlot should be true")
	}
	if info.VaultID == "" || info.CreatedAt == nil {
		t.Error("VaultID and CreatedAt should be set")
	}
}

func createTestVaultAt(t *testing.T, v *Vault) {
	t.Helper()
	if _, err := v.Create([]byte(testPassword), testKDF, false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func TestKDFRunsOnRunner(t *testing.T) {
	r := &countingRunner{}
	var observed int
	v := newTestVault(t, WithRunner(r), WithKDFObserver(func(crypto.Algorithm, time.Duration) { observed++ }))
	createTestVaultAt(t, v)
	v.UnwrapDataKey([]byte(testPassword))

	if r.n != 2 {
		t.Errorf("runner executed %d jobs, want 2", r.n)
	}
	if observed != 2 {
		t.Errorf("observer called %d times, want 2", observed)
	}
}

type countingRunner struct{ n int }

func (r *countingRunner) Run(fn func()) {
	r.n++
	fn()
}

func TestCheckIntegrity(t *testing.T) {
	v, _ := createTestVault(t)

	result, err := v.CheckIntegrity()
	if err != nil {
		t.Fatalf("CheckIntegrity failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("fresh vault should be valid: %v", result.Errors)
	}

	os.Remove(v.DBPath())
	result, _ = v.CheckIntegrity()
	if result.Valid || result.DBExists {
		t.Errorf("missing database should be reported: %+v", result)
	}
}

func TestInfoReportsProblems(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "device.key")
	v, _ := createTestVault(t, WithKeychain(keychain.New(keyPath)))
	if err := v.SetDeviceBinding([]byte(testPassword), true); err != nil {
		t.Fatalf("SetDeviceBinding failed: %v", err)
	}

	info := v.Info()
	if len(info.Warnings) != 0 {
		t.Fatalf("healthy vault has warnings: %v", info.Warnings)
	}
	if info.DeviceKeyPresent == nil || !*info.DeviceKeyPresent {
		t.Fatalf("DeviceKeyPresent = %v, want true", info.DeviceKeyPresent)
	}

	if err := os.Remove(keyPath); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(v.DBPath(), 0644); err != nil {
		t.Fatal(err)
	}
	info = v.Info()
	if info.DeviceKeyPresent == nil || *info.DeviceKeyPresent {
		t.Errorf("DeviceKeyPresent = %v, want false", info.DeviceKeyPresent)
	}
	var sawKey, sawPerm bool
	for _, w := range info.Warnings {
		sawKey = sawKey || strings.Contains(w, "device key is missing")
		sawPerm = sawPerm || strings.Contains(w, "insecure permissions")
	}
	if !sawKey || !sawPerm {
		t.Errorf("Warnings = %v, want the missing device key and the loose permissions", info.Warnings)
	}
}

func TestValidateMasterPassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
		err      error
		strength PasswordStrength
	}{
		{"short", false, ErrPasswordTooShort, PasswordWeak},
		{"abcdefgh", true, nil, PasswordWeak},
		{"abcdefgh12", true, nil, PasswordFair},
		{"abcdefgh1234", true, nil, PasswordGood},
		{"Abcdefgh1234!xyz", true, nil, PasswordStrong},
		{"パスワド", false, ErrPasswordTooShort, PasswordWeak},
		{string(bytes.Repeat([]byte("a"), MaxPasswordLength+1)), false, ErrPasswordTooLong, PasswordWeak},
	}

	for _, tt := range tests {
		r := ValidateMasterPassword(tt.password)
		if r.Valid != tt.valid || r.Err != tt.err {
			t.Errorf("ValidateMasterPassword(%q) = valid %v err %v, want %v %v", tt.password, r.Valid, r.Err, tt.valid, tt.err)
		}
		if r.Strength != tt.strength {
			t.Errorf("ValidateMasterPassword(%q) strength = %v, want %v", tt.password, r.Strength, tt.strength)
		}
	}
}
