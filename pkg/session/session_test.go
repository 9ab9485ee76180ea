package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/forest6511/recordvault/pkg/audit"
	"github.com/forest6511/recordvault/pkg/backup"
	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/ratelimit"
	"github.com/forest6511/recordvault/pkg/vault"
)

var testKDF = crypto.Argon2idParams{
	MemoryKiB:   crypto.MinArgon2Memory,
	Iterations:  crypto.MinArgon2Iterations,
	Parallelism: 1,
}

const (
	testPassword  = "correct-horse-battery"
	wrongPassword = "wrong-password"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAuditor struct {
	mu  sync.Mutex
	ops []string
}

func (a *recordingAuditor) Log(op string, _ audit.Actor, result string, _ *audit.ErrorInfo, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, op+":"+result)
	return nil
}

func (a *recordingAuditor) has(entry string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, op := range a.ops {
		if op == entry {
			return true
		}
	}
	return false
}

type countingObserver struct {
	mu       sync.Mutex
	attempts map[string]int
	active   bool
}

func (o *countingObserver) UnlockAttempt(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempts == nil {
		o.attempts = map[string]int{}
	}
	o.attempts[result]++
}

func (o *countingObserver) SessionActive(active bool) {
	o.mu.Lock()
	o.active = active
	o.mu.Unlock()
}

type fixture struct {
	m       *Manager
	clock   *fakeClock
	limiter *ratelimit.Limiter
	audit   *recordingAuditor
	obs     *countingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	v, err := vault.Open(filepath.Join(t.TempDir(), "data"), vault.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("vault.Open failed: %v", err)
	}
	limiter := ratelimit.New(
		ratelimit.WithClock(clock.Now),
		ratelimit.WithFailurePredicate(IsAuthFailure),
	)
	a := &recordingAuditor{}
	obs := &countingObserver{}
	m, err := NewManager(v, limiter,
		WithClock(clock.Now),
		WithAuditor(a),
		WithObserver(obs),
	)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return &fixture{m: m, clock: clock, limiter: limiter, audit: a, obs: obs}
}

func setupFixture(t *testing.T) (*fixture, crypto.RecoveryKey) {
	t.Helper()
	f := newFixture(t)
	rk, err := f.m.Setup([]byte(testPassword), testKDF, false)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return f, rk
}

func TestStateTransitions(t *testing.T) {
	f := newFixture(t)
	if got := f.m.State(); got != StateUninitialized {
		t.Fatalf("State() = %v, want uninitialized", got)
	}
	if _, err := f.m.Unlock([]byte(testPassword)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Unlock before setup error = %v, want ErrNotInitialized", err)
	}

	if _, err := f.m.Setup([]byte(testPassword), testKDF, false); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if got := f.m.State(); got != StateLocked {
		t.Fatalf("State() after setup = %v, want locked", got)
	}

	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if got := f.m.State(); got != StateUnlocked {
		t.Fatalf("State() after unlock = %v, want unlocked", got)
	}
	if !f.m.IsAuthenticated(s.Token) {
		t.Error("expected token to be authenticated")
	}

	f.m.Lock()
	if got := f.m.State(); got != StateLocked {
		t.Errorf("State() after lock = %v, want locked", got)
	}
	if f.m.IsAuthenticated(s.Token) {
		t.Error("token must not authenticate after lock")
	}
	if !f.audit.has(audit.OpVaultCreate+":success") || !f.audit.has(audit.OpVaultLock+":success") {
		t.Errorf("missing audit events: %v", f.audit.ops)
	}
}

func TestSetupTwiceFails(t *testing.T) {
	f, _ := setupFixture(t)
	if _, err := f.m.Setup([]byte(testPassword), testKDF, false); !errors.Is(err, vault.ErrConfig) {
		t.Errorf("second Setup error = %v, want ErrConfig", err)
	}
}

// Four wrong passwords are free; the fifth starts a lockout that also
// blocks the correct password until it expires.
func TestUnlockLockoutScenario(t *testing.T) {
	f, _ := setupFixture(t)

	for i := 1; i <= 4; i++ {
		_, err := f.m.Unlock([]byte(wrongPassword))
		if !errors.Is(err, vault.ErrAuth) {
			t.Fatalf("attempt %d: error = %v, want ErrAuth", i, err)
		}
		if f.m.State() != StateLocked {
			t.Fatalf("attempt %d: state must stay locked", i)
		}
	}

	_, err := f.m.Unlock([]byte(wrongPassword))
	var rle *ratelimit.RateLimitError
	if !errors.As(err, &rle) || rle.RetryAfterSeconds <= 0 {
		t.Fatalf("fifth attempt error = %v, want RateLimitError", err)
	}

	if _, err := f.m.Unlock([]byte(testPassword)); !ratelimit.IsRateLimited(err) {
		t.Fatalf("correct password during lockout error = %v, want RateLimitError", err)
	}

	f.clock.Advance(ratelimit.CooldownDuration1*time.Second + time.Second)
	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatalf("Unlock after lockout failed: %v", err)
	}
	if !f.m.IsAuthenticated(s.Token) {
		t.Error("expected authenticated session")
	}
	if got := f.limiter.State().FailedAttempts; got != 0 {
		t.Errorf("FailedAttempts after success = %d, want 0", got)
	}

	if f.obs.attempts["failure"] != 4 || f.obs.attempts["locked_out"] != 2 || f.obs.attempts["success"] != 1 {
		t.Errorf("unexpected observer counts: %v", f.obs.attempts)
	}
	if !f.audit.has(audit.OpVaultLockout+":denied") || !f.audit.has(audit.OpVaultUnlockFailed+":error") {
		t.Errorf("missing audit events: %v", f.audit.ops)
	}
}

func TestSessionExpiry(t *testing.T) {
	f, _ := setupFixture(t)
	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if !s.ExpiresAt.Equal(s.UnlockedAt.Add(DefaultLockTimeout)) {
		t.Errorf("ExpiresAt = %v, want UnlockedAt + %v", s.ExpiresAt, DefaultLockTimeout)
	}
	c, err := f.m.Cipher(s.Token)
	if err != nil {
		t.Fatalf("Cipher failed: %v", err)
	}

	f.clock.Advance(DefaultLockTimeout)
	if f.m.IsAuthenticated(s.Token) {
		t.Error("expired session must not authenticate")
	}
	if f.m.State() != StateLocked {
		t.Error("expired session must lock the vault")
	}
	if _, err := c.Encrypt([]byte("x"), nil); !errors.Is(err, crypto.ErrKeyDestroyed) {
		t.Errorf("Encrypt after expiry error = %v, want ErrKeyDestroyed", err)
	}
	if !f.audit.has(audit.OpSessionExpired + ":success") {
		t.Errorf("missing session.expired audit event: %v", f.audit.ops)
	}
	if f.obs.active {
		t.Error("observer should report no active session")
	}
}

func TestRefresh(t *testing.T) {
	f, _ := setupFixture(t)
	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	refreshed, err := f.m.Refresh(s.Token)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.ID != s.ID {
		t.Error("Refresh must keep the session id")
	}
	if !refreshed.ExpiresAt.Equal(f.clock.Now().Add(DefaultLockTimeout)) {
		t.Errorf("ExpiresAt = %v, want now + timeout", refreshed.ExpiresAt)
	}

	// Past the original expiry, only the refreshed token is still valid.
	f.clock.Advance(10 * time.Minute)
	if f.m.IsAuthenticated(s.Token) {
		t.Error("original token should have expired")
	}
	if !f.m.IsAuthenticated(refreshed.Token) {
		t.Error("refreshed token should still authenticate")
	}
}

func TestIsAuthenticatedRejectsForgedTokens(t *testing.T) {
	f, _ := setupFixture(t)
	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	other := newFixture(t)
	forged, err := other.m.sign(&Session{ID: s.ID, ExpiresAt: s.ExpiresAt})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"truncated", s.Token[:len(s.Token)-4]},
		{"other signing key", forged},
		{"alg none", "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJpc3MiOiJyZWNvcmR2YXVsdCJ9."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if f.m.IsAuthenticated(tt.token) {
				t.Errorf("IsAuthenticated(%q) = true", tt.token)
			}
		})
	}

	// A token for a replaced session is stale.
	if _, err := f.m.Unlock([]byte(testPassword)); err != nil {
		t.Fatal(err)
	}
	if f.m.IsAuthenticated(s.Token) {
		t.Error("token of a replaced session must not authenticate")
	}
}

func TestIsAuthenticatedNeverPanics(t *testing.T) {
	var m *Manager
	if m.IsAuthenticated("anything") {
		t.Error("nil manager must not authenticate")
	}
}

func TestCipherRoundTrip(t *testing.T) {
	f, _ := setupFixture(t)
	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatal(err)
	}
	c, err := f.m.Cipher(s.Token)
	if err != nil {
		t.Fatalf("Cipher failed: %v", err)
	}
	sealed, err := c.Encrypt([]byte("receipt"), []byte("aad"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// The same DEK is recovered on the next unlock.
	f.m.Lock()
	s, err = f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatal(err)
	}
	c, _ = f.m.Cipher(s.Token)
	got, err := c.Decrypt(sealed, []byte("aad"))
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(got) != "receipt" {
		t.Errorf("Decrypt = %q", got)
	}

	if _, err := f.m.Cipher("bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Cipher with bad token error = %v, want ErrInvalidToken", err)
	}
}

func TestChangePasswordForcesReauth(t *testing.T) {
	f, _ := setupFixture(t)
	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatal(err)
	}

	const newPassword = "staple-battery-horse"
	if err := f.m.ChangePassword(s.Token, []byte(wrongPassword), []byte(newPassword)); !errors.Is(err, vault.ErrAuth) {
		t.Fatalf("ChangePassword with wrong old error = %v, want ErrAuth", err)
	}
	if got := f.limiter.State().FailedAttempts; got != 1 {
		t.Errorf("FailedAttempts = %d, want 1", got)
	}

	if err := f.m.ChangePassword(s.Token, []byte(testPassword), []byte(newPassword)); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if f.m.IsAuthenticated(s.Token) {
		t.Error("session must end after password change")
	}
	if _, err := f.m.Unlock([]byte(testPassword)); !errors.Is(err, vault.ErrAuth) {
		t.Errorf("old password error = %v, want ErrAuth", err)
	}
	if _, err := f.m.Unlock([]byte(newPassword)); err != nil {
		t.Errorf("Unlock with new password failed: %v", err)
	}
}

func TestChangePasswordRequiresSession(t *testing.T) {
	f, _ := setupFixture(t)
	if err := f.m.ChangePassword("", []byte(testPassword), []byte("another-password")); !errors.Is(err, ErrLocked) {
		t.Errorf("ChangePassword while locked error = %v, want ErrLocked", err)
	}
}

func TestRecoveryFlows(t *testing.T) {
	f, rk := setupFixture(t)

	s, err := f.m.UnlockWithRecovery(rk)
	if err != nil {
		t.Fatalf("UnlockWithRecovery failed: %v", err)
	}

	fresh, err := f.m.RotateRecoveryKey(s.Token, []byte(testPassword))
	if err != nil {
		t.Fatalf("RotateRecoveryKey failed: %v", err)
	}
	if !f.m.IsAuthenticated(s.Token) {
		t.Error("recovery rotation should keep the session")
	}
	if _, err := f.m.UnlockWithRecovery(rk); !errors.Is(err, vault.ErrAuth) {
		t.Errorf("old recovery key error = %v, want ErrAuth", err)
	}

	const newPassword = "forgotten-and-reset"
	if err := f.m.ResetPasswordWithRecovery(fresh, []byte(newPassword)); err != nil {
		t.Fatalf("ResetPasswordWithRecovery failed: %v", err)
	}
	if f.m.State() != StateLocked {
		t.Error("reset must end the session")
	}
	if _, err := f.m.Unlock([]byte(newPassword)); err != nil {
		t.Errorf("Unlock with reset password failed: %v", err)
	}
	if !f.audit.has(audit.OpRecoveryReset+":success") || !f.audit.has(audit.OpRecoveryRotate+":success") {
		t.Errorf("missing audit events: %v", f.audit.ops)
	}
}

func TestSetLockTimeout(t *testing.T) {
	f, _ := setupFixture(t)
	for _, minutes := range []int{0, 1, 10, 240} {
		if err := f.m.SetLockTimeout(minutes); !errors.Is(err, ErrInvalidTimeout) {
			t.Errorf("SetLockTimeout(%d) error = %v, want ErrInvalidTimeout", minutes, err)
		}
	}
	if err := f.m.SetLockTimeout(5); err != nil {
		t.Fatalf("SetLockTimeout(5) failed: %v", err)
	}
	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.ExpiresAt.Sub(s.UnlockedAt); got != 5*time.Minute {
		t.Errorf("session length = %v, want 5m", got)
	}
}

func TestInvalidate(t *testing.T) {
	f, _ := setupFixture(t)
	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatal(err)
	}
	f.m.Invalidate("restore")
	if f.m.IsAuthenticated(s.Token) {
		t.Error("Invalidate must end the session")
	}
}

func TestUnlockDiscardsKeyWhenRestoreLandsMidway(t *testing.T) {
	f, _ := setupFixture(t)

	other, err := vault.Open(filepath.Join(t.TempDir(), "other"))
	if err != nil {
		t.Fatal(err)
	}
	const otherPassword = "another-vault-entirely"
	if _, err := other.Create([]byte(otherPassword), testKDF, false); err != nil {
		t.Fatal(err)
	}
	archive, err := backup.NewService(other).CreateArchive(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	svc := backup.NewService(f.m.Vault(), backup.WithInvalidator(f.m))
	_, err = f.m.unlock(audit.OpVaultUnlock, func() ([]byte, error) {
		dek, err := f.m.Vault().UnwrapDataKey([]byte(testPassword))
		if err != nil {
			return nil, err
		}
		if rerr := svc.Restore(context.Background(), archive); rerr != nil {
			t.Errorf("Restore failed: %v", rerr)
		}
		return dek, nil
	})
	if !errors.Is(err, ErrVaultReplaced) {
		t.Fatalf("unlock across a restore = %v, want ErrVaultReplaced", err)
	}
	if got := f.m.State(); got != StateLocked {
		t.Errorf("State() = %v, want locked", got)
	}

	s, err := f.m.Unlock([]byte(otherPassword))
	if err != nil {
		t.Fatalf("Unlock of restored vault failed: %v", err)
	}
	c, err := f.m.Cipher(s.Token)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Encrypt([]byte("payload"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decrypt(sealed, nil); err != nil {
		t.Errorf("Decrypt under the restored key failed: %v", err)
	}
}

func TestRunLocksOnShutdown(t *testing.T) {
	f, _ := setupFixture(t)
	s, err := f.m.Unlock([]byte(testPassword))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	<-done

	if f.m.IsAuthenticated(s.Token) {
		t.Error("Run must lock the vault when its context ends")
	}
}
