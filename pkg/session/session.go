// Package session holds the unlock state of the vault.
//
// A Manager moves between three states:
//
//	Uninitialized --Setup--> Locked --Unlock--> Unlocked --Lock/timeout--> Locked
//
// While unlocked, the DEK lives in a memguard enclave and is exposed only
// through a single crypto.Cipher, so the per-key nonce budget is counted in
// one place. Callers prove they hold the session with a signed token.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forest6511/recordvault/pkg/audit"
	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/ratelimit"
	"github.com/forest6511/recordvault/pkg/vault"
)

const (
	// DefaultLockTimeout applies until SetLockTimeout is called.
	DefaultLockTimeout = 15 * time.Minute

	// DefaultJanitorInterval is how often Run looks for an expired session.
	DefaultJanitorInterval = 30 * time.Second

	tokenIssuer = "recordvault"
)

// AllowedLockTimeouts lists the accepted lock timeout preferences in minutes.
var AllowedLockTimeouts = []int{5, 15, 30, 60, 120}

var (
	ErrLocked          = errors.New("session: vault is locked")
	ErrNotInitialized  = errors.New("session: vault is not initialized")
	ErrInvalidToken    = errors.New("session: invalid or expired session token")
	ErrInvalidTimeout  = errors.New("session: lock timeout must be one of 5, 15, 30, 60 or 120 minutes")
	ErrVaultReplaced   = errors.New("session: vault was replaced during unlock, try again")
	errNoSigningSecret = errors.New("session: failed to generate signing key")
)

// State is the lifecycle state of the vault as seen by callers.
type State int

const (
	StateUninitialized State = iota
	StateLocked
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Session describes the current unlock. It never contains key material.
type Session struct {
	ID         string    `json:"id"`
	UnlockedAt time.Time `json:"unlocked_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Token      string    `json:"-"`
}

// Auditor records security events. *audit.Logger implements it.
type Auditor interface {
	Log(op string, actor audit.Actor, result string, errInfo *audit.ErrorInfo, ctx map[string]any) error
}

// Observer receives unlock outcomes and session activity, typically to
// feed metrics.
type Observer interface {
	UnlockAttempt(result string)
	SessionActive(active bool)
}

type nopObserver struct{}

func (nopObserver) UnlockAttempt(string) {}
func (nopObserver) SessionActive(bool)   {}

// IsAuthFailure reports whether err is a credential failure that should be
// counted by the rate limiter. Configuration and I/O errors are not.
func IsAuthFailure(err error) bool {
	return errors.Is(err, vault.ErrAuth)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithAuditor sends security events to the audit log.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.audit = a }
}

// WithSource tags audit events with the calling surface (audit.SourceCLI
// or audit.SourceAPI).
func WithSource(source string) Option {
	return func(m *Manager) { m.source = source }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLockTimeout sets the initial lock timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// Manager owns the session state of one vault.
type Manager struct {
	mu      sync.Mutex
	vault   *vault.Vault
	limiter *ratelimit.Limiter

	enclave *memguard.Enclave
	cipher  *crypto.Cipher
	current *Session

	// generation changes on every Invalidate. An unlock whose unwrap
	// straddles a change holds a key for a vault that is gone.
	generation uint64

	signingKey []byte
	timeout    time.Duration
	now        func() time.Time
	source     string

	logger   zerolog.Logger
	audit    Auditor
	observer Observer
}

// NewManager returns a Manager for v. Unlock attempts go through limiter,
// which should be built with ratelimit.WithFailurePredicate(IsAuthFailure).
func NewManager(v *vault.Vault, limiter *ratelimit.Limiter, opts ...Option) (*Manager, error) {
	key, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNoSigningSecret, err)
	}
	m := &Manager{
		vault:      v,
		limiter:    limiter,
		signingKey: key,
		timeout:    DefaultLockTimeout,
		now:        time.Now,
		source:     audit.SourceCLI,
		logger:     zerolog.Nop(),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Vault returns the managed vault.
func (m *Manager) Vault() *vault.Vault {
	return m.vault
}

// State reports the current state. An expired session is locked as a side
// effect.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked()
	if m.current != nil {
		return StateUnlocked
	}
	if m.vault.Status() == vault.StatusUninitialized {
		return StateUninitialized
	}
	return StateLocked
}

// Setup creates the vault and returns the recovery key, which is shown to
// the user once. The vault stays locked.
func (m *Manager) Setup(password []byte, kdf crypto.KDF, deviceBinding bool) (crypto.RecoveryKey, error) {
	key, err := m.vault.Create(password, kdf, deviceBinding)
	if err != nil {
		m.record(audit.OpVaultCreate, err, nil)
		return nil, err
	}
	m.record(audit.OpVaultCreate, nil, map[string]any{"device_binding": deviceBinding})
	return key, nil
}

// Unlock opens the password slot and starts a session.
func (m *Manager) Unlock(password []byte) (*Session, error) {
	return m.unlock(audit.OpVaultUnlock, func() ([]byte, error) {
		return m.vault.UnwrapDataKey(password)
	})
}

// UnlockWithRecovery opens the recovery slot and starts a session.
func (m *Manager) UnlockWithRecovery(key crypto.RecoveryKey) (*Session, error) {
	return m.unlock(audit.OpRecoveryUnlock, func() ([]byte, error) {
		return m.vault.UnwrapWithRecovery(key)
	})
}

func (m *Manager) unlock(op string, unwrap func() ([]byte, error)) (*Session, error) {
	if m.vault.Status() == vault.StatusUninitialized {
		return nil, ErrNotInitialized
	}

	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	var dek []byte
	err := m.limiter.Guard(func() error {
		var err error
		dek, err = unwrap()
		return err
	})
	if err != nil {
		m.recordUnlockFailure(op, err)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		crypto.SecureWipe(dek)
		m.observer.UnlockAttempt("error")
		m.logger.Warn().Str("op", op).Msg("vault replaced during unlock, discarding key")
		return nil, ErrVaultReplaced
	}
	s, err := m.establishLocked(dek)
	if err != nil {
		return nil, err
	}
	m.observer.UnlockAttempt("success")
	m.record(op, nil, nil)
	m.logger.Info().Str("session_id", s.ID).Time("expires_at", s.ExpiresAt).Msg("vault unlocked")
	return s.copy(), nil
}

func (m *Manager) recordUnlockFailure(op string, err error) {
	switch {
	case ratelimit.IsRateLimited(err):
		m.observer.UnlockAttempt("locked_out")
		m.record(audit.OpVaultLockout, err, nil)
	case IsAuthFailure(err):
		m.observer.UnlockAttempt("failure")
		failedOp := audit.OpVaultUnlockFailed
		if op == audit.OpRecoveryUnlock {
			failedOp = op
		}
		m.record(failedOp, err, nil)
	default:
		m.observer.UnlockAttempt("error")
		m.logger.Error().Err(err).Msg("unlock failed")
	}
}

// establishLocked moves dek into an enclave and issues a new session,
// replacing any existing one. dek is wiped.
func (m *Manager) establishLocked(dek []byte) (*Session, error) {
	m.destroyLocked()

	// NewBufferFromBytes wipes dek
	m.enclave = memguard.NewBufferFromBytes(dek).Seal()
	m.cipher = crypto.NewCipher(enclaveKey{m.enclave})

	now := m.now()
	s := &Session{
		ID:         uuid.NewString(),
		UnlockedAt: now,
		ExpiresAt:  now.Add(m.timeout),
	}
	token, err := m.sign(s)
	if err != nil {
		m.destroyLocked()
		return nil, err
	}
	s.Token = token
	m.current = s
	m.observer.SessionActive(true)
	return s, nil
}

// destroyLocked drops the cipher and enclave. A Cipher handed out earlier
// fails with crypto.ErrKeyDestroyed from then on.
func (m *Manager) destroyLocked() {
	if m.cipher != nil {
		m.cipher.Close()
		m.cipher = nil
	}
	m.enclave = nil
	if m.current != nil {
		m.current = nil
		m.observer.SessionActive(false)
	}
}

// expireLocked locks an expired session.
func (m *Manager) expireLocked() {
	if m.current == nil || m.now().Before(m.current.ExpiresAt) {
		return
	}
	id := m.current.ID
	m.destroyLocked()
	m.record(audit.OpSessionExpired, nil, nil)
	m.logger.Info().Str("session_id", id).Msg("session expired")
}

// Lock ends the session.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}
	m.destroyLocked()
	m.record(audit.OpVaultLock, nil, nil)
	m.logger.Info().Msg("vault locked")
}

// Invalidate ends the session after an out-of-band change such as a
// restore. An unlock already in flight fails with ErrVaultReplaced.
func (m *Manager) Invalidate(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	if m.current == nil {
		return
	}
	m.destroyLocked()
	m.logger.Info().Str("reason", reason).Msg("session invalidated")
}

// IsAuthenticated reports whether token belongs to the current unexpired
// session. It never panics.
func (m *Manager) IsAuthenticated(token string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if m != nil {
				m.logger.Error().Interface("panic", r).Msg("recovered in IsAuthenticated")
			}
		}
	}()
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.validateLocked(token)
	return err == nil
}

// Refresh extends an authenticated session by the lock timeout and returns
// it with a new token.
func (m *Manager) Refresh(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.validateLocked(token)
	if err != nil {
		return nil, err
	}
	s.ExpiresAt = m.now().Add(m.timeout)
	fresh, err := m.sign(s)
	if err != nil {
		return nil, err
	}
	s.Token = fresh
	return s.copy(), nil
}

// Current returns the session for token.
func (m *Manager) Current(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.validateLocked(token)
	if err != nil {
		return nil, err
	}
	return s.copy(), nil
}

// Cipher returns the AEAD handle bound to the unlocked DEK.
func (m *Manager) Cipher(token string) (*crypto.Cipher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.validateLocked(token); err != nil {
		return nil, err
	}
	return m.cipher, nil
}

// ChangePassword re-wraps the DEK under newPassword and ends the session,
// so the next access must authenticate with the new password. A wrong old
// password counts as a failed attempt.
func (m *Manager) ChangePassword(token string, oldPassword, newPassword []byte) error {
	if err := m.requireSession(token); err != nil {
		return err
	}
	err := m.limiter.Guard(func() error {
		return m.vault.RotatePassword(oldPassword, newPassword)
	})
	m.record(audit.OpPasswordChange, err, nil)
	if err != nil {
		return err
	}
	m.Invalidate("password changed")
	return nil
}

// ResetPasswordWithRecovery sets a new password using the recovery key.
// It needs no session; any active session ends.
func (m *Manager) ResetPasswordWithRecovery(key crypto.RecoveryKey, newPassword []byte) error {
	err := m.limiter.Guard(func() error {
		return m.vault.ResetPasswordWithRecovery(key, newPassword)
	})
	m.record(audit.OpRecoveryReset, err, nil)
	if err != nil {
		return err
	}
	m.Invalidate("password reset")
	return nil
}

// RotateRecoveryKey replaces the recovery key. The session stays open.
func (m *Manager) RotateRecoveryKey(token string, password []byte) (crypto.RecoveryKey, error) {
	if err := m.requireSession(token); err != nil {
		return nil, err
	}
	var key crypto.RecoveryKey
	err := m.limiter.Guard(func() error {
		var err error
		key, err = m.vault.RotateRecoveryKey(password)
		return err
	})
	m.record(audit.OpRecoveryRotate, err, nil)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// SetDeviceBinding turns device binding on or off. The session stays open.
func (m *Manager) SetDeviceBinding(token string, password []byte, enabled bool) error {
	if err := m.requireSession(token); err != nil {
		return err
	}
	err := m.limiter.Guard(func() error {
		return m.vault.SetDeviceBinding(password, enabled)
	})
	m.record(audit.OpDeviceBinding, err, map[string]any{"enabled": enabled})
	return err
}

func (m *Manager) requireSession(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.validateLocked(token)
	return err
}

// LockTimeout returns the current lock timeout.
func (m *Manager) LockTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// SetLockTimeout changes the lock timeout. It applies from the next unlock
// or refresh.
func (m *Manager) SetLockTimeout(minutes int) error {
	if !ValidLockTimeout(minutes) {
		return ErrInvalidTimeout
	}
	m.mu.Lock()
	m.timeout = time.Duration(minutes) * time.Minute
	m.mu.Unlock()
	m.logger.Info().Int("minutes", minutes).Msg("lock timeout updated")
	return nil
}

// ValidLockTimeout reports whether minutes is an allowed lock timeout.
func ValidLockTimeout(minutes int) bool {
	for _, allowed := range AllowedLockTimeouts {
		if minutes == allowed {
			return true
		}
	}
	return false
}

// Run locks an expired session every interval until ctx is done. Expiry is
// also checked lazily on every access; Run makes sure the DEK leaves
// memory even when nobody calls in.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Lock()
			return
		case <-ticker.C:
			m.mu.Lock()
			m.expireLocked()
			m.mu.Unlock()
		}
	}
}

func (m *Manager) record(op string, err error, ctx map[string]any) {
	if m.audit == nil {
		return
	}
	result := audit.ResultSuccess
	var info *audit.ErrorInfo
	switch {
	case err == nil:
	case ratelimit.IsRateLimited(err):
		result = audit.ResultDenied
		info = &audit.ErrorInfo{Code: "RATE_LIMITED", Message: err.Error()}
	case IsAuthFailure(err):
		result = audit.ResultError
		info = &audit.ErrorInfo{Code: "AUTH_FAILED", Message: "incorrect credentials"}
	default:
		result = audit.ResultError
		info = &audit.ErrorInfo{Code: "ERROR", Message: err.Error()}
	}
	if aerr := m.audit.Log(op, audit.Actor{Source: m.source}, result, info, ctx); aerr != nil {
		m.logger.Warn().Err(aerr).Str("op", op).Msg("failed to write audit event")
	}
}

func (s *Session) copy() *Session {
	c := *s
	return &c
}

// enclaveKey lends the DEK out of a memguard enclave for one operation.
type enclaveKey struct {
	enclave *memguard.Enclave
}

func (k enclaveKey) WithKey(fn func(key []byte) error) error {
	buf, err := k.enclave.Open()
	if err != nil {
		return crypto.ErrKeyDestroyed
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
