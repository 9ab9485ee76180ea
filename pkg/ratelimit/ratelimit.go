// Package ratelimit throttles failed unlock attempts.
//
// The limiter is scoped to one installation: there is a single counter of
// consecutive failures and a single lockout deadline. Four failures carry
// no penalty. The fifth starts a lockout, and the lockout grows with the
// cumulative count:
//
//	 5-9  failures -> 30 seconds
//	10-19 failures -> 5 minutes
//	20+   failures -> 30 minutes
//
// A successful unlock resets everything.
package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forest6511/recordvault/pkg/filestore"
)

// Lockout thresholds and durations
const (
	CooldownThreshold1 = 5    // First cooldown threshold
	CooldownThreshold2 = 10   // Second cooldown threshold
	CooldownThreshold3 = 20   // Third cooldown threshold
	CooldownDuration1  = 30   // 30 seconds for 5 failures
	CooldownDuration2  = 300  // 5 minutes for 10 failures
	CooldownDuration3  = 1800 // 30 minutes for 20 failures

	// StateFileName is the default name of the optional state file.
	StateFileName = "ratelimit.json"

	FileMode = 0600
)

// RateLimitError reports an active lockout.
type RateLimitError struct {
	// RetryAfterSeconds is the whole number of seconds until the next
	// attempt is allowed, rounded up. Always at least 1.
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("ratelimit: too many failed unlock attempts, retry in %d seconds", e.RetryAfterSeconds)
}

// RetryAfter returns the wait as a duration.
func (e *RateLimitError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSeconds) * time.Second
}

// IsRateLimited reports whether err carries a RateLimitError.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// State tracks failed unlock attempts.
type State struct {
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until"`
	LastAttempt    time.Time `json:"last_attempt"`
	LockoutCount   int       `json:"lockout_count"` // Number of times a lockout was triggered
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithStateFile persists the state as JSON at path so that a lockout
// survives a process restart.
func WithStateFile(path string) Option {
	return func(l *Limiter) { l.path = path }
}

// WithFailurePredicate decides which errors returned inside Guard count
// as failed attempts. By default every non-nil error counts.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(l *Limiter) { l.isFailure = fn }
}

// WithLockoutHook registers a callback invoked whenever a failure starts a
// lockout.
func WithLockoutHook(fn func(failures int, d time.Duration)) Option {
	return func(l *Limiter) { l.onLockout = fn }
}

// Limiter is the process-scoped unlock throttle.
type Limiter struct {
	attempt sync.Mutex // serializes Guard: check, attempt, record
	mu      sync.Mutex // guards state
	state   State

	path      string
	now       func() time.Time
	logger    zerolog.Logger
	isFailure func(error) bool
	onLockout func(int, time.Duration)
}

// New returns a Limiter with no recorded failures, or with the state found
// in the state file when one is configured.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:       time.Now,
		logger:    zerolog.Nop(),
		isFailure: func(err error) bool { return err != nil },
		onLockout: func(int, time.Duration) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.path != "" {
		l.state = l.loadState()
	}
	return l
}

// Check returns a *RateLimitError while a lockout is active.
func (l *Limiter) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check()
}

func (l *Limiter) check() error {
	now := l.now()
	if !l.state.LockedUntil.IsZero() && now.Before(l.state.LockedUntil) {
		return retryError(l.state.LockedUntil.Sub(now))
	}
	return nil
}

func retryError(remaining time.Duration) *RateLimitError {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &RateLimitError{RetryAfterSeconds: secs}
}

// cooldownFor returns the lockout that the given cumulative failure count
// triggers, or 0.
func cooldownFor(failures int) time.Duration {
	switch {
	case failures >= CooldownThreshold3:
		return CooldownDuration3 * time.Second
	case failures >= CooldownThreshold2:
		return CooldownDuration2 * time.Second
	case failures >= CooldownThreshold1:
		return CooldownDuration1 * time.Second
	}
	return 0
}

// RecordFailedAttempt counts one failure. When that failure starts a
// lockout, the lockout is returned as a *RateLimitError.
func (l *Limiter) RecordFailedAttempt() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.state.FailedAttempts++
	l.state.LastAttempt = now

	d := cooldownFor(l.state.FailedAttempts)
	if d > 0 {
		l.state.LockedUntil = now.Add(d)
		l.state.LockoutCount++
	}
	l.saveState()

	if d > 0 {
		l.logger.Warn().
			Int("failed_attempts", l.state.FailedAttempts).
			Dur("lockout", d).
			Msg("unlock lockout started")
		l.onLockout(l.state.FailedAttempts, d)
		return retryError(d)
	}
	return nil
}

// Reset clears the failure counter and any lockout.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = State{}
	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Msg("failed to clear rate limit state")
		}
	}
}

// State returns a snapshot of the current state.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Remaining returns the time left in the current lockout, or 0.
func (l *Limiter) Remaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := l.state.LockedUntil.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// Guard runs one unlock attempt as a critical section. The lockout check
// runs before fn, so a locked-out caller never reaches the password check.
// A failure as judged by the failure predicate is recorded; if it starts a
// lockout, the *RateLimitError replaces fn's error. Success resets the
// limiter.
func (l *Limiter) Guard(fn func() error) error {
	l.attempt.Lock()
	defer l.attempt.Unlock()

	if err := l.Check(); err != nil {
		return err
	}

	err := fn()
	switch {
	case err == nil:
		l.Reset()
		return nil
	case l.isFailure(err):
		if rlErr := l.RecordFailedAttempt(); rlErr != nil {
			return rlErr
		}
		return err
	default:
		return err
	}
}

func (l *Limiter) loadState() State {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Msg("failed to read rate limit state")
		}
		return State{}
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupted state file - start over
		l.logger.Warn().Err(err).Msg("discarding corrupted rate limit state")
		return State{}
	}
	return state
}

func (l *Limiter) saveState() {
	if l.path == "" {
		return
	}
	data, err := json.Marshal(l.state)
	if err != nil {
		l.logger.Warn().Err(err).Msg("failed to marshal rate limit state")
		return
	}
	if err := filestore.WriteFileAtomic(l.path, data, FileMode); err != nil {
		// Security over bookkeeping: the in-memory lockout still applies.
		l.logger.Warn().Err(err).Msg("failed to persist rate limit state")
	}
}
