// Package audit provides an append-only security event log with an HMAC
// chain for tamper detection.
//
// Each event carries the HMAC of its predecessor, so deleting, reordering
// or editing a record breaks verification from that point on. The HMAC key
// is derived from the device key, which keeps the log verifiable while the
// vault is locked and keeps it out of backups.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/filestore"
)

// Disk space constants
const (
	MinAuditDiskSpace = 1024 * 1024 // 1 MB minimum for audit logs
)

const (
	DirMode  = 0700
	FileMode = 0600

	metaFileName = "audit.meta"
	genesis      = "genesis"
	hmacInfo     = "recordvault/audit/v1"
)

// Operation types for audit logging
const (
	OpVaultCreate       = "vault.create"
	OpVaultUnlock       = "vault.unlock"
	OpVaultUnlockFailed = "vault.unlock_failed"
	OpVaultLockout      = "vault.lockout"
	OpVaultLock         = "vault.lock"
	OpSessionExpired    = "session.expired"
	OpPasswordChange    = "password.change"
	OpRecoveryUnlock    = "recovery.unlock"
	OpRecoveryReset     = "recovery.reset"
	OpRecoveryRotate    = "recovery.rotate"
	OpDeviceBinding     = "device.binding"
	OpBackupCreate      = "backup.create"
	OpBackupRestore     = "backup.restore"
	OpBackupRestoreFail = "backup.restore_failed"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceAPI = "api"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// ErrNoKey is returned when logging before SetHMACKey.
var ErrNoKey = errors.New("audit: HMAC key not set")

// Event is a single audit log record.
type Event struct {
	Version   int    `json:"v"`  // Schema version (1)
	ID        string `json:"id"` // ULID
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`
	Actor     Actor  `json:"actor"`

	Result string     `json:"result"`          // success | error | denied
	Error  *ErrorInfo `json:"error,omitempty"` // Error details

	Context map[string]any `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Actor represents where the operation came from
type Actor struct {
	Source    string `json:"source"`               // cli | api
	SessionID string `json:"session_id"`           // Process-run identifier
	ClientIP  string `json:"client_ip,omitempty"`  // Remote address for API calls
	UserAgent string `json:"user_agent,omitempty"` // User-Agent for API calls
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain provides HMAC chain for tamper detection
type Chain struct {
	Sequence int64  `json:"seq"`  // Sequence number
	PrevHash string `json:"prev"` // Previous record hash
	HMAC     string `json:"hmac"` // This record's HMAC
}

// Logger handles audit log writing with HMAC chain
type Logger struct {
	path      string     // Audit log directory path
	hmacKey   []byte     // HMAC key derived from the device key
	mu        sync.Mutex // Protects concurrent writes
	sequence  int64      // Current sequence number
	prevHash  string     // Previous record hash
	sessionID string     // Identifies this process run
	now       func() time.Time
	logger    zerolog.Logger
}

// NewLogger creates a new audit logger writing to path.
func NewLogger(path string, logger zerolog.Logger) *Logger {
	return &Logger{
		path:      path,
		prevHash:  genesis,
		sessionID: ulid.Make().String(),
		now:       time.Now,
		logger:    logger,
	}
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// SetHMACKey derives the chain key from secret with HKDF and loads the
// persisted chain position.
func (l *Logger) SetHMACKey(secret []byte) error {
	key, err := crypto.DeriveSubkey(secret, nil, hmacInfo)
	if err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.hmacKey = key

	if err := l.loadChainState(); err != nil {
		// Not fatal; first run has no state
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// Log records an audit event and advances the chain.
func (l *Logger) Log(op string, actor Actor, result string, errInfo *ErrorInfo, ctx map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrNoKey
	}
	if err := os.MkdirAll(l.path, DirMode); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	actor.SessionID = l.sessionID
	now := l.now().UTC()
	event := Event{
		Version:   1,
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Actor:     actor,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}

	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(&event)
	l.prevHash = event.Chain.HMAC

	if err := l.writeEvent(&event, now); err != nil {
		return err
	}
	return l.saveChainState()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, source string, ctx map[string]any) error {
	return l.Log(op, Actor{Source: source}, ResultSuccess, nil, ctx)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, source, errCode, errMsg string) error {
	return l.Log(op, Actor{Source: source}, ResultError, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

// LogDenied is a convenience method for denied operations
func (l *Logger) LogDenied(op, source, reason string) error {
	return l.Log(op, Actor{Source: source}, ResultDenied, nil, map[string]any{"reason": reason})
}

// sign computes the record HMAC over every significant field, with context
// keys sorted for a deterministic encoding.
func (l *Logger) sign(event *Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%s|%s|", event.Version, event.ID, event.Timestamp, event.Operation)
	fmt.Fprintf(&b, "%s|%s|%s|%s|", event.Actor.Source, event.Actor.SessionID, event.Actor.ClientIP, event.Actor.UserAgent)
	fmt.Fprintf(&b, "%s|", event.Result)
	if event.Error != nil {
		fmt.Fprintf(&b, "%s|%s", event.Error.Code, event.Error.Message)
	}
	b.WriteByte('|')

	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, event.Context[k])
	}
	fmt.Fprintf(&b, "|%d|%s", event.Chain.Sequence, event.Chain.PrevHash)

	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// writeEvent appends an event to the month's log file.
func (l *Logger) writeEvent(event *Event, at time.Time) error {
	name := filepath.Join(l.path, at.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, FileMode)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

// chainState holds the persistent chain state
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := filestore.WriteFileAtomic(filepath.Join(l.path, metaFileName), data, FileMode); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify checks the integrity of the audit log chain
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrNoKey
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	for i := range events {
		event := &events[i]
		result.RecordsTotal++
		ok := true

		if event.Chain.Sequence != expectedSeq {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d", event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrev {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", event.ID))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(l.sign(event))) {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		}

		if ok {
			result.RecordsVerified++
		} else {
			result.Valid = false
		}
		expectedPrev = event.Chain.HMAC
		expectedSeq = event.Chain.Sequence + 1
	}
	return result, nil
}

// readAll reads every event in chronological order. Monthly file names
// sort chronologically.
func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	sort.Strings(files)

	var all []Event
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", filepath.Base(file), err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// ListEvents returns audit events with optional filtering
// limit: maximum number of events to return, most recent kept (0 = all)
// since: only return events after this time (zero = no filter)
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	events = filterByTime(events, since, time.Time{})
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func filterByTime(events []Event, since, until time.Time) []Event {
	if since.IsZero() && until.IsZero() {
		return events
	}
	var out []Event
	for _, event := range events {
		ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
		if err != nil {
			continue // Skip events with invalid timestamps
		}
		if !since.IsZero() && !ts.After(since) {
			continue
		}
		if !until.IsZero() && ts.After(until) {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Export renders events in the given format ("json" or "csv"), filtered
// by time range (zero values mean no filter).
func (l *Logger) Export(format string, since, until time.Time) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	events = filterByTime(events, since, until)

	switch format {
	case "json":
		return json.MarshalIndent(events, "", "  ")
	case "csv":
		return formatCSV(events)
	default:
		return nil, fmt.Errorf("audit: unsupported format: %s", format)
	}
}

func formatCSV(events []Event) ([]byte, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	w.Write([]string{"timestamp", "operation", "result", "source", "error_code"})
	for _, event := range events {
		code := ""
		if event.Error != nil {
			code = event.Error.Code
		}
		w.Write([]string{
			csvSafe(event.Timestamp),
			csvSafe(event.Operation),
			csvSafe(event.Result),
			csvSafe(event.Actor.Source),
			csvSafe(code),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("audit: failed to write csv: %w", err)
	}
	return []byte(b.String()), nil
}

// csvSafe neutralizes fields that spreadsheets would evaluate as formulas.
func csvSafe(field string) string {
	if field != "" && strings.ContainsRune("=+-@", rune(field[0])) {
		return "'" + field
	}
	return field
}
