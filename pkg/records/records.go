// Package records stores encrypted personal records in vault.db.
//
// Every row holds a sealed payload (nonce, ciphertext, tag) produced by the
// session's cipher. The associated data binds each payload to its row as
// "kind|id", so a ciphertext copied into another row fails to open.
// Kinds and IDs are stored in plaintext for lookup; the payload is opaque.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/forest6511/recordvault/pkg/crypto"
)

const (
	// FileName is the database file inside the vault data directory.
	FileName = "vault.db"

	// DriverName is the database/sql driver registered by modernc.org/sqlite.
	DriverName = "sqlite"

	FileMode = 0600

	// MaxPayloadSize bounds a single record (1 MB).
	MaxPayloadSize = 1024 * 1024
)

var (
	ErrNotFound       = errors.New("records: record not found")
	ErrInvalidKind    = errors.New("records: invalid record kind")
	ErrInvalidID      = errors.New("records: invalid record id")
	ErrPayloadTooBig  = errors.New("records: payload too large")
	ErrSchemaMismatch = errors.New("records: database schema is missing or unexpected")
)

var (
	kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Sealer performs authenticated encryption under the vault data key.
// *crypto.Cipher satisfies it.
type Sealer interface {
	Encrypt(plaintext, aad []byte) (*crypto.Sealed, error)
	Decrypt(s *crypto.Sealed, aad []byte) ([]byte, error)
}

// Record is one decrypted record.
type Record struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const schema = `
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		nonce BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		tag BLOB NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	)
`

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("records: failed to open database: %w", err)
	}
	// Single connection avoids "database is locked" between our own writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Init creates the database file and its schema. It is safe to call on an
// existing database.
func Init(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode)
	if err != nil {
		return fmt.Errorf("records: failed to create database file: %w", err)
	}
	f.Close()

	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("records: failed to create tables: %w", err)
	}
	return nil
}

// Check runs SQLite's integrity check and verifies the records table exists.
func Check(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("records: database file not found: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("records: integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("records: integrity check returned: %s", result)
	}

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='records'").Scan(&name)
	if err != nil {
		return ErrSchemaMismatch
	}
	return nil
}

// IsEmpty reports whether the database at path holds no records.
func IsEmpty(path string) (bool, error) {
	db, err := openDB(path)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return false, fmt.Errorf("records: failed to count records: %w", err)
	}
	return n == 0, nil
}

// Snapshot writes a consistent copy of the database at src to dst using
// VACUUM INTO, so a backup never captures a half-applied transaction.
func Snapshot(ctx context.Context, src, dst string) error {
	db, err := openDB(src)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("records: snapshot failed: %w", err)
	}
	return os.Chmod(dst, FileMode)
}

// Store is an open record database bound to a Sealer.
type Store struct {
	db  *sql.DB
	c   Sealer
	now func() time.Time
}

// Open opens an initialized database. The Sealer is typically the session
// cipher; records cannot be read or written without it.
func Open(path string, c Sealer) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("records: database not found at %s: %w", filepath.Base(path), err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, c: c, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func aadFor(kind, id string) []byte {
	return []byte(kind + "|" + id)
}

func validate(kind, id string) error {
	if !kindPattern.MatchString(kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Put encrypts data and stores it as kind/id, replacing an existing record.
// An empty id is replaced with a new UUID. The stored id is returned.
func (s *Store) Put(kind, id string, data []byte) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := validate(kind, id); err != nil {
		return "", err
	}
	if len(data) > MaxPayloadSize {
		return "", ErrPayloadTooBig
	}

	sealed, err := s.c.Encrypt(data, aadFor(kind, id))
	if err != nil {
		return "", fmt.Errorf("records: failed to encrypt: %w", err)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO records (kind, id, nonce, ciphertext, tag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			tag = excluded.tag,
			updated_at = excluded.updated_at
	`, kind, id, sealed.Nonce, sealed.Ciphertext, sealed.Tag, now, now)
	if err != nil {
		return "", fmt.Errorf("records: failed to save record: %w", err)
	}
	return id, nil
}

// Get decrypts and returns kind/id. A tampered row fails with
// crypto.ErrIntegrity.
func (s *Store) Get(kind, id string) (*Record, error) {
	if err := validate(kind, id); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		SELECT kind, id, nonce, ciphertext, tag, created_at, updated_at
		FROM records WHERE kind = ? AND id = ?`, kind, id)
	rec, err := s.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// List decrypts every record of kind, oldest first.
func (s *Store) List(kind string) ([]*Record, error) {
	if !kindPattern.MatchString(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	rows, err := s.db.Query(`
		SELECT kind, id, nonce, ciphertext, tag, created_at, updated_at
		FROM records WHERE kind = ? ORDER BY created_at, id`, kind)
	if err != nil {
		return nil, fmt.Errorf("records: failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("records: error iterating rows: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records across all kinds.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("records: failed to count records: %w", err)
	}
	return n, nil
}

// Delete removes kind/id.
func (s *Store) Delete(kind, id string) error {
	if err := validate(kind, id); err != nil {
		return err
	}
	res, err := s.db.Exec("DELETE FROM records WHERE kind = ? AND id = ?", kind, id)
	if err != nil {
		return fmt.Errorf("records: failed to delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("records: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(r scanner) (*Record, error) {
	var rec Record
	var nonce, ct, tag []byte
	var createdAt, updatedAt string
	if err := r.Scan(&rec.Kind, &rec.ID, &nonce, &ct, &tag, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("records: failed to scan row: %w", err)
	}

	data, err := s.c.Decrypt(&crypto.Sealed{Ciphertext: ct, Nonce: nonce, Tag: tag}, aadFor(rec.Kind, rec.ID))
	if err != nil {
		return nil, fmt.Errorf("records: %s/%s: %w", rec.Kind, rec.ID, err)
	}
	rec.Data = data
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}
