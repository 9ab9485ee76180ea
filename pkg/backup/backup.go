// Package backup provides vault backup and restore functionality.
//
// A backup is a zip archive:
//
//	manifest.json   {"version": 1, "created_at": "...", "file_count": N}
//	vault.json      the vault config with its wrapped keys
//	vault.db        a consistent snapshot of the record database
//	files/...       sealed document blobs
//
// Everything in it is already encrypted or wrapped, so creating a backup
// never needs the DEK and works while the vault is locked. Restore replaces
// the whole data directory with a staged copy in two renames.
package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/forest6511/recordvault/pkg/audit"
	"github.com/forest6511/recordvault/pkg/filestore"
	"github.com/forest6511/recordvault/pkg/records"
	"github.com/forest6511/recordvault/pkg/vault"
)

// Archive layout
const (
	ManifestVersion = 1
	ManifestName    = "manifest.json"
	VaultJSONName   = vault.ConfigFileName
	DBName          = vault.DBFileName
	FilesPrefix     = vault.FilesDirName + "/"

	// MaxArchiveSize bounds what Validate and Restore will read (1 GiB).
	MaxArchiveSize = 1 << 30

	// MaxEntrySize bounds a single uncompressed entry (512 MiB).
	MaxEntrySize = 512 << 20
)

// Manifest describes an archive. FileCount counts every entry except the
// manifest itself.
type Manifest struct {
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
	FileCount int    `json:"file_count"`
}

// Invalidator ends the active session after a restore.
// *session.Manager implements it.
type Invalidator interface {
	Invalidate(reason string)
}

// Auditor records security events. *audit.Logger implements it.
type Auditor interface {
	Log(op string, actor audit.Actor, result string, errInfo *audit.ErrorInfo, ctx map[string]any) error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithInvalidator registers the session to end after a restore.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.sessions = inv }
}

// WithAuditor sends backup events to the audit log.
func WithAuditor(a Auditor, source string) Option {
	return func(s *Service) {
		s.audit = a
		s.source = source
	}
}

// WithObserver receives one call per create or restore with the outcome
// ("success" or "error").
func WithObserver(fn func(op, result string)) Option {
	return func(s *Service) { s.observe = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service creates, validates and restores archives for one vault.
type Service struct {
	vault    *vault.Vault
	sessions Invalidator
	audit    Auditor
	source   string
	observe  func(op, result string)
	logger   zerolog.Logger
	now      func() time.Time

	// beforeSwap runs after staging and before the live directory is
	// touched. Tests use it to interrupt a restore.
	beforeSwap func() error
}

// NewService returns a Service for v.
func NewService(v *vault.Vault, opts ...Option) *Service {
	s := &Service{
		vault:   v,
		source:  audit.SourceCLI,
		observe: func(string, string) {},
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create writes an archive of the vault to w. It takes the shared storage
// lock, so it runs alongside unlocks but never overlaps a restore.
func (s *Service) Create(ctx context.Context, w io.Writer) (err error) {
	defer func() { s.finish(audit.OpBackupCreate, err, nil) }()

	unlock, err := s.vault.Storage().RLock()
	if err != nil {
		return err
	}
	defer unlock()

	config, err := os.ReadFile(s.vault.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return vault.ErrVaultNotFound
		}
		return fmt.Errorf("backup: failed to read vault config: %w", err)
	}
	if _, err := vault.ParseConfig(config); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(s.vault.Dir()), ".backup-*")
	if err != nil {
		return fmt.Errorf("backup: failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, DBName)
	if err := records.Snapshot(ctx, s.vault.DBPath(), snapshot); err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	docs := filestore.New(s.vault.FilesDir())
	names, err := docs.List()
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	now := s.now().UTC()
	manifest, err := json.MarshalIndent(Manifest{
		Version:   ManifestVersion,
		CreatedAt: now.Format(time.RFC3339),
		FileCount: 2 + len(names),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("backup: failed to encode manifest: %w", err)
	}

	zw := zip.NewWriter(w)
	if err := writeEntry(zw, ManifestName, manifest, now); err != nil {
		return err
	}
	if err := writeEntry(zw, VaultJSONName, config, now); err != nil {
		return err
	}
	if err := copyEntry(zw, DBName, snapshot, now); err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := docs.Get(name)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		if err := writeEntry(zw, FilesPrefix+name, data, now); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("backup: failed to finish archive: %w", err)
	}

	s.logger.Info().Int("documents", len(names)).Msg("backup created")
	return nil
}

// CreateArchive returns the archive as a byte slice.
func (s *Service) CreateArchive(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Create(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte, modified time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("backup: failed to add %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("backup: failed to write %s: %w", name, err)
	}
	return nil
}

func copyEntry(zw *zip.Writer, name, path string, modified time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("backup: failed to open %s: %w", name, err)
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("backup: failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("backup: failed to write %s: %w", name, err)
	}
	return nil
}

// finish reports the outcome of op to the observer, the audit log and the
// logger.
func (s *Service) finish(op string, err error, ctx map[string]any) {
	result := "success"
	if err != nil {
		result = "error"
		s.logger.Error().Err(err).Str("op", op).Msg("backup operation failed")
	}
	s.observe(op, result)

	if s.audit == nil {
		return
	}
	auditResult := audit.ResultSuccess
	var info *audit.ErrorInfo
	if err != nil {
		auditResult = audit.ResultError
		info = &audit.ErrorInfo{Code: "BACKUP_FAILED", Message: err.Error()}
		if op == audit.OpBackupRestore {
			op = audit.OpBackupRestoreFail
		}
	}
	if aerr := s.audit.Log(op, audit.Actor{Source: s.source}, auditResult, info, ctx); aerr != nil {
		s.logger.Warn().Err(aerr).Str("op", op).Msg("failed to write audit event")
	}
}
