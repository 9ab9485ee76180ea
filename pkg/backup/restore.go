package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/forest6511/recordvault/pkg/audit"
	"github.com/forest6511/recordvault/pkg/filestore"
	"github.com/forest6511/recordvault/pkg/records"
	"github.com/forest6511/recordvault/pkg/vault"
)

// RestoreOption configures one Restore call.
type RestoreOption func(*restoreOptions)

type restoreOptions struct {
	precondition func(vault.Status) error
}

// WithPrecondition makes Restore call check with the vault status while it
// holds the exclusive storage lock. A non-nil error aborts the restore
// before anything is written.
func WithPrecondition(check func(vault.Status) error) RestoreOption {
	return func(o *restoreOptions) { o.precondition = check }
}

// Restore replaces the vault's data directory with the archive contents.
//
// Under the exclusive storage lock it:
//  1. re-validates the archive (the caller's earlier Validate may be stale)
//  2. extracts it into a staging directory and fsyncs it
//  3. renames live -> old, then staging -> live, and fsyncs the parent
//  4. removes old and ends the active session
//
// A crash between the two renames is rolled back by vault.Open.
func (s *Service) Restore(ctx context.Context, data []byte, opts ...RestoreOption) (err error) {
	defer func() { s.finish(audit.OpBackupRestore, err, nil) }()

	var ro restoreOptions
	for _, opt := range opts {
		opt(&ro)
	}

	unlock, err := s.vault.Storage().Lock()
	if err != nil {
		return err
	}
	defer unlock()

	result := Validate(data)
	if result.Valid && result.Manifest != nil && result.Manifest.Version != ManifestVersion {
		result.fail("unsupported manifest version %d", result.Manifest.Version)
		result.Valid = false
	}
	if !result.Valid {
		return &ValidationError{Result: result}
	}

	if err := s.vault.RepairLocked(); err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}
	if ro.precondition != nil {
		if err := ro.precondition(s.vault.StatusLocked()); err != nil {
			return err
		}
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}
	var total int64
	for _, f := range zr.File {
		total += int64(f.UncompressedSize64)
	}
	if err := s.vault.EnsureDiskSpace(total); err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}

	staging := s.vault.StagingDir()
	if err := s.stage(ctx, zr, staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}

	if s.beforeSwap != nil {
		if err := s.beforeSwap(); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("%w: %w", ErrRestore, err)
		}
	}

	if err := s.swap(staging); err != nil {
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}

	if s.sessions != nil {
		s.sessions.Invalidate("restore")
	}
	s.logger.Info().
		Int("documents", result.VaultFileCount).
		Str("created_at", result.Manifest.CreatedAt).
		Msg("vault restored from backup")
	return nil
}

// stage extracts the payload entries into dir and checks the database.
func (s *Service) stage(ctx context.Context, zr *zip.Reader, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, vault.FilesDirName), vault.DirMode); err != nil {
		return err
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Name == ManifestName || strings.HasSuffix(f.Name, "/") {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(target), vault.DirMode); err != nil {
			return err
		}
		data, err := readEntry(f)
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		if err := filestore.WriteFileAtomic(target, data, vault.FileMode); err != nil {
			return err
		}
	}

	if err := records.Check(filepath.Join(dir, DBName)); err != nil {
		return err
	}
	return filestore.SyncDir(dir)
}

// swap installs staging as the live data directory.
func (s *Service) swap(staging string) error {
	live := s.vault.Dir()
	old := s.vault.OldDir()
	parent := filepath.Dir(live)

	parked := false
	if _, err := os.Stat(live); err == nil {
		if err := os.Rename(live, old); err != nil {
			os.RemoveAll(staging)
			return err
		}
		parked = true
	}

	if err := os.Rename(staging, live); err != nil {
		if parked {
			if rbErr := os.Rename(old, live); rbErr != nil {
				// vault.Open rolls back on the next start
				s.logger.Error().Err(rbErr).Msg("failed to roll back restore")
			}
		}
		os.RemoveAll(staging)
		return err
	}
	if err := filestore.SyncDir(parent); err != nil {
		return err
	}

	if parked {
		if err := os.RemoveAll(old); err != nil {
			// Harmless: Repair removes it later
			s.logger.Warn().Err(err).Msg("failed to remove previous data directory")
		}
	}
	return nil
}

// ReadArchive reads at most MaxArchiveSize bytes from r.
func ReadArchive(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxArchiveSize+1))
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read archive: %w", err)
	}
	if len(data) > MaxArchiveSize {
		return nil, ErrArchiveTooLarge
	}
	return data, nil
}
