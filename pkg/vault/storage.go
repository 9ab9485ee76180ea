package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forest6511/recordvault/pkg/filestore"
)

// Suffixes of the sibling directories used while restoring a backup. The
// staged copy is fully written and synced before the swap begins; during
// the swap the live directory is renamed to the old name and the staged
// directory takes its place.
const (
	StagingSuffix = ".restore-staging"
	OldSuffix     = ".restore-old"
)

// StorageLock guards a data directory. Within the process it is a
// readers-writer lock; across processes it is an advisory lock on a file
// next to the data directory, shared for readers and exclusive for writers.
type StorageLock struct {
	path string
	mu   sync.RWMutex
}

// NewStorageLock returns a lock backed by the file at path.
func NewStorageLock(path string) *StorageLock {
	return &StorageLock{path: path}
}

// RLock acquires shared access and returns the release function.
func (l *StorageLock) RLock() (func(), error) {
	l.mu.RLock()
	f, err := l.acquire(false)
	if err != nil {
		l.mu.RUnlock()
		return nil, err
	}
	return func() {
		unlockFile(f)
		f.Close()
		l.mu.RUnlock()
	}, nil
}

// Lock acquires exclusive access and returns the release function.
func (l *StorageLock) Lock() (func(), error) {
	l.mu.Lock()
	f, err := l.acquire(true)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	return func() {
		unlockFile(f)
		f.Close()
		l.mu.Unlock()
	}, nil
}

func (l *StorageLock) acquire(exclusive bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, FileMode)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open lock file: %w", err)
	}
	if err := lockFile(f, exclusive); err != nil {
		f.Close()
		return nil, fmt.Errorf("vault: failed to lock storage: %w", err)
	}
	return f, nil
}

// StagingDir returns where a restore stages the incoming data directory.
func (v *Vault) StagingDir() string { return v.dir + StagingSuffix }

// OldDir returns where a restore parks the live data directory mid-swap.
func (v *Vault) OldDir() string { return v.dir + OldSuffix }

// Repair brings the data directory back to a consistent state after a
// crash during restore:
//
//   - live directory missing, old present: the swap was cut short between
//     its two renames; the old directory is put back
//   - live and old both present: the swap finished; old is removed
//   - a staging directory is always discarded
func (v *Vault) Repair() error {
	unlock, err := v.storage.Lock()
	if err != nil {
		return err
	}
	defer unlock()
	return v.repairLocked()
}

func (v *Vault) repairLocked() error {
	_, liveErr := os.Stat(v.dir)
	_, oldErr := os.Stat(v.OldDir())

	switch {
	case os.IsNotExist(liveErr) && oldErr == nil:
		if err := os.Rename(v.OldDir(), v.dir); err != nil {
			return fmt.Errorf("vault: failed to roll back interrupted restore: %w", err)
		}
		if err := filestore.SyncDir(filepath.Dir(v.dir)); err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		v.logger.Warn().Str("dir", v.dir).Msg("rolled back an interrupted restore")
	case liveErr == nil && oldErr == nil:
		if err := os.RemoveAll(v.OldDir()); err != nil {
			return fmt.Errorf("vault: failed to remove previous data directory: %w", err)
		}
		v.logger.Info().Str("dir", v.dir).Msg("finished cleanup of a completed restore")
	}

	if _, err := os.Stat(v.StagingDir()); err == nil {
		if err := os.RemoveAll(v.StagingDir()); err != nil {
			return fmt.Errorf("vault: failed to remove staging directory: %w", err)
		}
		v.logger.Info().Str("dir", v.StagingDir()).Msg("discarded staged restore")
	}
	return nil
}

// RepairLocked is Repair for callers already holding the exclusive
// storage lock.
func (v *Vault) RepairLocked() error {
	return v.repairLocked()
}

// StatusLocked is Status for callers already holding the storage lock.
func (v *Vault) StatusLocked() Status {
	return v.status()
}
