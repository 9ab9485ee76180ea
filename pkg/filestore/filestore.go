// Package filestore is a byte-level blob store rooted at a directory.
//
// Blobs are addressed by slash-separated relative names. Writes go to a
// temp file that is synced and renamed into place, so a reader sees either
// the old or the new content. The store never interprets the bytes it
// holds; callers seal content before handing it over.
package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const (
	FileMode = 0600
	DirMode  = 0700

	// MaxNameLength bounds blob names.
	MaxNameLength = 255

	tempPrefix = ".tmp-"
)

var (
	ErrInvalidName = errors.New("filestore: invalid blob name")
	ErrNotFound    = errors.New("filestore: blob not found")
)

// Store holds blobs under a root directory.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory is created on first Put.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// ValidateName rejects empty, absolute and parent-relative names as well as
// names that would collide with in-flight temp files.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsRune(name, '\\') || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if path.IsAbs(name) || path.Clean(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." || seg == "." || strings.HasPrefix(seg, tempPrefix) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func (s *Store) pathFor(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

// Put stores data under name, replacing any existing blob.
func (s *Store) Put(name string, data []byte) error {
	p, err := s.pathFor(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("filestore: failed to create directory: %w", err)
	}
	return WriteFileAtomic(p, data, FileMode)
}

// Get returns the blob stored under name.
func (s *Store) Get(name string) ([]byte, error) {
	p, err := s.pathFor(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("filestore: failed to read %s: %w", name, err)
	}
	return data, nil
}

// Delete removes the blob stored under name.
func (s *Store) Delete(name string) error {
	p, err := s.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("filestore: failed to delete %s: %w", name, err)
	}
	return nil
}

// List returns every blob name in lexical order. A missing root is an
// empty store.
func (s *Store) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == s.root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to list blobs: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// WriteFileAtomic writes data to path via a synced temp file in the same
// directory followed by a rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("filestore: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: failed to write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: failed to sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: failed to close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("filestore: failed to rename: %w", err)
	}
	return SyncDir(dir)
}

// SyncDir flushes directory metadata so a preceding rename is durable.
// Platforms that cannot sync directories are ignored.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("filestore: failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !isSyncUnsupported(err) {
		return fmt.Errorf("filestore: failed to sync directory: %w", err)
	}
	return nil
}

func isSyncUnsupported(err error) bool {
	var pe *fs.PathError
	return errors.As(err, &pe) && (errors.Is(pe.Err, errors.ErrUnsupported) || isPlatformSyncError(pe.Err))
}
