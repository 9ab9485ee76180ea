package backup

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/forest6511/recordvault/pkg/filestore"
	"github.com/forest6511/recordvault/pkg/vault"
)

// sqliteHeader starts every SQLite 3 database file.
const sqliteHeader = "SQLite format 3\x00"

// ValidationResult lists everything wrong with an archive.
type ValidationResult struct {
	Valid          bool      `json:"valid"`
	Errors         []string  `json:"errors"`
	FileCount      int       `json:"file_count"`
	HasDatabase    bool      `json:"has_database"`
	HasVaultJSON   bool      `json:"has_vault_json"`
	VaultFileCount int       `json:"vault_file_count"`
	Manifest       *Manifest `json:"manifest,omitempty"`
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validate inspects an archive without touching the vault. It never
// panics and reports every problem it finds rather than stopping at the
// first.
func Validate(data []byte) (result *ValidationResult) {
	result = &ValidationResult{Errors: []string{}}
	defer func() {
		if r := recover(); r != nil {
			result.fail("archive could not be read: %v", r)
			result.Valid = false
		}
	}()

	if len(data) == 0 {
		result.fail("archive is empty")
		return result
	}
	if len(data) > MaxArchiveSize {
		result.fail("archive exceeds %d bytes", MaxArchiveSize)
		return result
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		result.fail("archive is not a valid zip file: %v", err)
		return result
	}

	var manifestData []byte
	seen := make(map[string]bool)
	for _, f := range zr.File {
		name := f.Name
		if strings.HasSuffix(name, "/") {
			continue // directory entry
		}
		if !safeEntryName(name) {
			result.fail("unsafe entry name %q", name)
			continue
		}
		if seen[name] {
			result.fail("duplicate entry %q", name)
			continue
		}
		seen[name] = true
		if f.UncompressedSize64 > MaxEntrySize {
			result.fail("entry %q exceeds %d bytes", name, MaxEntrySize)
			continue
		}

		switch {
		case name == ManifestName:
			manifestData, err = readEntry(f)
			if err != nil {
				result.fail("manifest.json: %v", err)
			}
			continue
		case name == VaultJSONName:
			result.HasVaultJSON = true
			checkVaultJSON(result, f)
		case name == DBName:
			result.HasDatabase = true
			checkDatabase(result, f)
		case strings.HasPrefix(name, FilesPrefix):
			if err := filestore.ValidateName(strings.TrimPrefix(name, FilesPrefix)); err != nil {
				result.fail("invalid document name %q", name)
				continue
			}
			result.VaultFileCount++
		default:
			result.fail("unexpected entry %q", name)
			continue
		}
		result.FileCount++
	}

	if manifestData == nil {
		if !seen[ManifestName] {
			result.fail("manifest.json is missing")
		}
	} else {
		checkManifest(result, manifestData)
	}
	if !result.HasVaultJSON {
		result.fail("vault.json is missing")
	}
	if !result.HasDatabase {
		result.fail("vault.db is missing")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// safeEntryName rejects absolute, drive-qualified, backslashed and
// parent-relative names.
func safeEntryName(name string) bool {
	if name == "" || strings.ContainsAny(name, "\\\x00") || path.IsAbs(name) {
		return false
	}
	if len(name) >= 2 && name[1] == ':' {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, MaxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxEntrySize {
		return nil, fmt.Errorf("exceeds %d bytes", MaxEntrySize)
	}
	return data, nil
}

func checkManifest(result *ValidationResult, data []byte) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		result.fail("manifest.json is malformed: %v", err)
		return
	}
	result.Manifest = &m

	if m.Version <= 0 {
		result.fail("manifest version must be positive, got %d", m.Version)
	}
	if _, err := time.Parse(time.RFC3339, m.CreatedAt); err != nil {
		result.fail("manifest created_at %q is not an ISO-8601 timestamp", m.CreatedAt)
	}
	if m.FileCount < 0 {
		result.fail("manifest file_count must not be negative, got %d", m.FileCount)
	} else if m.FileCount != result.FileCount {
		result.fail("manifest file_count is %d but archive holds %d files", m.FileCount, result.FileCount)
	}
}

func checkVaultJSON(result *ValidationResult, f *zip.File) {
	data, err := readEntry(f)
	if err != nil {
		result.fail("vault.json: %v", err)
		return
	}
	if _, err := vault.ParseConfig(data); err != nil {
		result.fail("vault.json is invalid: %v", err)
	}
}

func checkDatabase(result *ValidationResult, f *zip.File) {
	rc, err := f.Open()
	if err != nil {
		result.fail("vault.db: %v", err)
		return
	}
	defer rc.Close()

	head := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(rc, head); err != nil || string(head) != sqliteHeader {
		result.fail("vault.db is not a database file")
	}
}
