package vault

import (
	"fmt"
	"os"

	"github.com/forest6511/recordvault/pkg/records"
)

// IntegrityCheckResult contains the results of vault integrity verification
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	ConfigExists     bool     `json:"config_exists"`
	ConfigValid      bool     `json:"config_valid"`
	DBExists         bool     `json:"db_exists"`
	DBIntegrity      bool     `json:"db_integrity"`
	PermissionsValid bool     `json:"permissions_valid"`
	Errors           []string `json:"errors,omitempty"`
}

func (r *IntegrityCheckResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *IntegrityCheckResult) checkPerm(name string, info os.FileInfo, want os.FileMode) {
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		r.PermissionsValid = false
		r.fail("%s has insecure permissions: %04o (expected %04o)", name, perm, want)
	}
}

// CheckIntegrity performs a comprehensive integrity check on the vault.
// This checks:
// 1. Data directory permissions are 0700
// 2. vault.json exists, parses and has a supported schema
// 3. vault.db exists and passes SQLite's integrity check
// 4. File permissions are 0600
//
// Every problem found is listed; the check never stops at the first.
func (v *Vault) CheckIntegrity() (*IntegrityCheckResult, error) {
	unlock, err := v.storage.RLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &IntegrityCheckResult{Valid: true, PermissionsValid: true}

	if info, err := os.Stat(v.dir); err == nil {
		result.checkPerm("data directory", info, DirMode)
	} else {
		result.fail("data directory not found: %s", v.dir)
		return result, nil
	}

	if info, err := os.Stat(v.ConfigPath()); err != nil {
		result.fail("%s not found", ConfigFileName)
	} else {
		result.ConfigExists = true
		result.checkPerm(ConfigFileName, info, FileMode)
		if _, err := v.loadConfig(); err != nil {
			result.fail("%s: %v", ConfigFileName, err)
		} else {
			result.ConfigValid = true
		}
	}

	info, err := os.Stat(v.DBPath())
	if err != nil {
		result.fail("%s not found", DBFileName)
		return result, nil
	}
	result.DBExists = true
	result.checkPerm(DBFileName, info, FileMode)

	if err := records.Check(v.DBPath()); err != nil {
		result.fail("%s: %v", DBFileName, err)
	} else {
		result.DBIntegrity = true
	}
	return result, nil
}
