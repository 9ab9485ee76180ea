//go:build !windows

package keychain

import (
	"fmt"
	"os"
	"syscall"
)

// checkPermissions rejects key files readable by group or other, or owned
// by another user.
func checkPermissions(info os.FileInfo) error {
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("%w: insecure permissions %04o (expected 0600)", ErrDeviceKeyInvalid, perm)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Uid != uint32(os.Getuid()) {
			return fmt.Errorf("%w: not owned by current user", ErrDeviceKeyInvalid)
		}
	}
	return nil
}
