//go:build windows

package keychain

import "os"

// checkPermissions on Windows is a no-op; access is governed by the ACL
// inherited from the user's config directory.
func checkPermissions(_ os.FileInfo) error {
	return nil
}
