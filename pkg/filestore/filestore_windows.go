//go:build windows

package filestore

import (
	"errors"

	"golang.org/x/sys/windows"
)

// Directory handles opened by os.Open cannot be flushed on Windows.
func isPlatformSyncError(err error) bool {
	return errors.Is(err, windows.ERROR_ACCESS_DENIED) || errors.Is(err, windows.ERROR_INVALID_HANDLE)
}
