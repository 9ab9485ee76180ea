//go:build !windows

package filestore

import (
	"errors"
	"syscall"
)

func isPlatformSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL)
}
