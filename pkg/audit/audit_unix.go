//go:build !windows

package audit

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// checkDiskSpace verifies sufficient disk space for audit log writes
func (l *Logger) checkDiskSpace() error {
	var stat unix.Statfs_t
	if err := unix.Statfs(l.path, &stat); err != nil {
		if err := unix.Statfs(filepath.Dir(l.path), &stat); err != nil {
			// Don't block auditing on a failed measurement
			l.logger.Warn().Err(err).Msg("failed to check disk space for audit")
			return nil
		}
	}

	available := uint64(stat.Bavail) * uint64(stat.Bsize)
	if available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			available, MinAuditDiskSpace)
	}
	return nil
}
