package vault

import (
	"fmt"
	"path/filepath"
)

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

// CheckDiskSpace returns disk space information for the volume holding the
// data directory. A data directory that does not exist yet is measured via
// its parent.
func (v *Vault) CheckDiskSpace() (*DiskSpaceInfo, error) {
	info, err := diskStats(v.dir)
	if err != nil {
		info, err = diskStats(filepath.Dir(v.dir))
		if err != nil {
			return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
		}
	}
	return info, nil
}

// EnsureDiskSpace fails with ErrInsufficientDisk unless at least twice
// dataSize (and never less than MinDiskSpaceBytes) is available.
func (v *Vault) EnsureDiskSpace(dataSize int64) error {
	return v.checkDiskSpaceForWrite(dataSize)
}

// checkDiskSpaceForWrite verifies sufficient disk space before write operations
func (v *Vault) checkDiskSpaceForWrite(dataSize int64) error {
	info, err := v.CheckDiskSpace()
	if err != nil {
		// Don't block the write on a failed measurement.
		v.logger.Warn().Err(err).Msg("failed to check disk space")
		return nil
	}

	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}

	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk,
			info.Available/(1024*1024),
			required/(1024*1024))
	}

	if info.UsedPct >= DiskWarningPercent {
		v.logger.Warn().Int("used_pct", info.UsedPct).Msg("disk is nearly full, consider freeing space")
	}
	return nil
}
