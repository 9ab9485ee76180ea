package backup

import (
	"errors"
	"strings"
)

// Backup/Restore errors
var (
	// ErrValidation indicates an archive failed validation. The full result
	// travels in a *ValidationError.
	ErrValidation = errors.New("backup: archive failed validation")

	// ErrRestore indicates an I/O failure while restoring. The live vault is
	// left as it was.
	ErrRestore = errors.New("backup: restore failed")

	// ErrArchiveTooLarge indicates the archive exceeds MaxArchiveSize.
	ErrArchiveTooLarge = errors.New("backup: archive too large")
)

// ValidationError carries the validation result of a rejected archive.
type ValidationError struct {
	Result *ValidationResult
}

func (e *ValidationError) Error() string {
	if e.Result == nil || len(e.Result.Errors) == 0 {
		return ErrValidation.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(e.Result.Errors, "; ")
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
