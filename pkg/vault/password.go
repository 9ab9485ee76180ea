package vault

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Password validation limits
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

var (
	ErrPasswordTooShort = errors.New("vault: password must be at least 8 characters")
	ErrPasswordTooLong  = errors.New("vault: password must be at most 128 characters")
)

// PasswordStrength represents the strength level of a password
type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of password strength
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "weak"
	case PasswordFair:
		return "fair"
	case PasswordGood:
		return "good"
	case PasswordStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PasswordValidationResult contains the result of password validation
type PasswordValidationResult struct {
	Valid    bool             // Whether password meets minimum requirements
	Err      error            // ErrPasswordTooShort or ErrPasswordTooLong when !Valid
	Strength PasswordStrength // Estimated strength
	Warnings []string         // Suggestions for improvement (not errors)
}

// ValidateMasterPassword checks the length limits and estimates strength.
// Length is counted in characters, not bytes. Complexity only produces
// warnings.
func ValidateMasterPassword(password string) *PasswordValidationResult {
	result := &PasswordValidationResult{Valid: true, Strength: PasswordFair}

	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		result.Valid = false
		result.Err = ErrPasswordTooShort
		result.Strength = PasswordWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
		return result
	}
	if n > MaxPasswordLength {
		result.Valid = false
		result.Err = ErrPasswordTooLong
		result.Strength = PasswordWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Password must be at most %d characters", MaxPasswordLength))
		return result
	}

	var hasUpper, hasLower, hasDigit, hasOther bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasOther = true
		}
	}
	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasOther} {
		if ok {
			complexity++
		}
	}

	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if n < 12 {
		result.Warnings = append(result.Warnings,
			"Longer passwords (12+ characters) are more secure")
	}

	switch {
	case complexity >= 3 && n >= 16:
		result.Strength = PasswordStrong
	case complexity >= 2 && n >= 12:
		result.Strength = PasswordGood
	case complexity >= 2 || n >= 12:
		result.Strength = PasswordFair
	default:
		result.Strength = PasswordWeak
	}
	return result
}
