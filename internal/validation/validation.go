// Package validation provides centralized input validation for evtrack.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// =============================================================================
// Vehicle Identifier Validation
// =============================================================================

// VehicleIDRules defines the validation rules for vehicle identifiers.
type VehicleIDRules struct {
	MinLength int
	MaxLength int
	// Strict requires an ISO 3779 VIN: 17 characters, letters I, O and Q excluded.
	Strict bool
}

// DefaultVehicleIDRules returns the rules applied to feed device identifiers.
// Device ids are not always ISO VINs, so the default is lenient.
func DefaultVehicleIDRules() VehicleIDRules {
	return VehicleIDRules{
		MinLength: 1,
		MaxLength: 64,
	}
}

// StrictVINRules returns rules that only accept ISO 3779 VINs.
func StrictVINRules() VehicleIDRules {
	return VehicleIDRules{
		MinLength: 17,
		MaxLength: 17,
		Strict:    true,
	}
}

// ValidateVehicleID validates a vehicle identifier according to the given rules.
func ValidateVehicleID(id string, rules VehicleIDRules) error {
	if len(id) < rules.MinLength {
		return fmt.Errorf("vehicle id too short: minimum %d characters required", rules.MinLength)
	}
	if len(id) > rules.MaxLength {
		return fmt.Errorf("vehicle id too long: maximum %d characters allowed", rules.MaxLength)
	}

	for i, r := range id {
		if r < 32 || r == 127 {
			return fmt.Errorf("vehicle id cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' || r == '\'' || r == '"' {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
		if unicode.IsSpace(r) {
			return fmt.Errorf("vehicle id cannot contain whitespace at position %d", i)
		}
		if rules.Strict && !isVINChar(r) {
			return fmt.Errorf("invalid VIN character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isVINChar(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'A' && r <= 'Z':
		return r != 'I' && r != 'O' && r != 'Q'
	}
	return false
}

// =============================================================================
// Registry Name Validation
// =============================================================================

var (
	messageTagPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]$`)
	columnPattern     = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ValidateMessageTag validates a two-character protocol message tag such as "G1".
func ValidateMessageTag(tag string) error {
	if !messageTagPattern.MatchString(tag) {
		return fmt.Errorf("invalid message tag %q: expected an uppercase letter followed by a letter or digit", tag)
	}
	return nil
}

// ValidateColumnName validates a registry column name (snake_case).
func ValidateColumnName(name string) error {
	if name == "" {
		return fmt.Errorf("column name cannot be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("column name too long: maximum 64 characters")
	}
	if !columnPattern.MatchString(name) {
		return fmt.Errorf("invalid column name %q: expected lowercase snake_case", name)
	}
	if strings.Contains(name, "__") {
		return fmt.Errorf("invalid column name %q: repeated underscore", name)
	}
	return nil
}

// =============================================================================
// SQL literal helpers
// =============================================================================

// QuoteLiteral returns s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
