// Package validation checks the identifier and name formats used across
// the gateway before they reach storage or the wire.
package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// Identifier prefixes.
const (
	PrefixProject   = "prj_"
	PrefixWorkspace = "ws_"
	PrefixJob       = "job_"
	PrefixSession   = "mcps_"
	PrefixKey       = "mgk_"
)

const (
	maxIDLength   = 128
	maxNameLength = 64
)

// ValidateID checks that id carries the expected prefix and a non-empty
// suffix of safe characters.
func ValidateID(prefix, id string) error {
	if !strings.HasPrefix(id, prefix) {
		return fmt.Errorf("invalid id %q: must start with %q", id, prefix)
	}
	suffix := id[len(prefix):]
	if suffix == "" {
		return fmt.Errorf("invalid id %q: missing suffix", id)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("invalid id: exceeds %d characters", maxIDLength)
	}
	for _, r := range suffix {
		if !isIDRune(r) {
			return fmt.Errorf("invalid id %q: character %q not allowed", id, r)
		}
	}
	return nil
}

// ValidateName checks a human-readable label: printable, non-empty, and
// bounded.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name exceeds %d characters", maxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("name contains control characters")
		}
	}
	return nil
}

func isIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}
