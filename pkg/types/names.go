package types

import (
	"errors"
	"strings"
)

// Name length limits, matching the catalogue column widths.
const (
	MaxSinkNameLength  = 32
	MaxIndexNameLength = 32
	MaxGroupNameLength = 64
)

var (
	// ErrEmptyName is returned when a name is empty after trimming
	ErrEmptyName = errors.New("name must not be zero-length")

	// ErrNameNotAlphanumeric is returned when a name contains anything other than [a-z0-9]
	ErrNameNotAlphanumeric = errors.New("name must be alphanumeric")

	// ErrNameTooLong is returned when a name exceeds its catalogue column width
	ErrNameTooLong = errors.New("name is too long")
)

// NormalizeName trims and lower-cases raw and checks that the result is a
// non-empty, entirely ASCII-alphanumeric string of at most maxLen bytes.
// Normalising an already-normalised name returns it unchanged.
func NormalizeName(raw string, maxLen int) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "", ErrEmptyName
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return "", ErrNameNotAlphanumeric
		}
	}
	if maxLen > 0 && len(name) > maxLen {
		return "", ErrNameTooLong
	}
	return name, nil
}
