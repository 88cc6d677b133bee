// Package ident supplies identifiers and the current instant to the catalogue and ingest paths.
package ident

import (
	"time"

	"github.com/google/uuid"
)

// Source generates identifiers and reports the current time.
type Source interface {
	NewID() string
	Now() time.Time
}

// System is the production Source: random (v4) UUIDs and the wall clock in UTC,
// truncated to whole seconds to match the _timestamp column.
type System struct{}

// NewID returns a new random UUID in canonical string form.
func (System) NewID() string {
	return uuid.New().String()
}

// Now returns the current UTC instant truncated to the second.
func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Fixed is a Source pinned to a single instant, used to make calendar
// fields deterministic in tests.
type Fixed struct {
	At time.Time
}

// NewID returns a new random UUID.
func (f Fixed) NewID() string {
	return uuid.New().String()
}

// Now returns the pinned instant.
func (f Fixed) Now() time.Time {
	return f.At.UTC().Truncate(time.Second)
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
