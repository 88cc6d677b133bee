// Package types provides core data types for Lens.
package types

import (
	"fmt"
	"strings"
)

// Sink is a named, independently-schemaed event collection.
type Sink struct {
	// UUID is the sink's identity in the catalogue
	UUID string `json:"uuid"`

	// Name is the normalised sink name; it also names the physical event table
	Name string `json:"name"`
}

// IndexType is the data type of a secondary index column.
type IndexType string

const (
	// IndexText is a VARCHAR column with a length of 1..255
	IndexText IndexType = "TEXT"

	// IndexInt is a wide (64-bit) integer column
	IndexInt IndexType = "INT"
)

// MaxTextIndexLength is the longest TEXT index column that may be defined.
const MaxTextIndexLength = 255

// ParseIndexType parses a case-insensitive index type name.
func ParseIndexType(s string) (IndexType, error) {
	switch IndexType(strings.ToUpper(strings.TrimSpace(s))) {
	case IndexText:
		return IndexText, nil
	case IndexInt:
		return IndexInt, nil
	default:
		return "", fmt.Errorf("unsupported index type %q (must be one of TEXT, INT)", s)
	}
}

// Index is a secondary, queryable column derived from a payload key.
type Index struct {
	UUID     string    `json:"uuid"`
	SinkUUID string    `json:"sink_uuid"`
	Name     string    `json:"name"`
	Type     IndexType `json:"type"`

	// Length is only meaningful for TEXT indexes
	Length int `json:"length,omitempty"`
}

// Group is a named rollup over calendar dimensions, optionally nested under a parent group.
type Group struct {
	UUID       string   `json:"uuid"`
	SinkUUID   string   `json:"sink_uuid"`
	Name       string   `json:"name"`
	ParentUUID string   `json:"parent_uuid,omitempty"`
	Fields     []string `json:"fields"`
}

// IsRoot reports whether the group aggregates the event table directly.
func (g *Group) IsRoot() bool {
	return g.ParentUUID == ""
}
