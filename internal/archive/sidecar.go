package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Algorithm names the checksum recorded in sidecars.
const Algorithm = "murmur3_128"

// Extensions of archive bodies and their sidecars.
const (
	BodyExt    = ".jsonl.sz"
	SidecarExt = ".meta.json"
)

// Sidecar is the .meta.json file stored next to an archive body.
type Sidecar struct {
	Sink      string `json:"sink"`
	Object    string `json:"object"`
	Rows      int64  `json:"rows"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
	Algorithm string `json:"algorithm"`
	CreatedAt int64  `json:"created_at"`
}

// SidecarPath returns the sidecar object path for an archive body.
func SidecarPath(objectPath string) string {
	return strings.TrimSuffix(objectPath, BodyExt) + SidecarExt
}

// WriteToFile writes the sidecar as indented JSON.
func (s *Sidecar) WriteToFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("archive: failed to write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar reads a sidecar file.
func ReadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to read sidecar: %w", err)
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("archive: failed to parse sidecar: %w", err)
	}
	return &s, nil
}
