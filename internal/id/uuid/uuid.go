// Package uuid generates identifiers for jobs, snapshots, and
// schedules.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements archive.IDGenerator with UUID v7, so IDs sort
// by creation time.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
