// Package uuid generates ScrapeJob identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements pipeline.IDGenerator with UUIDv7 strings, which sort by
// creation time in job listings.
type Generator struct {
	source func() (uuid.UUID, error)
}

// New creates a Generator.
func New() *Generator {
	return &Generator{source: uuid.NewV7}
}

// NewID returns a UUIDv7 string.
func (g *Generator) NewID() (string, error) {
	id, err := g.source()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id.String(), nil
}
