// Package uuid provides job ID generation.
package uuid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings so job IDs sort by creation.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
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

// Sequence yields predictable IDs with a fixed prefix, for tests and fixtures.
type Sequence struct {
	prefix string
	next   atomic.Int64
}

// NewSequence creates a Sequence generator.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID returns the next ID in the sequence.
func (s *Sequence) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", s.prefix, s.next.Add(1)), nil
}
