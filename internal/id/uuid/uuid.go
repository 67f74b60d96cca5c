// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings for request ids and bus channel names.
type Generator struct{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewChannel returns prefix joined to a dash-free UUID7, suitable as a
// Pub/Sub topic or subscription id.
func (g Generator) NewChannel(prefix string) (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	suffix := strings.ReplaceAll(id, "-", "")
	if prefix == "" {
		return "c" + suffix, nil
	}
	return prefix + "_" + suffix, nil
}
