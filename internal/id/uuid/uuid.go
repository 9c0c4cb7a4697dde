// Package uuid issues run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// RunIDs issues UUIDv7 strings, so ids sort by the time a run started.
type RunIDs struct{}

// New returns a RunIDs issuer.
func New() RunIDs {
	return RunIDs{}
}

// NewID returns the next run id.
func (RunIDs) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new run id: %w", err)
	}
	return id.String(), nil
}
