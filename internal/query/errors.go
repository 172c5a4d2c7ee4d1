package query

import (
	"errors"
	"fmt"

	"github.com/rpattn/dmquery/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced view cannot be resolved.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest is returned for incompatible request options. It is
	// always raised before any store call.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInconsistentState signals a malformed step tree.
	ErrInconsistentState = errors.New("inconsistent query state")
)

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Diagnostic is a non-fatal data consistency warning produced while nesting
// results. The affected value is left as the raw reference.
type Diagnostic struct {
	Step      string            `json:"step"`
	Property  string            `json:"property"`
	Source    domain.InstanceID `json:"source"`
	Reference domain.InstanceID `json:"reference"`
	Message   string            `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("step %s: %s.%s -> %s: %s", d.Step, d.Source, d.Property, d.Reference, d.Message)
}
