package errors

import (
	"fmt"
	"strings"
)

// ValidationError reports contract violations found in an envelope or payload.
type ValidationError struct {
	EventType string
	Problems  []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("validation failed for %s", e.EventType)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.EventType, strings.Join(e.Problems, "; "))
}

// SchemaNotFoundError reports that no schema is registered for an event type and version.
type SchemaNotFoundError struct {
	EventType string
	Version   string
	SchemaID  string
}

// Error implements the error interface.
func (e *SchemaNotFoundError) Error() string {
	return fmt.Sprintf("schema not found for %s %s (%s)", e.EventType, e.Version, e.SchemaID)
}
