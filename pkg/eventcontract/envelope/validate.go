package envelope

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	eventTypePattern    = regexp.MustCompile(`^[a-z][a-z0-9-]*(\.[a-z][a-z0-9-]*)+$`)
	eventVersionPattern = regexp.MustCompile(`^v\d+$`)
)

// FieldError describes one contract violation.
type FieldError struct {
	Path     string `json:"path"`
	Message  string `json:"message"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
}

// String renders the error as "path: message".
func (e FieldError) String() string {
	return e.Path + ": " + e.Message
}

// ValidationResult is produced fresh by each validation call.
type ValidationResult struct {
	Valid         bool         `json:"valid"`
	Errors        []FieldError `json:"errors,omitempty"`
	SchemaFound   bool         `json:"schemaFound"`
	SchemaID      string       `json:"schemaId,omitempty"`
	SchemaVersion string       `json:"schemaVersion,omitempty"`
}

// Summary joins all error messages into one path-qualified line.
func (r ValidationResult) Summary() string {
	if len(r.Errors) == 0 {
		return ""
	}
	parts := make([]string, len(r.Errors))
	for i, fe := range r.Errors {
		parts[i] = fe.String()
	}
	return strings.Join(parts, "; ")
}

// HasPath reports whether any error's path equals path.
func (r ValidationResult) HasPath(path string) bool {
	for _, fe := range r.Errors {
		if fe.Path == path {
			return true
		}
	}
	return false
}

// Validate checks the structural envelope fields only. Payload shape is the
// schema registry's job, so SchemaFound is always false here.
func Validate(e Envelope) ValidationResult {
	var errs []FieldError
	add := func(path, msg string, expected, actual any) {
		errs = append(errs, FieldError{Path: path, Message: msg, Expected: expected, Actual: actual})
	}

	checkUUID := func(path, value string, required bool) {
		if value == "" {
			if required {
				add(path, "is required", "uuid v4", nil)
			}
			return
		}
		if !isUUIDv4(value) {
			add(path, "must be a UUID v4", "uuid v4", value)
		}
	}

	checkUUID("event_id", e.EventID, true)

	switch {
	case e.EventType == "":
		add("event_type", "is required", eventTypePattern.String(), nil)
	case !eventTypePattern.MatchString(e.EventType):
		add("event_type", "must be dot-separated domain.action in lowercase", eventTypePattern.String(), e.EventType)
	}

	switch {
	case e.EventVersion == "":
		add("event_version", "is required", eventVersionPattern.String(), nil)
	case !eventVersionPattern.MatchString(e.EventVersion):
		add("event_version", "must look like v1, v2, ...", eventVersionPattern.String(), e.EventVersion)
	}

	if e.OccurredAt == "" {
		add("occurred_at", "is required", "ISO-8601 timestamp", nil)
	} else if _, err := parseTimestamp(e.OccurredAt); err != nil {
		add("occurred_at", "must be an ISO-8601 timestamp", "ISO-8601 timestamp", e.OccurredAt)
	}

	if strings.TrimSpace(e.Producer) == "" {
		add("producer", "is required", "non-empty string", nil)
	}

	checkUUID("correlation_id", e.CorrelationID, true)
	checkUUID("causation_id", e.CausationID, false)
	checkUUID("parent_event_id", e.ParentEventID, false)
	checkUUID("trace_id", e.TraceID, false)

	switch {
	case e.Priority == "":
		add("priority", "is required", priorities(), nil)
	case !e.Priority.Valid():
		add("priority", fmt.Sprintf("must be one of %s", strings.Join(priorities(), ", ")), priorities(), string(e.Priority))
	}

	if isNullJSON(e.Payload) {
		add("payload", "is required and must not be null", "JSON value", nil)
	}

	return ValidationResult{
		Valid:       len(errs) == 0,
		Errors:      errs,
		SchemaFound: false,
	}
}

func isUUIDv4(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	// uuid.Parse also accepts urn and braced forms; the wire form is canonical only.
	return len(s) == 36 && id.Version() == 4
}

func isNullJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func priorities() []string {
	return []string{
		string(PriorityLow),
		string(PriorityNormal),
		string(PriorityHigh),
		string(PriorityCritical),
	}
}
