// Package errors classifies event processing failures.
//
// Every failure falls into one of four categories. Validation and schema
// failures mean the envelope content is wrong and retrying it unchanged cannot
// help; processing and unknown failures are treated as transient unless the
// error is explicitly marked permanent.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Category identifies the kind of failure.
type Category string

const (
	// CategoryValidation covers malformed envelopes and payload violations.
	CategoryValidation Category = "VALIDATION_ERROR"

	// CategorySchema covers missing or unusable schemas.
	CategorySchema Category = "SCHEMA_ERROR"

	// CategoryProcessing covers handler failures.
	CategoryProcessing Category = "PROCESSING_ERROR"

	// CategoryUnknown covers everything else.
	CategoryUnknown Category = "UNKNOWN_ERROR"
)

// String returns the category name.
func (c Category) String() string {
	return string(c)
}

// Retryable reports whether errors of this category are retryable by default.
func (c Category) Retryable() bool {
	switch c {
	case CategoryValidation, CategorySchema:
		return false
	default:
		return true
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Permanent overrides the category default and disables retries.
	Permanent bool

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %v (category: %s)", e.Context, e.Err, e.Category)
	}
	return fmt.Sprintf("%v (category: %s)", e.Err, e.Category)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether this error may succeed on redelivery.
func (e *CategorizedError) Retryable() bool {
	return !e.Permanent && e.Category.Retryable()
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Validation creates a validation error.
func Validation(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryValidation, context)
}

// Schema creates a schema error.
func Schema(err error, context string) *CategorizedError {
	return NewCategorized(err, CategorySchema, context)
}

// Processing creates a retryable processing error.
func Processing(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryProcessing, context)
}

// Permanent marks a handler failure as not worth retrying.
// Handlers return it to send an event straight to the dead-letter sink.
func Permanent(err error, context string) *CategorizedError {
	e := NewCategorized(err, CategoryProcessing, context)
	e.Permanent = true
	return e
}

// Categorize determines the category of an error.
//
// Typed errors from this package win; otherwise the error text decides:
// "validation" or "required" means validation, "schema" means schema,
// "processing" means processing, anything else is unknown.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryValidation
	}

	var schemaErr *SchemaNotFoundError
	if errors.As(err, &schemaErr) {
		return CategorySchema
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "validation"), strings.Contains(msg, "required"):
		return CategoryValidation
	case strings.Contains(msg, "schema"):
		return CategorySchema
	case strings.Contains(msg, "processing"):
		return CategoryProcessing
	default:
		return CategoryUnknown
	}
}

// IsRetryable reports whether the error should be left for redelivery.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Retryable()
	}
	return Categorize(err).Retryable()
}

// IsPermanent reports whether the error was explicitly marked permanent.
func IsPermanent(err error) bool {
	var catErr *CategorizedError
	return errors.As(err, &catErr) && catErr.Permanent
}
