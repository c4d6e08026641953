// Package compat classifies the difference between two versions of an event
// payload schema.
//
// CheckCompatibility is directional: it answers whether payloads written
// against the old schema are safe for consumers of the new one. Call it with
// the arguments swapped for the reverse direction. CheckEvolution does both and
// adds an exhaustive list of property-level changes.
//
// Both functions are pure and never return errors; contract problems are
// described in the result.
package compat

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/schema"
)

// Severity of a compatibility issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// IncompatibilityType summarizes a compatibility result.
type IncompatibilityType string

const (
	Breaking        IncompatibilityType = "breaking"
	NonBreaking     IncompatibilityType = "non-breaking"
	VersionMismatch IncompatibilityType = "version-mismatch"
)

// Issue is one finding of a compatibility check.
type Issue struct {
	Field    string   `json:"field"`
	Issue    string   `json:"issue"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of CheckCompatibility.
type Result struct {
	Compatible          bool                `json:"compatible"`
	IncompatibilityType IncompatibilityType `json:"incompatibilityType"`
	Issues              []Issue             `json:"issues"`
	Recommendation      string              `json:"recommendation"`
}

// Errors returns the error-severity issues.
func (r Result) Errors() []Issue {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity issues.
func (r Result) Warnings() []Issue {
	return r.filter(SeverityWarning)
}

func (r Result) filter(sev Severity) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == sev {
			out = append(out, is)
		}
	}
	return out
}

// CheckCompatibility reports whether an old producer can safely talk to a
// consumer built against newSchema.
func CheckCompatibility(oldSchema, newSchema *schema.Document) Result {
	if oldSchema == nil || newSchema == nil {
		return Result{
			IncompatibilityType: Breaking,
			Issues:              []Issue{{Field: "$id", Issue: "schema document missing", Severity: SeverityError}},
			Recommendation:      "Load both schema versions before comparing them",
		}
	}

	oldType, newType := eventTypeFromID(oldSchema.ID()), eventTypeFromID(newSchema.ID())
	if oldType != "" && newType != "" && oldType != newType {
		return Result{
			IncompatibilityType: VersionMismatch,
			Issues: []Issue{{
				Field:    "$id",
				Issue:    fmt.Sprintf("schemas describe different event types: %s and %s", oldType, newType),
				Severity: SeverityError,
			}},
			Recommendation: "Compare two versions of the same event type",
		}
	}

	issues := []Issue{}
	issues = append(issues, diffRequired(oldSchema, newSchema)...)
	issues = append(issues, diffProperties(oldSchema, newSchema)...)

	result := Result{
		Compatible:          !hasError(issues),
		IncompatibilityType: NonBreaking,
		Issues:              issues,
	}
	switch {
	case !result.Compatible:
		result.IncompatibilityType = Breaking
		result.Recommendation = fmt.Sprintf("Publish as a new major version (after %s) and run both versions side by side during migration", versionOf(oldSchema))
	case len(issues) > 0:
		result.Recommendation = "Safe to deploy; review warnings with downstream consumers"
	default:
		result.Recommendation = "No compatibility-relevant changes"
	}
	return result
}

// diffRequired compares the required sets.
func diffRequired(oldSchema, newSchema *schema.Document) []Issue {
	var issues []Issue
	for _, name := range sortedSet(newSchema.Required()) {
		if !oldSchema.IsRequired(name) {
			issues = append(issues, Issue{Field: name, Issue: "field added as required", Severity: SeverityError})
		}
	}
	for _, name := range sortedSet(oldSchema.Required()) {
		if !newSchema.IsRequired(name) {
			issues = append(issues, Issue{Field: name, Issue: "required field removed", Severity: SeverityError})
		}
	}
	return issues
}

// diffProperties compares the top-level property definitions.
func diffProperties(oldSchema, newSchema *schema.Document) []Issue {
	var issues []Issue

	for _, name := range oldSchema.PropertyNames() {
		oldProp, _ := oldSchema.Property(name)
		newProp, ok := newSchema.Property(name)
		if !ok {
			issues = append(issues, Issue{Field: name, Issue: "field removed from schema", Severity: SeverityWarning})
			continue
		}

		oldTypes, newTypes := oldProp.Types(), newProp.Types()
		if len(oldTypes) > 0 && len(newTypes) > 0 && !sharesToken(oldTypes, newTypes) {
			issues = append(issues, Issue{
				Field:    name,
				Issue:    fmt.Sprintf("type changed from %s to %s", strings.Join(oldTypes, "|"), strings.Join(newTypes, "|")),
				Severity: SeverityError,
			})
		}

		if oldProp.HasEnum() && newProp.HasEnum() {
			if removed := enumDifference(oldProp.Enum(), newProp.Enum()); len(removed) > 0 {
				issues = append(issues, Issue{
					Field:    name,
					Issue:    "enum values removed: " + strings.Join(removed, ", "),
					Severity: SeverityError,
				})
			}
		}
	}

	for _, name := range newSchema.PropertyNames() {
		if _, ok := oldSchema.Property(name); ok {
			continue
		}
		// A newly required property is already reported by diffRequired.
		if newSchema.IsRequired(name) && !oldSchema.IsRequired(name) {
			continue
		}
		issues = append(issues, Issue{Field: name, Issue: "new optional field added", Severity: SeverityWarning})
	}

	return issues
}

var schemaIDPattern = regexp.MustCompile(`/events/[^/]+/(.+)-v\d+\.json$`)

// eventTypeFromID extracts the dashed event name from a schema id, or "" if
// the id does not follow the registry naming rule.
func eventTypeFromID(id string) string {
	m := schemaIDPattern.FindStringSubmatch(id)
	if m == nil {
		return ""
	}
	return m[1]
}

func versionOf(doc *schema.Document) string {
	if v := doc.Version(); v != "" {
		return v
	}
	return "current version"
}

func hasError(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

func sharesToken(a, b []string) bool {
	for _, t := range a {
		if slices.Contains(b, t) {
			return true
		}
	}
	return false
}

// enumDifference returns the canonical encodings of values in from that are
// absent from to, in their original order.
func enumDifference(from, to []any) []string {
	present := make(map[string]bool, len(to))
	for _, v := range to {
		present[schema.CanonicalValue(v)] = true
	}
	var out []string
	for _, v := range from {
		if c := schema.CanonicalValue(v); !present[c] {
			out = append(out, c)
		}
	}
	return out
}

func sortedSet(names []string) []string {
	out := slices.Clone(names)
	slices.Sort(out)
	return slices.Compact(out)
}
