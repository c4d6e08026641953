package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/envelope"
)

// PayloadPath prefixes every payload error path.
const PayloadPath = "/payload"

var quotedName = regexp.MustCompile(`'([^']+)'`)

// ValidateEvent checks the envelope structure and then its payload against the
// schema registered for (event_type, event_version). Contract violations are
// reported in the result and never returned as errors.
func (r *Registry) ValidateEvent(env envelope.Envelope) envelope.ValidationResult {
	if structural := envelope.Validate(env); !structural.Valid {
		return structural
	}

	doc, ok := r.GetSchema(env.EventType, env.EventVersion)
	if !ok {
		id := r.SchemaID(env.EventType, env.EventVersion)
		return envelope.ValidationResult{
			Errors: []envelope.FieldError{{
				Path:     "event_type",
				Message:  fmt.Sprintf("no schema registered for %s %s", env.EventType, env.EventVersion),
				Expected: id,
				Actual:   env.EventType,
			}},
			SchemaID: id,
		}
	}

	result := envelope.ValidationResult{
		SchemaFound:   true,
		SchemaID:      doc.ID(),
		SchemaVersion: doc.Version(),
	}

	compiled, err := r.validator(doc)
	if err != nil {
		result.Errors = []envelope.FieldError{{
			Path:    PayloadPath,
			Message: fmt.Sprintf("schema %s does not compile: %v", doc.ID(), err),
		}}
		return result
	}

	payload, err := env.PayloadValue()
	if err != nil {
		result.Errors = []envelope.FieldError{{
			Path:    PayloadPath,
			Message: fmt.Sprintf("payload is not valid JSON: %v", err),
		}}
		return result
	}

	if err := compiled.Validate(payload); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			result.Errors = []envelope.FieldError{{Path: PayloadPath, Message: err.Error()}}
			return result
		}
		result.Errors = fieldErrors(verr, doc.tree, payload)
		return result
	}

	result.Valid = true
	return result
}

// compile builds a validator for doc. Schemas are made open-world first so
// producers can add fields without breaking deployed consumers.
func compile(doc *Document) (*jsonschema.Schema, error) {
	data, err := json.Marshal(openWorld(doc.tree))
	if err != nil {
		return nil, fmt.Errorf("encode schema %s: %w", doc.ID(), err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true
	if err := c.AddResource(doc.ID(), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", doc.ID(), err)
	}
	compiled, err := c.Compile(doc.ID())
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", doc.ID(), err)
	}
	return compiled, nil
}

// openWorld returns a copy of v with every "additionalProperties": false removed.
func openWorld(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if k == "additionalProperties" {
				if b, ok := child.(bool); ok && !b {
					continue
				}
			}
			out[k] = openWorld(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = openWorld(child)
		}
		return out
	default:
		return v
	}
}

// fieldErrors flattens the leaf causes of a validation error into payload
// field errors. A missing required property is reported at the property's own
// path rather than at its parent object.
func fieldErrors(verr *jsonschema.ValidationError, tree map[string]any, payload any) []envelope.FieldError {
	var out []envelope.FieldError
	for _, leaf := range leaves(verr) {
		instance := strings.TrimPrefix(leaf.InstanceLocation, "#")
		expected := keywordValue(tree, leaf.AbsoluteKeywordLocation)

		if strings.HasSuffix(leaf.KeywordLocation, "/required") {
			names := quotedName.FindAllStringSubmatch(leaf.Message, -1)
			for _, m := range names {
				out = append(out, envelope.FieldError{
					Path:     PayloadPath + instance + "/" + escapePointer(m[1]),
					Message:  fmt.Sprintf("required property %q is missing", m[1]),
					Expected: expected,
				})
			}
			if len(names) > 0 {
				continue
			}
		}

		actual, _ := resolvePointer(payload, instance)
		out = append(out, envelope.FieldError{
			Path:     PayloadPath + instance,
			Message:  leaf.Message,
			Expected: expected,
			Actual:   actual,
		})
	}
	return out
}

func leaves(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range verr.Causes {
		out = append(out, leaves(cause)...)
	}
	return out
}

// keywordValue returns the schema value an absolute keyword location points at.
func keywordValue(tree map[string]any, location string) any {
	_, fragment, ok := strings.Cut(location, "#")
	if !ok {
		return nil
	}
	if unescaped, err := url.PathUnescape(fragment); err == nil {
		fragment = unescaped
	}
	v, _ := resolvePointer(tree, fragment)
	return v
}

// resolvePointer walks an RFC 6901 JSON pointer through a decoded JSON value.
func resolvePointer(v any, pointer string) (any, bool) {
	if pointer == "" {
		return v, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	for _, token := range strings.Split(pointer[1:], "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		switch node := v.(type) {
		case map[string]any:
			child, ok := node[token]
			if !ok {
				return nil, false
			}
			v = child
		case []any:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			v = node[i]
		default:
			return nil, false
		}
	}
	return v, true
}

func escapePointer(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}
