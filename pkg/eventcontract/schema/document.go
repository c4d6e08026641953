package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrMissingID is returned when a schema document has no $id.
var ErrMissingID = errors.New("schema document has no $id")

// Document is an immutable JSON Schema describing one event payload version.
// Accessors return copies; the decoded tree is never handed out.
type Document struct {
	id         string
	version    string
	title      string
	required   []string
	properties map[string]Property
	tree       map[string]any
	raw        []byte
}

// Property is one entry of a document's top-level "properties" map.
type Property struct {
	name     string
	types    []string
	enum     []any
	hasEnum  bool
	keywords map[string]any
}

// ParseDocument decodes a JSON Schema document.
func ParseDocument(data []byte) (*Document, error) {
	return parseDocument(data, "")
}

// parseDocument decodes data, using fallbackVersion when the document
// carries no "version" keyword.
func parseDocument(data []byte, fallbackVersion string) (*Document, error) {
	tree, err := decodeTree(data)
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	obj, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parse schema: top level must be an object, got %s", jsonType(tree))
	}

	doc := &Document{
		id:         stringValue(obj["$id"]),
		version:    versionValue(obj["version"]),
		title:      stringValue(obj["title"]),
		properties: make(map[string]Property),
		tree:       obj,
	}
	if doc.version == "" {
		doc.version = fallbackVersion
	}

	if req, ok := obj["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				doc.required = append(doc.required, s)
			}
		}
	}

	if props, ok := obj["properties"].(map[string]any); ok {
		for name, def := range props {
			doc.properties[name] = newProperty(name, def)
		}
	}

	doc.raw, err = json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return doc, nil
}

func newProperty(name string, def any) Property {
	p := Property{name: name}
	m, ok := def.(map[string]any)
	if !ok {
		// Boolean schemas (true/false) carry no keywords.
		p.keywords = map[string]any{"$bool": def}
		return p
	}
	p.keywords = m

	switch t := m["type"].(type) {
	case string:
		p.types = []string{t}
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok {
				p.types = append(p.types, s)
			}
		}
	}
	sort.Strings(p.types)

	if e, ok := m["enum"].([]any); ok {
		p.enum = e
		p.hasEnum = true
	}
	return p
}

// ID returns the document's $id.
func (d *Document) ID() string { return d.id }

// Version returns the declared or inferred version (e.g. "v2").
func (d *Document) Version() string { return d.version }

// Title returns the optional title.
func (d *Document) Title() string { return d.title }

// Raw returns the canonical JSON encoding of the document.
func (d *Document) Raw() []byte { return bytes.Clone(d.raw) }

// Required returns the top-level required property names.
func (d *Document) Required() []string { return slices.Clone(d.required) }

// IsRequired reports whether name is in the required set.
func (d *Document) IsRequired(name string) bool {
	return slices.Contains(d.required, name)
}

// Property returns the named top-level property.
func (d *Document) Property(name string) (Property, bool) {
	p, ok := d.properties[name]
	return p, ok
}

// PropertyNames returns the top-level property names in sorted order.
func (d *Document) PropertyNames() []string {
	names := make([]string, 0, len(d.properties))
	for name := range d.properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the property name.
func (p Property) Name() string { return p.name }

// Types returns the declared type tokens, sorted.
func (p Property) Types() []string { return slices.Clone(p.types) }

// HasEnum reports whether the property declares an enum.
func (p Property) HasEnum() bool { return p.hasEnum }

// Enum returns the enum values, decoded with json.Number for numbers.
func (p Property) Enum() []any { return slices.Clone(p.enum) }

// Canonical returns the canonical JSON encoding of the property definition.
func (p Property) Canonical() string {
	return canonical(p.keywords)
}

// CanonicalWithout returns the canonical encoding with the given keywords removed.
func (p Property) CanonicalWithout(keywords ...string) string {
	rest := make(map[string]any, len(p.keywords))
	for k, v := range p.keywords {
		if !slices.Contains(keywords, k) {
			rest[k] = v
		}
	}
	return canonical(rest)
}

// CanonicalValue encodes a decoded JSON value with sorted object keys so that
// equal values produce equal strings.
func CanonicalValue(v any) string {
	return canonical(v)
}

func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func decodeTree(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after schema document")
	}
	return v, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func versionValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return "v" + val.String()
	default:
		return ""
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
