// Package schema loads versioned JSON Schemas for event payloads and validates
// envelopes against them.
//
// A Registry is constructed explicitly and passed to whoever validates events;
// there is no process-wide instance. Schema documents are keyed by a
// deterministic id built from the event type and version:
//
//	https://schemas.<namespace>/events/<domain>/<domain>-<action>-v<N>.json
//
// Compiled validators are cached per id on first use.
package schema

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/observability"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/registry"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "eventcontract.local"

// IndexFile is the registry index that sits next to schema files and is never
// loaded as a schema itself.
const IndexFile = "registry.json"

var filenameVersion = regexp.MustCompile(`-v(\d+)\.json$`)

// compiledEntry pins a compiled validator to the document it was built from,
// so a replaced document never reuses a stale validator.
type compiledEntry struct {
	doc    *Document
	schema *jsonschema.Schema
}

// Registry holds schema documents and their compiled validators.
// It is safe for concurrent use.
type Registry struct {
	namespace string
	logger    *slog.Logger

	documents *registry.Registry[string, *Document]
	compiled  *registry.Registry[string, compiledEntry]
}

// Option configures a Registry.
type Option func(*Registry)

// WithNamespace sets the host suffix used in schema ids.
func WithNamespace(ns string) Option {
	return func(r *Registry) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

// WithLogger sets the logger used for bulk-load diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	registerFormats()

	r := &Registry{
		namespace: DefaultNamespace,
		documents: registry.New[string, *Document](),
		compiled:  registry.New[string, compiledEntry](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Namespace returns the configured namespace.
func (r *Registry) Namespace() string {
	return r.namespace
}

// SchemaID builds the deterministic schema id for an event type and version.
// Versions may be given as "v2" or "2"; empty means v1.
func (r *Registry) SchemaID(eventType, version string) string {
	domain, _, _ := strings.Cut(eventType, ".")
	name := strings.ReplaceAll(eventType, ".", "-")
	return fmt.Sprintf("https://schemas.%s/events/%s/%s-%s.json", r.namespace, domain, name, NormalizeVersion(version))
}

// NormalizeVersion turns "2" into "v2" and "" into "v1".
func NormalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	switch {
	case version == "":
		return "v1"
	case strings.HasPrefix(version, "v"):
		return version
	default:
		return "v" + version
	}
}

// Register adds a parsed document. A document with the same $id replaces the
// previous one.
func (r *Registry) Register(doc *Document) error {
	if doc == nil || doc.ID() == "" {
		return ErrMissingID
	}
	r.documents.Register(doc.ID(), doc)
	return nil
}

// LoadSchema reads one schema file, infers its version from the filename when
// the document omits one, and caches it by $id.
func (r *Registry) LoadSchema(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}

	fallback := ""
	if m := filenameVersion.FindStringSubmatch(filepath.Base(path)); m != nil {
		fallback = "v" + m[1]
	}

	doc, err := parseDocument(data, fallback)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", path, err)
	}
	if err := r.Register(doc); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", path, err)
	}
	return doc, nil
}

// LoadFailure records one file that could not be loaded.
type LoadFailure struct {
	Path string
	Err  error
}

// LoadReport summarizes a bulk load.
type LoadReport struct {
	Loaded []string
	Failed []LoadFailure
}

// LoadAll recursively loads every .json file under dir except the registry
// index. A file that fails to load is logged and skipped; only a failure to
// walk dir itself is returned as an error.
func (r *Registry) LoadAll(dir string) (LoadReport, error) {
	var report LoadReport

	if _, err := os.Stat(dir); err != nil {
		return report, fmt.Errorf("load schemas from %s: %w", dir, err)
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			report.Failed = append(report.Failed, LoadFailure{Path: path, Err: walkErr})
			observability.LogSchemaLoadFailed(r.logger, path, walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") || d.Name() == IndexFile {
			return nil
		}

		doc, err := r.LoadSchema(path)
		if err != nil {
			report.Failed = append(report.Failed, LoadFailure{Path: path, Err: err})
			observability.LogSchemaLoadFailed(r.logger, path, err)
			return nil
		}
		report.Loaded = append(report.Loaded, doc.ID())
		observability.LogSchemaLoaded(r.logger, doc.ID(), doc.Version(), path)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("load schemas from %s: %w", dir, err)
	}
	return report, nil
}

// GetSchema returns the document for an event type and version.
func (r *Registry) GetSchema(eventType, version string) (*Document, bool) {
	return r.documents.Get(r.SchemaID(eventType, version))
}

// Get returns the document with the given $id.
func (r *Registry) Get(id string) (*Document, bool) {
	return r.documents.Get(id)
}

// Schemas returns all registered schema ids in sorted order.
func (r *Registry) Schemas() []string {
	return registry.SortedKeys(r.documents)
}

// Versions returns the registered versions of an event type, lowest first.
func (r *Registry) Versions(eventType string) []string {
	prefix := strings.TrimSuffix(r.SchemaID(eventType, "v0"), "v0.json")

	var versions []int
	for _, id := range r.Schemas() {
		rest, ok := strings.CutPrefix(id, prefix)
		if !ok {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(rest, "v%d.json", &n); err == nil && fmt.Sprintf("v%d.json", n) == rest {
			versions = append(versions, n)
		}
	}

	slices.Sort(versions)
	out := make([]string, len(versions))
	for i, n := range versions {
		out[i] = fmt.Sprintf("v%d", n)
	}
	return out
}

// LatestVersion returns the highest registered version of an event type.
func (r *Registry) LatestVersion(eventType string) (string, bool) {
	versions := r.Versions(eventType)
	if len(versions) == 0 {
		return "", false
	}
	return versions[len(versions)-1], true
}

// validator returns the compiled validator for doc, compiling on first use.
// Concurrent first uses may compile twice; one result is kept.
func (r *Registry) validator(doc *Document) (*jsonschema.Schema, error) {
	if entry, ok := r.compiled.Get(doc.ID()); ok && entry.doc == doc {
		return entry.schema, nil
	}

	compiled, err := compile(doc)
	if err != nil {
		return nil, err
	}

	entry, loaded := r.compiled.LoadOrStore(doc.ID(), compiledEntry{doc: doc, schema: compiled})
	if loaded && entry.doc != doc {
		// The cached validator belongs to a replaced document.
		r.compiled.Register(doc.ID(), compiledEntry{doc: doc, schema: compiled})
		return compiled, nil
	}
	return entry.schema, nil
}
