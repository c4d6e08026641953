package compat

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/schema"
)

// Direction classifies a schema evolution.
type Direction string

const (
	BackwardCompatible Direction = "backward-compatible"
	ForwardCompatible  Direction = "forward-compatible"
	DirectionBreaking  Direction = "breaking"
	DirectionUnknown   Direction = "unknown"
)

// ChangeType names one kind of property difference.
type ChangeType string

const (
	FieldAdded        ChangeType = "field_added"
	FieldRemoved      ChangeType = "field_removed"
	FieldTypeChanged  ChangeType = "field_type_changed"
	EnumAdded         ChangeType = "enum_added"
	EnumRemoved       ChangeType = "enum_removed"
	ConstraintChanged ChangeType = "constraint_changed"
)

// Impact strings attached to changes.
const (
	ImpactBreaking            = "breaking"
	ImpactBreakingOldConsumer = "breaking for old consumers"
	ImpactNonBreaking         = "non-breaking"
	ImpactPotentialBreaking   = "potential breaking"
)

// Change is one property-level difference between two schemas.
type Change struct {
	Type        ChangeType `json:"type"`
	Path        string     `json:"path"`
	Description string     `json:"description"`
	Impact      string     `json:"impact"`
}

// EvolutionResult is the outcome of CheckEvolution.
type EvolutionResult struct {
	Direction Direction `json:"direction"`
	IsSafe    bool      `json:"isSafe"`
	Changes   []Change  `json:"changes"`

	// Forward is CheckCompatibility(old, new); Reverse is CheckCompatibility(new, old).
	Forward Result `json:"forward"`
	Reverse Result `json:"reverse"`
}

// Breaking returns the changes whose impact is breaking.
func (r EvolutionResult) Breaking() []Change {
	var out []Change
	for _, c := range r.Changes {
		if strings.HasPrefix(c.Impact, ImpactBreaking) {
			out = append(out, c)
		}
	}
	return out
}

// CheckEvolution classifies the move from oldSchema to newSchema and lists
// every property that differs between them.
func CheckEvolution(oldSchema, newSchema *schema.Document) EvolutionResult {
	forward := CheckCompatibility(oldSchema, newSchema)
	reverse := CheckCompatibility(newSchema, oldSchema)

	result := EvolutionResult{
		Direction: classify(forward, reverse),
		Forward:   forward,
		Reverse:   reverse,
		Changes:   []Change{},
	}
	result.IsSafe = result.Direction == BackwardCompatible

	if oldSchema != nil && newSchema != nil {
		result.Changes = append(result.Changes, diffChanges(oldSchema, newSchema)...)
	}
	return result
}

func classify(forward, reverse Result) Direction {
	switch {
	case forward.IncompatibilityType == VersionMismatch || reverse.IncompatibilityType == VersionMismatch:
		return DirectionUnknown
	case forward.Compatible:
		return BackwardCompatible
	case reverse.Compatible:
		return ForwardCompatible
	default:
		return DirectionBreaking
	}
}

// diffChanges walks every property named in either schema's properties or
// required set. A property is omitted only when its definition and required
// flag are identical on both sides.
func diffChanges(oldSchema, newSchema *schema.Document) []Change {
	var changes []Change

	for _, name := range fieldNames(oldSchema, newSchema) {
		path := "/properties/" + name
		oldProp, inOld := oldSchema.Property(name)
		newProp, inNew := newSchema.Property(name)
		oldReq, newReq := oldSchema.IsRequired(name), newSchema.IsRequired(name)
		oldPresent, newPresent := inOld || oldReq, inNew || newReq

		switch {
		case !oldPresent:
			impact := ImpactNonBreaking
			desc := fmt.Sprintf("optional field %q added", name)
			if newReq {
				impact = ImpactBreakingOldConsumer
				desc = fmt.Sprintf("required field %q added", name)
			}
			changes = append(changes, Change{Type: FieldAdded, Path: path, Description: desc, Impact: impact})
			continue

		case !newPresent:
			impact := ImpactPotentialBreaking
			desc := fmt.Sprintf("optional field %q removed", name)
			if oldReq {
				impact = ImpactBreaking
				desc = fmt.Sprintf("required field %q removed", name)
			}
			changes = append(changes, Change{Type: FieldRemoved, Path: path, Description: desc, Impact: impact})
			continue
		}

		if oldReq != newReq {
			desc := fmt.Sprintf("field %q is now required", name)
			if oldReq {
				desc = fmt.Sprintf("field %q is no longer required", name)
			}
			changes = append(changes, Change{Type: ConstraintChanged, Path: path + "/required", Description: desc, Impact: ImpactBreaking})
		}

		switch {
		case inOld && inNew:
			changes = append(changes, diffProperty(path, oldProp, newProp)...)
		case inNew:
			changes = append(changes, Change{
				Type:        ConstraintChanged,
				Path:        path,
				Description: fmt.Sprintf("definition added for required field %q", name),
				Impact:      ImpactPotentialBreaking,
			})
		case inOld:
			changes = append(changes, Change{
				Type:        ConstraintChanged,
				Path:        path,
				Description: fmt.Sprintf("definition removed for required field %q", name),
				Impact:      ImpactPotentialBreaking,
			})
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Path != changes[j].Path {
			return changes[i].Path < changes[j].Path
		}
		return changes[i].Type < changes[j].Type
	})
	return changes
}

// diffProperty compares two definitions of the same property.
func diffProperty(path string, oldProp, newProp schema.Property) []Change {
	if oldProp.Canonical() == newProp.Canonical() {
		return nil
	}
	var changes []Change
	name := oldProp.Name()

	oldTypes, newTypes := oldProp.Types(), newProp.Types()
	if !slices.Equal(oldTypes, newTypes) {
		changes = append(changes, Change{
			Type:        FieldTypeChanged,
			Path:        path,
			Description: fmt.Sprintf("type of %q changed from %s to %s", name, typeList(oldTypes), typeList(newTypes)),
			Impact:      ImpactBreaking,
		})
	}

	switch {
	case oldProp.HasEnum() && newProp.HasEnum():
		added := enumDifference(newProp.Enum(), oldProp.Enum())
		removed := enumDifference(oldProp.Enum(), newProp.Enum())
		if len(added) > 0 {
			changes = append(changes, Change{
				Type:        EnumAdded,
				Path:        path + "/enum",
				Description: fmt.Sprintf("enum values added to %q: %s", name, strings.Join(added, ", ")),
				Impact:      ImpactNonBreaking,
			})
		}
		if len(removed) > 0 {
			changes = append(changes, Change{
				Type:        EnumRemoved,
				Path:        path + "/enum",
				Description: fmt.Sprintf("enum values removed from %q: %s", name, strings.Join(removed, ", ")),
				Impact:      ImpactBreaking,
			})
		}
		if len(added) == 0 && len(removed) == 0 &&
			schema.CanonicalValue(oldProp.Enum()) != schema.CanonicalValue(newProp.Enum()) {
			changes = append(changes, Change{
				Type:        ConstraintChanged,
				Path:        path + "/enum",
				Description: fmt.Sprintf("enum values of %q reordered", name),
				Impact:      ImpactNonBreaking,
			})
		}
	case newProp.HasEnum():
		changes = append(changes, Change{
			Type:        ConstraintChanged,
			Path:        path + "/enum",
			Description: fmt.Sprintf("enum introduced on %q", name),
			Impact:      ImpactBreaking,
		})
	case oldProp.HasEnum():
		changes = append(changes, Change{
			Type:        ConstraintChanged,
			Path:        path + "/enum",
			Description: fmt.Sprintf("enum dropped from %q", name),
			Impact:      ImpactNonBreaking,
		})
	}

	if oldProp.CanonicalWithout("type", "enum") != newProp.CanonicalWithout("type", "enum") {
		changes = append(changes, Change{
			Type:        ConstraintChanged,
			Path:        path,
			Description: fmt.Sprintf("constraints of %q changed", name),
			Impact:      ImpactPotentialBreaking,
		})
	}

	if len(changes) == 0 {
		// Canonical forms differ only in how "type" is spelled, e.g. "string" vs ["string"].
		changes = append(changes, Change{
			Type:        ConstraintChanged,
			Path:        path,
			Description: fmt.Sprintf("definition of %q rewritten", name),
			Impact:      ImpactNonBreaking,
		})
	}
	return changes
}

func fieldNames(docs ...*schema.Document) []string {
	var names []string
	for _, d := range docs {
		names = append(names, d.PropertyNames()...)
		names = append(names, d.Required()...)
	}
	return sortedSet(names)
}

func typeList(types []string) string {
	if len(types) == 0 {
		return "any"
	}
	return strings.Join(types, "|")
}
