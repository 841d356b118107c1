// Package specgraph models the specification graph: typed entities, the
// dependency edges between them, and immutable published snapshots.
//
// The graph is the single source of truth the orchestration engine mutates.
// All mutation happens through ChangeSets applied to private forks; a
// published Graph value is never modified in place.
package specgraph

import (
	"fmt"
	"regexp"
)

// SpecEntity is one named, typed specification object (for example a data
// entity or a service definition). The ID is immutable once created; the
// Revision counter strictly increases on every accepted mutation.
type SpecEntity struct {
	ID        string                     `json:"id"`                  // Immutable identifier (lowercase, [a-z][a-z0-9_]*)
	Kind      EntityKind                 `json:"kind"`                // What the entity describes
	Revision  int64                      `json:"revision"`            // Starts at 1, +1 per accepted mutation
	Fields    map[string]FieldDescriptor `json:"fields"`              // Field name → descriptor
	Relations []Relation                 `json:"relations,omitempty"` // Outgoing typed references
	Tags      Tags                       `json:"tags"`                // Criticality, ownership, labels
}

// EntityKind classifies what a spec entity describes.
type EntityKind string

const (
	// KindEntity is a persisted data entity (fields become columns).
	KindEntity EntityKind = "entity"

	// KindService is a service or endpoint definition.
	KindService EntityKind = "service"

	// KindEvent is an emitted domain event.
	KindEvent EntityKind = "event"

	// KindWorkflow is a multi-step process triggered by events.
	KindWorkflow EntityKind = "workflow"
)

// FieldDescriptor describes one field of a spec entity.
type FieldDescriptor struct {
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Unique   bool      `json:"unique,omitempty"`
	Default  string    `json:"default,omitempty"`
	Doc      string    `json:"doc,omitempty"`
}

// FieldType is the column vocabulary shared with the generator.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldText     FieldType = "text"
	FieldInt      FieldType = "int"
	FieldFloat    FieldType = "float"
	FieldBool     FieldType = "bool"
	FieldDatetime FieldType = "datetime"
	FieldUUID     FieldType = "uuid"
	FieldJSON     FieldType = "json"
)

// Relation is a directed dependency edge between two entity IDs.
type Relation struct {
	From string       `json:"from"` // Owning entity ID
	To   string       `json:"to"`   // Referenced entity ID
	Kind RelationKind `json:"kind"`
}

// RelationKind is the type of a dependency edge. Cycles are rejected except
// among kinds listed in DefaultCycleWhitelist.
type RelationKind string

const (
	// RelationReferences is a structural reference (foreign key, import).
	RelationReferences RelationKind = "references"

	// RelationProduces marks the target as generated from the source.
	RelationProduces RelationKind = "produces"

	// RelationTriggers is an event-style edge; cycles are tolerated here.
	RelationTriggers RelationKind = "triggers"
)

// DefaultCycleWhitelist lists the relation kinds allowed to form cycles.
// Event loops (A triggers B triggers A) are legitimate; structural reference
// cycles are not.
var DefaultCycleWhitelist = map[RelationKind]bool{
	RelationTriggers: true,
}

// Tags carries entity metadata used by risk scoring and reporting.
type Tags struct {
	Criticality Criticality       `json:"criticality,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Criticality ranks how dangerous it is to change an entity.
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Weight returns the numeric weight of a criticality tag for risk scoring.
// Unset or unknown tags weigh the same as low.
func (c Criticality) Weight() int {
	switch c {
	case CriticalityMedium:
		return 2
	case CriticalityHigh:
		return 3
	case CriticalityCritical:
		return 4
	default:
		return 1
	}
}

// Max returns the higher of two criticalities.
func (c Criticality) Max(other Criticality) Criticality {
	if other.Weight() > c.Weight() {
		return other
	}
	return c
}

// identifierPattern is the grammar for entity IDs and field names.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reservedFieldNames are columns the generator adds implicitly; spec entities
// may not declare them.
var reservedFieldNames = map[string]bool{
	"id":         true,
	"revision":   true,
	"created_at": true,
	"updated_at": true,
}

// ValidIdentifier reports whether s is a legal entity ID or field name.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Validate checks the EntityKind is a known value.
func (k EntityKind) Validate() error {
	switch k {
	case KindEntity, KindService, KindEvent, KindWorkflow:
		return nil
	default:
		return fmt.Errorf("unknown entity kind: %q", k)
	}
}

// Validate checks the FieldType is a known value.
func (ft FieldType) Validate() error {
	switch ft {
	case FieldString, FieldText, FieldInt, FieldFloat, FieldBool,
		FieldDatetime, FieldUUID, FieldJSON:
		return nil
	default:
		return fmt.Errorf("unknown field type: %q", ft)
	}
}

// Validate checks the RelationKind is a known value.
func (rk RelationKind) Validate() error {
	switch rk {
	case RelationReferences, RelationProduces, RelationTriggers:
		return nil
	default:
		return fmt.Errorf("unknown relation kind: %q", rk)
	}
}

// Validate checks the Criticality is a known value. The empty string is
// permitted and treated as low.
func (c Criticality) Validate() error {
	switch c {
	case "", CriticalityLow, CriticalityMedium, CriticalityHigh, CriticalityCritical:
		return nil
	default:
		return fmt.Errorf("unknown criticality: %q", c)
	}
}

// Validate checks entity-local constraints: identifier grammar, known kind,
// field descriptors, and relation shape. Referential integrity against the
// rest of the graph is checked at apply time, not here.
func (e *SpecEntity) Validate() error {
	if !ValidIdentifier(e.ID) {
		return &ValidationError{EntityID: e.ID, Reason: "entity ID must match [a-z][a-z0-9_]*"}
	}

	if err := e.Kind.Validate(); err != nil {
		return &ValidationError{EntityID: e.ID, Reason: err.Error()}
	}

	if e.Revision < 0 {
		return &ValidationError{EntityID: e.ID, Reason: fmt.Sprintf("revision must not be negative, got %d", e.Revision)}
	}

	for name, fd := range e.Fields {
		if !ValidIdentifier(name) {
			return &ValidationError{EntityID: e.ID, Field: name, Reason: "field name must match [a-z][a-z0-9_]*"}
		}
		if reservedFieldNames[name] {
			return &ValidationError{EntityID: e.ID, Field: name, Reason: "field name is reserved"}
		}
		if err := fd.Type.Validate(); err != nil {
			return &ValidationError{EntityID: e.ID, Field: name, Reason: err.Error()}
		}
	}

	for _, rel := range e.Relations {
		if rel.From != e.ID {
			return &ValidationError{EntityID: e.ID, Reason: fmt.Sprintf("relation from %q does not belong to this entity", rel.From)}
		}
		if !ValidIdentifier(rel.To) {
			return &ValidationError{EntityID: e.ID, Reason: fmt.Sprintf("relation target %q is not a valid identifier", rel.To)}
		}
		if err := rel.Kind.Validate(); err != nil {
			return &ValidationError{EntityID: e.ID, Reason: err.Error()}
		}
	}

	if err := e.Tags.Criticality.Validate(); err != nil {
		return &ValidationError{EntityID: e.ID, Reason: err.Error()}
	}

	return nil
}

// Clone returns a deep copy of the entity.
func (e *SpecEntity) Clone() *SpecEntity {
	cp := &SpecEntity{
		ID:       e.ID,
		Kind:     e.Kind,
		Revision: e.Revision,
		Tags: Tags{
			Criticality: e.Tags.Criticality,
			Owner:       e.Tags.Owner,
		},
	}

	if e.Fields != nil {
		cp.Fields = make(map[string]FieldDescriptor, len(e.Fields))
		for name, fd := range e.Fields {
			cp.Fields[name] = fd
		}
	}

	if e.Relations != nil {
		cp.Relations = make([]Relation, len(e.Relations))
		copy(cp.Relations, e.Relations)
	}

	if e.Tags.Labels != nil {
		cp.Tags.Labels = make(map[string]string, len(e.Tags.Labels))
		for k, v := range e.Tags.Labels {
			cp.Tags.Labels[k] = v
		}
	}

	return cp
}
