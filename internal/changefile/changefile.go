// Package changefile reads the YAML change-set files accepted by
// `warren submit` and converts them into validated specgraph change sets.
//
// The file format mirrors the wire model but stays author-friendly: entity
// revisions are never written (the engine assigns them), and relation edges
// omit their `from` side because it is always the declaring entity.
package changefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/warren/pkg/specgraph"
)

// File is one parsed change-set document.
type File struct {
	// Issue is the originating tracker issue. The --issue flag overrides it.
	Issue string `yaml:"issue,omitempty"`

	Changes []Change `yaml:"changes"`
}

// Change is one entity mutation as authored in YAML.
type Change struct {
	Op string `yaml:"op"` // create, update or delete

	// EntityID names the target for delete changes. Create and update take
	// the target from the entity payload instead.
	EntityID string `yaml:"entity_id,omitempty"`

	// ExpectedRevision is the revision the author observed. Required for
	// update and delete, absent for create.
	ExpectedRevision int64 `yaml:"expected_revision,omitempty"`

	Entity *Entity `yaml:"entity,omitempty"`
}

// Entity is the desired entity state for create and update changes.
type Entity struct {
	ID        string           `yaml:"id"`
	Kind      string           `yaml:"kind"`
	Fields    map[string]Field `yaml:"fields,omitempty"`
	Relations []RelationRef    `yaml:"relations,omitempty"`
	Tags      TagSet           `yaml:"tags,omitempty"`
}

// Field describes one entity field.
type Field struct {
	Type     string `yaml:"type"`
	Required bool   `yaml:"required,omitempty"`
	Unique   bool   `yaml:"unique,omitempty"`
	Default  string `yaml:"default,omitempty"`
	Doc      string `yaml:"doc,omitempty"`
}

// RelationRef is an outgoing dependency edge. The from side is implied.
type RelationRef struct {
	To   string `yaml:"to"`
	Kind string `yaml:"kind"`
}

// TagSet carries entity metadata.
type TagSet struct {
	Criticality string            `yaml:"criticality,omitempty"`
	Owner       string            `yaml:"owner,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// Load reads and parses a change-set file.
func Load(path string) (*File, specgraph.ChangeSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read change file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a change-set document and converts it to a validated
// specgraph.ChangeSet. Unknown YAML keys are rejected so typos surface at
// submit time rather than as silently dropped fields.
func Parse(data []byte) (*File, specgraph.ChangeSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("change file is empty")
		}
		return nil, nil, fmt.Errorf("failed to parse change file: %w", err)
	}

	if len(file.Changes) == 0 {
		return nil, nil, fmt.Errorf("change file declares no changes")
	}

	cs := make(specgraph.ChangeSet, 0, len(file.Changes))
	for i, ch := range file.Changes {
		converted, err := ch.convert()
		if err != nil {
			return nil, nil, fmt.Errorf("change %d: %w", i, err)
		}
		cs = append(cs, converted)
	}

	if err := cs.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid change set: %w", err)
	}

	return &file, cs, nil
}

// convert maps one authored change onto the wire model.
func (ch Change) convert() (specgraph.EntityChange, error) {
	out := specgraph.EntityChange{
		Op:               specgraph.ChangeOp(ch.Op),
		ExpectedRevision: ch.ExpectedRevision,
	}

	switch out.Op {
	case specgraph.OpCreate, specgraph.OpUpdate:
		if ch.Entity == nil {
			return out, fmt.Errorf("%s change needs an entity block", ch.Op)
		}
		if ch.EntityID != "" && ch.EntityID != ch.Entity.ID {
			return out, fmt.Errorf("entity_id %q contradicts entity.id %q", ch.EntityID, ch.Entity.ID)
		}
		out.EntityID = ch.Entity.ID
		out.Entity = ch.Entity.convert()
	case specgraph.OpDelete:
		if ch.EntityID == "" {
			return out, fmt.Errorf("delete change needs entity_id")
		}
		if ch.Entity != nil {
			return out, fmt.Errorf("delete change must not carry an entity block")
		}
		out.EntityID = ch.EntityID
	default:
		return out, fmt.Errorf("unknown op: %q (use create, update or delete)", ch.Op)
	}

	return out, nil
}

// convert maps the authored entity onto a SpecEntity, filling the implied
// from side of each relation. Revision stays zero; the engine assigns it.
func (e *Entity) convert() *specgraph.SpecEntity {
	out := &specgraph.SpecEntity{
		ID:   e.ID,
		Kind: specgraph.EntityKind(e.Kind),
		Tags: specgraph.Tags{
			Criticality: specgraph.Criticality(e.Tags.Criticality),
			Owner:       e.Tags.Owner,
		},
	}

	if len(e.Fields) > 0 {
		out.Fields = make(map[string]specgraph.FieldDescriptor, len(e.Fields))
		for name, f := range e.Fields {
			out.Fields[name] = specgraph.FieldDescriptor{
				Type:     specgraph.FieldType(f.Type),
				Required: f.Required,
				Unique:   f.Unique,
				Default:  f.Default,
				Doc:      f.Doc,
			}
		}
	}

	for _, rel := range e.Relations {
		out.Relations = append(out.Relations, specgraph.Relation{
			From: e.ID,
			To:   rel.To,
			Kind: specgraph.RelationKind(rel.Kind),
		})
	}

	if len(e.Tags.Labels) > 0 {
		out.Tags.Labels = make(map[string]string, len(e.Tags.Labels))
		for k, v := range e.Tags.Labels {
			out.Tags.Labels[k] = v
		}
	}

	return out
}
