package specgraph

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// ChangeOp is the kind of mutation a change applies to one entity.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// Validate checks the ChangeOp is a known value.
func (op ChangeOp) Validate() error {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return nil
	default:
		return fmt.Errorf("unknown change op: %q", op)
	}
}

// EntityChange is one entity-level mutation within a change set.
// Create and Update carry the full desired entity state; Delete carries only
// the entity ID. ExpectedRevision is the revision the author observed and is
// enforced at apply time (optimistic concurrency).
type EntityChange struct {
	Op               ChangeOp    `json:"op"`
	EntityID         string      `json:"entity_id"`
	Entity           *SpecEntity `json:"entity,omitempty"`            // Desired state for create/update
	ExpectedRevision int64       `json:"expected_revision,omitempty"` // 0 for create
}

// ChangeSet is the ordered list of entity mutations one ChangeRequest carries.
// Each entity may appear at most once per set.
type ChangeSet []EntityChange

// Validate checks set-level structure: known ops, entity payload presence,
// identifier grammar, no duplicate targets. Referential integrity and
// revision checks happen against a concrete graph in Graph.Apply.
func (cs ChangeSet) Validate() error {
	if len(cs) == 0 {
		return &ValidationError{Reason: "change set touches no entities"}
	}

	seen := make(map[string]bool, len(cs))
	for i, ch := range cs {
		if err := ch.Op.Validate(); err != nil {
			return &ValidationError{Reason: fmt.Sprintf("change %d: %v", i, err)}
		}

		if !ValidIdentifier(ch.EntityID) {
			return &ValidationError{EntityID: ch.EntityID, Reason: "entity ID must match [a-z][a-z0-9_]*"}
		}

		if seen[ch.EntityID] {
			return &ValidationError{EntityID: ch.EntityID, Reason: "entity appears more than once in change set"}
		}
		seen[ch.EntityID] = true

		switch ch.Op {
		case OpCreate, OpUpdate:
			if ch.Entity == nil {
				return &ValidationError{EntityID: ch.EntityID, Reason: fmt.Sprintf("%s change carries no entity payload", ch.Op)}
			}
			if ch.Entity.ID != ch.EntityID {
				return &ValidationError{EntityID: ch.EntityID, Reason: fmt.Sprintf("payload entity ID %q does not match change target", ch.Entity.ID)}
			}
			if err := ch.Entity.Validate(); err != nil {
				return err
			}
			if ch.Op == OpCreate && ch.ExpectedRevision != 0 {
				return &ValidationError{EntityID: ch.EntityID, Reason: "create must not carry an expected revision"}
			}
		case OpDelete:
			if ch.Entity != nil {
				return &ValidationError{EntityID: ch.EntityID, Reason: "delete must not carry an entity payload"}
			}
		}
	}

	return nil
}

// TouchedIDs returns the set of entity IDs this change set mutates directly.
func (cs ChangeSet) TouchedIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(cs))
	for _, ch := range cs {
		ids[ch.EntityID] = struct{}{}
	}
	return ids
}

// TouchedList returns the touched entity IDs sorted, for stable logs and diffs.
func (cs ChangeSet) TouchedList() []string {
	ids := make([]string, 0, len(cs))
	for id := range cs.TouchedIDs() {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Bump is the semantic-version increment a publish applies to the snapshot
// version.
type Bump string

const (
	BumpMajor Bump = "major"
	BumpMinor Bump = "minor"
	BumpPatch Bump = "patch"
)

// ComputeBump derives the version bump a change set implies against the
// graph it will be applied to. Deletions and field removals are breaking
// (major); new entities are additive (minor); everything else is a patch.
func ComputeBump(g *Graph, cs ChangeSet) Bump {
	bump := BumpPatch
	for _, ch := range cs {
		switch ch.Op {
		case OpDelete:
			return BumpMajor
		case OpCreate:
			bump = BumpMinor
		case OpUpdate:
			if removesFields(g, ch) {
				return BumpMajor
			}
		}
	}
	return bump
}

// removesFields reports whether an update drops a field that exists on the
// current entity. Missing current entity means the revision check will fail
// later anyway, so no bump opinion is needed.
func removesFields(g *Graph, ch EntityChange) bool {
	current, ok := g.entities[ch.EntityID]
	if !ok || ch.Entity == nil {
		return false
	}
	for name := range current.Fields {
		if _, kept := ch.Entity.Fields[name]; !kept {
			return true
		}
	}
	return false
}

// NextVersion advances a semantic version string by the given bump.
// The zero value "0.0.0" is used when the graph has never been published.
func NextVersion(current string, bump Bump) (string, error) {
	if current == "" {
		current = "0.0.0"
	}

	v, err := semver.NewVersion(current)
	if err != nil {
		return "", fmt.Errorf("current snapshot version %q is not semver: %w", current, err)
	}

	var next semver.Version
	switch bump {
	case BumpMajor:
		next = v.IncMajor()
	case BumpMinor:
		next = v.IncMinor()
	default:
		next = v.IncPatch()
	}

	return next.String(), nil
}
