package specgraph

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Graph is one published snapshot of the specification graph: the full set of
// entities and their dependency edges at a given revision. Published snapshots
// are immutable; mutation goes through Fork (for workspace copies) and Apply
// (which returns a new Graph and never touches the receiver).
type Graph struct {
	Revision    int64     // Graph revision, +1 per publish, 0 for the empty bootstrap graph
	Version     string    // Semantic version of the snapshot ("0.0.0" before first publish)
	PublishedAt time.Time // When this snapshot was published
	PublishedBy string    // ChangeRequest ID that produced it, empty for bootstrap

	entities map[string]*SpecEntity
	reverse  map[string][]string // entity ID → IDs of entities holding a relation to it
}

// NewGraph returns the empty bootstrap graph at revision 0.
func NewGraph() *Graph {
	return &Graph{
		Version:  "0.0.0",
		entities: make(map[string]*SpecEntity),
		reverse:  make(map[string][]string),
	}
}

// Fork returns a deep copy for private workspace mutation. The original is
// unaffected by anything done to the fork.
func (g *Graph) Fork() *Graph {
	next := &Graph{
		Revision:    g.Revision,
		Version:     g.Version,
		PublishedAt: g.PublishedAt,
		PublishedBy: g.PublishedBy,
		entities:    make(map[string]*SpecEntity, len(g.entities)),
	}
	for id, e := range g.entities {
		next.entities[id] = e.Clone()
	}
	next.rebuildIndex()
	return next
}

// Len returns the number of entities in the snapshot.
func (g *Graph) Len() int {
	return len(g.entities)
}

// Entity returns a copy of the named entity, or false when it does not exist.
func (g *Graph) Entity(id string) (*SpecEntity, bool) {
	e, ok := g.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// EntityIDs returns all entity IDs in sorted order.
func (g *Graph) EntityIDs() []string {
	ids := make([]string, 0, len(g.entities))
	for id := range g.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entities returns copies of all entities in ID order.
func (g *Graph) Entities() []*SpecEntity {
	out := make([]*SpecEntity, 0, len(g.entities))
	for _, id := range g.EntityIDs() {
		out = append(out, g.entities[id].Clone())
	}
	return out
}

// Relations returns every dependency edge in the snapshot, sorted.
func (g *Graph) Relations() []Relation {
	var out []Relation
	for _, id := range g.EntityIDs() {
		out = append(out, g.entities[id].Relations...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// AddEntity inserts a new entity into the graph. Intended for private forks;
// relation targets must already exist. A zero revision is initialised to 1.
func (g *Graph) AddEntity(e *SpecEntity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	if _, exists := g.entities[e.ID]; exists {
		return &ValidationError{EntityID: e.ID, Reason: "entity already exists"}
	}

	for _, rel := range e.Relations {
		if _, ok := g.entities[rel.To]; !ok {
			return &ValidationError{EntityID: e.ID, Reason: fmt.Sprintf("relation target %q does not exist", rel.To)}
		}
	}

	if err := g.DetectCycles(e.Relations); err != nil {
		return err
	}

	stored := e.Clone()
	if stored.Revision == 0 {
		stored.Revision = 1
	}
	g.entities[stored.ID] = stored
	g.rebuildIndex()
	return nil
}

// UpdateEntity replaces the named entity with the desired state. The caller's
// expectedRevision must match the current revision (optimistic concurrency);
// on success the stored revision advances by one. The entity ID is immutable.
func (g *Graph) UpdateEntity(id string, expectedRevision int64, desired *SpecEntity) error {
	current, ok := g.entities[id]
	if !ok {
		return &ValidationError{EntityID: id, Reason: "entity does not exist"}
	}

	if current.Revision != expectedRevision {
		return &VersionConflict{EntityID: id, Expected: expectedRevision, Actual: current.Revision}
	}

	if desired.ID != id {
		return &ValidationError{EntityID: id, Reason: fmt.Sprintf("entity ID is immutable, cannot rename to %q", desired.ID)}
	}

	if err := desired.Validate(); err != nil {
		return err
	}

	for _, rel := range desired.Relations {
		if _, ok := g.entities[rel.To]; !ok {
			return &ValidationError{EntityID: id, Reason: fmt.Sprintf("relation target %q does not exist", rel.To)}
		}
	}

	// Cycle check against the graph as it will look after the swap.
	stored := desired.Clone()
	stored.Revision = current.Revision + 1
	g.entities[id] = stored
	if err := g.DetectCycles(nil); err != nil {
		g.entities[id] = current
		return err
	}
	g.rebuildIndex()
	return nil
}

// RemoveEntity deletes an entity. It fails when other entities still hold
// relations to it.
func (g *Graph) RemoveEntity(id string) error {
	if _, ok := g.entities[id]; !ok {
		return &ValidationError{EntityID: id, Reason: "entity does not exist"}
	}

	for _, from := range g.reverse[id] {
		if from != id {
			return &ValidationError{EntityID: id, Reason: fmt.Sprintf("entity is still referenced by %q", from)}
		}
	}

	delete(g.entities, id)
	g.rebuildIndex()
	return nil
}

// TouchedEntities returns the set of entity IDs a change set mutates directly.
func (g *Graph) TouchedEntities(cs ChangeSet) map[string]struct{} {
	return cs.TouchedIDs()
}

// TransitiveDependents returns every entity downstream of id: entities that
// relate to it directly or through any chain of relations. The visited-set
// guard makes traversal terminate even across whitelisted cycles. The result
// is sorted and does not include id itself.
func (g *Graph) TransitiveDependents(id string) []string {
	visited := map[string]bool{id: true}
	queue := append([]string(nil), g.reverse[id]...)

	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		out = append(out, next)
		queue = append(queue, g.reverse[next]...)
	}

	sort.Strings(out)
	return out
}

// DependentsOf returns the union of transitive dependents of all seed IDs,
// excluding the seeds themselves. This is the blast radius used by risk
// scoring and downstream conflict detection.
func (g *Graph) DependentsOf(seeds map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for id := range seeds {
		for _, dep := range g.TransitiveDependents(id) {
			if _, isSeed := seeds[dep]; !isSeed {
				out[dep] = struct{}{}
			}
		}
	}
	return out
}

// DetectCycles checks whether the graph's edges, plus any proposed additions,
// contain a cycle among non-whitelisted relation kinds. Returns a
// ValidationError naming the cycle path, or nil.
func (g *Graph) DetectCycles(proposed []Relation) error {
	adj := make(map[string][]string, len(g.entities))
	addEdge := func(rel Relation) {
		if DefaultCycleWhitelist[rel.Kind] {
			return
		}
		adj[rel.From] = append(adj[rel.From], rel.To)
	}
	for _, e := range g.entities {
		for _, rel := range e.Relations {
			addEdge(rel)
		}
	}
	for _, rel := range proposed {
		addEdge(rel)
	}

	// Iterative DFS with colour marking. White: unseen, grey: on stack,
	// black: finished.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(adj))

	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var visit func(node string, path []string) error
	visit = func(node string, path []string) error {
		colour[node] = grey
		path = append(path, node)

		targets := append([]string(nil), adj[node]...)
		sort.Strings(targets)
		for _, to := range targets {
			switch colour[to] {
			case grey:
				cycle := append(trimToCycle(path, to), to)
				return &ValidationError{Reason: fmt.Sprintf("dependency cycle: %s", joinPath(cycle))}
			case white:
				if err := visit(to, path); err != nil {
					return err
				}
			}
		}

		colour[node] = black
		return nil
	}

	for _, n := range nodes {
		if colour[n] == white {
			if err := visit(n, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

// ChangeOrder returns the given entity IDs in dependency order: entities that
// others reference come first. Ordering is deterministic; IDs caught in a
// whitelisted cycle are appended in sorted order.
func (g *Graph) ChangeOrder(ids []string) []string {
	included := make(map[string]bool, len(ids))
	for _, id := range ids {
		included[id] = true
	}

	// indegree counts references FROM other included entities, so entities
	// nothing else depends on drain last.
	indegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		e, ok := g.entities[id]
		if !ok {
			continue
		}
		for _, rel := range e.Relations {
			if included[rel.To] {
				indegree[id]++
				dependents[rel.To] = append(dependents[rel.To], id)
			}
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	out := make([]string, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(out) < len(indegree) {
		var rest []string
		done := make(map[string]bool, len(out))
		for _, id := range out {
			done[id] = true
		}
		for id := range indegree {
			if !done[id] {
				rest = append(rest, id)
			}
		}
		sort.Strings(rest)
		out = append(out, rest...)
	}

	return out
}

// Apply validates a change set against this snapshot and returns a new Graph
// with every change applied, touched entity revisions advanced by one, the
// graph revision advanced, and the semantic version bumped. The receiver is
// never modified; on any error the returned graph is nil and canonical state
// is untouched.
func (g *Graph) Apply(cs ChangeSet) (*Graph, error) {
	if err := cs.Validate(); err != nil {
		return nil, err
	}

	// Per-change admission against the current snapshot.
	deleted := make(map[string]bool)
	for _, ch := range cs {
		current, exists := g.entities[ch.EntityID]
		switch ch.Op {
		case OpCreate:
			if exists {
				return nil, &ValidationError{EntityID: ch.EntityID, Reason: "entity already exists"}
			}
		case OpUpdate:
			if !exists {
				return nil, &ValidationError{EntityID: ch.EntityID, Reason: "entity does not exist"}
			}
			if current.Revision != ch.ExpectedRevision {
				return nil, &VersionConflict{EntityID: ch.EntityID, Expected: ch.ExpectedRevision, Actual: current.Revision}
			}
		case OpDelete:
			if !exists {
				return nil, &ValidationError{EntityID: ch.EntityID, Reason: "entity does not exist"}
			}
			if current.Revision != ch.ExpectedRevision {
				return nil, &VersionConflict{EntityID: ch.EntityID, Expected: ch.ExpectedRevision, Actual: current.Revision}
			}
			deleted[ch.EntityID] = true
		}
	}

	// Build the next entity map.
	next := &Graph{
		Revision:    g.Revision + 1,
		PublishedAt: g.PublishedAt,
		PublishedBy: g.PublishedBy,
		entities:    make(map[string]*SpecEntity, len(g.entities)+len(cs)),
	}
	for id, e := range g.entities {
		if !deleted[id] {
			next.entities[id] = e.Clone()
		}
	}
	for _, ch := range cs {
		switch ch.Op {
		case OpCreate:
			created := ch.Entity.Clone()
			created.Revision = 1
			next.entities[created.ID] = created
		case OpUpdate:
			updated := ch.Entity.Clone()
			updated.Revision = g.entities[ch.EntityID].Revision + 1
			next.entities[updated.ID] = updated
		}
	}

	// Referential integrity over the result: every surviving relation must
	// point at a surviving entity.
	for _, id := range sortedKeys(next.entities) {
		for _, rel := range next.entities[id].Relations {
			if _, ok := next.entities[rel.To]; !ok {
				reason := fmt.Sprintf("relation target %q does not exist", rel.To)
				if deleted[rel.To] {
					reason = fmt.Sprintf("references entity %q deleted by this change", rel.To)
				}
				return nil, &ValidationError{EntityID: id, Reason: reason}
			}
		}
	}

	next.rebuildIndex()
	if err := next.DetectCycles(nil); err != nil {
		return nil, err
	}

	version, err := NextVersion(g.Version, ComputeBump(g, cs))
	if err != nil {
		return nil, err
	}
	next.Version = version

	return next, nil
}

// rebuildIndex recomputes the reverse adjacency used by dependent traversal.
func (g *Graph) rebuildIndex() {
	g.reverse = make(map[string][]string, len(g.entities))
	for id, e := range g.entities {
		for _, rel := range e.Relations {
			g.reverse[rel.To] = append(g.reverse[rel.To], id)
		}
	}
	for to := range g.reverse {
		sort.Strings(g.reverse[to])
	}
}

// snapshotJSON is the wire form of a Graph snapshot.
type snapshotJSON struct {
	Revision    int64         `json:"revision"`
	Version     string        `json:"version"`
	PublishedAt time.Time     `json:"published_at"`
	PublishedBy string        `json:"published_by,omitempty"`
	Entities    []*SpecEntity `json:"entities"`
}

// MarshalJSON encodes the snapshot with entities in ID order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Revision:    g.Revision,
		Version:     g.Version,
		PublishedAt: g.PublishedAt,
		PublishedBy: g.PublishedBy,
		Entities:    g.Entities(),
	})
}

// UnmarshalJSON decodes a snapshot and rebuilds derived indexes.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc snapshotJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	g.Revision = doc.Revision
	g.Version = doc.Version
	g.PublishedAt = doc.PublishedAt
	g.PublishedBy = doc.PublishedBy
	g.entities = make(map[string]*SpecEntity, len(doc.Entities))
	for _, e := range doc.Entities {
		if e == nil {
			continue
		}
		if _, dup := g.entities[e.ID]; dup {
			return fmt.Errorf("snapshot contains duplicate entity %q", e.ID)
		}
		g.entities[e.ID] = e
	}
	g.rebuildIndex()
	return nil
}

func sortedKeys(m map[string]*SpecEntity) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func trimToCycle(path []string, start string) []string {
	for i, n := range path {
		if n == start {
			return path[i:]
		}
	}
	return path
}

func joinPath(path []string) string {
	out := ""
	for i, n := range path {
		if i > 0 {
			out += " -> "
		}
		out += n
	}
	return out
}
