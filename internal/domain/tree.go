package domain

import "github.com/google/uuid"

// Adjacency maps a parent id to its children in insertion order.
type Adjacency map[uuid.UUID][]uuid.UUID

func (a Adjacency) Add(parent, child uuid.UUID) {
	a[parent] = append(a[parent], child)
}

// PostOrder returns root and every descendant, children before parents.
// Nodes reachable more than once are emitted once; a cycle cannot loop.
func (a Adjacency) PostOrder(root uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	seen := map[uuid.UUID]bool{}
	var walk func(id uuid.UUID)
	walk = func(id uuid.UUID) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, c := range a[id] {
			walk(c)
		}
		out = append(out, id)
	}
	walk(root)
	return out
}

// Subtree is every row a task hard delete must remove.
type Subtree struct {
	// Tasks in removal order, descendants first, root last.
	Tasks []uuid.UUID
	// Units keyed by owning task.
	Units Adjacency
	// Targets keyed by owning unit.
	Targets Adjacency
}

func NewSubtree() Subtree {
	return Subtree{Units: Adjacency{}, Targets: Adjacency{}}
}

// UnitIDs lists units in task removal order. A unit-only subtree has no
// tasks and yields the units it was built with.
func (s Subtree) UnitIDs() []uuid.UUID {
	var out []uuid.UUID
	if len(s.Tasks) == 0 {
		for _, ids := range s.Units {
			out = append(out, ids...)
		}
		return out
	}
	for _, t := range s.Tasks {
		out = append(out, s.Units[t]...)
	}
	return out
}

func (s Subtree) TargetIDs() []uuid.UUID {
	var out []uuid.UUID
	for _, u := range s.UnitIDs() {
		out = append(out, s.Targets[u]...)
	}
	return out
}
