// Package dag provides a small directed acyclic graph used to track which
// loaded models compose which ensembles. Edges point from the dependent
// (ensemble) to the model it depends on; cycles are rejected when the edge
// is added.
package dag

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrVertexNotFound is returned when an endpoint of an edge is unknown.
	ErrVertexNotFound = errors.New("vertex not found")

	// ErrVertexAlreadyExists is returned by AddVertex for duplicate ids.
	ErrVertexAlreadyExists = errors.New("vertex already exists")

	// ErrCycleBetweenVertices is returned when an edge would close a cycle.
	ErrCycleBetweenVertices = errors.New("cycle between vertices")
)

// Vertex is one node of the graph.
type Vertex[T any] struct {
	ID    string
	Value T

	parents  map[string]*Vertex[T]
	children map[string]*Vertex[T]
}

// Parents returns the ids of vertices with an edge into this vertex
// (its dependents), sorted for determinism.
func (v *Vertex[T]) Parents() []string { return sortedKeys(v.parents) }

// Children returns the ids this vertex has edges to (its dependencies),
// sorted for determinism.
func (v *Vertex[T]) Children() []string { return sortedKeys(v.children) }

// InDegree returns the number of dependents.
func (v *Vertex[T]) InDegree() int { return len(v.parents) }

// OutDegree returns the number of dependencies.
func (v *Vertex[T]) OutDegree() int { return len(v.children) }

// DAG is a mutable directed acyclic graph keyed by string ids.
// All methods are safe for concurrent use.
type DAG[T any] struct {
	mu       sync.RWMutex
	vertices map[string]*Vertex[T]
}

// New returns an empty DAG.
func New[T any]() *DAG[T] {
	return &DAG[T]{vertices: make(map[string]*Vertex[T])}
}

// AddVertex adds a vertex. Adding an existing id is an error.
func (d *DAG[T]) AddVertex(id string, value T) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.vertices[id]; ok {
		return ErrVertexAlreadyExists
	}
	d.vertices[id] = &Vertex[T]{
		ID:       id,
		Value:    value,
		parents:  make(map[string]*Vertex[T]),
		children: make(map[string]*Vertex[T]),
	}
	return nil
}

// DeleteVertex removes a vertex and all its edges. Unknown ids are ignored.
func (d *DAG[T]) DeleteVertex(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vertex, ok := d.vertices[id]
	if !ok {
		return
	}
	for _, parent := range vertex.parents {
		delete(parent.children, id)
	}
	for _, child := range vertex.children {
		delete(child.parents, id)
	}
	delete(d.vertices, id)
}

// GetVertex returns the vertex for id.
func (d *DAG[T]) GetVertex(id string) (*Vertex[T], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	vertex, ok := d.vertices[id]
	if !ok {
		return nil, ErrVertexNotFound
	}
	return vertex, nil
}

// VertexCount returns the number of vertices.
func (d *DAG[T]) VertexCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.vertices)
}

// AddEdge adds an edge from -> to, rejecting self-edges and cycles.
// Re-adding an existing edge is a no-op.
func (d *DAG[T]) AddEdge(fromID, toID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if fromID == toID {
		return ErrCycleBetweenVertices
	}
	from, ok := d.vertices[fromID]
	if !ok {
		return ErrVertexNotFound
	}
	to, ok := d.vertices[toID]
	if !ok {
		return ErrVertexNotFound
	}
	if _, ok := from.children[toID]; ok {
		return nil
	}
	if d.reachable(toID, fromID) {
		return ErrCycleBetweenVertices
	}
	from.children[toID] = to
	to.parents[fromID] = from
	return nil
}

// DeleteEdge removes the edge from -> to if present.
func (d *DAG[T]) DeleteEdge(fromID, toID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	from, ok := d.vertices[fromID]
	if !ok {
		return ErrVertexNotFound
	}
	to, ok := d.vertices[toID]
	if !ok {
		return ErrVertexNotFound
	}
	delete(from.children, toID)
	delete(to.parents, fromID)
	return nil
}

// TopoOrder returns every vertex id in dependency-first order: a vertex
// appears only after all vertices it has edges to. The order is stable
// across runs for identical graphs.
func (d *DAG[T]) TopoOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	outdeg := make(map[string]int, len(d.vertices))
	for id, v := range d.vertices {
		outdeg[id] = len(v.children)
	}
	ready := make([]string, 0, len(d.vertices))
	for id, n := range outdeg {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(d.vertices))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := make([]string, 0)
		for parentID := range d.vertices[id].parents {
			outdeg[parentID]--
			if outdeg[parentID] == 0 {
				next = append(next, parentID)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}
	return order
}

// reachable reports whether to is a (transitive) successor of from.
// Callers hold d.mu.
func (d *DAG[T]) reachable(fromID, toID string) bool {
	seen := make(map[string]struct{})
	stack := []string{fromID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		vertex, ok := d.vertices[id]
		if !ok {
			continue
		}
		for childID := range vertex.children {
			if childID == toID {
				return true
			}
			if _, ok := seen[childID]; !ok {
				seen[childID] = struct{}{}
				stack = append(stack, childID)
			}
		}
	}
	return false
}

func sortedKeys[T any](m map[string]*Vertex[T]) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
