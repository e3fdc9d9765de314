// Package dag maintains a directed acyclic graph of identified payloads.
// Edges point from a vertex to the vertices it depends on; cycles are
// rejected at insertion time, so a topological order always exists.
package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateID is returned when a vertex id is already present.
	ErrDuplicateID = errors.New("duplicate vertex id")

	// ErrCycleDetected is returned when adding an edge would create a cycle.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrUnknownVertex is returned when an id is not present in the graph.
	ErrUnknownVertex = errors.New("unknown vertex")
)

// Vertex is one node of the graph. Outgoing edges name the vertices this
// one depends on.
type Vertex struct {
	ID      string
	Payload any

	outgoing []string
	outSet   map[string]struct{}
	order    int
}

// Outgoing returns a copy of the vertex's dependency ids in edge insertion
// order.
func (v *Vertex) Outgoing() []string {
	return append([]string(nil), v.outgoing...)
}

// DependsOn reports whether the vertex has an edge to id.
func (v *Vertex) DependsOn(id string) bool {
	_, ok := v.outSet[id]
	return ok
}

// Graph is a mutable DAG. All methods are safe for concurrent use.
type Graph struct {
	mu       sync.Mutex
	vertices map[string]*Vertex
	seq      int
	sorted   []*Vertex
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{vertices: make(map[string]*Vertex)}
}

// AddVertex inserts a vertex with edges to each id in dependsOn. It fails
// with ErrDuplicateID if the id exists, ErrUnknownVertex if a dependency is
// missing, and ErrCycleDetected if any edge would close a cycle; on failure
// the graph is left unchanged.
func (g *Graph) AddVertex(id string, payload any, dependsOn []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.vertices[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	v := &Vertex{
		ID:      id,
		Payload: payload,
		outSet:  make(map[string]struct{}),
		order:   g.seq,
	}
	g.seq++
	g.vertices[id] = v

	for _, dep := range dependsOn {
		if err := g.addEdge(id, dep); err != nil {
			delete(g.vertices, id)
			return err
		}
	}
	g.sorted = nil
	return nil
}

// RemoveVertex detaches the vertex and scrubs every incoming edge, returning
// the removed payload.
func (g *Graph) RemoveVertex(id string) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	v, ok := g.vertices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVertex, id)
	}
	for _, other := range g.vertices {
		if other == v {
			continue
		}
		if _, ok := other.outSet[id]; ok {
			delete(other.outSet, id)
			for i, out := range other.outgoing {
				if out == id {
					other.outgoing = append(other.outgoing[:i], other.outgoing[i+1:]...)
					break
				}
			}
		}
	}
	delete(g.vertices, id)
	g.sorted = nil
	return v.Payload, nil
}

// AddEdge records that from depends on to. Self-loops and cycle-closing
// edges are rejected with ErrCycleDetected.
func (g *Graph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.addEdge(from, to); err != nil {
		return err
	}
	g.sorted = nil
	return nil
}

func (g *Graph) addEdge(from, to string) error {
	if from == to {
		return fmt.Errorf("%w: self edge on %q", ErrCycleDetected, from)
	}
	src, ok := g.vertices[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVertex, from)
	}
	if _, ok := g.vertices[to]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVertex, to)
	}
	if _, ok := src.outSet[to]; ok {
		return nil
	}
	// The edge from->to is a cycle iff from is already reachable from to.
	if g.reachable(to, from) {
		return fmt.Errorf("%w: edge %q -> %q", ErrCycleDetected, from, to)
	}
	src.outSet[to] = struct{}{}
	src.outgoing = append(src.outgoing, to)
	return nil
}

func (g *Graph) reachable(from, target string) bool {
	seen := make(map[string]struct{})
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == target {
			return true
		}
		if _, ok := seen[id]; ok {
			return false
		}
		seen[id] = struct{}{}
		v, ok := g.vertices[id]
		if !ok {
			return false
		}
		for _, next := range v.outgoing {
			if walk(next) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

// Vertex looks up a vertex by id.
func (g *Graph) Vertex(id string) (*Vertex, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vertices[id]
	return v, ok
}

// Len returns the number of vertices.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.vertices)
}

// IDs returns all vertex ids in insertion order.
func (g *Graph) IDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	vs := g.snapshot()
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.ID
	}
	return out
}

// IsTerminal reports whether no other vertex depends on id.
func (g *Graph) IsTerminal(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range g.vertices {
		if v.ID == id {
			continue
		}
		if _, ok := v.outSet[id]; ok {
			return false
		}
	}
	return true
}

// Sorted returns the vertices in an order where every vertex appears after
// all vertices it depends on. When less is supplied, it is honored wherever
// dependency constraints leave room; equal vertices keep insertion order.
// The stored edge lists are never reordered; comparator ordering happens in
// scratch slices. The result is cached until the next mutation.
func (g *Graph) Sorted(less func(a, b *Vertex) bool) []*Vertex {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sorted != nil {
		return append([]*Vertex(nil), g.sorted...)
	}

	starts := g.snapshot()
	if less != nil {
		sort.SliceStable(starts, func(i, j int) bool { return less(starts[i], starts[j]) })
	}

	visited := make(map[string]struct{}, len(g.vertices))
	order := make([]*Vertex, 0, len(g.vertices))

	var visit func(v *Vertex)
	visit = func(v *Vertex) {
		if _, ok := visited[v.ID]; ok {
			return
		}
		visited[v.ID] = struct{}{}

		deps := make([]*Vertex, 0, len(v.outgoing))
		for _, id := range v.outgoing {
			if d, ok := g.vertices[id]; ok {
				deps = append(deps, d)
			}
		}
		if less != nil {
			sort.SliceStable(deps, func(i, j int) bool { return less(deps[i], deps[j]) })
		}
		for _, d := range deps {
			visit(d)
		}
		order = append(order, v)
	}

	for _, v := range starts {
		visit(v)
	}

	g.sorted = order
	return append([]*Vertex(nil), order...)
}

// snapshot returns all vertices in insertion order. Caller holds g.mu.
func (g *Graph) snapshot() []*Vertex {
	vs := make([]*Vertex, 0, len(g.vertices))
	for _, v := range g.vertices {
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].order < vs[j].order })
	return vs
}
