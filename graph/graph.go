// Package graph implements the dependency graph over identities used to
// order batch reconstruction. An edge a -> b means a's row references b; a
// valid graph is acyclic and is reconstructed leaves-first.
package graph

import (
	"errors"
	"fmt"

	"github.com/cask-db/cask/ident"
)

// ErrCycle reports a reference cycle. Reconstruction requires every
// dependency to exist before its dependent is constructed, so a cycle is
// fatal, never recoverable.
var ErrCycle = errors.New("graph: reference cycle")

// Graph is a directed graph over identities with explicit adjacency lists.
type Graph struct {
	nodes ident.Set
	out   map[ident.ID]ident.Set
}

func New() *Graph {
	return &Graph{
		nodes: ident.NewSet(),
		out:   make(map[ident.ID]ident.Set),
	}
}

// AddNode ensures id is present even if it has no edges.
func (g *Graph) AddNode(id ident.ID) {
	g.nodes.Insert(id)
}

// AddEdge records that from depends on to. Both endpoints become nodes.
func (g *Graph) AddEdge(from, to ident.ID) {
	g.nodes.Insert(from)
	g.nodes.Insert(to)
	s, ok := g.out[from]
	if !ok {
		s = ident.NewSet()
		g.out[from] = s
	}
	s.Insert(to)
}

// Len returns the node count.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Has reports whether id is a node.
func (g *Graph) Has(id ident.ID) bool {
	return g.nodes.Has(id)
}

// Dependencies returns the targets of id's outgoing edges in ascending order.
func (g *Graph) Dependencies(id ident.ID) ident.Slice {
	return g.out[id].Sorted()
}

// TopoSort returns every node ordered so that each appears after all of its
// dependencies (leaves first, roots last). Nodes that become ready at the
// same step are emitted in ascending identity order, which makes the result
// deterministic. Returns ErrCycle if the graph is not a DAG.
func (g *Graph) TopoSort() (ident.Slice, error) {
	// Kahn's algorithm on reversed edges: a node is ready once every target
	// of its outgoing edges has been emitted.
	remaining := make(map[ident.ID]int, len(g.nodes))
	dependents := make(map[ident.ID][]ident.ID)
	for id := range g.nodes {
		remaining[id] = 0
	}
	for from, targets := range g.out {
		for to := range targets {
			remaining[from]++
			dependents[to] = append(dependents[to], from)
		}
	}

	ready := make(ident.Slice, 0, len(g.nodes))
	for id, n := range remaining {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	out := make(ident.Slice, 0, len(g.nodes))
	for len(ready) > 0 {
		ready.Sort()
		next := make(ident.Slice, 0)
		for _, id := range ready {
			out = append(out, id)
			for _, dep := range dependents[id] {
				remaining[dep]--
				if remaining[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if len(out) != len(g.nodes) {
		stuck := make(ident.Slice, 0)
		for id, n := range remaining {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		stuck.Sort()
		return nil, fmt.Errorf("%w involving %v", ErrCycle, stuck)
	}
	return out, nil
}
