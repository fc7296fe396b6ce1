// Package dag provides a small generic directed acyclic graph.
package dag

import (
	"errors"
	"fmt"
)

// Node is a vertex of a [Graph].
type Node interface {
	comparable
}

type nodeSet[NodeType Node] map[NodeType]struct{}

func (s nodeSet[NodeType]) Add(n NodeType) { s[n] = struct{}{} }

func (s nodeSet[NodeType]) Contains(n NodeType) bool {
	_, ok := s[n]
	return ok
}

// ErrCycle is returned when adding an edge would create a cycle.
var ErrCycle = errors.New("graph contains a cycle")

// Graph is a directed acyclic graph. Nodes are kept in insertion order, and
// children and parents in edge insertion order, so that walks are
// deterministic.
//
// The zero value is ready for use. Graph is not safe for concurrent
// modification.
type Graph[NodeType Node] struct {
	nodes    []NodeType
	index    nodeSet[NodeType]
	children map[NodeType][]NodeType
	parents  map[NodeType][]NodeType
}

func (g *Graph[NodeType]) init() {
	if g.index == nil {
		g.index = make(nodeSet[NodeType])
		g.children = make(map[NodeType][]NodeType)
		g.parents = make(map[NodeType][]NodeType)
	}
}

// Add adds n to the graph. Adding an existing node is a no-op.
func (g *Graph[NodeType]) Add(n NodeType) {
	g.init()
	if g.index.Contains(n) {
		return
	}
	g.index.Add(n)
	g.nodes = append(g.nodes, n)
}

// AddEdge adds an edge from parent to child, adding either node if it is not
// yet part of the graph. Duplicate edges are ignored. AddEdge returns
// [ErrCycle] if child can already reach parent.
func (g *Graph[NodeType]) AddEdge(parent, child NodeType) error {
	g.Add(parent)
	g.Add(child)

	if parent == child || g.reaches(child, parent) {
		return fmt.Errorf("edge %v -> %v: %w", parent, child, ErrCycle)
	}
	for _, c := range g.children[parent] {
		if c == child {
			return nil
		}
	}
	g.children[parent] = append(g.children[parent], child)
	g.parents[child] = append(g.parents[child], parent)
	return nil
}

func (g *Graph[NodeType]) reaches(from, to NodeType) bool {
	found := false
	_ = g.Walk(from, func(n NodeType) error {
		if n == to {
			found = true
			return errStop
		}
		return nil
	}, PreOrderWalk)
	return found
}

// Len returns the number of nodes in the graph.
func (g *Graph[NodeType]) Len() int { return len(g.nodes) }

// Nodes returns all nodes in insertion order.
func (g *Graph[NodeType]) Nodes() []NodeType { return g.nodes }

// Contains reports whether n is part of the graph.
func (g *Graph[NodeType]) Contains(n NodeType) bool { return g.index.Contains(n) }

// Children returns the nodes n has an edge to.
func (g *Graph[NodeType]) Children(n NodeType) []NodeType { return g.children[n] }

// Parents returns the nodes that have an edge to n.
func (g *Graph[NodeType]) Parents(n NodeType) []NodeType { return g.parents[n] }

// Roots returns all nodes without parents, in insertion order.
func (g *Graph[NodeType]) Roots() []NodeType {
	var roots []NodeType
	for _, n := range g.nodes {
		if len(g.parents[n]) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// Ancestors returns every node that can reach n, excluding n itself.
func (g *Graph[NodeType]) Ancestors(n NodeType) []NodeType {
	var out []NodeType
	_ = g.WalkParents(n, func(p NodeType) error {
		if p != n {
			out = append(out, p)
		}
		return nil
	})
	return out
}

// TopologicalSort returns the nodes ordered so that every parent precedes
// its children. Ties are broken by insertion order.
func (g *Graph[NodeType]) TopologicalSort() []NodeType {
	indegree := make(map[NodeType]int, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n] = len(g.parents[n])
	}

	queue := g.Roots()
	out := make([]NodeType, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)

		for _, c := range g.children[n] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	return out
}
