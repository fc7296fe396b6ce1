package dag

import "errors"

// WalkOrder defines the order in which a vertex and its children are visited.
type WalkOrder uint8

const (
	// PreOrderWalk visits a vertex before its children.
	PreOrderWalk WalkOrder = iota

	// PostOrderWalk visits a vertex after all of its children.
	PostOrderWalk
)

// errStop stops a walk early without reporting an error to the caller.
var errStop = errors.New("stop walk")

// WalkFunc is invoked for every visited node. Walking stops if WalkFunc
// returns a non-nil error.
type WalkFunc[NodeType Node] func(n NodeType) error

// Walk performs a depth-first walk along outgoing edges starting at n. Every
// reachable node is visited once, even if it is reachable over several
// paths. Walk returns the first error returned by f.
func (g *Graph[NodeType]) Walk(n NodeType, f WalkFunc[NodeType], order WalkOrder) error {
	visited := make(nodeSet[NodeType])

	var err error
	switch order {
	case PreOrderWalk:
		err = g.walk(n, f, visited, g.children, true)
	case PostOrderWalk:
		err = g.walk(n, f, visited, g.children, false)
	default:
		return errors.New("unsupported walk order. must be one of PreOrderWalk and PostOrderWalk")
	}
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

// WalkParents performs a pre-order depth-first walk along incoming edges
// starting at n.
func (g *Graph[NodeType]) WalkParents(n NodeType, f WalkFunc[NodeType]) error {
	err := g.walk(n, f, make(nodeSet[NodeType]), g.parents, true)
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func (g *Graph[NodeType]) walk(n NodeType, f WalkFunc[NodeType], visited nodeSet[NodeType], edges map[NodeType][]NodeType, pre bool) error {
	if visited.Contains(n) {
		return nil
	}
	visited.Add(n)

	if pre {
		if err := f(n); err != nil {
			return err
		}
	}
	for _, next := range edges[n] {
		if err := g.walk(next, f, visited, edges, pre); err != nil {
			return err
		}
	}
	if !pre {
		return f(n)
	}
	return nil
}
