package action

import (
	"errors"
	"fmt"
	"sort"
)

// #region types
// RunStatus is the execution state of a DAG node.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusSkipped   RunStatus = "skipped"
)

// Action is an immutable capability invocation: a dotted tool.method name
// plus a parameter mapping.
type Action struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// Node wraps an Action with identity, predecessors, and run state.
type Node struct {
	ID           string    `json:"id"`
	Action       Action    `json:"action"`
	Predecessors []string  `json:"predecessors,omitempty"`
	Status       RunStatus `json:"status"`
}

// #endregion types

// #region errors
var (
	// ErrCyclicDAG is returned when added edges induce a cycle.
	ErrCyclicDAG = errors.New("cycle in action dag")

	// ErrUnknownNode is returned when an edge references a node id that does
	// not resolve within the graph.
	ErrUnknownNode = errors.New("unknown node id")
)

// #endregion errors

// #region dag
// DAG is a dependency graph of action nodes. Invariant: acyclic, and every
// predecessor id resolves within the same graph (enforced by Validate).
type DAG struct {
	nodes []*Node
	index map[string]*Node
}

// NewDAG returns an empty DAG.
func NewDAG() *DAG {
	return &DAG{index: make(map[string]*Node)}
}

// AddNode inserts a node with the given predecessors. The node starts PENDING.
func (d *DAG) AddNode(id string, a Action, predecessors ...string) (*Node, error) {
	if _, ok := d.index[id]; ok {
		return nil, fmt.Errorf("add node: duplicate id %s", id)
	}
	n := &Node{
		ID:           id,
		Action:       a,
		Predecessors: append([]string(nil), predecessors...),
		Status:       StatusPending,
	}
	d.nodes = append(d.nodes, n)
	d.index[id] = n
	return n, nil
}

// AddEdge records that to depends on from. Idempotent for repeated edges.
func (d *DAG) AddEdge(from, to string) error {
	tn, ok := d.index[to]
	if !ok {
		return fmt.Errorf("add edge to %s: %w", to, ErrUnknownNode)
	}
	if _, ok := d.index[from]; !ok {
		return fmt.Errorf("add edge from %s: %w", from, ErrUnknownNode)
	}
	for _, p := range tn.Predecessors {
		if p == from {
			return nil
		}
	}
	tn.Predecessors = append(tn.Predecessors, from)
	return nil
}

// Node returns the node with the given id.
func (d *DAG) Node(id string) (*Node, bool) {
	n, ok := d.index[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (d *DAG) Nodes() []*Node {
	return d.nodes
}

// Len returns the node count.
func (d *DAG) Len() int {
	return len(d.nodes)
}

// Successors returns ids of nodes that list id as a predecessor.
func (d *DAG) Successors(id string) []string {
	var out []string
	for _, n := range d.nodes {
		for _, p := range n.Predecessors {
			if p == id {
				out = append(out, n.ID)
				break
			}
		}
	}
	return out
}

// #endregion dag

// #region validate
// Validate checks edge resolution and acyclicity.
func (d *DAG) Validate() error {
	for _, n := range d.nodes {
		for _, p := range n.Predecessors {
			if _, ok := d.index[p]; !ok {
				return fmt.Errorf("node %s predecessor %s: %w", n.ID, p, ErrUnknownNode)
			}
		}
	}
	if _, err := d.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns node ids in a deterministic topological order (Kahn's
// algorithm with lexicographic tie-breaking) or ErrCyclicDAG.
func (d *DAG) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.nodes))
	for _, n := range d.nodes {
		indegree[n.ID] = len(n.Predecessors)
	}

	var ready []string
	for _, n := range d.nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := d.Successors(id)
		var released []string
		for _, s := range next {
			indegree[s]--
			if indegree[s] == 0 {
				released = append(released, s)
			}
		}
		sort.Strings(released)
		ready = mergeSorted(ready, released)
	}

	if len(order) != len(d.nodes) {
		return nil, fmt.Errorf("topo order: %w", ErrCyclicDAG)
	}
	return order, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// #endregion validate
