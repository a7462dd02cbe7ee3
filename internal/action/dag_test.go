package action

import (
	"errors"
	"testing"
)

func TestTopoOrderDeterministic(t *testing.T) {
	build := func() *DAG {
		d := NewDAG()
		d.AddNode("n-open", Action{Name: "browser.open"})
		d.AddNode("n-fill", Action{Name: "browser.fill"}, "n-open")
		d.AddNode("n-click", Action{Name: "browser.click"}, "n-fill")
		d.AddNode("n-extract", Action{Name: "browser.extract"}, "n-open")
		return d
	}

	first, err := build().TopoOrder()
	if err != nil {
		t.Fatalf("TopoOrder: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := build().TopoOrder()
		if err != nil {
			t.Fatalf("TopoOrder: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("length changed: %d vs %d", len(again), len(first))
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("order not deterministic at %d: %s vs %s", j, first[j], again[j])
			}
		}
	}

	pos := make(map[string]int)
	for i, id := range first {
		pos[id] = i
	}
	if pos["n-open"] > pos["n-fill"] || pos["n-fill"] > pos["n-click"] {
		t.Fatalf("dependency order violated: %v", first)
	}
	if pos["n-open"] > pos["n-extract"] {
		t.Fatalf("dependency order violated: %v", first)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	d := NewDAG()
	d.AddNode("a", Action{Name: "x"})
	d.AddNode("b", Action{Name: "y"}, "a")
	if err := d.AddEdge("b", "a"); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := d.Validate(); !errors.Is(err, ErrCyclicDAG) {
		t.Fatalf("expected ErrCyclicDAG, got %v", err)
	}
}

func TestValidateRejectsDanglingPredecessor(t *testing.T) {
	d := NewDAG()
	d.AddNode("a", Action{Name: "x"}, "ghost")
	if err := d.Validate(); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestAddEdgeIdempotent(t *testing.T) {
	d := NewDAG()
	d.AddNode("a", Action{Name: "x"})
	d.AddNode("b", Action{Name: "y"})
	d.AddEdge("a", "b")
	d.AddEdge("a", "b")
	n, _ := d.Node("b")
	if len(n.Predecessors) != 1 {
		t.Fatalf("expected 1 predecessor, got %d", len(n.Predecessors))
	}
}
