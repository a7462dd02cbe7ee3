package planner

import (
	"errors"
	"testing"
	"time"

	"github.com/galaxyeye/browser4agi/internal/rule"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

var t0 = time.Unix(1700000000, 0).UTC()

func snapshotWith(rules ...rule.Rule) worldmodel.Snapshot {
	return worldmodel.Snapshot{Version: "v0", Rules: rules, CreatedAt: t0}
}

func fixedClock() time.Time { return t0 }

func TestEmptyRuleSetBrowseGoal(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock)

	res, err := b.Build("browse to https://example.org", snapshotWith(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.DAG.Len() != 2 {
		t.Fatalf("expected 2 seed nodes, got %d", res.DAG.Len())
	}
	for _, e := range res.Build.Entries {
		if e.AppliedRuleID != "" {
			t.Fatalf("empty rule set produced rule-attributed trace entry: %+v", e)
		}
	}
	open := res.DAG.Nodes()[0]
	if open.Action.Name != "browser.open" || open.Action.Params["url"] != "https://example.org" {
		t.Fatalf("unexpected seed action: %+v", open.Action)
	}
}

func TestPreconditionInjectsProducer(t *testing.T) {
	login := rule.Rule{
		ID:        "r-login",
		Kind:      rule.KindPrecondition,
		AppliesTo: "browser.click",
		Conditions: []rule.Condition{
			{Field: "loggedIn", Operator: "eq", Value: "true"},
		},
		Produces: "auth.login",
		Meta:     rule.NewMeta(t0),
	}
	b := NewBuilder().WithClock(fixedClock)

	res, err := b.Build("search for widgets", snapshotWith(login), map[string]string{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var producer string
	for _, n := range res.DAG.Nodes() {
		if n.Action.Name == "auth.login" {
			producer = n.ID
		}
	}
	if producer == "" {
		t.Fatal("expected injected auth.login producer node")
	}

	var click string
	for _, n := range res.DAG.Nodes() {
		if n.Action.Name == "browser.click" {
			click = n.ID
			found := false
			for _, p := range n.Predecessors {
				if p == producer {
					found = true
				}
			}
			if !found {
				t.Fatalf("click node missing producer edge: %+v", n.Predecessors)
			}
		}
	}
	if got := res.Build.RulesFor(click); len(got) == 0 || got[0] != "r-login" {
		t.Fatalf("build trace does not attribute click to r-login: %v", got)
	}
}

func TestPreconditionSatisfiedSkipsInjection(t *testing.T) {
	login := rule.Rule{
		ID:        "r-login",
		Kind:      rule.KindPrecondition,
		AppliesTo: "browser.click",
		Conditions: []rule.Condition{
			{Field: "loggedIn", Operator: "eq", Value: "true"},
		},
		Produces: "auth.login",
		Meta:     rule.NewMeta(t0),
	}
	b := NewBuilder().WithClock(fixedClock)

	res, err := b.Build("search for widgets", snapshotWith(login), map[string]string{"loggedIn": "true"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, n := range res.DAG.Nodes() {
		if n.Action.Name == "auth.login" {
			t.Fatal("producer injected although precondition already holds")
		}
	}
}

func TestUnsatisfiableGoalWithoutProducer(t *testing.T) {
	orphan := rule.Rule{
		ID:        "r-orphan",
		Kind:      rule.KindPrecondition,
		AppliesTo: "browser.click",
		Conditions: []rule.Condition{
			{Field: "loggedIn", Operator: "eq", Value: "true"},
		},
		// no Produces: hard precondition with no producing action
		Meta: rule.NewMeta(t0),
	}
	b := NewBuilder().WithClock(fixedClock)

	_, err := b.Build("search for widgets", snapshotWith(orphan), map[string]string{})
	if !errors.Is(err, ErrUnsatisfiableGoal) {
		t.Fatalf("expected ErrUnsatisfiableGoal, got %v", err)
	}
}

func TestRuleConflictDetected(t *testing.T) {
	yes := rule.Rule{
		ID:        "r-want-login",
		Kind:      rule.KindPrecondition,
		AppliesTo: "browser.click",
		Conditions: []rule.Condition{
			{Field: "loggedIn", Operator: "eq", Value: "true"},
		},
		Produces: "auth.login",
		Meta:     rule.NewMeta(t0),
	}
	no := rule.Rule{
		ID:        "r-want-anon",
		Kind:      rule.KindPrecondition,
		AppliesTo: "browser.click",
		Conditions: []rule.Condition{
			{Field: "loggedIn", Operator: "eq", Value: "false"},
		},
		Produces: "auth.logout",
		Meta:     rule.NewMeta(t0),
	}
	b := NewBuilder().WithClock(fixedClock)

	_, err := b.Build("search for widgets", snapshotWith(yes, no), map[string]string{})
	if !errors.Is(err, ErrRuleConflict) {
		t.Fatalf("expected ErrRuleConflict, got %v", err)
	}
}

func TestOrderRuleAddsEdge(t *testing.T) {
	ord := rule.Rule{
		ID:   "r-order",
		Kind: rule.KindOrder,
		Order: &rule.OrderConstraint{
			ActionName: "browser.extract",
			MustFollow: []string{"browser.wait_for"},
		},
		Meta: rule.NewMeta(t0),
	}
	b := NewBuilder().WithClock(fixedClock)

	res, err := b.Build("extract data from https://example.org", snapshotWith(ord), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var waitID string
	for _, n := range res.DAG.Nodes() {
		if n.Action.Name == "browser.wait_for" {
			waitID = n.ID
		}
	}
	for _, n := range res.DAG.Nodes() {
		if n.Action.Name == "browser.extract" {
			for _, p := range n.Predecessors {
				if p == waitID {
					return
				}
			}
			t.Fatalf("extract lacks wait_for edge: %v", n.Predecessors)
		}
	}
	t.Fatal("no extract node in plan")
}

func TestCyclicOrderConstraintSurfaces(t *testing.T) {
	a := rule.Rule{
		ID:    "r-a",
		Kind:  rule.KindOrder,
		Order: &rule.OrderConstraint{ActionName: "browser.open", MustFollow: []string{"browser.wait_for"}},
		Meta:  rule.NewMeta(t0),
	}
	bb := rule.Rule{
		ID:    "r-b",
		Kind:  rule.KindOrder,
		Order: &rule.OrderConstraint{ActionName: "browser.wait_for", MustFollow: []string{"browser.open"}},
		Meta:  rule.NewMeta(t0),
	}
	b := NewBuilder().WithClock(fixedClock)

	_, err := b.Build("browse to https://example.org", snapshotWith(a, bb), nil)
	if !errors.Is(err, rule.ErrCyclicOrderConstraint) {
		t.Fatalf("expected ErrCyclicOrderConstraint, got %v", err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	login := rule.Rule{
		ID:        "r-login",
		Kind:      rule.KindPrecondition,
		AppliesTo: "browser.click",
		Conditions: []rule.Condition{
			{Field: "loggedIn", Operator: "eq", Value: "true"},
		},
		Produces: "auth.login",
		Meta:     rule.NewMeta(t0),
	}

	b := NewBuilder().WithClock(fixedClock)
	first, err := b.Build("search for widgets", snapshotWith(login), map[string]string{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := NewBuilder().WithClock(fixedClock).Build("search for widgets", snapshotWith(login), map[string]string{})
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if again.DAG.Len() != first.DAG.Len() {
			t.Fatalf("node count varies: %d vs %d", again.DAG.Len(), first.DAG.Len())
		}
		for j, n := range first.DAG.Nodes() {
			m := again.DAG.Nodes()[j]
			if n.ID != m.ID || n.Action.Name != m.Action.Name {
				t.Fatalf("node %d differs: %s/%s vs %s/%s", j, n.ID, n.Action.Name, m.ID, m.Action.Name)
			}
		}
	}
}
