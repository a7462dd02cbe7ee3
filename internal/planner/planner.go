package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/galaxyeye/browser4agi/internal/action"
	"github.com/galaxyeye/browser4agi/internal/rule"
	"github.com/galaxyeye/browser4agi/internal/trace"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

// #region errors
var (
	// ErrUnsatisfiableGoal is returned when a hard precondition has no
	// producing action.
	ErrUnsatisfiableGoal = errors.New("unsatisfiable goal")

	// ErrRuleConflict is returned when two applicable rules impose
	// contradictory requirements on the same state key.
	ErrRuleConflict = errors.New("rule conflict")
)

// #endregion errors

// #region goal-kind
// GoalKind classifies a goal into one of the seed plan families.
type GoalKind string

const (
	GoalBrowse  GoalKind = "browse"
	GoalSearch  GoalKind = "search"
	GoalExtract GoalKind = "extract"
	GoalGeneric GoalKind = "generic"
)

// ClassifyGoal maps a goal description to a kind by keyword.
func ClassifyGoal(goal string) GoalKind {
	lower := strings.ToLower(goal)
	switch {
	case strings.Contains(lower, "extract") || strings.Contains(lower, "scrape"):
		return GoalExtract
	case strings.Contains(lower, "search"):
		return GoalSearch
	case strings.Contains(lower, "browse") || strings.Contains(lower, "navigate") || strings.Contains(lower, "open"):
		return GoalBrowse
	default:
		return GoalGeneric
	}
}

// Decomposer produces the seed action sequence for one goal kind. Seeds run
// in order: each depends on its predecessor.
type Decomposer func(goal string) []action.Action

// defaultDecomposers holds the built-in seed plans.
func defaultDecomposers() map[GoalKind]Decomposer {
	return map[GoalKind]Decomposer{
		GoalBrowse: func(goal string) []action.Action {
			url := targetURL(goal)
			return []action.Action{
				{Name: "browser.open", Params: map[string]string{"url": url}},
				{Name: "browser.wait_for", Params: map[string]string{"selector": "body"}},
			}
		},
		GoalSearch: func(goal string) []action.Action {
			return []action.Action{
				{Name: "browser.open", Params: map[string]string{"url": targetURL(goal)}},
				{Name: "browser.fill", Params: map[string]string{"selector": "#search", "value": goal}},
				{Name: "browser.click", Params: map[string]string{"selector": "#search-button"}},
				{Name: "browser.wait_for", Params: map[string]string{"selector": "#results"}},
			}
		},
		GoalExtract: func(goal string) []action.Action {
			return []action.Action{
				{Name: "browser.open", Params: map[string]string{"url": targetURL(goal)}},
				{Name: "browser.wait_for", Params: map[string]string{"selector": "body"}},
				{Name: "browser.extract", Params: map[string]string{"selector": "main"}},
				{Name: "fs.write", Params: map[string]string{"path": "extracted.json"}},
			}
		},
		GoalGeneric: func(goal string) []action.Action {
			return []action.Action{
				{Name: "browser.open", Params: map[string]string{"url": targetURL(goal)}},
			}
		},
	}
}

// targetURL pulls the first http(s) token out of the goal, defaulting to a
// placeholder host.
func targetURL(goal string) string {
	for _, tok := range strings.Fields(goal) {
		if strings.HasPrefix(tok, "http://") || strings.HasPrefix(tok, "https://") {
			return tok
		}
	}
	return "https://example.com"
}

// #endregion goal-kind

// #region builder
// Builder compiles a goal plus the current world model into an executable
// DAG, recording one build-trace entry per node.
type Builder struct {
	decomposers map[GoalKind]Decomposer
	now         func() time.Time
}

// NewBuilder returns a builder with the built-in seed plans.
func NewBuilder() *Builder {
	return &Builder{decomposers: defaultDecomposers(), now: time.Now}
}

// Register overrides the decomposer for one goal kind.
func (b *Builder) Register(kind GoalKind, d Decomposer) {
	b.decomposers[kind] = d
}

// WithClock overrides the timestamp source (tests).
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Result is the compiled DAG plus its build trace.
type Result struct {
	DAG   *action.DAG
	Build trace.BuildTrace
}

// #endregion builder

// #region build
// Build compiles goal against the snapshot's rules and the observed world
// state. Fails with ErrUnsatisfiableGoal, ErrRuleConflict, or
// rule.ErrCyclicOrderConstraint; on error nothing partial is returned.
func (b *Builder) Build(goal string, snap worldmodel.Snapshot, state map[string]string) (Result, error) {
	rs, err := snap.RuleSet()
	if err != nil {
		return Result{}, fmt.Errorf("build %q: %w", goal, err)
	}
	if err := rs.Validate(); err != nil {
		return Result{}, fmt.Errorf("build %q: %w", goal, err)
	}

	kind := ClassifyGoal(goal)
	decompose, ok := b.decomposers[kind]
	if !ok {
		decompose = b.decomposers[GoalGeneric]
	}
	seeds := decompose(goal)
	if len(seeds) == 0 {
		return Result{}, fmt.Errorf("build %q: empty seed plan: %w", goal, ErrUnsatisfiableGoal)
	}

	now := b.now().UTC()
	dag := action.NewDAG()
	var bt trace.BuildTrace

	// Node ids are deterministic so identical inputs compile to identical
	// graphs.
	seq := 0
	nextID := func(name string) string {
		seq++
		return fmt.Sprintf("n%02d-%s", seq, name)
	}
	byAction := make(map[string]string) // action name → node id

	var prev string
	for _, a := range seeds {
		id := nextID(a.Name)
		var preds []string
		if prev != "" {
			preds = append(preds, prev)
		}
		if _, err := dag.AddNode(id, a, preds...); err != nil {
			return Result{}, fmt.Errorf("build %q: %w", goal, err)
		}
		bt.Add(id, "", fmt.Sprintf("seed action for %s goal", kind), now)
		byAction[a.Name] = id
		prev = id
	}

	// Guard rules are matched from all ACTIVE rules: an unmet precondition is
	// exactly the case that forces a producer injection. Order rules apply
	// only when their own conditions hold over the observed state.
	active := rs.Active()
	applicable := rs.Applicable(state)

	// Precondition pass: inject producers for unmet preconditions and refuse
	// contradictory requirements.
	for _, n := range append([]*action.Node(nil), dag.Nodes()...) {
		guards := guardsFor(active, n.Action.Name)
		if err := checkConflicts(guards, n.Action.Name); err != nil {
			return Result{}, err
		}
		for _, g := range guards {
			if g.Applies(state) {
				bt.Add(n.ID, g.ID, fmt.Sprintf("precondition already satisfied for %s", n.Action.Name), now)
				continue
			}
			if g.Produces == "" {
				return Result{}, fmt.Errorf(
					"build %q: precondition %s of %s has no producing action: %w",
					goal, g.ID, n.Action.Name, ErrUnsatisfiableGoal)
			}
			prodID, exists := byAction[g.Produces]
			if !exists {
				prodID = nextID(g.Produces)
				if _, err := dag.AddNode(prodID, action.Action{Name: g.Produces}); err != nil {
					return Result{}, fmt.Errorf("build %q: %w", goal, err)
				}
				byAction[g.Produces] = prodID
				bt.Add(prodID, g.ID, fmt.Sprintf("injected producer for precondition of %s", n.Action.Name), now)
			}
			if err := dag.AddEdge(prodID, n.ID); err != nil {
				return Result{}, fmt.Errorf("build %q: %w", goal, err)
			}
			bt.Add(n.ID, g.ID, fmt.Sprintf("requires %s before %s", g.Produces, n.Action.Name), now)
		}
	}

	// Order pass: add edges (and missing predecessors) demanded by order
	// rules targeting actions present in the graph.
	for _, r := range applicable {
		if r.Order == nil {
			continue
		}
		targetID, ok := byAction[r.Order.ActionName]
		if !ok {
			continue
		}
		for _, predName := range r.Order.MustFollow {
			predID, exists := byAction[predName]
			if !exists {
				predID = nextID(predName)
				if _, err := dag.AddNode(predID, action.Action{Name: predName}); err != nil {
					return Result{}, fmt.Errorf("build %q: %w", goal, err)
				}
				byAction[predName] = predID
				bt.Add(predID, r.ID, fmt.Sprintf("injected predecessor required before %s", r.Order.ActionName), now)
			}
			if err := dag.AddEdge(predID, targetID); err != nil {
				return Result{}, fmt.Errorf("build %q: %w", goal, err)
			}
			bt.Add(targetID, r.ID, fmt.Sprintf("%s must follow %s", r.Order.ActionName, predName), now)
		}
	}

	if err := dag.Validate(); err != nil {
		return Result{}, fmt.Errorf("build %q: %w", goal, err)
	}
	return Result{DAG: dag, Build: bt}, nil
}

// guardsFor returns applicable precondition rules guarding the named action.
// Order (confidence desc, id asc) is inherited from Applicable.
func guardsFor(applicable []rule.Rule, actionName string) []rule.Rule {
	var out []rule.Rule
	for _, r := range applicable {
		if r.Kind != rule.KindPrecondition {
			continue
		}
		if r.AppliesTo == "" || r.AppliesTo == actionName {
			out = append(out, r)
		}
	}
	return out
}

// checkConflicts refuses contradictory requirements on the same state key;
// the builder never silently picks one side.
func checkConflicts(guards []rule.Rule, actionName string) error {
	type req struct {
		ruleID string
		cond   rule.Condition
	}
	byField := make(map[string][]req)
	for _, g := range guards {
		for _, c := range g.Conditions {
			byField[c.Field] = append(byField[c.Field], req{g.ID, c})
		}
	}
	for field, reqs := range byField {
		for i := 0; i < len(reqs); i++ {
			for j := i + 1; j < len(reqs); j++ {
				a, bb := reqs[i], reqs[j]
				if contradicts(a.cond, bb.cond) {
					return fmt.Errorf(
						"rules %s and %s disagree on %s for action %s: %w",
						a.ruleID, bb.ruleID, field, actionName, ErrRuleConflict)
				}
			}
		}
	}
	return nil
}

func contradicts(a, b rule.Condition) bool {
	switch {
	case a.Operator == "eq" && b.Operator == "eq":
		return a.Value != b.Value
	case a.Operator == "eq" && b.Operator == "neq", a.Operator == "neq" && b.Operator == "eq":
		return a.Value == b.Value
	default:
		return false
	}
}

// #endregion build
