package patch

import (
	"errors"
	"fmt"
	"time"

	"github.com/galaxyeye/browser4agi/internal/rule"
)

// #region edit-kind
// EditKind enumerates the primitive rule edits a proposal may carry.
type EditKind string

const (
	AddCondition       EditKind = "add_condition"
	AddOrderConstraint EditKind = "add_order_constraint"
	NarrowScope        EditKind = "narrow_scope"
	DeprecateRule      EditKind = "deprecate_rule"
	AddRule            EditKind = "add_rule"
)

// Kinds lists every valid edit kind.
var Kinds = []EditKind{AddCondition, AddOrderConstraint, NarrowScope, DeprecateRule, AddRule}

// #endregion edit-kind

// #region errors
// ErrInvalidProposal is returned for edits outside the known kinds or
// referencing unknown rule ids.
var ErrInvalidProposal = errors.New("invalid proposal")

// #endregion errors

// #region edit
// Edit is one primitive change to the rule set.
type Edit struct {
	Kind   EditKind `json:"kind"`
	RuleID string   `json:"rule_id"`

	// Condition applies to AddCondition.
	Condition *rule.Condition `json:"condition,omitempty"`

	// Scope applies to NarrowScope: the action name the rule is narrowed to.
	Scope string `json:"scope,omitempty"`

	// MustFollow applies to AddOrderConstraint. Action names the constrained
	// action when the rule has neither an existing constraint nor a scope.
	MustFollow []string `json:"must_follow,omitempty"`
	Action     string   `json:"action,omitempty"`

	// NewRule applies to AddRule.
	NewRule *rule.Rule `json:"new_rule,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// #endregion edit

// #region proposal
// Proposal is an ordered set of primitive edits with provenance.
type Proposal struct {
	ID        string    `json:"id"`
	Edits     []Edit    `json:"edits"`
	Source    string    `json:"source"` // "reflection_v1" | "reflection_v2" | ...
	Rationale string    `json:"rationale"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleCountDelta returns the net rule-count change the proposal would cause.
func (p Proposal) RuleCountDelta() int {
	n := 0
	for _, e := range p.Edits {
		if e.Kind == AddRule {
			n++
		}
	}
	return n
}

// #endregion proposal

// #region apply
// Apply returns a new rule list equal to rules with the proposal's edits
// applied exactly once, in order. The input is never mutated. Fails with
// ErrInvalidProposal for unknown edit kinds or rule ids; on error the
// returned slice is nil.
func Apply(rules []rule.Rule, p Proposal, now time.Time) ([]rule.Rule, error) {
	out := make([]rule.Rule, len(rules))
	index := make(map[string]int, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
		index[r.ID] = i
	}

	for _, e := range p.Edits {
		switch e.Kind {
		case AddCondition:
			i, ok := index[e.RuleID]
			if !ok {
				return nil, fmt.Errorf("%s on %s: %w", e.Kind, e.RuleID, ErrInvalidProposal)
			}
			if e.Condition == nil {
				return nil, fmt.Errorf("%s on %s: missing condition: %w", e.Kind, e.RuleID, ErrInvalidProposal)
			}
			out[i].Conditions = append(out[i].Conditions, *e.Condition)
			out[i].Meta.LastUpdated = now

		case NarrowScope:
			i, ok := index[e.RuleID]
			if !ok {
				return nil, fmt.Errorf("%s on %s: %w", e.Kind, e.RuleID, ErrInvalidProposal)
			}
			if e.Scope == "" {
				return nil, fmt.Errorf("%s on %s: missing scope: %w", e.Kind, e.RuleID, ErrInvalidProposal)
			}
			out[i].AppliesTo = e.Scope
			out[i].Meta.LastUpdated = now

		case AddOrderConstraint:
			i, ok := index[e.RuleID]
			if !ok {
				return nil, fmt.Errorf("%s on %s: %w", e.Kind, e.RuleID, ErrInvalidProposal)
			}
			if len(e.MustFollow) == 0 {
				return nil, fmt.Errorf("%s on %s: empty must_follow: %w", e.Kind, e.RuleID, ErrInvalidProposal)
			}
			if out[i].Order == nil {
				target := out[i].AppliesTo
				if target == "" {
					target = e.Action
				}
				if target == "" {
					return nil, fmt.Errorf("%s on %s: no action to constrain: %w", e.Kind, e.RuleID, ErrInvalidProposal)
				}
				out[i].Order = &rule.OrderConstraint{ActionName: target}
			}
			for _, pred := range e.MustFollow {
				if pred == out[i].Order.ActionName {
					return nil, fmt.Errorf("%s on %s: %s ordered after itself: %w", e.Kind, e.RuleID, pred, ErrInvalidProposal)
				}
				if !contains(out[i].Order.MustFollow, pred) {
					out[i].Order.MustFollow = append(out[i].Order.MustFollow, pred)
				}
			}
			out[i].Meta.LastUpdated = now

		case DeprecateRule:
			i, ok := index[e.RuleID]
			if !ok {
				return nil, fmt.Errorf("%s on %s: %w", e.Kind, e.RuleID, ErrInvalidProposal)
			}
			out[i].Meta.Status = rule.StatusDeprecated
			out[i].Meta.LastUpdated = now

		case AddRule:
			if e.NewRule == nil {
				return nil, fmt.Errorf("add_rule: missing rule: %w", ErrInvalidProposal)
			}
			if _, ok := index[e.NewRule.ID]; ok {
				return nil, fmt.Errorf("add_rule %s: %w", e.NewRule.ID, rule.ErrDuplicateRuleID)
			}
			nr := e.NewRule.Clone()
			nr.Meta = rule.NewMeta(now)
			index[nr.ID] = len(out)
			out = append(out, nr)

		default:
			return nil, fmt.Errorf("edit kind %q: %w", e.Kind, ErrInvalidProposal)
		}
	}
	return out, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// #endregion apply

// #region diff
// Diff summarizes what a proposal changed between two rule lists.
type Diff struct {
	RuleCountDelta  int      `json:"rule_count_delta"`
	ConditionDelta  int      `json:"condition_delta"`
	DeprecatedRules []string `json:"deprecated_rules,omitempty"`
	AddedRules      []string `json:"added_rules,omitempty"`
}

// Compute derives a Diff from before/after rule lists.
func Compute(before, after []rule.Rule) Diff {
	d := Diff{RuleCountDelta: len(after) - len(before)}

	prev := make(map[string]rule.Rule, len(before))
	for _, r := range before {
		prev[r.ID] = r
	}
	condBefore, condAfter := 0, 0
	for _, r := range before {
		condBefore += len(r.Conditions)
	}
	for _, r := range after {
		condAfter += len(r.Conditions)
		old, ok := prev[r.ID]
		if !ok {
			d.AddedRules = append(d.AddedRules, r.ID)
			continue
		}
		if old.Meta.Status != rule.StatusDeprecated && r.Meta.Status == rule.StatusDeprecated {
			d.DeprecatedRules = append(d.DeprecatedRules, r.ID)
		}
	}
	d.ConditionDelta = condAfter - condBefore
	return d
}

// #endregion diff
