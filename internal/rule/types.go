package rule

import "time"

// #region rule-kind
// Kind tags the behavioral variant of a rule. Dispatch over Kind is kept
// exhaustive rather than open-ended subclassing.
type Kind string

const (
	KindPrecondition Kind = "precondition"
	KindOrder        Kind = "order"
)

// #endregion rule-kind

// #region status
// Status is the lifecycle state of a rule. Transitions are one-directional:
// ACTIVE → COOLDOWN → DEPRECATED, with no automatic resurrection.
type Status string

const (
	StatusActive     Status = "active"
	StatusCooldown   Status = "cooldown"
	StatusDeprecated Status = "deprecated"
)

// #endregion status

// #region condition
// Condition is a predicate over a single world-state key.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // "exists" | "eq" | "neq"
	Value    string `json:"value,omitempty"`
}

// Holds reports whether the condition is satisfied by the given state.
func (c Condition) Holds(state map[string]string) bool {
	v, ok := state[c.Field]
	switch c.Operator {
	case "exists":
		return ok
	case "eq":
		return ok && v == c.Value
	case "neq":
		return !ok || v != c.Value
	default:
		return false
	}
}

// #endregion condition

// #region order-constraint
// OrderConstraint requires that an action only run after all of the named
// predecessor actions.
type OrderConstraint struct {
	ActionName string   `json:"action_name"`
	MustFollow []string `json:"must_follow"`
}

// #endregion order-constraint

// #region meta
// Meta carries per-rule statistics and lifecycle state.
type Meta struct {
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	Confidence   float64   `json:"confidence"` // in [0,1]
	Status       Status    `json:"status"`
	LastUpdated  time.Time `json:"last_updated"`

	// BelowCount tracks consecutive cycles below the deprecation threshold
	// while in COOLDOWN.
	BelowCount int `json:"below_count"`
}

// #endregion meta

// #region rule
// Rule is an atomic unit of behavioral knowledge: conditions over world
// state, an optional order constraint, and lifecycle metadata.
type Rule struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	Description string           `json:"description,omitempty"`
	Conditions  []Condition      `json:"conditions,omitempty"`
	Order       *OrderConstraint `json:"order,omitempty"`

	// AppliesTo names the action a precondition rule guards. Empty means the
	// rule constrains every action.
	AppliesTo string `json:"applies_to,omitempty"`

	// Produces names the action that establishes this rule's precondition
	// fields, when one exists. Empty means no known producer.
	Produces string `json:"produces,omitempty"`

	Meta Meta `json:"meta"`
}

// Clone returns a deep copy. Snapshots hold cloned rules so that committed
// versions are never aliased by later edits.
func (r Rule) Clone() Rule {
	out := r
	if r.Conditions != nil {
		out.Conditions = make([]Condition, len(r.Conditions))
		copy(out.Conditions, r.Conditions)
	}
	if r.Order != nil {
		oc := OrderConstraint{ActionName: r.Order.ActionName}
		oc.MustFollow = append([]string(nil), r.Order.MustFollow...)
		out.Order = &oc
	}
	return out
}

// Applies reports whether every condition holds over the given state.
// A rule with no conditions applies unconditionally.
func (r Rule) Applies(state map[string]string) bool {
	for _, c := range r.Conditions {
		if !c.Holds(state) {
			return false
		}
	}
	return true
}

// NewMeta returns fresh metadata for a newly added rule.
func NewMeta(now time.Time) Meta {
	return Meta{Confidence: 1.0, Status: StatusActive, LastUpdated: now}
}

// #endregion rule
