package rule

import (
	"errors"
	"fmt"
	"sort"
)

// #region errors
var (
	// ErrDuplicateRuleID is returned when adding a rule whose id already exists.
	ErrDuplicateRuleID = errors.New("duplicate rule id")

	// ErrCyclicOrderConstraint is returned when order constraints induce a cycle.
	ErrCyclicOrderConstraint = errors.New("cyclic order constraint")
)

// #endregion errors

// #region set
// Set is an ordered collection of rules keyed by id.
type Set struct {
	rules []Rule
	index map[string]int
}

// NewSet builds a Set from the given rules. Fails with ErrDuplicateRuleID on
// repeated ids.
func NewSet(rules []Rule) (*Set, error) {
	s := &Set{index: make(map[string]int, len(rules))}
	for _, r := range rules {
		if err := s.Add(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a rule. Fails with ErrDuplicateRuleID if the id exists.
func (s *Set) Add(r Rule) error {
	if _, ok := s.index[r.ID]; ok {
		return fmt.Errorf("add rule %s: %w", r.ID, ErrDuplicateRuleID)
	}
	s.index[r.ID] = len(s.rules)
	s.rules = append(s.rules, r)
	return nil
}

// Get returns the rule with the given id.
func (s *Set) Get(id string) (Rule, bool) {
	i, ok := s.index[id]
	if !ok {
		return Rule{}, false
	}
	return s.rules[i], true
}

// Len returns the number of rules, all lifecycle states included.
func (s *Set) Len() int {
	return len(s.rules)
}

// All returns cloned copies of every rule in insertion order.
func (s *Set) All() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Clone()
	}
	return out
}

// #endregion set

// #region applicable
// Applicable returns ACTIVE rules whose conditions hold over state, ordered
// by descending confidence then ascending id so DAG construction is
// reproducible.
func (s *Set) Applicable(state map[string]string) []Rule {
	var out []Rule
	for _, r := range s.rules {
		if r.Meta.Status != StatusActive {
			continue
		}
		if r.Applies(state) {
			out = append(out, r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Meta.Confidence != out[j].Meta.Confidence {
			return out[i].Meta.Confidence > out[j].Meta.Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Active returns every ACTIVE rule regardless of whether its conditions
// currently hold, ordered like Applicable. The planner's precondition pass
// needs unmet guards too.
func (s *Set) Active() []Rule {
	var out []Rule
	for _, r := range s.rules {
		if r.Meta.Status == StatusActive {
			out = append(out, r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Meta.Confidence != out[j].Meta.Confidence {
			return out[i].Meta.Confidence > out[j].Meta.Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// #endregion applicable

// #region validate
// Validate checks that order constraints do not induce a cycle between
// action names. Fails with ErrCyclicOrderConstraint.
func (s *Set) Validate() error {
	// Build action-name adjacency: edge pred → action for every must_follow.
	adj := make(map[string][]string)
	for _, r := range s.rules {
		if r.Order == nil {
			continue
		}
		for _, pred := range r.Order.MustFollow {
			adj[pred] = append(adj[pred], r.Order.ActionName)
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		for _, m := range adj[n] {
			switch color[m] {
			case grey:
				return false
			case white:
				if !visit(m) {
					return false
				}
			}
		}
		color[n] = black
		return true
	}

	names := make([]string, 0, len(adj))
	for n := range adj {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		if color[n] == white {
			if !visit(n) {
				return fmt.Errorf("validate rule set: %w", ErrCyclicOrderConstraint)
			}
		}
	}
	return nil
}

// #endregion validate
