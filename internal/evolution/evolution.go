// Package evolution decides which evaluated proposals get applied. Two
// gates stand between a proposal and the world model: a rolling patch
// budget, and Pareto dominance over the A/B metrics.
package evolution

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/galaxyeye/browser4agi/internal/sim"
)

// #region budget
// ErrBudgetExceeded is returned when the current window has no patch
// capacity left.
var ErrBudgetExceeded = errors.New("patch budget exceeded")

// BudgetConfig sets the per-window ceilings.
type BudgetConfig struct {
	MaxPatchesPerWindow  int
	MaxRuleCountIncrease int
}

// DefaultBudgetConfig reads EVOLVE_MAX_PATCHES_PER_WINDOW and
// EVOLVE_MAX_RULE_GROWTH from the environment, defaulting to 3 patches and
// 10 new rules per window.
func DefaultBudgetConfig() BudgetConfig {
	cfg := BudgetConfig{MaxPatchesPerWindow: 3, MaxRuleCountIncrease: 10}
	if v := os.Getenv("EVOLVE_MAX_PATCHES_PER_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxPatchesPerWindow = n
		}
	}
	if v := os.Getenv("EVOLVE_MAX_RULE_GROWTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRuleCountIncrease = n
		}
	}
	return cfg
}

// Budget is a rolling patch allowance with two counters: patches this
// window, and net rule-count growth this window. Reserve consumes both;
// Rollover opens the next window. A zero patch allowance rejects every
// proposal.
type Budget struct {
	mu     sync.Mutex
	cfg    BudgetConfig
	used   int
	growth int
}

// NewBudget returns a budget with the given per-window ceilings.
func NewBudget(cfg BudgetConfig) *Budget {
	return &Budget{cfg: cfg}
}

// Reserve consumes one patch slot plus ruleDelta rule-growth capacity, or
// fails with ErrBudgetExceeded leaving both counters untouched. Negative
// deltas give growth capacity back.
func (b *Budget) Reserve(ruleDelta int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.cfg.MaxPatchesPerWindow {
		return fmt.Errorf("patches this window: %w", ErrBudgetExceeded)
	}
	if b.growth+ruleDelta > b.cfg.MaxRuleCountIncrease {
		return fmt.Errorf("rule-count ceiling: %w", ErrBudgetExceeded)
	}
	b.used++
	b.growth += ruleDelta
	return nil
}

// Remaining reports unused patch slots in the current window.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.MaxPatchesPerWindow - b.used
}

// Rollover opens a fresh window.
func (b *Budget) Rollover() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
	b.growth = 0
}

// #endregion budget

// #region pareto
// Dominates reports whether a is at least as good as b on every objective
// and strictly better on at least one. Success delta is maximized; rule
// count delta and specialization delta are minimized, holding rule growth
// and over-fitting in check.
func Dominates(a, b sim.ABResult) bool {
	if a.SuccessDelta() < b.SuccessDelta() {
		return false
	}
	if a.RuleCountDelta() > b.RuleCountDelta() {
		return false
	}
	if a.SpecializationDelta() > b.SpecializationDelta() {
		return false
	}
	return a.SuccessDelta() > b.SuccessDelta() ||
		a.RuleCountDelta() < b.RuleCountDelta() ||
		a.SpecializationDelta() < b.SpecializationDelta()
}

// Frontier returns the non-dominated subset, ordered by success delta
// descending, then rule count delta ascending, then proposal id.
func Frontier(results []sim.ABResult) []sim.ABResult {
	var out []sim.ABResult
	for i, a := range results {
		dominated := false
		for j, b := range results {
			if i != j && Dominates(b, a) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessDelta() != out[j].SuccessDelta() {
			return out[i].SuccessDelta() > out[j].SuccessDelta()
		}
		if out[i].RuleCountDelta() != out[j].RuleCountDelta() {
			return out[i].RuleCountDelta() < out[j].RuleCountDelta()
		}
		return out[i].ProposalID < out[j].ProposalID
	})
	return out
}

// #endregion pareto

// #region controller
// Decision records why one proposal was accepted or rejected.
type Decision struct {
	ProposalID string
	Accepted   bool
	Reason     string
}

// Controller ranks evaluated proposals and admits winners within budget.
type Controller struct {
	budget *Budget
}

// NewController returns a controller over the given budget.
func NewController(budget *Budget) *Controller {
	return &Controller{budget: budget}
}

// Budget exposes the controller's budget, for rollover at window
// boundaries.
func (c *Controller) Budget() *Budget {
	return c.budget
}

// Select ranks the A/B results and admits Pareto winners that improve the
// success rate, one budget slot each. Results that regress or tie on
// success are rejected outright; dominated results lose to the frontier.
// The returned decisions cover every input exactly once.
func (c *Controller) Select(results []sim.ABResult) []Decision {
	decisions := make(map[string]Decision, len(results))

	frontier := Frontier(results)
	inFrontier := make(map[string]bool, len(frontier))
	for _, r := range frontier {
		inFrontier[r.ProposalID] = true
	}

	for _, r := range frontier {
		switch {
		case r.SuccessDelta() <= 0:
			decisions[r.ProposalID] = Decision{
				ProposalID: r.ProposalID,
				Reason:     "no success-rate improvement",
			}
		default:
			if err := c.budget.Reserve(r.RuleCountDelta()); err != nil {
				decisions[r.ProposalID] = Decision{
					ProposalID: r.ProposalID,
					Reason:     err.Error(),
				}
				continue
			}
			decisions[r.ProposalID] = Decision{
				ProposalID: r.ProposalID,
				Accepted:   true,
				Reason:     "pareto winner within budget",
			}
			log.Printf("[EVOLVE] accepted %s: success %+0.3f, rules %+d",
				r.ProposalID, r.SuccessDelta(), r.RuleCountDelta())
		}
	}

	// Non-frontier results, in input order.
	out := make([]Decision, 0, len(results))
	for _, r := range results {
		if d, ok := decisions[r.ProposalID]; ok {
			out = append(out, d)
			continue
		}
		out = append(out, Decision{
			ProposalID: r.ProposalID,
			Reason:     "dominated by another proposal",
		})
	}
	return out
}

// #endregion controller
