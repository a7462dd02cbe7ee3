// Package reflect turns failed executions into patch proposals. The
// heuristic pass blames rules recorded in the build trace and emits one
// conservative edit per failed node; when an advisor is configured its
// suggestions are validated against the current rule set and used instead,
// degrading back to the heuristic on any advisor trouble.
package reflect

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"time"

	"github.com/galaxyeye/browser4agi/internal/advisor"
	"github.com/galaxyeye/browser4agi/internal/patch"
	"github.com/galaxyeye/browser4agi/internal/rule"
	"github.com/galaxyeye/browser4agi/internal/trace"
)

// #region config
// Config controls the reflection pass.
type Config struct {
	// AdvisorTimeout bounds one advisor consultation. Zero disables the
	// extra deadline.
	AdvisorTimeout time.Duration
}

// DefaultConfig returns the built-in reflection settings.
func DefaultConfig() Config {
	return Config{AdvisorTimeout: 20 * time.Second}
}

// #endregion config

// #region heuristic
// Heuristic is the rule-blame analyzer used when no advisor is available.
type Heuristic struct {
	now func() time.Time
}

// NewHeuristic returns a heuristic analyzer.
func NewHeuristic() *Heuristic {
	return &Heuristic{now: time.Now}
}

// WithClock overrides the timestamp source (tests).
func (h *Heuristic) WithClock(now func() time.Time) *Heuristic {
	h.now = now
	return h
}

// Analyze emits at most one proposal per blamed rule, walking failed nodes
// in node-id order so identical reports yield identical proposals. For each
// rule the build trace blames, the preferred edit is tightening it with a
// readiness condition, then an order constraint on the last succeeded
// action, then narrowing a global rule to the failed action. Unattributed
// failures grow a fresh guard rule when a producer action is available.
func (h *Heuristic) Analyze(report *trace.Report, rules []rule.Rule) []patch.Proposal {
	if report == nil || report.Status == trace.ReportSuccess {
		return nil
	}

	byID := make(map[string]rule.Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}

	failed := append([]string(nil), report.FailedNodes()...)
	sort.Strings(failed)

	now := h.now().UTC()
	seenRule := make(map[string]bool)
	var out []patch.Proposal
	emit := func(nodeID, actionName, ruleID string, edit *patch.Edit) {
		out = append(out, patch.Proposal{
			ID:        deriveID("p", report.TaskID, nodeID, ruleID, string(edit.Kind)),
			Edits:     []patch.Edit{*edit},
			Source:    "reflection_v1",
			Rationale: fmt.Sprintf("node %s (%s) failed: %s", nodeID, actionName, edit.Reason),
			CreatedAt: now,
		})
	}

	for _, nodeID := range failed {
		actionName := actionOf(report, nodeID)
		blamed := report.Build.RulesFor(nodeID)

		if len(blamed) == 0 {
			if edit := h.editForSeedFailure(report, nodeID, actionName); edit != nil {
				emit(nodeID, actionName, "", edit)
			}
			continue
		}
		for _, ruleID := range blamed {
			if seenRule[ruleID] {
				continue
			}
			seenRule[ruleID] = true
			r, ok := byID[ruleID]
			if !ok {
				continue
			}
			if edit := h.editForBlamedRule(r, report, nodeID, actionName); edit != nil {
				emit(nodeID, actionName, ruleID, edit)
			}
		}
	}
	return out
}

// editForBlamedRule picks the least invasive edit that still changes the
// next build.
func (h *Heuristic) editForBlamedRule(r rule.Rule, report *trace.Report, nodeID, actionName string) *patch.Edit {
	readyField := "ready." + actionName
	if !hasCondition(r, readyField) {
		return &patch.Edit{
			Kind:      patch.AddCondition,
			RuleID:    r.ID,
			Condition: &rule.Condition{Field: readyField, Operator: "exists"},
			Reason:    "require readiness signal before " + actionName,
		}
	}
	target := r.AppliesTo
	if r.Order != nil {
		target = r.Order.ActionName
	}
	if target == "" {
		target = actionName
	}
	if prev := lastSucceededBefore(report, nodeID); prev != "" && prev != target && !mustFollow(r, prev) {
		return &patch.Edit{
			Kind:       patch.AddOrderConstraint,
			RuleID:     r.ID,
			MustFollow: []string{prev},
			Action:     target,
			Reason:     fmt.Sprintf("order %s after %s", target, prev),
		}
	}
	if r.AppliesTo == "" && actionName != "" {
		return &patch.Edit{
			Kind:   patch.NarrowScope,
			RuleID: r.ID,
			Scope:  actionName,
			Reason: "limit rule to the action it keeps failing on",
		}
	}
	return nil
}

// editForSeedFailure grows a guard rule for a failure no rule shaped. The
// last succeeded action doubles as the guard's producer; with no producer
// available the failure yields no proposal.
func (h *Heuristic) editForSeedFailure(report *trace.Report, nodeID, actionName string) *patch.Edit {
	producer := lastSucceededBefore(report, nodeID)
	if producer == "" || actionName == "" {
		return nil
	}
	guard := rule.Rule{
		ID:        deriveID("r", report.TaskID, nodeID, actionName),
		Kind:      rule.KindPrecondition,
		AppliesTo: actionName,
		Conditions: []rule.Condition{
			{Field: "ready." + actionName, Operator: "exists"},
		},
		Produces:    producer,
		Description: fmt.Sprintf("guard learned from failure of %s", actionName),
	}
	return &patch.Edit{
		Kind:    patch.AddRule,
		NewRule: &guard,
		Reason:  "guard " + actionName + " after unattributed failure",
	}
}

// #endregion heuristic

// #region reflector
// Reflector is the full reflection pass: advisor first when configured,
// heuristic otherwise or on advisor failure.
type Reflector struct {
	heuristic *Heuristic
	adv       advisor.Advisor
	cfg       Config
	now       func() time.Time
}

// New returns a reflector. adv may be nil, which pins reflection to the
// heuristic pass.
func New(adv advisor.Advisor, cfg Config) *Reflector {
	return &Reflector{heuristic: NewHeuristic(), adv: adv, cfg: cfg, now: time.Now}
}

// WithClock overrides the timestamp source (tests).
func (r *Reflector) WithClock(now func() time.Time) *Reflector {
	r.now = now
	r.heuristic.WithClock(now)
	return r
}

// Reflect produces patch proposals for a finished execution. Successful
// reports produce none. Advisor edits are whitelisted and checked against
// the current rules; an advisor error, timeout, or fully invalid response
// falls back to the heuristic pass.
func (r *Reflector) Reflect(ctx context.Context, goal string, report *trace.Report, rules []rule.Rule) []patch.Proposal {
	if report == nil || report.Status == trace.ReportSuccess {
		return nil
	}
	if r.adv == nil {
		return r.heuristic.Analyze(report, rules)
	}

	advCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.cfg.AdvisorTimeout > 0 {
		advCtx, cancel = context.WithTimeout(ctx, r.cfg.AdvisorTimeout)
	}
	resp, err := r.adv.Propose(advCtx, advisor.Request{
		TaskID:       report.TaskID,
		ModelVersion: report.ModelVersion,
		Goal:         goal,
		Report:       *report,
		Rules:        rules,
	})
	cancel()
	if err != nil {
		log.Printf("[REFLECT] advisor unavailable, using heuristic pass: %v", err)
		return r.heuristic.Analyze(report, rules)
	}

	valid := filterEdits(resp.Edits, rules)
	if len(valid) == 0 {
		log.Printf("[REFLECT] advisor returned no usable edits, using heuristic pass")
		return r.heuristic.Analyze(report, rules)
	}

	return []patch.Proposal{{
		ID:        deriveID("p2", report.TaskID, report.ModelVersion, fmt.Sprintf("%d", len(valid))),
		Edits:     valid,
		Source:    "reflection_v2",
		Rationale: resp.Rationale,
		CreatedAt: r.now().UTC(),
	}}
}

// advisorKinds is what a remote advisor is allowed to do. Adding rules is
// reserved for the heuristic pass, which constructs them itself.
var advisorKinds = map[patch.EditKind]bool{
	patch.AddCondition:       true,
	patch.AddOrderConstraint: true,
	patch.NarrowScope:        true,
	patch.DeprecateRule:      true,
}

// filterEdits drops edits with disallowed kinds, missing payloads, or rule
// ids absent from the current set. Each drop is logged once.
func filterEdits(edits []patch.Edit, rules []rule.Rule) []patch.Edit {
	known := make(map[string]bool, len(rules))
	for _, r := range rules {
		known[r.ID] = true
	}

	var out []patch.Edit
	for _, e := range edits {
		switch {
		case !advisorKinds[e.Kind]:
			log.Printf("[REFLECT] dropping advisor edit with kind %q", e.Kind)
		case !known[e.RuleID]:
			log.Printf("[REFLECT] dropping advisor edit for unknown rule %q", e.RuleID)
		case e.Kind == patch.AddCondition && e.Condition == nil:
			log.Printf("[REFLECT] dropping add_condition without condition for %s", e.RuleID)
		case e.Kind == patch.AddOrderConstraint && len(e.MustFollow) == 0:
			log.Printf("[REFLECT] dropping add_order_constraint without predecessors for %s", e.RuleID)
		case e.Kind == patch.NarrowScope && e.Scope == "":
			log.Printf("[REFLECT] dropping narrow_scope without scope for %s", e.RuleID)
		default:
			out = append(out, e)
		}
	}
	return out
}

// #endregion reflector

// #region helpers
// actionOf returns the action name recorded for the node's events.
func actionOf(report *trace.Report, nodeID string) string {
	for _, e := range report.Events {
		if e.NodeID == nodeID {
			return e.ActionName
		}
	}
	return ""
}

// lastSucceededBefore returns the action name of the latest success event
// preceding the node's failure in the event stream.
func lastSucceededBefore(report *trace.Report, nodeID string) string {
	last := ""
	for _, e := range report.Events {
		if e.NodeID == nodeID && e.Type == "failed" {
			return last
		}
		if e.Type == "succeeded" {
			last = e.ActionName
		}
	}
	return last
}

func hasCondition(r rule.Rule, field string) bool {
	for _, c := range r.Conditions {
		if c.Field == field {
			return true
		}
	}
	return false
}

func mustFollow(r rule.Rule, pred string) bool {
	if r.Order == nil {
		return false
	}
	for _, p := range r.Order.MustFollow {
		if p == pred {
			return true
		}
	}
	return false
}

// deriveID builds a stable id from its parts, so reflection over the same
// report always names the same proposals.
func deriveID(prefix string, parts ...string) string {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s-%08x", prefix, h.Sum32())
}

// #endregion helpers
