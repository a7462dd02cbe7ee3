package worldmodel

import (
	"time"

	"github.com/galaxyeye/browser4agi/internal/rule"
)

// #region snapshot
// Snapshot is one immutable version of the world model: the full rule list
// plus lineage. Never mutated after creation; every change produces a new
// snapshot whose Parent references the prior version.
type Snapshot struct {
	Version   string      `json:"version"`
	Parent    string      `json:"parent,omitempty"` // empty for the root "v0"
	Rules     []rule.Rule `json:"rules"`
	CreatedAt time.Time   `json:"created_at"`
}

// RuleSet builds a rule.Set over the snapshot's rules.
func (s Snapshot) RuleSet() (*rule.Set, error) {
	return rule.NewSet(s.Rules)
}

// CountByStatus returns rule counts keyed by lifecycle status.
func (s Snapshot) CountByStatus() map[rule.Status]int {
	out := make(map[rule.Status]int)
	for _, r := range s.Rules {
		out[r.Meta.Status]++
	}
	return out
}

// Fork returns an uncommitted snapshot carrying the given rules with this
// snapshot as parent. Used by the simulator to branch without committing.
func (s Snapshot) Fork(version string, rules []rule.Rule, now time.Time) Snapshot {
	cloned := make([]rule.Rule, len(rules))
	for i, r := range rules {
		cloned[i] = r.Clone()
	}
	return Snapshot{
		Version:   version,
		Parent:    s.Version,
		Rules:     cloned,
		CreatedAt: now,
	}
}

// #endregion snapshot

// #region audit-record
// AuditRecord is one row of the append-only audit trail: the proposal that
// produced a version, the resulting diff, and the decision taken.
type AuditRecord struct {
	Version      string    `json:"version"`
	Decision     string    `json:"decision"` // "commit" | "rollback" | "stats_update"
	ProposalJSON string    `json:"proposal_json,omitempty"`
	DiffJSON     string    `json:"diff_json,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// #endregion audit-record
