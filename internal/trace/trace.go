package trace

import "time"

// #region build-trace
// BuildEntry records which rule produced or constrained a DAG node and why.
// This is the evidence reflection consumes for blame assignment.
type BuildEntry struct {
	NodeID        string    `json:"node_id"`
	AppliedRuleID string    `json:"applied_rule_id,omitempty"` // empty for seed nodes
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// BuildTrace is the ordered per-node build record for one DAG.
type BuildTrace struct {
	Entries []BuildEntry `json:"entries"`
}

// Add appends an entry.
func (bt *BuildTrace) Add(nodeID, ruleID, reason string, now time.Time) {
	bt.Entries = append(bt.Entries, BuildEntry{
		NodeID:        nodeID,
		AppliedRuleID: ruleID,
		Reason:        reason,
		CreatedAt:     now,
	})
}

// RulesFor returns ids of rules that shaped the given node, in entry order.
func (bt *BuildTrace) RulesFor(nodeID string) []string {
	var out []string
	for _, e := range bt.Entries {
		if e.NodeID == nodeID && e.AppliedRuleID != "" {
			out = append(out, e.AppliedRuleID)
		}
	}
	return out
}

// #endregion build-trace

// #region report-status
// ReportStatus is the overall outcome of a DAG execution.
type ReportStatus string

const (
	ReportSuccess ReportStatus = "success"
	ReportPartial ReportStatus = "partial"
	ReportFailure ReportStatus = "failure"
)

// #endregion report-status

// #region event
// Event is a single timestamped transition in an execution.
type Event struct {
	NodeID     string    `json:"node_id"`
	ActionName string    `json:"action_name"`
	Type       string    `json:"type"` // "start" | "succeeded" | "failed" | "skipped"
	Error      string    `json:"error,omitempty"`
	RuleID     string    `json:"rule_id,omitempty"` // rule blamed at event time, if any
	At         time.Time `json:"at"`
}

// #endregion event

// #region report
// Report is the complete record of one DAG execution.
type Report struct {
	TaskID       string       `json:"task_id"`
	ModelVersion string       `json:"model_version"`
	Status       ReportStatus `json:"status"`
	Events       []Event      `json:"events"`
	Build        BuildTrace   `json:"build"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}

// AddEvent appends an event.
func (r *Report) AddEvent(e Event) {
	r.Events = append(r.Events, e)
}

// FailedNodes returns node ids with a terminal "failed" event.
func (r *Report) FailedNodes() []string {
	return r.nodesByType("failed")
}

// SkippedNodes returns node ids with a terminal "skipped" event.
func (r *Report) SkippedNodes() []string {
	return r.nodesByType("skipped")
}

func (r *Report) nodesByType(typ string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.Events {
		if e.Type == typ && !seen[e.NodeID] {
			seen[e.NodeID] = true
			out = append(out, e.NodeID)
		}
	}
	return out
}

// #endregion report
