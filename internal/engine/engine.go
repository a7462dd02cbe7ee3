// Package engine executes compiled action DAGs against a capability,
// producing a complete execution report. A node runs only once all of its
// predecessors have succeeded; a failure marks every transitive dependent
// SKIPPED while independent branches keep running.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/galaxyeye/browser4agi/internal/action"
	"github.com/galaxyeye/browser4agi/internal/capability"
	"github.com/galaxyeye/browser4agi/internal/trace"
)

// #region config
// Config controls per-node timeouts and branch parallelism.
type Config struct {
	// NodeTimeout bounds a single action execution. Zero disables the
	// per-node deadline.
	NodeTimeout time.Duration

	// Parallelism caps how many independent nodes run at once. Values
	// below 1 are treated as 1.
	Parallelism int
}

// DefaultConfig returns the built-in executor settings, with environment
// overrides ENGINE_NODE_TIMEOUT_MS and ENGINE_PARALLELISM.
func DefaultConfig() Config {
	cfg := Config{
		NodeTimeout: 10 * time.Second,
		Parallelism: 4,
	}
	if v := os.Getenv("ENGINE_NODE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.NodeTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ENGINE_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Parallelism = n
		}
	}
	return cfg
}

// #endregion config

// #region executor
// Executor runs DAGs against a single capability.
type Executor struct {
	cap capability.Capability
	cfg Config
	now func() time.Time
}

// New returns an executor over the given capability.
func New(cap capability.Capability, cfg Config) *Executor {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Executor{cap: cap, cfg: cfg, now: time.Now}
}

// WithClock overrides the timestamp source (tests).
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// #endregion executor

// #region execute
// Execute runs the DAG and returns its report. Node failures are recorded
// in the report, not returned as an error; the error return covers invalid
// graphs and context cancellation only.
func (e *Executor) Execute(ctx context.Context, taskID, modelVersion string, dag *action.DAG, build trace.BuildTrace) (*trace.Report, error) {
	if err := dag.Validate(); err != nil {
		return nil, fmt.Errorf("execute %s: %w", taskID, err)
	}

	report := &trace.Report{
		TaskID:       taskID,
		ModelVersion: modelVersion,
		Build:        build,
		StartedAt:    e.now().UTC(),
	}

	var mu sync.Mutex
	status := make(map[string]action.RunStatus, dag.Len())
	for _, n := range dag.Nodes() {
		status[n.ID] = action.StatusPending
	}

	record := func(ev trace.Event) {
		mu.Lock()
		report.AddEvent(ev)
		mu.Unlock()
	}

	// Frontier loop: each round runs every node whose predecessors all
	// succeeded, then re-evaluates. Skips cascade before the next round so
	// a dead branch never occupies a worker slot.
	for {
		e.cascadeSkips(dag, status, report, &mu)

		ready := readyNodes(dag, status)
		if len(ready) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Parallelism)
		for _, id := range ready {
			node, _ := dag.Node(id)
			mu.Lock()
			status[id] = action.StatusRunning
			mu.Unlock()

			g.Go(func() error {
				record(trace.Event{
					NodeID: node.ID, ActionName: node.Action.Name,
					Type: "start", At: e.now().UTC(),
				})

				runCtx := gctx
				cancel := context.CancelFunc(func() {})
				if e.cfg.NodeTimeout > 0 {
					runCtx, cancel = context.WithTimeout(gctx, e.cfg.NodeTimeout)
				}
				_, err := e.cap.Execute(runCtx, node.Action)
				cancel()

				mu.Lock()
				if err != nil {
					status[node.ID] = action.StatusFailed
					node.Status = action.StatusFailed
				} else {
					status[node.ID] = action.StatusSucceeded
					node.Status = action.StatusSucceeded
				}
				mu.Unlock()

				if err != nil {
					log.Printf("[ENGINE] node %s (%s) failed: %v", node.ID, node.Action.Name, err)
					record(trace.Event{
						NodeID: node.ID, ActionName: node.Action.Name,
						Type: "failed", Error: err.Error(),
						RuleID: firstRule(build, node.ID), At: e.now().UTC(),
					})
					return nil // failures stay on their branch
				}
				record(trace.Event{
					NodeID: node.ID, ActionName: node.Action.Name,
					Type: "succeeded", At: e.now().UTC(),
				})
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("execute %s: %w", taskID, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("execute %s: %w", taskID, err)
		}
	}

	report.FinishedAt = e.now().UTC()
	report.Status = overallStatus(status)
	log.Printf("[ENGINE] task %s finished: %s (%d nodes)", taskID, report.Status, dag.Len())
	return report, nil
}

// cascadeSkips marks every pending node with a failed or skipped predecessor
// as skipped, transitively, and records one skip event per node.
func (e *Executor) cascadeSkips(dag *action.DAG, status map[string]action.RunStatus, report *trace.Report, mu *sync.Mutex) {
	for {
		changed := false
		for _, n := range dag.Nodes() {
			if status[n.ID] != action.StatusPending {
				continue
			}
			for _, pred := range n.Predecessors {
				if s := status[pred]; s == action.StatusFailed || s == action.StatusSkipped {
					status[n.ID] = action.StatusSkipped
					n.Status = action.StatusSkipped
					mu.Lock()
					report.AddEvent(trace.Event{
						NodeID: n.ID, ActionName: n.Action.Name,
						Type: "skipped", At: e.now().UTC(),
					})
					mu.Unlock()
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

// readyNodes returns pending nodes whose predecessors all succeeded,
// sorted by id for stable scheduling.
func readyNodes(dag *action.DAG, status map[string]action.RunStatus) []string {
	var out []string
	for _, n := range dag.Nodes() {
		if status[n.ID] != action.StatusPending {
			continue
		}
		ready := true
		for _, pred := range n.Predecessors {
			if status[pred] != action.StatusSucceeded {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

// firstRule returns the first rule the build trace attributes to the node.
func firstRule(build trace.BuildTrace, nodeID string) string {
	rules := build.RulesFor(nodeID)
	if len(rules) == 0 {
		return ""
	}
	return rules[0]
}

// overallStatus folds node outcomes into a report status: success when no
// node failed or was skipped, failure when nothing succeeded, partial
// otherwise.
func overallStatus(status map[string]action.RunStatus) trace.ReportStatus {
	succeeded, failed := 0, 0
	for _, s := range status {
		switch s {
		case action.StatusSucceeded:
			succeeded++
		case action.StatusFailed, action.StatusSkipped:
			failed++
		}
	}
	switch {
	case failed == 0:
		return trace.ReportSuccess
	case succeeded == 0:
		return trace.ReportFailure
	default:
		return trace.ReportPartial
	}
}

// #endregion execute
