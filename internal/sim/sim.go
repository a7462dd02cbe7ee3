// Package sim replays a fixed task set against a world model version and
// reports aggregate metrics. Candidate rule sets are evaluated on a fork,
// never against live state, so a bad proposal costs nothing but CPU.
package sim

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/galaxyeye/browser4agi/internal/capability"
	"github.com/galaxyeye/browser4agi/internal/engine"
	"github.com/galaxyeye/browser4agi/internal/patch"
	"github.com/galaxyeye/browser4agi/internal/planner"
	"github.com/galaxyeye/browser4agi/internal/rule"
	"github.com/galaxyeye/browser4agi/internal/trace"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

// #region task
// Task is one replayable simulation case: a goal, the observed world state
// at build time, and the action failures the simulated world injects.
type Task struct {
	ID       string            `json:"id"`
	Goal     string            `json:"goal"`
	State    map[string]string `json:"state,omitempty"`
	Failures map[string]string `json:"failures,omitempty"` // action name → failure reason
}

// #endregion task

// #region metrics
// Metrics aggregates one simulation batch.
type Metrics struct {
	SuccessRate         float64 `json:"success_rate"`
	MeanExecMillis      float64 `json:"mean_exec_millis"`
	RuleCount           int     `json:"rule_count"`
	SpecializationScore float64 `json:"specialization_score"`
}

// Specialization measures how narrow the active rules are: each condition
// and each action-scoped rule adds weight, averaged over active rules.
// Zero for an empty or fully general rule set.
func Specialization(rules []rule.Rule) float64 {
	active, weight := 0, 0
	for _, r := range rules {
		if r.Meta.Status != rule.StatusActive {
			continue
		}
		active++
		weight += len(r.Conditions)
		if r.AppliesTo != "" {
			weight++
		}
	}
	if active == 0 {
		return 0
	}
	return float64(weight) / float64(active)
}

// #endregion metrics

// #region runner
// CapabilityFactory builds the simulated world for one task.
type CapabilityFactory func(t Task) capability.Capability

// Config controls one simulation batch.
type Config struct {
	// Parallelism caps concurrent task replays.
	Parallelism int

	// NodeTimeout is passed through to the executor.
	NodeTimeout time.Duration
}

// DefaultConfig returns the built-in simulation settings.
func DefaultConfig() Config {
	return Config{Parallelism: 4, NodeTimeout: 5 * time.Second}
}

// Runner replays task batches against world model snapshots.
type Runner struct {
	builder *planner.Builder
	factory CapabilityFactory
	cfg     Config
}

// NewRunner returns a runner. factory may be nil, which gives every task a
// scripted capability driven by its Failures map.
func NewRunner(builder *planner.Builder, factory CapabilityFactory, cfg Config) *Runner {
	if factory == nil {
		factory = func(t Task) capability.Capability {
			return capability.NewScripted(t.Failures)
		}
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Runner{builder: builder, factory: factory, cfg: cfg}
}

// Run replays every task against the snapshot and aggregates the outcome.
// A task whose DAG cannot be built counts as a failure; only batch-level
// problems (context cancellation) surface as an error.
func (r *Runner) Run(ctx context.Context, snap worldmodel.Snapshot, tasks []Task) (Metrics, error) {
	if len(tasks) == 0 {
		return Metrics{
			RuleCount:           len(snap.Rules),
			SpecializationScore: Specialization(snap.Rules),
		}, nil
	}

	var mu sync.Mutex
	successes := 0
	var totalExec time.Duration

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			res, err := r.builder.Build(task.Goal, snap, task.State)
			if err != nil {
				log.Printf("[SIM] task %s: build failed: %v", task.ID, err)
				return nil // unbuildable plans score as failures
			}

			exec := engine.New(r.factory(task), engine.Config{
				NodeTimeout: r.cfg.NodeTimeout,
				Parallelism: r.cfg.Parallelism,
			}).WithClock(stepClock(snap.CreatedAt))
			rep, err := exec.Execute(gctx, task.ID, snap.Version, res.DAG, res.Build)
			if err != nil {
				return fmt.Errorf("sim task %s: %w", task.ID, err)
			}

			mu.Lock()
			if rep.Status == trace.ReportSuccess {
				successes++
			}
			totalExec += rep.FinishedAt.Sub(rep.StartedAt)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Metrics{}, err
	}

	return Metrics{
		SuccessRate:         float64(successes) / float64(len(tasks)),
		MeanExecMillis:      float64(totalExec.Milliseconds()) / float64(len(tasks)),
		RuleCount:           len(snap.Rules),
		SpecializationScore: Specialization(snap.Rules),
	}, nil
}

// stepClock returns a logical clock that advances a fixed tick per reading.
// Simulated durations then depend only on the executed schedule, so two
// runs of the same plan report the same mean execution time.
func stepClock(base time.Time) func() time.Time {
	var mu sync.Mutex
	t := base
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(5 * time.Millisecond)
		return t
	}
}

// #endregion runner

// #region ab
// ABResult holds both sides of one proposal evaluation.
type ABResult struct {
	ProposalID string     `json:"proposal_id"`
	Baseline   Metrics    `json:"baseline"`
	Candidate  Metrics    `json:"candidate"`
	Diff       patch.Diff `json:"diff"`
}

// SuccessDelta is candidate minus baseline success rate.
func (a ABResult) SuccessDelta() float64 {
	return a.Candidate.SuccessRate - a.Baseline.SuccessRate
}

// RuleCountDelta is candidate minus baseline rule count.
func (a ABResult) RuleCountDelta() int {
	return a.Candidate.RuleCount - a.Baseline.RuleCount
}

// SpecializationDelta is candidate minus baseline specialization.
func (a ABResult) SpecializationDelta() float64 {
	return a.Candidate.SpecializationScore - a.Baseline.SpecializationScore
}

// AB evaluates one proposal: the task set runs once against the snapshot
// as-is and once against a fork carrying the proposal's edits. The live
// snapshot is never modified.
func (r *Runner) AB(ctx context.Context, snap worldmodel.Snapshot, p patch.Proposal, tasks []Task, now time.Time) (ABResult, error) {
	patched, err := patch.Apply(snap.Rules, p, now)
	if err != nil {
		return ABResult{}, fmt.Errorf("ab %s: %w", p.ID, err)
	}
	candidate := snap.Fork("sim-"+p.ID, patched, now)

	baseline, err := r.Run(ctx, snap, tasks)
	if err != nil {
		return ABResult{}, fmt.Errorf("ab %s: baseline: %w", p.ID, err)
	}
	after, err := r.Run(ctx, candidate, tasks)
	if err != nil {
		return ABResult{}, fmt.Errorf("ab %s: candidate: %w", p.ID, err)
	}

	return ABResult{
		ProposalID: p.ID,
		Baseline:   baseline,
		Candidate:  after,
		Diff:       patch.Compute(snap.Rules, candidate.Rules),
	}, nil
}

// #endregion ab
