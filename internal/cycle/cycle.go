// Package cycle runs the full control loop for one task: build, execute,
// reflect, simulate, select, apply, then update rule statistics. Stages
// run strictly in order; a cycle with nothing to propose ends normally
// after the stats update.
package cycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/galaxyeye/browser4agi/internal/applier"
	"github.com/galaxyeye/browser4agi/internal/capability"
	"github.com/galaxyeye/browser4agi/internal/engine"
	"github.com/galaxyeye/browser4agi/internal/evolution"
	"github.com/galaxyeye/browser4agi/internal/patch"
	"github.com/galaxyeye/browser4agi/internal/planner"
	"github.com/galaxyeye/browser4agi/internal/reflect"
	"github.com/galaxyeye/browser4agi/internal/rulestats"
	"github.com/galaxyeye/browser4agi/internal/sim"
	"github.com/galaxyeye/browser4agi/internal/trace"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

// #region config
// Config bundles the stage configurations for one runner.
type Config struct {
	Engine  engine.Config
	Reflect reflect.Config
	Sim     sim.Config
	Stats   rulestats.Config
	Budget  evolution.BudgetConfig
}

// DefaultConfig composes the per-stage defaults.
func DefaultConfig() Config {
	return Config{
		Engine:  engine.DefaultConfig(),
		Reflect: reflect.DefaultConfig(),
		Sim:     sim.DefaultConfig(),
		Stats:   rulestats.DefaultConfig(),
		Budget:  evolution.DefaultBudgetConfig(),
	}
}

// #endregion config

// #region runner
// Runner owns one control loop over a world model store.
type Runner struct {
	store      *worldmodel.Store
	builder    *planner.Builder
	live       capability.Capability
	reflector  *reflect.Reflector
	simRunner  *sim.Runner
	controller *evolution.Controller
	applier    *applier.Applier
	evalTasks  []sim.Task
	cfg        Config
	now        func() time.Time
	newTaskID  func() string
}

// New wires a runner. live is the capability real executions run against;
// evalTasks is the fixed set every candidate is simulated on (nil selects
// the built-in set).
func New(store *worldmodel.Store, live capability.Capability, reflector *reflect.Reflector, evalTasks []sim.Task, cfg Config) *Runner {
	if evalTasks == nil {
		evalTasks = sim.DefaultTasks()
	}
	builder := planner.NewBuilder()
	return &Runner{
		store:      store,
		builder:    builder,
		live:       live,
		reflector:  reflector,
		simRunner:  sim.NewRunner(builder, nil, cfg.Sim),
		controller: evolution.NewController(evolution.NewBudget(cfg.Budget)),
		applier:    applier.New(store),
		evalTasks:  evalTasks,
		cfg:        cfg,
		now:        time.Now,
		newTaskID:  uuid.NewString,
	}
}

// WithClock overrides the timestamp source and pins task ids to the task
// counter (tests).
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	r.builder.WithClock(now)
	r.applier.WithClock(now)
	seq := 0
	r.newTaskID = func() string {
		seq++
		return fmt.Sprintf("task-%04d", seq)
	}
	return r
}

// Outcome summarizes one full cycle.
type Outcome struct {
	TaskID          string               `json:"task_id"`
	Report          *trace.Report        `json:"report"`
	Proposals       []patch.Proposal     `json:"proposals,omitempty"`
	Decisions       []evolution.Decision `json:"decisions,omitempty"`
	AppliedVersions []string             `json:"applied_versions,omitempty"`
	ActiveVersion   string               `json:"active_version"`
	Health          rulestats.Health     `json:"health"`
}

// #endregion runner

// #region run
// RunTask executes one goal through the whole loop and returns the cycle
// outcome. Execution failures feed reflection rather than aborting; only
// infrastructure errors (store, invalid graph, cancellation) surface.
func (r *Runner) RunTask(ctx context.Context, goal string, state map[string]string) (*Outcome, error) {
	cur, err := r.store.Current()
	if err != nil {
		return nil, fmt.Errorf("cycle: %w", err)
	}
	taskID := r.newTaskID()
	log.Printf("[CYCLE] %s: %q on %s", taskID, goal, cur.Version)

	res, err := r.builder.Build(goal, cur, state)
	if err != nil {
		return nil, fmt.Errorf("cycle %s: %w", taskID, err)
	}
	report, err := engine.New(r.live, r.cfg.Engine).Execute(ctx, taskID, cur.Version, res.DAG, res.Build)
	if err != nil {
		return nil, fmt.Errorf("cycle %s: %w", taskID, err)
	}

	out := &Outcome{TaskID: taskID, Report: report, ActiveVersion: cur.Version}

	proposals := r.reflector.Reflect(ctx, goal, report, cur.Rules)
	out.Proposals = proposals
	if len(proposals) > 0 {
		if err := r.evolve(ctx, cur, proposals, out); err != nil {
			return nil, fmt.Errorf("cycle %s: %w", taskID, err)
		}
	}

	if err := r.updateStats(report, out); err != nil {
		return nil, fmt.Errorf("cycle %s: %w", taskID, err)
	}
	log.Printf("[CYCLE] %s done: %s, %d proposals, active %s",
		taskID, report.Status, len(proposals), out.ActiveVersion)
	return out, nil
}

// evolve simulates each proposal, lets the controller pick winners, and
// applies them in decision order. Every proposal leaves an audit trace.
func (r *Runner) evolve(ctx context.Context, cur worldmodel.Snapshot, proposals []patch.Proposal, out *Outcome) error {
	byID := make(map[string]patch.Proposal, len(proposals))
	results := make([]sim.ABResult, 0, len(proposals))
	for _, p := range proposals {
		ab, err := r.simRunner.AB(ctx, cur, p, r.evalTasks, r.now().UTC())
		if err != nil {
			log.Printf("[CYCLE] proposal %s unevaluable, dropping: %v", p.ID, err)
			if rerr := r.applier.RecordRejection(p, fmt.Sprintf("simulation failed: %v", err)); rerr != nil {
				return rerr
			}
			continue
		}
		byID[p.ID] = p
		results = append(results, ab)
	}

	decisions := r.controller.Select(results)
	out.Decisions = decisions
	for _, d := range decisions {
		p := byID[d.ProposalID]
		if !d.Accepted {
			if err := r.applier.RecordRejection(p, d.Reason); err != nil {
				return err
			}
			continue
		}
		snap, err := r.applier.Apply(p, d)
		if err != nil {
			return err
		}
		out.AppliedVersions = append(out.AppliedVersions, snap.Version)
		out.ActiveVersion = snap.Version
	}
	return nil
}

// updateStats advances rule statistics over the post-evolution snapshot
// and commits the result as a stats version.
func (r *Runner) updateStats(report *trace.Report, out *Outcome) error {
	cur, err := r.store.Current()
	if err != nil {
		return err
	}
	if len(cur.Rules) == 0 {
		out.Health = rulestats.Summarize(nil)
		return nil
	}

	updated := rulestats.Update(cur.Rules, report, r.cfg.Stats, r.now().UTC())
	snap, err := r.applier.UpdateRuleMeta(updated, "post-cycle stats")
	if err != nil {
		return err
	}
	out.ActiveVersion = snap.Version
	out.Health = rulestats.Summarize(snap.Rules)
	return nil
}

// #endregion run

// #region maintenance
// RolloverBudget opens the next patch window.
func (r *Runner) RolloverBudget() {
	r.controller.Budget().Rollover()
	log.Printf("[CYCLE] patch budget rolled over (%d slots)", r.cfg.Budget.MaxPatchesPerWindow)
}

// Rollback repoints the world model to an earlier version.
func (r *Runner) Rollback(target string) error {
	return r.applier.Rollback(target)
}

// Store exposes the underlying store for read-only surfaces.
func (r *Runner) Store() *worldmodel.Store {
	return r.store
}

// #endregion maintenance
