package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/galaxyeye/browser4agi/internal/planner"
	"github.com/galaxyeye/browser4agi/internal/sim"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to worldmodel.db")
	tasksPath := flag.String("tasks", "", "task fixture JSON (default: built-in set)")
	version := flag.String("version", "", "simulate against this version (default: active)")
	compare := flag.String("compare", "", "also simulate this version and report deltas")
	jsonOut := flag.Bool("json", false, "output as JSON instead of text")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: simulate --db path/to/worldmodel.db [--tasks fixture.json] [--version id] [--compare id] [--json]")
		os.Exit(2)
	}

	if err := run(*dbPath, *tasksPath, *version, *compare, *jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(dbPath, tasksPath, version, compare string, jsonOut bool) error {
	store, err := worldmodel.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	tasks := sim.DefaultTasks()
	if tasksPath != "" {
		fixture, err := sim.LoadFixture(tasksPath)
		if err != nil {
			return err
		}
		tasks = fixture.Tasks
	}

	runner := sim.NewRunner(planner.NewBuilder(), nil, sim.DefaultConfig())
	ctx := context.Background()

	snap, err := resolve(store, version)
	if err != nil {
		return err
	}
	metrics, err := runner.Run(ctx, snap, tasks)
	if err != nil {
		return err
	}

	if compare == "" {
		return emit(jsonOut, map[string]any{"version": snap.Version, "metrics": metrics},
			func() {
				fmt.Printf("version %s over %d tasks:\n", snap.Version, len(tasks))
				printMetrics(metrics)
			})
	}

	other, err := resolve(store, compare)
	if err != nil {
		return err
	}
	otherMetrics, err := runner.Run(ctx, other, tasks)
	if err != nil {
		return err
	}

	return emit(jsonOut, map[string]any{
		"baseline":         map[string]any{"version": snap.Version, "metrics": metrics},
		"candidate":        map[string]any{"version": other.Version, "metrics": otherMetrics},
		"success_delta":    otherMetrics.SuccessRate - metrics.SuccessRate,
		"rule_count_delta": otherMetrics.RuleCount - metrics.RuleCount,
	}, func() {
		fmt.Printf("baseline %s:\n", snap.Version)
		printMetrics(metrics)
		fmt.Printf("candidate %s:\n", other.Version)
		printMetrics(otherMetrics)
		fmt.Printf("success delta: %+.3f | rule count delta: %+d\n",
			otherMetrics.SuccessRate-metrics.SuccessRate, otherMetrics.RuleCount-metrics.RuleCount)
	})
}

// #endregion main

// #region helpers

func resolve(store *worldmodel.Store, version string) (worldmodel.Snapshot, error) {
	if version == "" {
		return store.Current()
	}
	return store.Version(version)
}

func emit(jsonOut bool, payload any, text func()) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	text()
	return nil
}

func printMetrics(m sim.Metrics) {
	fmt.Printf("  success rate:   %.3f\n", m.SuccessRate)
	fmt.Printf("  mean exec (ms): %.1f\n", m.MeanExecMillis)
	fmt.Printf("  rules:          %d\n", m.RuleCount)
	fmt.Printf("  specialization: %.3f\n", m.SpecializationScore)
}

// #endregion helpers
