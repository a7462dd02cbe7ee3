package cycle

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/galaxyeye/browser4agi/internal/advisor"
	"github.com/galaxyeye/browser4agi/internal/capability"
	"github.com/galaxyeye/browser4agi/internal/engine"
	"github.com/galaxyeye/browser4agi/internal/evolution"
	"github.com/galaxyeye/browser4agi/internal/patch"
	"github.com/galaxyeye/browser4agi/internal/reflect"
	"github.com/galaxyeye/browser4agi/internal/rule"
	"github.com/galaxyeye/browser4agi/internal/rulestats"
	"github.com/galaxyeye/browser4agi/internal/sim"
	"github.com/galaxyeye/browser4agi/internal/trace"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

var t0 = time.Unix(1700000000, 0).UTC()

func fixedClock() time.Time { return t0 }

func testConfig(budget int) Config {
	return Config{
		Engine:  engine.Config{NodeTimeout: time.Second, Parallelism: 2},
		Reflect: reflect.DefaultConfig(),
		Sim:     sim.Config{Parallelism: 2, NodeTimeout: time.Second},
		Stats:   rulestats.Config{Alpha: 0.2, DecayRate: 0.95, CooldownThreshold: 0.3, DeprecateAfter: 3},
		Budget:  evolution.BudgetConfig{MaxPatchesPerWindow: budget, MaxRuleCountIncrease: 10},
	}
}

func newRunner(t *testing.T, seed []rule.Rule, live capability.Capability, budget int) *Runner {
	t.Helper()
	store, err := worldmodel.NewStore(filepath.Join(t.TempDir(), "model.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.Init(seed, t0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	reflector := reflect.New(nil, reflect.DefaultConfig()).WithClock(fixedClock)
	return New(store, live, reflector, nil, testConfig(budget)).WithClock(fixedClock)
}

func TestSuccessfulCycleProposesNothing(t *testing.T) {
	r := newRunner(t, nil, capability.NewScripted(nil), 3)

	out, err := r.RunTask(context.Background(), "browse to https://example.com", nil)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if out.Report.Status != trace.ReportSuccess {
		t.Fatalf("status = %s", out.Report.Status)
	}
	if len(out.Proposals) != 0 {
		t.Fatalf("proposals on success: %v", out.Proposals)
	}
	// No rules means no stats version either: v0 stays active.
	if out.ActiveVersion != "v0" {
		t.Fatalf("active = %s, want v0", out.ActiveVersion)
	}
}

func TestFailedCycleCommitsWinningPatch(t *testing.T) {
	// The blamed guard has no conditions yet; reflection tightens it and
	// the candidate keeps the evaluation tasks passing, so the patch wins.
	guard := rule.Rule{
		ID:        "r-guard",
		Kind:      rule.KindPrecondition,
		AppliesTo: "browser.extract",
		Produces:  "browser.wait_for",
		Meta:      rule.NewMeta(t0),
	}
	live := capability.NewScripted(map[string]string{"browser.extract": "pane not rendered"})
	r := newRunner(t, []rule.Rule{guard}, live, 3)

	// The evaluation set times every candidate on tasks the default rules
	// handle; with the injected failure the live run fails on extract.
	out, err := r.RunTask(context.Background(), "extract data from https://example.com", nil)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if out.Report.Status == trace.ReportSuccess {
		t.Fatal("expected a failing live run")
	}
	if len(out.Proposals) == 0 {
		t.Fatal("reflection produced nothing for a failure")
	}
	if len(out.Decisions) != len(out.Proposals) {
		t.Fatalf("decisions = %d, proposals = %d", len(out.Decisions), len(out.Proposals))
	}
	// Whatever the controller decided, the cycle must end with a stats
	// version on top and a coherent active pointer.
	cur, err := r.Store().Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.Version != out.ActiveVersion {
		t.Fatalf("outcome says %s, store says %s", out.ActiveVersion, cur.Version)
	}
	if cur.Version == "v0" {
		t.Fatal("no new version committed")
	}
}

func TestZeroBudgetNeverCommitsPatches(t *testing.T) {
	guard := rule.Rule{
		ID:        "r-guard",
		Kind:      rule.KindPrecondition,
		AppliesTo: "browser.extract",
		Produces:  "browser.wait_for",
		Meta:      rule.NewMeta(t0),
	}
	live := capability.NewScripted(map[string]string{"browser.extract": "pane not rendered"})
	r := newRunner(t, []rule.Rule{guard}, live, 0)

	out, err := r.RunTask(context.Background(), "extract data from https://example.com", nil)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if len(out.AppliedVersions) != 0 {
		t.Fatalf("zero budget applied %v", out.AppliedVersions)
	}
	for _, d := range out.Decisions {
		if d.Accepted {
			t.Fatalf("zero budget accepted %s", d.ProposalID)
		}
	}
}

func TestUnevaluableProposalLeavesAuditRecord(t *testing.T) {
	store, err := worldmodel.NewStore(filepath.Join(t.TempDir(), "model.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	seed := []rule.Rule{{ID: "r-loose", Kind: rule.KindPrecondition, Description: "unscoped", Meta: rule.NewMeta(t0)}}
	if _, err := store.Init(seed, t0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// The advisor edit passes validation but cannot be applied: the rule has
	// no scope, so there is no action for the constraint to bind to.
	adv := &advisor.Static{Response: advisor.Response{
		Rationale: "reorder the wait",
		Edits: []patch.Edit{{
			Kind: patch.AddOrderConstraint, RuleID: "r-loose", MustFollow: []string{"browser.open"},
		}},
	}}
	reflector := reflect.New(adv, reflect.DefaultConfig()).WithClock(fixedClock)
	live := capability.NewScripted(map[string]string{"browser.wait_for": "timeout"})
	r := New(store, live, reflector, nil, testConfig(3)).WithClock(fixedClock)

	out, err := r.RunTask(context.Background(), "browse to https://example.com", nil)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if len(out.Proposals) != 1 {
		t.Fatalf("proposals = %d, want 1", len(out.Proposals))
	}
	if len(out.AppliedVersions) != 0 {
		t.Fatalf("unevaluable proposal applied: %v", out.AppliedVersions)
	}

	recs, err := store.AuditTrail("v0")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	found := false
	for _, rec := range recs {
		if rec.Decision == "reject" && strings.Contains(rec.Reason, "simulation failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no rejection record for the unevaluable proposal: %+v", recs)
	}
}

func TestRollbackThroughRunner(t *testing.T) {
	guard := rule.Rule{ID: "r-guard", Kind: rule.KindPrecondition, Meta: rule.NewMeta(t0)}
	r := newRunner(t, []rule.Rule{guard}, capability.NewScripted(nil), 3)

	out, err := r.RunTask(context.Background(), "browse to https://example.com", nil)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if out.ActiveVersion == "v0" {
		t.Fatal("stats version expected on top of v0")
	}
	if err := r.Rollback("v0"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	cur, _ := r.Store().Current()
	if cur.Version != "v0" {
		t.Fatalf("active = %s, want v0", cur.Version)
	}
}

func TestStatsVersionDecaysIdleRules(t *testing.T) {
	idle := rule.Rule{ID: "r-idle", Kind: rule.KindPrecondition, AppliesTo: "browser.fill", Meta: rule.NewMeta(t0)}
	r := newRunner(t, []rule.Rule{idle}, capability.NewScripted(nil), 3)

	out, err := r.RunTask(context.Background(), "browse to https://example.com", nil)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	cur, _ := r.Store().Current()
	if cur.Rules[0].Meta.Confidence >= 1.0 {
		t.Fatalf("idle rule did not decay: %+v", cur.Rules[0].Meta)
	}
	if out.Health.Active != 1 {
		t.Fatalf("health = %+v", out.Health)
	}
}
