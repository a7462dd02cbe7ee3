package applier

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/galaxyeye/browser4agi/internal/evolution"
	"github.com/galaxyeye/browser4agi/internal/patch"
	"github.com/galaxyeye/browser4agi/internal/rule"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

var t0 = time.Unix(1700000000, 0).UTC()

func fixedClock() time.Time { return t0 }

func tempApplier(t *testing.T, seed []rule.Rule) (*Applier, *worldmodel.Store) {
	t.Helper()
	store, err := worldmodel.NewStore(filepath.Join(t.TempDir(), "model.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.Init(seed, t0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return New(store).WithClock(fixedClock), store
}

func seedRule() rule.Rule {
	return rule.Rule{ID: "r-guard", Kind: rule.KindPrecondition, AppliesTo: "browser.click", Meta: rule.NewMeta(t0)}
}

func accepted() evolution.Decision {
	return evolution.Decision{ProposalID: "p-1", Accepted: true, Reason: "pareto winner within budget"}
}

func TestApplyCommitsNewVersion(t *testing.T) {
	a, store := tempApplier(t, []rule.Rule{seedRule()})

	p := patch.Proposal{
		ID: "p-1",
		Edits: []patch.Edit{{
			Kind:      patch.AddCondition,
			RuleID:    "r-guard",
			Condition: &rule.Condition{Field: "loggedIn", Operator: "eq", Value: "true"},
		}},
		Source:    "reflection_v1",
		CreatedAt: t0,
	}

	snap, err := a.Apply(p, accepted())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if snap.Version != "v1" || snap.Parent != "v0" {
		t.Fatalf("version = %s parent = %s", snap.Version, snap.Parent)
	}
	if len(snap.Rules[0].Conditions) != 1 {
		t.Fatalf("condition not applied: %+v", snap.Rules[0])
	}

	cur, err := store.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.Version != "v1" {
		t.Fatalf("active = %s, want v1", cur.Version)
	}

	audit, err := store.AuditTrail("v1")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(audit) != 1 || audit[0].Decision != "commit" {
		t.Fatalf("audit = %+v", audit)
	}
	if !strings.Contains(audit[0].ProposalJSON, "p-1") {
		t.Fatalf("proposal missing from audit: %s", audit[0].ProposalJSON)
	}
}

func TestApplyRefusesUnadmittedProposal(t *testing.T) {
	a, store := tempApplier(t, []rule.Rule{seedRule()})

	p := patch.Proposal{ID: "p-1", Edits: []patch.Edit{{Kind: patch.DeprecateRule, RuleID: "r-guard"}}}
	_, err := a.Apply(p, evolution.Decision{ProposalID: "p-1", Reason: "patch budget exceeded"})
	if !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("err = %v, want ErrNotAdmitted", err)
	}

	cur, _ := store.Current()
	if cur.Version != "v0" {
		t.Fatalf("refused apply moved the active version to %s", cur.Version)
	}
}

func TestApplyInvalidProposalLeavesStateUntouched(t *testing.T) {
	a, store := tempApplier(t, []rule.Rule{seedRule()})

	p := patch.Proposal{ID: "p-bad", Edits: []patch.Edit{{Kind: patch.DeprecateRule, RuleID: "r-missing"}}}
	_, err := a.Apply(p, accepted())
	if !errors.Is(err, patch.ErrInvalidProposal) {
		t.Fatalf("err = %v, want ErrInvalidProposal", err)
	}

	cur, _ := store.Current()
	if cur.Version != "v0" {
		t.Fatalf("failed apply moved the active version to %s", cur.Version)
	}
}

func TestUpdateRuleMetaCommitsStatsVersion(t *testing.T) {
	a, store := tempApplier(t, []rule.Rule{seedRule()})

	cur, _ := store.Current()
	updated := []rule.Rule{cur.Rules[0].Clone()}
	updated[0].Meta.SuccessCount = 3
	updated[0].Meta.Confidence = 0.9

	snap, err := a.UpdateRuleMeta(updated, "cycle stats")
	if err != nil {
		t.Fatalf("UpdateRuleMeta: %v", err)
	}
	if snap.Version != "v1" {
		t.Fatalf("version = %s, want v1", snap.Version)
	}
	if snap.Rules[0].Meta.SuccessCount != 3 {
		t.Fatalf("meta not carried: %+v", snap.Rules[0].Meta)
	}

	audit, _ := store.AuditTrail("v1")
	if len(audit) != 1 || audit[0].Decision != "stats_update" {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestRollbackRepointsActive(t *testing.T) {
	a, store := tempApplier(t, []rule.Rule{seedRule()})

	p := patch.Proposal{ID: "p-1", Edits: []patch.Edit{{Kind: patch.DeprecateRule, RuleID: "r-guard"}}}
	if _, err := a.Apply(p, accepted()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := a.Rollback("v0"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	cur, _ := store.Current()
	if cur.Version != "v0" {
		t.Fatalf("active = %s, want v0", cur.Version)
	}
	if _, err := store.Version("v1"); err != nil {
		t.Fatalf("rollback dropped v1: %v", err)
	}
}

func TestRecordRejectionKeepsTrail(t *testing.T) {
	a, store := tempApplier(t, []rule.Rule{seedRule()})

	p := patch.Proposal{ID: "p-loser", Edits: []patch.Edit{{Kind: patch.DeprecateRule, RuleID: "r-guard"}}}
	if err := a.RecordRejection(p, "dominated by another proposal"); err != nil {
		t.Fatalf("RecordRejection: %v", err)
	}

	audit, err := store.AuditTrail("v0")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	found := false
	for _, rec := range audit {
		if rec.Decision == "reject" && strings.Contains(rec.ProposalJSON, "p-loser") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no reject record in trail: %+v", audit)
	}
}
