package worldmodel

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/galaxyeye/browser4agi/internal/rule"
)

var t0 = time.Unix(1700000000, 0).UTC()

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "model.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRules() []rule.Rule {
	return []rule.Rule{
		{
			ID:   "r-login",
			Kind: rule.KindPrecondition,
			Conditions: []rule.Condition{
				{Field: "loggedIn", Operator: "eq", Value: "true"},
			},
			Produces: "auth.login",
			Meta:     rule.NewMeta(t0),
		},
	}
}

func TestInitCreatesRoot(t *testing.T) {
	s := tempStore(t)

	root, err := s.Init(seedRules(), t0)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if root.Version != "v0" || root.Parent != "" {
		t.Fatalf("unexpected root %s parent %q", root.Version, root.Parent)
	}

	// Second Init is a no-op returning the existing state.
	again, err := s.Init(nil, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if again.Version != "v0" || len(again.Rules) != 1 {
		t.Fatalf("Init overwrote existing state: %+v", again)
	}
}

func TestCommitAdvancesPointer(t *testing.T) {
	s := tempStore(t)
	root, _ := s.Init(seedRules(), t0)

	next := root.Fork("v1", root.Rules, t0.Add(time.Minute))
	if err := s.CommitVersion(next, AuditRecord{Version: "v1", Decision: "commit"}); err != nil {
		t.Fatalf("CommitVersion: %v", err)
	}

	cur, err := s.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.Version != "v1" || cur.Parent != "v0" {
		t.Fatalf("expected v1 with parent v0, got %s parent %s", cur.Version, cur.Parent)
	}
}

func TestRollbackUnknownVersion(t *testing.T) {
	s := tempStore(t)
	s.Init(seedRules(), t0)

	err := s.Rollback("v99", t0)
	if !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
	cur, _ := s.Current()
	if cur.Version != "v0" {
		t.Fatalf("pointer moved on failed rollback: %s", cur.Version)
	}
}

func TestRollbackRetainsHistory(t *testing.T) {
	s := tempStore(t)
	root, _ := s.Init(seedRules(), t0)
	s.CommitVersion(root.Fork("v1", root.Rules, t0.Add(time.Minute)), AuditRecord{Version: "v1", Decision: "commit"})

	if err := s.Rollback("v0", t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	cur, _ := s.Current()
	if cur.Version != "v0" {
		t.Fatalf("expected v0 active, got %s", cur.Version)
	}
	// v1 still reachable.
	if _, err := s.Version("v1"); err != nil {
		t.Fatalf("v1 lost after rollback: %v", err)
	}
}

func TestLineageTerminatesAtRoot(t *testing.T) {
	s := tempStore(t)
	root, _ := s.Init(seedRules(), t0)

	prev := root
	for i := 1; i <= 3; i++ {
		id, _ := s.NextVersionID()
		next := prev.Fork(id, prev.Rules, t0.Add(time.Duration(i)*time.Minute))
		if err := s.CommitVersion(next, AuditRecord{Version: id, Decision: "commit"}); err != nil {
			t.Fatalf("commit %s: %v", id, err)
		}
		prev = next
	}

	lineage, err := s.Lineage(prev.Version)
	if err != nil {
		t.Fatalf("Lineage: %v", err)
	}
	want := []string{"v3", "v2", "v1", "v0"}
	if diff := cmp.Diff(want, lineage); diff != "" {
		t.Fatalf("lineage mismatch (-want +got):\n%s", diff)
	}
}

func TestNextVersionIDSkipsRolledBackBranch(t *testing.T) {
	s := tempStore(t)
	root, _ := s.Init(seedRules(), t0)
	s.CommitVersion(root.Fork("v1", root.Rules, t0.Add(time.Minute)), AuditRecord{Version: "v1", Decision: "commit"})
	s.Rollback("v0", t0.Add(2*time.Minute))

	id, err := s.NextVersionID()
	if err != nil {
		t.Fatalf("NextVersionID: %v", err)
	}
	if id != "v2" {
		t.Fatalf("expected v2 (v1 exists on abandoned branch), got %s", id)
	}
}

func TestChildrenIndex(t *testing.T) {
	s := tempStore(t)
	root, _ := s.Init(seedRules(), t0)
	s.CommitVersion(root.Fork("v1", root.Rules, t0.Add(time.Minute)), AuditRecord{Version: "v1", Decision: "commit"})
	s.Rollback("v0", t0.Add(2*time.Minute))
	s.CommitVersion(root.Fork("v2", nil, t0.Add(3*time.Minute)), AuditRecord{Version: "v2", Decision: "commit"})

	kids, err := s.Children("v0")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	want := []string{"v1", "v2"}
	if diff := cmp.Diff(want, kids); diff != "" {
		t.Fatalf("children mismatch (-want +got):\n%s", diff)
	}
}

func TestCommittedSnapshotUnchangedByLaterEdits(t *testing.T) {
	s := tempStore(t)
	root, _ := s.Init(seedRules(), t0)

	got, _ := s.Version("v0")
	got.Rules[0].Conditions[0].Field = "tampered"

	fresh, _ := s.Version("v0")
	if fresh.Rules[0].Conditions[0].Field != "loggedIn" {
		t.Fatal("stored snapshot mutated through a returned copy")
	}
	_ = root
}

func TestExportImportRoundTrip(t *testing.T) {
	s := tempStore(t)
	root, _ := s.Init(seedRules(), t0)
	s.CommitVersion(root.Fork("v1", root.Rules, t0.Add(time.Minute)),
		AuditRecord{Version: "v1", Decision: "commit", ProposalJSON: `{"id":"p1"}`})

	exp, err := s.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	var buf bytes.Buffer
	if err := exp.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var decoded Export
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode export: %v", err)
	}

	dst := tempStore(t)
	if err := ImportInto(dst, decoded); err != nil {
		t.Fatalf("ImportInto: %v", err)
	}
	cur, err := dst.Current()
	if err != nil {
		t.Fatalf("Current after import: %v", err)
	}
	if cur.Version != "v1" {
		t.Fatalf("expected active v1 after import, got %s", cur.Version)
	}
	v0, _ := dst.Version("v0")
	if len(v0.Rules) != 1 || v0.Rules[0].ID != "r-login" {
		t.Fatalf("root rules lost in round trip: %+v", v0.Rules)
	}
}
