// Package applier is the single writer of the world model store. Every
// accepted proposal flows through Apply, which re-reads the live snapshot,
// applies the edits, and commits the new version with its audit record in
// one transaction. Nothing else in the system mutates rule state.
package applier

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/galaxyeye/browser4agi/internal/evolution"
	"github.com/galaxyeye/browser4agi/internal/patch"
	"github.com/galaxyeye/browser4agi/internal/rule"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

// #region errors
// ErrNotAdmitted is returned for proposals the controller did not accept.
var ErrNotAdmitted = errors.New("proposal not admitted")

// #endregion errors

// #region applier
// Applier serializes all writes to the world model.
type Applier struct {
	mu    sync.Mutex
	store *worldmodel.Store
	now   func() time.Time
}

// New returns an applier over the store.
func New(store *worldmodel.Store) *Applier {
	return &Applier{store: store, now: time.Now}
}

// WithClock overrides the timestamp source (tests).
func (a *Applier) WithClock(now func() time.Time) *Applier {
	a.now = now
	return a
}

// Apply commits one admitted proposal as a new version and returns the
// snapshot now active. The live snapshot is re-read under the writer lock,
// so decisions made against a stale version still apply cleanly or fail
// with patch.ErrInvalidProposal rather than clobbering newer state.
func (a *Applier) Apply(p patch.Proposal, d evolution.Decision) (worldmodel.Snapshot, error) {
	if !d.Accepted {
		return worldmodel.Snapshot{}, fmt.Errorf("proposal %s (%s): %w", p.ID, d.Reason, ErrNotAdmitted)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, err := a.store.Current()
	if err != nil {
		return worldmodel.Snapshot{}, fmt.Errorf("apply %s: %w", p.ID, err)
	}

	now := a.now().UTC()
	rules, err := patch.Apply(cur.Rules, p, now)
	if err != nil {
		return worldmodel.Snapshot{}, fmt.Errorf("apply %s: %w", p.ID, err)
	}

	version, err := a.store.NextVersionID()
	if err != nil {
		return worldmodel.Snapshot{}, fmt.Errorf("apply %s: %w", p.ID, err)
	}
	snap := cur.Fork(version, rules, now)

	audit, err := commitAudit(snap, p, patch.Compute(cur.Rules, rules), d.Reason, now)
	if err != nil {
		return worldmodel.Snapshot{}, fmt.Errorf("apply %s: %w", p.ID, err)
	}
	if err := a.store.CommitVersion(snap, audit); err != nil {
		return worldmodel.Snapshot{}, fmt.Errorf("apply %s: %w", p.ID, err)
	}

	log.Printf("[APPLY] %s: %s -> %s (%d rules)", p.ID, cur.Version, snap.Version, len(rules))
	return snap, nil
}

// RecordRejection writes an audit entry for a proposal that never became a
// version, keeping the decision trail complete.
func (a *Applier) RecordRejection(p patch.Proposal, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, err := a.store.Current()
	if err != nil {
		return fmt.Errorf("record rejection %s: %w", p.ID, err)
	}
	proposalJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("record rejection %s: %w", p.ID, err)
	}
	return a.store.AppendAudit(worldmodel.AuditRecord{
		Version:      cur.Version,
		Decision:     "reject",
		ProposalJSON: string(proposalJSON),
		Reason:       reason,
		CreatedAt:    a.now().UTC(),
	})
}

// UpdateRuleMeta commits a new version carrying only metadata changes, for
// lifecycle maintenance after each cycle. updated must be a full rule list
// derived from the current snapshot.
func (a *Applier) UpdateRuleMeta(updated []rule.Rule, reason string) (worldmodel.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, err := a.store.Current()
	if err != nil {
		return worldmodel.Snapshot{}, fmt.Errorf("update meta: %w", err)
	}
	version, err := a.store.NextVersionID()
	if err != nil {
		return worldmodel.Snapshot{}, fmt.Errorf("update meta: %w", err)
	}

	now := a.now().UTC()
	snap := cur.Fork(version, updated, now)
	diffJSON, err := json.Marshal(patch.Compute(cur.Rules, updated))
	if err != nil {
		return worldmodel.Snapshot{}, fmt.Errorf("update meta: %w", err)
	}
	audit := worldmodel.AuditRecord{
		Version:   version,
		Decision:  "stats_update",
		DiffJSON:  string(diffJSON),
		Reason:    reason,
		CreatedAt: now,
	}
	if err := a.store.CommitVersion(snap, audit); err != nil {
		return worldmodel.Snapshot{}, fmt.Errorf("update meta: %w", err)
	}
	return snap, nil
}

// Rollback repoints the active version. Reads stay consistent because the
// store retains all history.
func (a *Applier) Rollback(target string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.Rollback(target, a.now().UTC()); err != nil {
		return err
	}
	log.Printf("[APPLY] rolled back to %s", target)
	return nil
}

func commitAudit(snap worldmodel.Snapshot, p patch.Proposal, diff patch.Diff, reason string, now time.Time) (worldmodel.AuditRecord, error) {
	proposalJSON, err := json.Marshal(p)
	if err != nil {
		return worldmodel.AuditRecord{}, fmt.Errorf("encode proposal: %w", err)
	}
	diffJSON, err := json.Marshal(diff)
	if err != nil {
		return worldmodel.AuditRecord{}, fmt.Errorf("encode diff: %w", err)
	}
	return worldmodel.AuditRecord{
		Version:      snap.Version,
		Decision:     "commit",
		ProposalJSON: string(proposalJSON),
		DiffJSON:     string(diffJSON),
		Reason:       reason,
		CreatedAt:    now,
	}, nil
}

// #endregion applier
