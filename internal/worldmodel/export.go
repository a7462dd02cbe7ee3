package worldmodel

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// #region export-types
// Export is the full persisted model representation: every version with its
// rules and lineage, plus the audit trail. Sufficient to reconstruct any
// version and replay the audit history.
type Export struct {
	Active   string        `json:"active"`
	Versions []Snapshot    `json:"versions"`
	Audit    []AuditRecord `json:"audit"`
}

// #endregion export-types

// #region export
// Export serializes the whole store.
func (s *Store) Export() (Export, error) {
	cur, err := s.Current()
	if err != nil {
		return Export{}, err
	}

	rows, err := s.db.Query(`SELECT version_id FROM model_versions`)
	if err != nil {
		return Export{}, fmt.Errorf("export: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Export{}, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	sort.Strings(ids)

	out := Export{Active: cur.Version}
	for _, id := range ids {
		snap, err := s.Version(id)
		if err != nil {
			return Export{}, err
		}
		out.Versions = append(out.Versions, snap)
	}

	out.Audit, err = s.AuditTrail("")
	if err != nil {
		return Export{}, err
	}
	return out, nil
}

// WriteJSON writes the export as indented JSON.
func (e Export) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}

// #endregion export

// #region import
// ImportInto loads an export into an empty store, replaying versions in
// parent-before-child order and restoring the active pointer.
func ImportInto(s *Store, e Export) error {
	ordered, err := topoVersions(e.Versions)
	if err != nil {
		return err
	}

	for i, snap := range ordered {
		if i == 0 && snap.Parent == "" {
			if _, err := s.Init(snap.Rules, snap.CreatedAt); err != nil {
				return fmt.Errorf("import root: %w", err)
			}
			continue
		}
		if err := s.CommitVersion(snap, AuditRecord{
			Version:   snap.Version,
			Decision:  "import",
			CreatedAt: snap.CreatedAt,
		}); err != nil {
			return fmt.Errorf("import %s: %w", snap.Version, err)
		}
	}

	if e.Active != "" {
		if err := s.Rollback(e.Active, time.Now().UTC()); err != nil {
			return fmt.Errorf("restore active: %w", err)
		}
	}
	return nil
}

// topoVersions orders snapshots so every parent precedes its children.
func topoVersions(versions []Snapshot) ([]Snapshot, error) {
	byID := make(map[string]Snapshot, len(versions))
	for _, v := range versions {
		byID[v.Version] = v
	}

	var out []Snapshot
	done := make(map[string]bool)

	var place func(v Snapshot) error
	place = func(v Snapshot) error {
		if done[v.Version] {
			return nil
		}
		if v.Parent != "" {
			p, ok := byID[v.Parent]
			if !ok {
				return fmt.Errorf("import: parent %s of %s missing: %w", v.Parent, v.Version, ErrUnknownVersion)
			}
			if err := place(p); err != nil {
				return err
			}
		}
		done[v.Version] = true
		out = append(out, v)
		return nil
	}

	ids := make([]string, 0, len(versions))
	for _, v := range versions {
		ids = append(ids, v.Version)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := place(byID[id]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// #endregion import
