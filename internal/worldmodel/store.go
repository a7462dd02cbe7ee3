package worldmodel

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/galaxyeye/browser4agi/internal/rule"
)

// #region errors
// ErrUnknownVersion is returned for version ids the store never recorded.
var ErrUnknownVersion = errors.New("unknown version")

// #endregion errors

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS model_versions (
	version_id  TEXT PRIMARY KEY,
	parent_id   TEXT,
	rules_json  TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES model_versions(version_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id    TEXT NOT NULL,
	decision      TEXT NOT NULL,
	proposal_json TEXT,
	diff_json     TEXT,
	reason        TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES model_versions(version_id)
);

CREATE TABLE IF NOT EXISTS active_version (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	version_id  TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES model_versions(version_id)
);
`

// #endregion schema

// #region store
// Store manages the versioned world model in SQLite. Versions form a
// parent-pointer DAG; versions are never deleted, and only the single
// active_version row ever moves.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for read-only inspection tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion store

// #region init
// Init creates the root "v0" snapshot from the seed rules if no active
// version exists, and returns the current snapshot either way.
func (s *Store) Init(seed []rule.Rule, now time.Time) (Snapshot, error) {
	cur, err := s.Current()
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, ErrUnknownVersion) {
		return Snapshot{}, err
	}

	root := Snapshot{Version: "v0", Rules: seed, CreatedAt: now.UTC()}
	rulesJSON, err := json.Marshal(root.Rules)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal rules: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO model_versions (version_id, parent_id, rules_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		root.Version, nil, string(rulesJSON), root.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("insert v0: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_version (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		root.Version,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("set active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit: %w", err)
	}
	return root, nil
}

// #endregion init

// #region current
// Current reads the active snapshot. Returns ErrUnknownVersion when the
// store has never been initialized.
func (s *Store) Current() (Snapshot, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_version WHERE id = 1`).Scan(&versionID)
	if err == sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("no active version: %w", ErrUnknownVersion)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get active: %w", err)
	}
	return s.Version(versionID)
}

// Version retrieves a snapshot by version id.
func (s *Store) Version(id string) (Snapshot, error) {
	var snap Snapshot
	var parent sql.NullString
	var rulesJSON, createdStr string

	err := s.db.QueryRow(
		`SELECT version_id, parent_id, rules_json, created_at
		 FROM model_versions WHERE version_id = ?`, id,
	).Scan(&snap.Version, &parent, &rulesJSON, &createdStr)
	if err == sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("version %s: %w", id, ErrUnknownVersion)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get version %s: %w", id, err)
	}

	if parent.Valid {
		snap.Parent = parent.String
	}
	if err := json.Unmarshal([]byte(rulesJSON), &snap.Rules); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal rules for %s: %w", id, err)
	}
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return snap, nil
}

// #endregion current

// #region commit
// CommitVersion inserts a new snapshot, appends its audit record, and
// advances the active pointer in one transaction. Either the fully-formed
// version becomes visible or nothing does.
func (s *Store) CommitVersion(snap Snapshot, audit AuditRecord) error {
	rulesJSON, err := json.Marshal(snap.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parentPtr interface{}
	if snap.Parent != "" {
		parentPtr = snap.Parent
	}

	_, err = tx.Exec(
		`INSERT INTO model_versions (version_id, parent_id, rules_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		snap.Version, parentPtr, string(rulesJSON), snap.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	if err := insertAudit(tx, audit); err != nil {
		return err
	}

	_, err = tx.Exec(`UPDATE active_version SET version_id = ? WHERE id = 1`, snap.Version)
	if err != nil {
		return fmt.Errorf("update active: %w", err)
	}
	return tx.Commit()
}

// AppendAudit writes an audit record for an existing version.
func (s *Store) AppendAudit(audit AuditRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := insertAudit(tx, audit); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAudit(tx *sql.Tx, audit AuditRecord) error {
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(
		`INSERT INTO audit_log (version_id, decision, proposal_json, diff_json, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		audit.Version, audit.Decision,
		nullIfEmpty(audit.ProposalJSON), nullIfEmpty(audit.DiffJSON), nullIfEmpty(audit.Reason),
		audit.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// #endregion commit

// #region rollback
// Rollback repoints the active version to an earlier snapshot. Fails with
// ErrUnknownVersion if the target was never recorded; intervening history
// is retained.
func (s *Store) Rollback(target string, now time.Time) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM model_versions WHERE version_id = ?`, target,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("rollback to %s: %w", target, ErrUnknownVersion)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE active_version SET version_id = ? WHERE id = 1`, target); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if err := insertAudit(tx, AuditRecord{
		Version:   target,
		Decision:  "rollback",
		CreatedAt: now.UTC(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// #endregion rollback

// #region lineage
// Lineage walks parent pointers from the given version back to the root,
// returning version ids starting at id. Fails with ErrUnknownVersion on a
// break in the chain.
func (s *Store) Lineage(id string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	cur := id
	for cur != "" {
		if seen[cur] {
			return nil, fmt.Errorf("lineage of %s: revisited %s", id, cur)
		}
		seen[cur] = true
		snap, err := s.Version(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, snap.Version)
		cur = snap.Parent
	}
	return out, nil
}

// Children returns version ids whose parent is id, ordered by version id.
// Child discovery goes through this query rather than back-pointers on
// snapshots.
func (s *Store) Children(id string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT version_id FROM model_versions WHERE parent_id = ?`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", id, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// ListVersions returns the most recent snapshots, newest first.
func (s *Store) ListVersions(limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT version_id FROM model_versions ORDER BY created_at DESC, version_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Version(id)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// AuditTrail returns audit records, oldest first, optionally filtered by
// version id (empty = all).
func (s *Store) AuditTrail(versionID string) ([]AuditRecord, error) {
	query := `SELECT version_id, decision, proposal_json, diff_json, reason, created_at
	          FROM audit_log`
	args := []interface{}{}
	if versionID != "" {
		query += ` WHERE version_id = ?`
		args = append(args, versionID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var proposal, diff, reason sql.NullString
		var createdStr string
		if err := rows.Scan(&rec.Version, &rec.Decision, &proposal, &diff, &reason, &createdStr); err != nil {
			return nil, err
		}
		rec.ProposalJSON = proposal.String
		rec.DiffJSON = diff.String
		rec.Reason = reason.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion lineage

// #region next-version
// NextVersionID returns the next monotonic version id ("v<N+1>" over the
// highest N ever recorded), so rollbacks followed by new commits never
// collide with existing versions.
func (s *Store) NextVersionID() (string, error) {
	rows, err := s.db.Query(`SELECT version_id FROM model_versions`)
	if err != nil {
		return "", fmt.Errorf("next version: %w", err)
	}
	defer rows.Close()

	max := -1
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		if !strings.HasPrefix(id, "v") {
			continue
		}
		if n, err := strconv.Atoi(id[1:]); err == nil && n > max {
			max = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d", max+1), nil
}

// #endregion next-version
