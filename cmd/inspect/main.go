package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/galaxyeye/browser4agi/internal/rulestats"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to worldmodel.db")
	last := flag.Int("last", 20, "show N most recent versions")
	version := flag.String("version", "", "show single version detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/worldmodel.db [--last N] [--version id] [--json]")
		os.Exit(2)
	}

	store, err := worldmodel.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *version != "" {
		err = runDetailMode(store, *version, *jsonOut)
	} else {
		err = runListMode(store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	VersionID  string  `json:"version_id"`
	ParentID   string  `json:"parent_id,omitempty"`
	Rules      int     `json:"rules"`
	Active     int     `json:"active"`
	Deprecated int     `json:"deprecated"`
	Confidence float64 `json:"mean_confidence"`
	IsActive   bool    `json:"is_active"`
}

func runListMode(store *worldmodel.Store, last int, jsonOut bool) error {
	versions, err := store.ListVersions(last)
	if err != nil {
		return err
	}
	cur, err := store.Current()
	if err != nil {
		return err
	}

	rows := make([]listRow, 0, len(versions))
	for _, v := range versions {
		health := rulestats.Summarize(v.Rules)
		rows = append(rows, listRow{
			VersionID:  v.Version,
			ParentID:   v.Parent,
			Rules:      len(v.Rules),
			Active:     health.Active,
			Deprecated: health.Deprecated,
			Confidence: health.MeanConfidence,
			IsActive:   v.Version == cur.Version,
		})
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	fmt.Printf("%-10s %-10s %6s %7s %11s %12s %s\n",
		"VERSION", "PARENT", "RULES", "ACTIVE", "DEPRECATED", "CONFIDENCE", "")
	for _, r := range rows {
		marker := ""
		if r.IsActive {
			marker = "*"
		}
		fmt.Printf("%-10s %-10s %6d %7d %11d %12.3f %s\n",
			r.VersionID, r.ParentID, r.Rules, r.Active, r.Deprecated, r.Confidence, marker)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type versionDetail struct {
	worldmodel.Snapshot
	Lineage []string                 `json:"lineage"`
	Audit   []worldmodel.AuditRecord `json:"audit"`
}

func runDetailMode(store *worldmodel.Store, version string, jsonOut bool) error {
	snap, err := store.Version(version)
	if err != nil {
		return err
	}
	lineage, err := store.Lineage(version)
	if err != nil {
		return err
	}
	audit, err := store.AuditTrail(version)
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(versionDetail{Snapshot: snap, Lineage: lineage, Audit: audit})
	}

	fmt.Printf("version: %s (parent %s, created %s)\n", snap.Version, snap.Parent, snap.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("lineage: %v\n", lineage)
	fmt.Printf("rules (%d):\n", len(snap.Rules))
	for _, r := range snap.Rules {
		fmt.Printf("  %-24s %-12s %-10s conf=%.3f s/f=%d/%d\n",
			r.ID, r.Kind, r.Meta.Status, r.Meta.Confidence, r.Meta.SuccessCount, r.Meta.FailureCount)
	}
	fmt.Printf("audit (%d):\n", len(audit))
	for _, a := range audit {
		fmt.Printf("  %s %-12s %s\n", a.CreatedAt.Format("15:04:05"), a.Decision, a.Reason)
	}
	return nil
}

// #endregion detail-mode
