package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to worldmodel.db")
	out := flag.String("out", "", "write export JSON here (default: stdout)")
	importPath := flag.String("import", "", "import an export JSON into the db instead of exporting")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: export --db path/to/worldmodel.db [--out file.json | --import file.json]")
		os.Exit(2)
	}

	store, err := worldmodel.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *importPath != "" {
		err = runImport(store, *importPath)
	} else {
		err = runExport(store, *out)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region modes

func runExport(store *worldmodel.Store, out string) error {
	export, err := store.Export()
	if err != nil {
		return err
	}

	w := os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := export.WriteJSON(w); err != nil {
		return err
	}
	if out != "" {
		fmt.Fprintf(os.Stderr, "exported %d versions (active %s) to %s\n",
			len(export.Versions), export.Active, out)
	}
	return nil
}

func runImport(store *worldmodel.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var export worldmodel.Export
	if err := json.Unmarshal(data, &export); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := worldmodel.ImportInto(store, export); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "imported %d versions, active %s\n", len(export.Versions), export.Active)
	return nil
}

// #endregion modes
