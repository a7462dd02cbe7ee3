package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/galaxyeye/browser4agi/internal/advisor"
	"github.com/galaxyeye/browser4agi/internal/capability"
	"github.com/galaxyeye/browser4agi/internal/cycle"
	"github.com/galaxyeye/browser4agi/internal/reflect"
	"github.com/galaxyeye/browser4agi/internal/rulestats"
	"github.com/galaxyeye/browser4agi/internal/sim"
	"github.com/galaxyeye/browser4agi/internal/worldmodel"
)

// #region main
func main() {
	// .env is optional; real environments set variables directly.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded configuration from .env")
	}

	dbPath := envOr("AGENT_DB", "worldmodel.db")
	tasksPath := os.Getenv("AGENT_EVAL_TASKS")

	store, err := worldmodel.NewStore(dbPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	if _, err := store.Current(); err != nil {
		log.Println("No active version found, creating v0...")
		if _, err := store.Init(nil, time.Now().UTC()); err != nil {
			log.Fatalf("failed to create initial version: %v", err)
		}
	}

	var evalTasks []sim.Task
	if tasksPath != "" {
		fixture, err := sim.LoadFixture(tasksPath)
		if err != nil {
			log.Fatalf("failed to load evaluation tasks: %v", err)
		}
		evalTasks = fixture.Tasks
		log.Printf("loaded %d evaluation tasks from %s", len(evalTasks), tasksPath)
	}

	var adv advisor.Advisor
	advCfg := advisor.DefaultHTTPConfig()
	if advCfg.Endpoint != "" {
		adv = advisor.NewHTTP(advCfg)
		log.Printf("advisor enabled: %s", advCfg.Endpoint)
	}

	reflector := reflect.New(adv, reflect.DefaultConfig())
	live := newBrowserWorld()
	runner := cycle.New(store, live, reflector, evalTasks, cycle.DefaultConfig())

	cur, _ := store.Current()
	fmt.Println("Self-evolving agent ready.")
	fmt.Printf("  DB: %s | Version: %s | Rules: %d\n", dbPath, cur.Version, len(cur.Rules))
	fmt.Println("Commands: run <goal> | status | rollback <version> | rollover | export <path> | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		if err := dispatch(runner, store, line); err != nil {
			log.Printf("error: %v", err)
		}
	}
}

// #endregion main

// #region commands
func dispatch(runner *cycle.Runner, store *worldmodel.Store, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "run":
		if arg == "" {
			return fmt.Errorf("usage: run <goal>")
		}
		out, err := runner.RunTask(context.Background(), arg, nil)
		if err != nil {
			return err
		}
		fmt.Printf("[%s] %s | proposals=%d applied=%v active=%s\n",
			out.TaskID, out.Report.Status, len(out.Proposals), out.AppliedVersions, out.ActiveVersion)
		return nil

	case "status":
		cur, err := store.Current()
		if err != nil {
			return err
		}
		health := rulestats.Summarize(cur.Rules)
		fmt.Printf("version=%s parent=%s rules=%d\n", cur.Version, cur.Parent, len(cur.Rules))
		fmt.Printf("active=%d cooldown=%d deprecated=%d mean_confidence=%.3f\n",
			health.Active, health.Cooldown, health.Deprecated, health.MeanConfidence)
		return nil

	case "rollback":
		if arg == "" {
			return fmt.Errorf("usage: rollback <version>")
		}
		if err := runner.Rollback(arg); err != nil {
			return err
		}
		fmt.Printf("active version is now %s\n", arg)
		return nil

	case "rollover":
		runner.RolloverBudget()
		return nil

	case "export":
		if arg == "" {
			return fmt.Errorf("usage: export <path>")
		}
		export, err := store.Export()
		if err != nil {
			return err
		}
		f, err := os.Create(arg)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := export.WriteJSON(f); err != nil {
			return err
		}
		fmt.Printf("exported %d versions to %s\n", len(export.Versions), arg)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// #endregion commands

// #region world
// newBrowserWorld wires the simulated browser and filesystem behind the
// action registry. Swapping in a real browser driver is a matter of
// registering a different tool here.
func newBrowserWorld() capability.Capability {
	return capability.NewRegistry(map[string]capability.Tool{
		"browser": capability.NewBrowser(loadPages()),
		"fs":      capability.NewFileSystem(),
	})
}

// loadPages reads the simulated site map from AGENT_PAGES (a JSON object of
// url to page content). Empty or malformed input falls back to a single
// placeholder page.
func loadPages() map[string]string {
	fallback := map[string]string{
		"https://example.com": "<html><body>example</body></html>",
	}
	raw := os.Getenv("AGENT_PAGES")
	if raw == "" {
		return fallback
	}
	var pages map[string]string
	if err := json.Unmarshal([]byte(raw), &pages); err != nil {
		log.Printf("ignoring malformed AGENT_PAGES: %v", err)
		return fallback
	}
	return pages
}

// #endregion world

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
