// Command buildloom realises build targets from a manifest: it builds
// each requested unit after its dependencies, fetching from substituter
// caches where possible.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/buildloom/internal/build"
	"github.com/aristath/buildloom/internal/config"
	"github.com/aristath/buildloom/internal/events"
	"github.com/aristath/buildloom/internal/goal"
	"github.com/aristath/buildloom/internal/manifest"
	"github.com/aristath/buildloom/internal/store"
	"github.com/aristath/buildloom/internal/tui"
	"github.com/aristath/buildloom/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	manifestPath := flag.String("f", "buildloom.json", "manifest file")
	useTUI := flag.Bool("tui", false, "render progress in a full-screen TUI")
	keepGoing := flag.Bool("keep-going", false, "keep building unaffected goals after a failure")
	maxJobs := flag.Int("max-jobs", 0, "maximum concurrent builders (0 = from config)")
	timeout := flag.Int("timeout", 0, "per-builder timeout in seconds (0 = from config)")
	writeConfig := flag.Bool("write-config", false, "write the effective config to .buildloom/config.json and exit")
	flag.Parse()

	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if *keepGoing {
		cfg.KeepGoing = true
	}
	if *maxJobs > 0 {
		cfg.MaxJobs = *maxJobs
	}
	if *timeout > 0 {
		cfg.BuildTimeoutSec = *timeout
	}

	if *writeConfig {
		path := filepath.Join(".buildloom", "config.json")
		if err := config.Save(cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			return 1
		}
		fmt.Printf("Wrote %s\n", path)
		return 0
	}

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := m.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	targets, err := resolveTargets(m, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(targets) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no targets given and the manifest declares none")
		return 1
	}

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.StoreDir, ".buildloom.db")
	}
	db, err := store.OpenDB(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		return 1
	}
	defer db.Close()

	bus := events.NewBus()

	w := worker.New(cfg, db, bus)
	pool := build.NewSubstituterPool(cfg.Substituters)

	// One top-level goal per target; aliased targets coalesce.
	goals := make([]goal.Goal, len(targets))
	for i, t := range targets {
		var g goal.Goal
		if t.Opaque() {
			g = build.EnsureSubstitutionGoal(w, pool, t.Path)
		} else {
			dg, err := build.EnsureDerivationGoal(w, m, pool, t.Unit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			g = dg
		}
		goals[i] = g
		w.AddTopGoal(g)
	}

	var eg errgroup.Group
	var printDone chan struct{}
	if *useTUI {
		p := tea.NewProgram(tui.New(bus), tea.WithAltScreen())
		eg.Go(func() error {
			_, err := p.Run()
			return err
		})
		eg.Go(func() error {
			defer p.Quit()
			defer bus.Close()
			return w.Run(ctx)
		})
	} else {
		sub := bus.SubscribeAll(256)
		printDone = make(chan struct{})
		go printEvents(sub, printDone)
		eg.Go(func() error {
			defer bus.Close()
			return w.Run(ctx)
		})
	}

	runErr := eg.Wait()
	if printDone != nil {
		<-printDone
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
	}

	return reportResults(targets, goals)
}

// resolveTargets turns command-line arguments (or, absent any, the
// manifest's default targets) into derived paths. A bare argument naming
// a manifest unit means all of that unit's outputs.
func resolveTargets(m *manifest.Manifest, args []string) ([]store.DerivedPath, error) {
	specs := args
	if len(specs) == 0 {
		specs = m.Targets
	}
	targets := make([]store.DerivedPath, 0, len(specs))
	for _, s := range specs {
		d, err := store.ParseDerivedPath(s)
		if err != nil {
			return nil, err
		}
		if d.Opaque() {
			if _, ok := m.Unit(string(d.Path)); ok {
				d = store.DerivedPath{Unit: string(d.Path), Outputs: store.OutputsSpec{All: true}}
			}
		}
		targets = append(targets, d)
	}
	return targets, nil
}

// printEvents renders bus events as plain log lines until the bus closes.
func printEvents(sub <-chan events.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range sub {
		switch ev := ev.(type) {
		case events.GoalStartedEvent:
			log.Printf("started: %s", ev.Name)
		case events.GoalOutputEvent:
			log.Printf("  %s | %s", ev.Key, ev.Line)
		case events.GoalFinishedEvent:
			if ev.Err != "" {
				log.Printf("finished: %s [%s] %s", ev.Name, ev.Status, ev.Err)
			} else {
				log.Printf("finished: %s [%s]", ev.Name, ev.Status)
			}
		case events.ProgressEvent:
			log.Printf("progress: %d/%d done, %d failed, %d busy",
				ev.Succeeded+ev.Failed, ev.Total, ev.Failed, ev.Busy)
		}
	}
}

// reportResults prints the per-target outcome and returns the process
// exit code.
func reportResults(targets []store.DerivedPath, goals []goal.Goal) int {
	exit := 0
	for i, t := range targets {
		g := goals[i]
		res := g.BuildResultFor(t)
		if g.ExitCode() == goal.Success {
			fmt.Printf("%s: %s\n", t, res.Status)
			for _, name := range sortedOutputs(res.BuiltOutputs) {
				fmt.Printf("  %s -> %s\n", name, res.BuiltOutputs[name].Path)
			}
			continue
		}
		exit = 1
		msg := res.ErrorMsg
		if msg == "" && g.ExitCode() != goal.Busy {
			msg = g.ExitCode().String()
		}
		if msg == "" {
			msg = "not realised"
		}
		fmt.Fprintf(os.Stderr, "%s: %s\n", t, msg)
	}
	return exit
}

func sortedOutputs(outputs map[string]store.Realisation) []string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
