package build

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/buildloom/internal/events"
	"github.com/aristath/buildloom/internal/goal"
	"github.com/aristath/buildloom/internal/store"
	"github.com/aristath/buildloom/internal/worker"
)

// SubstitutionKey is the stable goal identity for fetching one store
// path from a substituter.
func SubstitutionKey(p store.StorePath) string { return "s$" + string(p) }

// SubstitutionGoal copies one store path from a binary cache, after
// making sure the path's references are present too.
type SubstitutionGoal struct {
	*goal.Core

	w    *worker.Worker
	pool *SubstituterPool
	path store.StorePath

	state func()

	// Probe outcome, written by the async probe before the goal is woken.
	sub      *Substituter
	refs     []store.StorePath
	probeErr error

	copyErr error

	baseFailed, baseNoSubst, baseIncomplete int

	startTime time.Time
}

// EnsureSubstitutionGoal returns the goal substituting p, creating and
// scheduling it if no live goal exists for it yet.
func EnsureSubstitutionGoal(w *worker.Worker, pool *SubstituterPool, p store.StorePath) *SubstitutionGoal {
	created := false
	g := w.Ensure(SubstitutionKey(p), func() goal.Goal {
		created = true
		return newSubstitutionGoal(w, pool, p)
	}).(*SubstitutionGoal)
	if created {
		w.WakeUp(g)
	}
	return g
}

func newSubstitutionGoal(w *worker.Worker, pool *SubstituterPool, p store.StorePath) *SubstitutionGoal {
	g := &SubstitutionGoal{
		w:    w,
		pool: pool,
		path: p,
	}
	g.Core = goal.NewCore(g, fmt.Sprintf("substitution of %q", p), SubstitutionKey(p))
	g.state = g.init
	return g
}

func (g *SubstitutionGoal) Work() { g.state() }

// WaiteeDone applies the same continue-or-abort policy as build goals:
// a hard reference failure wakes the goal immediately unless keep-going
// is set, otherwise it runs once everything settled.
func (g *SubstitutionGoal) WaiteeDone(waitee goal.Goal, result goal.ExitCode) {
	g.Core.WaiteeDone(waitee, result)
	if g.ExitCode().Terminal() {
		return
	}
	if g.NumWaitees() == 0 || (result == goal.Failed && !g.w.KeepGoing()) {
		g.w.WakeUp(g)
	}
}

func (g *SubstitutionGoal) baseline() {
	g.baseFailed = g.NrFailed()
	g.baseNoSubst = g.NrNoSubstituters()
	g.baseIncomplete = g.NrIncompleteClosure()
}

func (g *SubstitutionGoal) init() {
	g.startTime = time.Now()
	g.w.Bus().Publish(events.TopicGoal, events.GoalStartedEvent{
		Key: g.Key(), Name: g.Name(), Timestamp: g.startTime,
	})

	valid, err := g.w.DB().IsValidPath(g.w.Context(), g.path)
	if err != nil {
		g.fail(goal.Failed, store.MiscFailure, err)
		return
	}
	if valid {
		g.succeed(store.AlreadyValid)
		return
	}

	if g.pool.Empty() {
		g.fail(goal.NoSubstituters, store.TransientFailure,
			fmt.Errorf("path %q is not valid and no substituters are configured", g.path))
		return
	}

	// Probe every substituter concurrently; the earliest configured one
	// that holds the path wins.
	g.state = g.infoQueried
	subs := g.pool.subs
	results := make([]probeResult, len(subs))
	errs := make([]error, len(subs))
	g.w.RunAsync(g, func() {
		eg, ctx := errgroup.WithContext(g.w.Context())
		for i, sub := range subs {
			eg.Go(func() error {
				results[i], errs[i] = sub.probe(ctx, g.path)
				return nil
			})
		}
		eg.Wait()
		for i := range subs {
			if errs[i] != nil {
				log.Printf("WARNING: substituter %q failed probing %q: %v", subs[i].Dir, g.path, errs[i])
				continue
			}
			if results[i].found {
				g.sub = subs[i]
				g.refs = results[i].refs
				return
			}
		}
	})
}

// infoQueried runs after the probe finished. A path no cache holds is a
// distinct outcome from a failure: dependents may still be able to build
// it themselves.
func (g *SubstitutionGoal) infoQueried() {
	if g.sub == nil {
		g.fail(goal.NoSubstituters, store.TransientFailure,
			fmt.Errorf("no substituter can provide %q", g.path))
		return
	}

	// The artifact's references must be present before it is; each one
	// becomes its own substitution goal.
	g.baseline()
	g.state = g.refsRealised
	for _, ref := range g.refs {
		if ref == g.path {
			continue
		}
		if err := g.AddWaitee(EnsureSubstitutionGoal(g.w, g.pool, ref)); err != nil {
			g.fail(goal.Failed, store.MiscFailure, err)
			return
		}
	}
	if g.NumWaitees() == 0 {
		g.w.WakeUp(g)
	}
}

func (g *SubstitutionGoal) refsRealised() {
	if g.NrFailed()-g.baseFailed > 0 && !g.w.KeepGoing() {
		g.fail(goal.Failed, store.DependencyFailed,
			fmt.Errorf("cannot substitute %q: a reference failed", g.path))
		return
	}
	if g.NumWaitees() > 0 {
		return
	}
	if g.NrFailed()-g.baseFailed > 0 {
		g.fail(goal.Failed, store.DependencyFailed,
			fmt.Errorf("cannot substitute %q: %d references failed", g.path, g.NrFailed()-g.baseFailed))
		return
	}
	if missing := (g.NrNoSubstituters() - g.baseNoSubst) + (g.NrIncompleteClosure() - g.baseIncomplete); missing > 0 {
		// The artifact exists in a cache but its closure cannot be
		// completed from there. Dependents may choose to build instead.
		g.fail(goal.IncompleteClosure, store.TransientFailure,
			fmt.Errorf("substituter %q cannot provide the full closure of %q: %d references unavailable", g.sub.Dir, g.path, missing))
		return
	}

	g.state = g.finished
	g.w.RunAsync(g, func() { g.copyErr = g.copyPath() })
}

// copyPath fetches the artifact and installs it in the local store. Runs
// off the loop; only writes g.copyErr, read after the wake.
func (g *SubstitutionGoal) copyPath() error {
	storeDir := g.w.Config().StoreDir
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return err
	}

	g.w.Locks().Lock(g.path)
	defer g.w.Locks().Unlock(g.path)

	// Someone may have installed the path while we were waiting.
	valid, err := g.w.DB().IsValidPath(g.w.Context(), g.path)
	if err != nil {
		return err
	}
	if valid {
		return nil
	}

	data, err := fetchWithRetry(g.w.Context(), g.sub, g.path, g.pool.retry)
	if err != nil {
		return fmt.Errorf("fetching %q from %q: %w", g.path, g.sub.Dir, err)
	}
	if err := os.WriteFile(filepath.Join(storeDir, string(g.path)), data, 0644); err != nil {
		return err
	}
	return g.w.DB().RegisterValidPath(g.w.Context(), g.path)
}

func (g *SubstitutionGoal) finished() {
	if g.copyErr != nil {
		g.fail(goal.Failed, store.TransientFailure, g.copyErr)
		return
	}
	g.succeed(store.Substituted)
}

// TimedOut aborts the substitution. Any in-flight fetch is abandoned to
// context cancellation; waiters are still notified.
func (g *SubstitutionGoal) TimedOut(err error) {
	if g.ExitCode().Terminal() {
		return
	}
	g.fail(goal.Failed, store.TimedOut, err)
}

func (g *SubstitutionGoal) succeed(status store.BuildStatus) {
	r := store.BuildResult{
		Status:    status,
		StartTime: g.startTime,
		StopTime:  time.Now(),
	}
	g.SetResult(r)
	if err := g.w.DB().SaveBuildResult(g.w.Context(), g.Key(), r); err != nil {
		log.Printf("WARNING: failed to record substitution result for %q: %v", g.path, err)
	}
	g.finish(goal.Success, nil, status)
}

func (g *SubstitutionGoal) fail(code goal.ExitCode, status store.BuildStatus, err error) {
	r := store.BuildResult{
		Status:    status,
		ErrorMsg:  err.Error(),
		StartTime: g.startTime,
		StopTime:  time.Now(),
	}
	g.SetResult(r)
	if serr := g.w.DB().SaveBuildResult(g.w.Context(), g.Key(), r); serr != nil {
		log.Printf("WARNING: failed to record substitution result for %q: %v", g.path, serr)
	}
	g.finish(code, err, status)
}

func (g *SubstitutionGoal) finish(code goal.ExitCode, err error, status store.BuildStatus) {
	if derr := g.AmDone(code, err); derr != nil {
		log.Printf("WARNING: %v", derr)
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	g.w.Bus().Publish(events.TopicGoal, events.GoalFinishedEvent{
		Key:       g.Key(),
		Name:      g.Name(),
		ExitCode:  code.String(),
		Status:    status.String(),
		Err:       errMsg,
		Timestamp: time.Now(),
	})
}
