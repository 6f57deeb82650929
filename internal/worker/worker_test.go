package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aristath/buildloom/internal/config"
	"github.com/aristath/buildloom/internal/goal"
)

func testWorker(cfg *config.BuildConfig) *Worker {
	if cfg == nil {
		cfg = &config.BuildConfig{MaxJobs: 4}
	}
	w := New(cfg, nil, nil)
	w.tickInterval = 5 * time.Millisecond
	return w
}

// chainGoal waits for an optional dependency and then finishes, failing
// if told to or if the dependency failed.
type chainGoal struct {
	*goal.Core
	w       *Worker
	dep     goal.Goal
	fail    bool
	started bool
}

func newChainGoal(w *Worker, key string, dep goal.Goal, fail bool) *chainGoal {
	g := &chainGoal{w: w, dep: dep, fail: fail}
	g.Core = goal.NewCore(g, "chain "+key, key)
	return g
}

func (g *chainGoal) Work() {
	if !g.started {
		g.started = true
		if g.fail {
			_ = g.AmDone(goal.Failed, errors.New("deliberate failure"))
			return
		}
		if g.dep != nil {
			if err := g.AddWaitee(g.dep); err != nil {
				panic(err)
			}
			g.w.WakeUp(g.dep)
		}
		if g.NumWaitees() > 0 {
			return
		}
	}
	if g.NumWaitees() > 0 {
		return
	}
	if g.NrFailed() > 0 {
		_ = g.AmDone(goal.Failed, errors.New("a dependency failed"))
		return
	}
	_ = g.AmDone(goal.Success, nil)
}

func (g *chainGoal) WaiteeDone(waitee goal.Goal, result goal.ExitCode) {
	g.Core.WaiteeDone(waitee, result)
	if g.ExitCode().Terminal() {
		return
	}
	if g.NumWaitees() == 0 || (result == goal.Failed && !g.w.KeepGoing()) {
		g.w.WakeUp(g)
	}
}

func (g *chainGoal) TimedOut(err error) {
	g.w.ChildTerminated(g)
	_ = g.AmDone(goal.Failed, err)
}

func TestEnsureDeduplicates(t *testing.T) {
	w := testWorker(nil)

	made := 0
	mk := func() goal.Goal {
		made++
		return newChainGoal(w, "b$x", nil, false)
	}

	g1 := w.Ensure("b$x", mk)
	g2 := w.Ensure("b$x", mk)
	if g1 != g2 {
		t.Fatal("Ensure returned distinct goals for the same key")
	}
	if made != 1 {
		t.Fatalf("factory ran %d times, want 1", made)
	}

	if _, ok := w.Lookup("b$x"); !ok {
		t.Error("Lookup missed a live goal")
	}
	if _, ok := w.Lookup("b$y"); ok {
		t.Error("Lookup invented a goal")
	}
}

func TestRunRealisesChain(t *testing.T) {
	w := testWorker(nil)

	g3 := newChainGoal(w, "b$3", nil, false)
	g2 := newChainGoal(w, "b$2", g3, false)
	g1 := newChainGoal(w, "b$1", g2, false)
	w.AddTopGoal(g1)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, g := range []*chainGoal{g1, g2, g3} {
		if g.ExitCode() != goal.Success {
			t.Errorf("%s: exit code %v, want Success", g.Key(), g.ExitCode())
		}
	}
}

func TestRunPropagatesFailureUpChain(t *testing.T) {
	w := testWorker(nil)

	g3 := newChainGoal(w, "b$3", nil, true)
	g2 := newChainGoal(w, "b$2", g3, false)
	g1 := newChainGoal(w, "b$1", g2, false)
	w.AddTopGoal(g1)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if g3.ExitCode() != goal.Failed {
		t.Errorf("g3 exit code %v, want Failed", g3.ExitCode())
	}
	if g2.ExitCode() != goal.Failed {
		t.Errorf("g2 exit code %v, want Failed", g2.ExitCode())
	}
	if g1.ExitCode() != goal.Failed {
		t.Errorf("g1 exit code %v, want Failed", g1.ExitCode())
	}
	if g2.NrFailed() != 1 {
		t.Errorf("g2 NrFailed = %d, want 1", g2.NrFailed())
	}
	if g2.NumWaitees() != 0 {
		t.Errorf("g2 still has %d waitees", g2.NumWaitees())
	}
}

// stallGoal stays busy forever without children, async work, or waitees.
type stallGoal struct {
	*goal.Core
}

func newStallGoal(key string) *stallGoal {
	g := &stallGoal{}
	g.Core = goal.NewCore(g, "stall "+key, key)
	return g
}

func (g *stallGoal) Work()              {}
func (g *stallGoal) TimedOut(err error) { _ = g.AmDone(goal.Failed, err) }

func TestRunDetectsStall(t *testing.T) {
	w := testWorker(nil)
	w.AddTopGoal(newStallGoal("b$stuck"))

	err := w.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unable to make progress") {
		t.Fatalf("Run = %v, want stall error", err)
	}
}

// timedChildGoal claims an external process that never finishes; only the
// worker's deadline can end it.
type timedChildGoal struct {
	*goal.Core
	w          *Worker
	registered bool
}

func newTimedChildGoal(w *Worker, key string) *timedChildGoal {
	g := &timedChildGoal{w: w}
	g.Core = goal.NewCore(g, "timed "+key, key)
	return g
}

func (g *timedChildGoal) Work() {
	if !g.registered {
		g.registered = true
		g.w.ChildStarted(g, 10*time.Millisecond)
	}
}

func (g *timedChildGoal) TimedOut(err error) {
	g.w.ChildTerminated(g)
	_ = g.AmDone(goal.Failed, err)
}

func TestChildTimeout(t *testing.T) {
	w := testWorker(nil)

	child := newTimedChildGoal(w, "b$slow")
	parent := newChainGoal(w, "b$top", child, false)
	w.AddTopGoal(parent)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if child.ExitCode() != goal.Failed {
		t.Errorf("timed-out goal exit code %v, want Failed", child.ExitCode())
	}
	if parent.ExitCode() != goal.Failed {
		t.Errorf("waiter exit code %v, want Failed", parent.ExitCode())
	}
	if parent.NrFailed() != 1 {
		t.Errorf("waiter NrFailed = %d, want 1", parent.NrFailed())
	}
	if len(w.children) != 0 {
		t.Errorf("%d child entries left after timeout", len(w.children))
	}
}

// asyncGoal hands a computation to RunAsync and finishes once woken.
type asyncGoal struct {
	*goal.Core
	w          *Worker
	dispatched bool
	value      int
}

func newAsyncGoal(w *Worker, key string) *asyncGoal {
	g := &asyncGoal{w: w}
	g.Core = goal.NewCore(g, "async "+key, key)
	return g
}

func (g *asyncGoal) Work() {
	if !g.dispatched {
		g.dispatched = true
		g.w.RunAsync(g, func() {
			time.Sleep(time.Millisecond)
			g.value = 42
		})
		return
	}
	if g.value != 42 {
		_ = g.AmDone(goal.Failed, errors.New("woken before the async job finished"))
		return
	}
	_ = g.AmDone(goal.Success, nil)
}

func (g *asyncGoal) TimedOut(err error) { _ = g.AmDone(goal.Failed, err) }

func TestRunAsyncWakesGoal(t *testing.T) {
	w := testWorker(nil)

	g := newAsyncGoal(w, "b$async")
	w.AddTopGoal(g)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.ExitCode() != goal.Success {
		t.Fatalf("exit code %v, want Success (value=%d)", g.ExitCode(), g.value)
	}
}

// slotTracker counts concurrent slot holders. Only touched on the loop
// goroutine.
type slotTracker struct {
	current, max int
}

type slotGoal struct {
	*goal.Core
	w       *Worker
	tracker *slotTracker
	phase   int
}

func newSlotGoal(w *Worker, key string, tracker *slotTracker) *slotGoal {
	g := &slotGoal{w: w, tracker: tracker}
	g.Core = goal.NewCore(g, "slot "+key, key)
	return g
}

func (g *slotGoal) Work() {
	switch g.phase {
	case 0:
		if !g.w.AcquireBuildSlot(g) {
			return // parked until a slot frees up
		}
		g.phase = 1
		g.tracker.current++
		if g.tracker.current > g.tracker.max {
			g.tracker.max = g.tracker.current
		}
		g.w.RunAsync(g, func() { time.Sleep(time.Millisecond) })
	case 1:
		g.phase = 2
		g.tracker.current--
		g.w.ReleaseBuildSlot()
		_ = g.AmDone(goal.Success, nil)
	}
}

func (g *slotGoal) TimedOut(err error) { _ = g.AmDone(goal.Failed, err) }

func TestBuildSlotsBoundConcurrency(t *testing.T) {
	w := testWorker(&config.BuildConfig{MaxJobs: 1})

	tracker := &slotTracker{}
	var goals []*slotGoal
	for _, key := range []string{"b$a", "b$b", "b$c"} {
		g := newSlotGoal(w, key, tracker)
		goals = append(goals, g)
		w.AddTopGoal(g)
	}

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, g := range goals {
		if g.ExitCode() != goal.Success {
			t.Errorf("%s: exit code %v, want Success", g.Key(), g.ExitCode())
		}
	}
	if tracker.max > 1 {
		t.Errorf("observed %d concurrent slot holders, want at most 1", tracker.max)
	}
}
