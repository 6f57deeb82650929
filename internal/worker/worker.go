// Package worker drives goals: it owns the active goal sets, the
// path-keyed goal index, the child process table, and the single loop
// goroutine on which every goal method runs.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/buildloom/internal/config"
	"github.com/aristath/buildloom/internal/events"
	"github.com/aristath/buildloom/internal/goal"
	"github.com/aristath/buildloom/internal/store"
)

type eventKind int

const (
	evData eventKind = iota
	evEOF
	evExit
	evWake
)

type loopEvent struct {
	kind   eventKind
	token  uint64
	stream goal.Stream
	data   []byte
	ref    goal.Ref // for evWake
}

// child is one registered external process (or async job) a goal owns.
type child struct {
	ref      goal.Ref
	deadline time.Time // zero means no deadline
	timedOut bool
}

// Worker is the external scheduler. All goal methods run on the goroutine
// inside Run; everything a goal hands off (child process I/O, async jobs)
// re-enters through the loop channel.
type Worker struct {
	cfg   *config.BuildConfig
	db    *store.DB
	locks *store.PathLocks
	bus   *events.Bus

	// Strong references: goals the caller asked for directly.
	topGoals goal.Set

	// Goals to run in the next wave, in comparator order.
	awake goal.Set

	// Path-keyed index of every goal ever created, for deduplication
	// across requests. Non-owning: an entry goes stale once nothing else
	// keeps its goal alive.
	goalIndex map[string]goal.Ref

	children  map[uint64]*child
	nextToken uint64

	loopCh       chan loopEvent
	asyncPending int

	// Build slot accounting: at most cfg.MaxJobs builders at once.
	slotsInUse  int
	wantingSlot goal.Set

	// Progress bookkeeping: exit codes of goals seen terminal, by key.
	finished  map[string]goal.ExitCode
	nrCreated int

	ctx          context.Context
	tickInterval time.Duration
}

// New creates a worker.
func New(cfg *config.BuildConfig, db *store.DB, bus *events.Bus) *Worker {
	return &Worker{
		cfg:          cfg,
		db:           db,
		locks:        store.NewPathLocks(),
		bus:          bus,
		goalIndex:    make(map[string]goal.Ref),
		children:     make(map[uint64]*child),
		loopCh:       make(chan loopEvent, 1024),
		finished:     make(map[string]goal.ExitCode),
		tickInterval: 250 * time.Millisecond,
	}
}

func (w *Worker) Config() *config.BuildConfig { return w.cfg }

// Context returns the context Run was started with. Async jobs use it so
// cancellation reaches in-flight fetches.
func (w *Worker) Context() context.Context {
	if w.ctx == nil {
		return context.Background()
	}
	return w.ctx
}
func (w *Worker) DB() *store.DB           { return w.db }
func (w *Worker) Locks() *store.PathLocks { return w.locks }
func (w *Worker) Bus() *events.Bus        { return w.bus }

// KeepGoing reports whether goals should keep realising remaining waitees
// after one of them fails.
func (w *Worker) KeepGoing() bool { return w.cfg.KeepGoing }

// Ensure returns the live goal registered under key, or creates one with
// make and indexes it. This is how aliased requests coalesce onto one
// goal.
func (w *Worker) Ensure(key string, make func() goal.Goal) goal.Goal {
	if ref, ok := w.goalIndex[key]; ok {
		if g, ok := ref.Goal(); ok {
			return g
		}
		delete(w.goalIndex, key)
	}
	g := make()
	w.goalIndex[key] = goal.NewRef(g)
	w.nrCreated++
	return g
}

// Lookup returns the live goal for key, if any.
func (w *Worker) Lookup(key string) (goal.Goal, bool) {
	ref, ok := w.goalIndex[key]
	if !ok {
		return nil, false
	}
	g, ok := ref.Goal()
	if !ok {
		delete(w.goalIndex, key)
		return nil, false
	}
	return g, true
}

// AddTopGoal registers a goal the caller wants realised and schedules it.
func (w *Worker) AddTopGoal(g goal.Goal) {
	w.topGoals.Insert(g)
	w.WakeUp(g)
}

// WakeUp schedules a goal for the next wave. Finished goals stay asleep.
func (w *Worker) WakeUp(g goal.Goal) {
	if g.ExitCode().Terminal() {
		return
	}
	w.awake.Insert(g)
}

// ChildStarted registers a child process (or other cancellable job) owned
// by g and returns the token the pump goroutines use to address it. A
// non-zero timeout arms the deadline that will eventually invoke
// g.TimedOut.
func (w *Worker) ChildStarted(g goal.Goal, timeout time.Duration) uint64 {
	w.nextToken++
	c := &child{ref: goal.NewRef(g)}
	if timeout > 0 {
		c.deadline = time.Now().Add(timeout)
	}
	w.children[w.nextToken] = c
	return w.nextToken
}

// ChildTerminated clears every child table entry owned by g. Goals must
// call this before finishing so no further I/O is dispatched to them.
func (w *Worker) ChildTerminated(g goal.Goal) {
	for token, c := range w.children {
		cg, ok := c.ref.Goal()
		if !ok || cg == g {
			delete(w.children, token)
		}
	}
}

// ChildOutput delivers data read from a child's pipe. Safe to call from
// pump goroutines; dispatch happens on the loop.
func (w *Worker) ChildOutput(token uint64, stream goal.Stream, data []byte) {
	w.loopCh <- loopEvent{kind: evData, token: token, stream: stream, data: data}
}

// ChildEOF delivers end-of-stream for a child's pipe.
func (w *Worker) ChildEOF(token uint64, stream goal.Stream) {
	w.loopCh <- loopEvent{kind: evEOF, token: token, stream: stream}
}

// ChildExited notifies the loop that a child's process finished, waking
// the owning goal so it can collect the exit status.
func (w *Worker) ChildExited(token uint64) {
	w.loopCh <- loopEvent{kind: evExit, token: token}
}

// RunAsync runs fn on its own goroutine and wakes g on the loop when it
// returns. fn may write fields of g: the channel handoff orders those
// writes before the goal runs again, and the loop never runs the goal
// concurrently with fn.
func (w *Worker) RunAsync(g goal.Goal, fn func()) {
	w.asyncPending++
	ref := goal.NewRef(g)
	go func() {
		fn()
		w.loopCh <- loopEvent{kind: evWake, ref: ref}
	}()
}

// AcquireBuildSlot claims one of the MaxJobs build slots. If none is
// free the goal is parked and woken when a slot opens; the caller should
// return from Work and retry on the next wake.
func (w *Worker) AcquireBuildSlot(g goal.Goal) bool {
	if w.cfg.MaxJobs > 0 && w.slotsInUse >= w.cfg.MaxJobs {
		w.wantingSlot.Insert(g)
		return false
	}
	w.slotsInUse++
	return true
}

// ReleaseBuildSlot frees a build slot and wakes everything waiting for
// one.
func (w *Worker) ReleaseBuildSlot() {
	if w.slotsInUse > 0 {
		w.slotsInUse--
	}
	for _, g := range w.wantingSlot.Clear() {
		w.WakeUp(g)
	}
}

// Run drives goals until every top-level goal is terminal, the context is
// cancelled, or no progress is possible. It is the single logical thread
// of the scheduler: goal methods run here and nowhere else.
func (w *Worker) Run(ctx context.Context) error {
	w.ctx = ctx
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	for {
		w.runAwake()
		w.sweepFinished()

		if w.done() {
			// Remaining children belong to goals nothing waits for
			// anymore; don't leave their processes running.
			if len(w.children) > 0 {
				w.abortChildren(fmt.Errorf("all requested goals settled"))
				w.sweepFinished()
			}
			return nil
		}

		if w.awake.Len() == 0 && len(w.children) == 0 && w.asyncPending == 0 {
			return fmt.Errorf("unable to make progress: %d goal(s) still busy with nothing to wait for", w.busyCount())
		}

		select {
		case <-ctx.Done():
			w.abortChildren(ctx.Err())
			return ctx.Err()
		case ev := <-w.loopCh:
			w.dispatch(ev)
		case now := <-ticker.C:
			w.checkTimeouts(now)
		}
	}
}

// runAwake drains the awake set in comparator order, repeatedly, until a
// wave wakes nothing new.
func (w *Worker) runAwake() {
	for w.awake.Len() > 0 {
		for _, g := range w.awake.Clear() {
			if g.ExitCode().Terminal() {
				continue
			}
			g.Work()
		}
	}
}

func (w *Worker) dispatch(ev loopEvent) {
	switch ev.kind {
	case evWake:
		w.asyncPending--
		if g, ok := ev.ref.Goal(); ok {
			w.WakeUp(g)
		}

	case evData:
		c, ok := w.children[ev.token]
		if !ok {
			// Late delivery for a terminated child; drop.
			return
		}
		g, ok := c.ref.Goal()
		if !ok {
			delete(w.children, ev.token)
			return
		}
		g.HandleChildOutput(ev.stream, ev.data)

	case evEOF:
		c, ok := w.children[ev.token]
		if !ok {
			return
		}
		g, ok := c.ref.Goal()
		if !ok {
			delete(w.children, ev.token)
			return
		}
		g.HandleEOF(ev.stream)

	case evExit:
		c, ok := w.children[ev.token]
		if !ok {
			return
		}
		g, ok := c.ref.Goal()
		if !ok {
			delete(w.children, ev.token)
			return
		}
		w.WakeUp(g)
	}
}

// abortChildren forces every goal that still owns a child to a terminal
// state, so no builder process outlives the worker.
func (w *Worker) abortChildren(cause error) {
	for _, c := range w.children {
		if c.timedOut {
			continue
		}
		c.timedOut = true
		if g, ok := c.ref.Goal(); ok && !g.ExitCode().Terminal() {
			g.TimedOut(fmt.Errorf("worker shutting down: %w", cause))
		}
	}
}

// checkTimeouts fires TimedOut on every goal whose child blew its
// deadline. The goal is responsible for killing the process and clearing
// the child table on its way to a terminal state.
func (w *Worker) checkTimeouts(now time.Time) {
	for _, c := range w.children {
		if c.timedOut || c.deadline.IsZero() || now.Before(c.deadline) {
			continue
		}
		c.timedOut = true
		if g, ok := c.ref.Goal(); ok {
			g.TimedOut(fmt.Errorf("goal %q timed out after %s", g.Name(), w.cfg.BuildTimeout()))
		}
	}
}

// sweepFinished records newly terminal goals, runs their Cleanup exactly
// once, and publishes progress.
func (w *Worker) sweepFinished() {
	changed := false
	for key, ref := range w.goalIndex {
		if _, seen := w.finished[key]; seen {
			continue
		}
		g, ok := ref.Goal()
		if !ok {
			delete(w.goalIndex, key)
			continue
		}
		if code := g.ExitCode(); code.Terminal() {
			w.finished[key] = code
			g.Cleanup()
			changed = true
		}
	}
	if changed && w.bus != nil {
		w.publishProgress()
	}
}

func (w *Worker) publishProgress() {
	succeeded, failed := 0, 0
	for _, code := range w.finished {
		if code == goal.Success {
			succeeded++
		} else {
			failed++
		}
	}
	w.bus.Publish(events.TopicWorker, events.ProgressEvent{
		Total:     w.nrCreated,
		Succeeded: succeeded,
		Failed:    failed,
		Busy:      w.nrCreated - succeeded - failed,
		Timestamp: time.Now(),
	})
}

func (w *Worker) done() bool {
	for _, g := range w.topGoals.Goals() {
		if !g.ExitCode().Terminal() {
			return false
		}
	}
	return true
}

func (w *Worker) busyCount() int {
	n := 0
	for _, ref := range w.goalIndex {
		if g, ok := ref.Goal(); ok && !g.ExitCode().Terminal() {
			n++
		}
	}
	return n
}
