// Package goal implements the dependency-wait core of the build scheduler:
// the goal state machine, the waitee/waiter graph, failure tallying, and
// the per-request projection of aggregated results.
//
// Goals form a graph that is bidirectional at the interest level (a goal
// knows what it waits for, and who waits for it) but strictly one-way at
// the ownership level: waitees are held strongly, waiters only weakly. A
// goal is therefore never kept alive merely because someone is interested
// in its outcome.
//
// Every method in this package runs on the worker loop goroutine; there is
// deliberately no locking here.
package goal

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aristath/buildloom/internal/store"
)

// Stream identifies which pipe of a goal's child process produced data.
type Stream int

const (
	Stdout Stream = 1 + iota
	Stderr
)

var (
	// ErrAlreadyDone is returned by AmDone when the goal already reached a
	// terminal state. The second call changes nothing.
	ErrAlreadyDone = errors.New("goal already finished")

	// ErrNotTerminal is returned by AmDone when called with Busy.
	ErrNotTerminal = errors.New("exit code is not terminal")

	// ErrSelfWaitee is returned by AddWaitee when a goal is registered as
	// its own dependency.
	ErrSelfWaitee = errors.New("goal cannot wait for itself")
)

// Goal is one schedulable unit of work in the dependency graph. Concrete
// kinds (building a unit, substituting a store path) embed *Core, which
// supplies the shared completion protocol; the scheduler and other goals
// only ever see this interface.
type Goal interface {
	// Work advances the goal. The worker calls it when the goal is newly
	// created or became unblocked. It must not block: anything slow is
	// handed to the worker, which wakes the goal again later.
	Work()

	// WaiteeDone is invoked exactly once per waitee, when that waitee
	// reaches a terminal state.
	WaiteeDone(waitee Goal, result ExitCode)

	// HandleChildOutput and HandleEOF deliver I/O from a child process the
	// goal registered with the worker. Goals that never own a child
	// inherit defaults that treat delivery as a dispatch bug.
	HandleChildOutput(stream Stream, data []byte)
	HandleEOF(stream Stream)

	// TimedOut forces the goal to a terminal state: it must tear down any
	// running child, clear the worker's tables referencing it, and finish
	// through AmDone. Only meaningful on a still-busy goal.
	TimedOut(err error)

	// Key is the stable identity string used for deterministic ordering,
	// derived from the goal's request, never from allocation order.
	Key() string

	Name() string
	ExitCode() ExitCode

	// BuildResultFor projects the goal's aggregated result down to one
	// request's view of it.
	BuildResultFor(req store.DerivedPath) store.BuildResult

	// Cleanup releases resources that outlive completion, such as scratch
	// directories. Called at most once, after the goal is terminal.
	Cleanup()

	base() *Core
}

var seqCounter atomic.Uint64

// Core carries the state shared by every goal kind. Concrete kinds embed
// a *Core created with NewCore and override the methods whose policy they
// own (Work, WaiteeDone, TimedOut, and the I/O handlers when a child
// process is involved).
type Core struct {
	self Goal

	name string
	key  string
	seq  uint64

	exitCode ExitCode

	// Goals this goal is waiting for. Strong edges: a pending waitee is
	// kept alive by its dependents.
	waitees Set

	// Goals waiting for this one. Weak references only, so that interest
	// in a goal never keeps it alive.
	waiters []Ref

	// Creation sequence numbers of waitees already notified and tallied.
	// Re-registering one of these is a no-op, exactly like a duplicate
	// edge to a still-live waitee. Sequence numbers, not references: a
	// finished waitee must stay collectable.
	notified map[uint64]struct{}

	// Tallies of finished waitees per failure category. Monotonic; bumped
	// only by WaiteeDone while the waitee is still recorded.
	nrFailed            int
	nrNoSubstituters    int
	nrIncompleteClosure int

	// Aggregated outcome for the union of every request aliased onto this
	// goal. Callers go through BuildResultFor, never this field.
	buildResult store.BuildResult

	// Most recent failure detail. Not a log: a later failure supersedes an
	// earlier one.
	lastErr error
}

// NewCore creates the shared core for a concrete goal. self is the goal
// that embeds the returned Core; it is what waiters and the worker are
// handed during notification.
func NewCore(self Goal, name, key string) *Core {
	return &Core{
		self: self,
		name: name,
		key:  key,
		seq:  seqCounter.Add(1),
	}
}

func (c *Core) base() *Core { return c }

func (c *Core) Name() string       { return c.name }
func (c *Core) Key() string        { return c.key }
func (c *Core) ExitCode() ExitCode { return c.exitCode }

// LastError returns the most recent failure detail, if any.
func (c *Core) LastError() error { return c.lastErr }

func (c *Core) NrFailed() int            { return c.nrFailed }
func (c *Core) NrNoSubstituters() int    { return c.nrNoSubstituters }
func (c *Core) NrIncompleteClosure() int { return c.nrIncompleteClosure }

// NumWaitees returns how many dependencies are still pending.
func (c *Core) NumWaitees() int { return c.waitees.Len() }

// Waitees returns the pending dependencies in comparator order.
func (c *Core) Waitees() []Goal { return c.waitees.Goals() }

// AddWaitee registers waitee as a dependency of this goal: a strong edge
// here, and a weak reverse edge in the waitee's waiter list. If the waitee
// already finished, the dependent is notified immediately through the same
// WaiteeDone path as a live completion, so a graph built against an
// already-finished goal behaves identically to one built before it
// finished.
func (c *Core) AddWaitee(waitee Goal) error {
	if waitee.base() == c {
		return ErrSelfWaitee
	}
	if _, done := c.notified[waitee.base().seq]; done {
		return nil
	}
	if !c.waitees.Insert(waitee) {
		return nil
	}
	if code := waitee.ExitCode(); code.Terminal() {
		c.self.WaiteeDone(waitee, code)
		return nil
	}
	addToWaiters(&waitee.base().waiters, c.self)
	return nil
}

// WaiteeDone removes waitee from the dependency set and tallies its exit
// code. It only counts while the waitee is still recorded; removal and
// count happen together, so a second delivery is a no-op. This default
// decides nothing: continue-or-abort policy belongs to the concrete goal
// kind, which overrides this method, calls it, and then inspects the
// counters.
func (c *Core) WaiteeDone(waitee Goal, result ExitCode) {
	if !c.waitees.Remove(waitee) {
		return
	}
	if c.notified == nil {
		c.notified = make(map[uint64]struct{})
	}
	c.notified[waitee.base().seq] = struct{}{}
	switch result {
	case Failed:
		c.nrFailed++
	case NoSubstituters:
		c.nrNoSubstituters++
	case IncompleteClosure:
		c.nrIncompleteClosure++
	}
}

// AmDone finalizes the goal. result must be terminal; a second call is
// rejected with ErrAlreadyDone and changes nothing. Every live waiter is
// notified synchronously, in comparator order, by invoking its WaiteeDone;
// the waiter list is then cleared. This cascade is the only
// completion-propagation mechanism.
func (c *Core) AmDone(result ExitCode, err error) error {
	if !result.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, result)
	}
	if c.exitCode.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyDone, c.name)
	}
	c.exitCode = result
	if err != nil {
		c.lastErr = err
	}
	// A finished goal no longer owns anything: drop the strong waitee
	// edges so abandoned dependencies can be destroyed. Late completions
	// from them find nothing to remove and tally nothing.
	c.waitees = Set{}
	waiters := liveGoals(c.waiters)
	c.waiters = nil
	for _, w := range waiters {
		w.WaiteeDone(c.self, result)
	}
	return nil
}

// Result returns a copy of the aggregated result. Concrete kinds use it;
// external callers want BuildResultFor.
func (c *Core) Result() store.BuildResult { return c.buildResult.Clone() }

// SetResult replaces the aggregated result. Ignored once the goal is
// terminal: finished goals are immutable.
func (c *Core) SetResult(r store.BuildResult) {
	if c.exitCode.Terminal() {
		return
	}
	c.buildResult = r
}

// BuildResultFor projects the aggregated result down to what req asked
// for. A goal may be aliased between multiple requests and stores the
// union of all of them; the projection must not reveal what the other
// requests were, and must be structurally identical for a given req
// regardless of what else was batched onto the goal.
func (c *Core) BuildResultFor(req store.DerivedPath) store.BuildResult {
	res := c.buildResult.Clone()
	res.BuiltOutputs = nil
	if req.Opaque() {
		return res
	}
	spec := req.Outputs.Normalize()
	res.BuiltOutputs = make(map[string]store.Realisation)
	if spec.All {
		for name, r := range c.buildResult.BuiltOutputs {
			res.BuiltOutputs[name] = r
		}
		return res
	}
	for _, name := range spec.Names {
		if r, ok := c.buildResult.BuiltOutputs[name]; ok {
			res.BuiltOutputs[name] = r
		}
	}
	return res
}

// HandleChildOutput is the default for goal kinds that never own a child
// process. Delivery here means the worker's dispatch tables are wrong;
// that is a wiring defect, not a build failure, and it is not recoverable.
func (c *Core) HandleChildOutput(stream Stream, data []byte) {
	panic(fmt.Sprintf("goal %q received unexpected child output on stream %d", c.name, stream))
}

// HandleEOF is the default for goal kinds that never own a child process.
func (c *Core) HandleEOF(stream Stream) {
	panic(fmt.Sprintf("goal %q received unexpected EOF on stream %d", c.name, stream))
}

// Cleanup releases post-terminal resources. The default does nothing.
func (c *Core) Cleanup() {}
