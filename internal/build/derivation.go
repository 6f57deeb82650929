// Package build provides the concrete goal kinds: building a unit's
// outputs with its builder process, and substituting store paths from
// binary caches. The shared completion protocol lives in internal/goal;
// this package supplies the policy each kind layers on top of it.
package build

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/buildloom/internal/events"
	"github.com/aristath/buildloom/internal/goal"
	"github.com/aristath/buildloom/internal/manifest"
	"github.com/aristath/buildloom/internal/store"
	"github.com/aristath/buildloom/internal/worker"
)

// logTailLines is how many trailing builder log lines are kept for the
// failure message.
const logTailLines = 20

// DerivationKey is the stable goal identity for building a unit. The "b$"
// prefix sorts build goals before substitution goals ("s$") in every
// enumeration.
func DerivationKey(unit string) string { return "b$" + unit }

// DerivationGoal realises the outputs of one manifest unit: it waits for
// the unit's inputs, tries substituters first, and otherwise runs the
// unit's builder in a scratch directory and registers the outputs.
type DerivationGoal struct {
	*goal.Core

	w        *worker.Worker
	m        *manifest.Manifest
	pool     *SubstituterPool
	unitName string
	unit     manifest.Unit

	// state is the phase Work dispatches to.
	state func()

	buildDir string
	proc     *Process
	token    uint64
	slotHeld bool

	logPartial []byte
	logTail    []string

	// Outcome of the off-loop output registration, read by
	// outputsRegistered.
	registerErr error

	// Counter baselines at the start of the current waiting phase, so
	// each phase judges only the failures it caused. The counters
	// themselves never reset.
	baseFailed, baseNoSubst, baseIncomplete int

	startTime time.Time
}

// EnsureDerivationGoal returns the goal building unitName, creating and
// scheduling it if no live goal exists for it yet.
func EnsureDerivationGoal(w *worker.Worker, m *manifest.Manifest, pool *SubstituterPool, unitName string) (*DerivationGoal, error) {
	unit, ok := m.Unit(unitName)
	if !ok {
		return nil, fmt.Errorf("manifest has no unit %q", unitName)
	}
	created := false
	g := w.Ensure(DerivationKey(unitName), func() goal.Goal {
		created = true
		return newDerivationGoal(w, m, pool, unitName, unit)
	}).(*DerivationGoal)
	if created {
		w.WakeUp(g)
	}
	return g, nil
}

func newDerivationGoal(w *worker.Worker, m *manifest.Manifest, pool *SubstituterPool, unitName string, unit manifest.Unit) *DerivationGoal {
	g := &DerivationGoal{
		w:        w,
		m:        m,
		pool:     pool,
		unitName: unitName,
		unit:     unit,
	}
	g.Core = goal.NewCore(g, fmt.Sprintf("building of %q", unitName), DerivationKey(unitName))
	g.state = g.init
	return g
}

// Work advances the goal through its current phase.
func (g *DerivationGoal) Work() { g.state() }

// WaiteeDone tallies through the core, then applies this kind's policy:
// run again once every dependency settled, or immediately on a hard
// failure unless keep-going is set.
func (g *DerivationGoal) WaiteeDone(waitee goal.Goal, result goal.ExitCode) {
	g.Core.WaiteeDone(waitee, result)
	if g.ExitCode().Terminal() {
		return
	}
	if g.NumWaitees() == 0 || (result == goal.Failed && !g.w.KeepGoing()) {
		g.w.WakeUp(g)
	}
}

// baseline snapshots the failure counters before a waiting phase.
func (g *DerivationGoal) baseline() {
	g.baseFailed = g.NrFailed()
	g.baseNoSubst = g.NrNoSubstituters()
	g.baseIncomplete = g.NrIncompleteClosure()
}

func (g *DerivationGoal) phaseFailures() int {
	return (g.NrFailed() - g.baseFailed) +
		(g.NrNoSubstituters() - g.baseNoSubst) +
		(g.NrIncompleteClosure() - g.baseIncomplete)
}

func (g *DerivationGoal) outPaths() map[string]store.StorePath {
	paths := make(map[string]store.StorePath)
	for _, out := range g.unit.OutputNames() {
		paths[out] = store.OutputPath(g.unitName, out)
	}
	return paths
}

func (g *DerivationGoal) init() {
	g.startTime = time.Now()
	g.w.Bus().Publish(events.TopicGoal, events.GoalStartedEvent{
		Key: g.Key(), Name: g.Name(), Timestamp: g.startTime,
	})

	// Nothing to do if every output is already in the store.
	allValid := true
	for _, p := range g.outPaths() {
		valid, err := g.w.DB().IsValidPath(g.w.Context(), p)
		if err != nil {
			g.fail(goal.Failed, store.MiscFailure, err)
			return
		}
		if !valid {
			allValid = false
			break
		}
	}
	if allValid {
		g.succeed(store.AlreadyValid)
		return
	}

	// Try to fetch the outputs from a substituter before building.
	if !g.pool.Empty() {
		g.baseline()
		g.state = g.outputsSubstituted
		for _, p := range g.outPaths() {
			g.mustAddWaitee(EnsureSubstitutionGoal(g.w, g.pool, p))
		}
		if g.NumWaitees() == 0 {
			g.w.WakeUp(g)
		}
		return
	}

	g.state = g.inputsRealised
	g.resolveInputs()
}

// outputsSubstituted runs once the substitution attempts for this unit's
// own outputs have settled. Any shortfall falls back to a local build.
func (g *DerivationGoal) outputsSubstituted() {
	if g.NumWaitees() > 0 {
		return
	}
	if g.phaseFailures() == 0 {
		g.succeed(store.Substituted)
		return
	}
	g.state = g.inputsRealised
	g.resolveInputs()
}

// resolveInputs creates a goal per input and waits for all of them.
func (g *DerivationGoal) resolveInputs() {
	g.baseline()
	inputs, err := g.unit.InputPaths()
	if err != nil {
		g.fail(goal.Failed, store.MiscFailure, err)
		return
	}
	for _, in := range inputs {
		if in.Opaque() {
			g.mustAddWaitee(EnsureSubstitutionGoal(g.w, g.pool, in.Path))
			continue
		}
		dg, err := EnsureDerivationGoal(g.w, g.m, g.pool, in.Unit)
		if err != nil {
			g.fail(goal.Failed, store.MiscFailure, err)
			return
		}
		g.mustAddWaitee(dg)
	}
	if g.NumWaitees() == 0 {
		g.w.WakeUp(g)
	}
}

func (g *DerivationGoal) inputsRealised() {
	nrFailed := g.NrFailed() - g.baseFailed
	if nrFailed > 0 && !g.w.KeepGoing() {
		g.fail(goal.Failed, store.DependencyFailed,
			fmt.Errorf("cannot build %q: a dependency failed", g.unitName))
		return
	}
	if g.NumWaitees() > 0 {
		return
	}
	if failures := g.phaseFailures(); failures > 0 {
		g.fail(goal.Failed, store.DependencyFailed,
			fmt.Errorf("cannot build %q: %d dependencies could not be realised", g.unitName, failures))
		return
	}
	g.state = g.tryToBuild
	g.tryToBuild()
}

// tryToBuild waits for a free build slot, then starts the builder.
func (g *DerivationGoal) tryToBuild() {
	if !g.w.AcquireBuildSlot(g) {
		// Parked; the worker wakes us when a slot opens.
		return
	}
	g.slotHeld = true
	g.startBuilder()
}

func (g *DerivationGoal) startBuilder() {
	storeDir, err := filepath.Abs(g.w.Config().StoreDir)
	if err != nil {
		g.releaseSlot()
		g.fail(goal.Failed, store.MiscFailure, err)
		return
	}
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		g.releaseSlot()
		g.fail(goal.Failed, store.MiscFailure, err)
		return
	}
	buildDir, err := os.MkdirTemp("", "buildloom-"+g.unitName+"-")
	if err != nil {
		g.releaseSlot()
		g.fail(goal.Failed, store.MiscFailure, err)
		return
	}
	g.buildDir = buildDir

	env := os.Environ()
	for k, v := range g.unit.Env {
		env = append(env, k+"="+v)
	}
	for out, p := range g.outPaths() {
		env = append(env, "OUT_"+strings.ToUpper(out)+"="+filepath.Join(storeDir, string(p)))
	}

	g.state = g.buildDone
	token := g.w.ChildStarted(g, g.w.Config().BuildTimeout())
	g.token = token

	w := g.w
	proc, err := startProcess(g.unit.Builder, g.unit.Args, env, buildDir,
		func(s goal.Stream, data []byte) { w.ChildOutput(token, s, data) },
		func(s goal.Stream) { w.ChildEOF(token, s) },
		func() { w.ChildExited(token) },
	)
	if err != nil {
		g.w.ChildTerminated(g)
		g.releaseSlot()
		g.fail(goal.Failed, store.MiscFailure, err)
		return
	}
	g.proc = proc
}

// buildDone runs when the builder has been reaped.
func (g *DerivationGoal) buildDone() {
	if g.proc == nil || !g.proc.Exited() {
		// Spurious wake (e.g. a freed build slot); keep waiting.
		return
	}
	g.w.ChildTerminated(g)
	g.releaseSlot()

	if werr := g.proc.ExitErr(); werr != nil {
		err := fmt.Errorf("builder for %q failed: %w", g.unitName, werr)
		if len(g.logTail) > 0 {
			err = fmt.Errorf("%w\nlast builder output:\n%s", err, strings.Join(g.logTail, "\n"))
		}
		g.fail(goal.Failed, store.PermanentFailure, err)
		return
	}

	// Registration takes the per-path locks, which a substitution goal
	// may hold across a long fetch. That wait must not happen on the
	// loop goroutine.
	g.state = g.outputsRegistered
	g.w.RunAsync(g, func() { g.registerErr = g.registerOutputs() })
}

// registerOutputs verifies the builder produced every declared output and
// records them as valid store paths, under the per-path locks. Runs off
// the loop goroutine.
func (g *DerivationGoal) registerOutputs() error {
	storeDir := g.w.Config().StoreDir
	outPaths := g.outPaths()
	paths := make([]store.StorePath, 0, len(outPaths))
	for _, p := range outPaths {
		if _, err := os.Stat(filepath.Join(storeDir, string(p))); err != nil {
			return fmt.Errorf("builder for %q did not produce output %q", g.unitName, p)
		}
		paths = append(paths, p)
	}

	g.w.Locks().LockAll(paths)
	defer g.w.Locks().UnlockAll(paths)
	for _, p := range paths {
		if err := g.w.DB().RegisterValidPath(g.w.Context(), p); err != nil {
			return err
		}
	}
	return nil
}

// outputsRegistered runs back on the loop once registration finished.
func (g *DerivationGoal) outputsRegistered() {
	if g.registerErr != nil {
		g.fail(goal.Failed, store.MiscFailure, g.registerErr)
		return
	}
	g.succeed(store.Built)
}

// HandleChildOutput buffers builder output into lines, publishing each
// and keeping a short tail for failure messages.
func (g *DerivationGoal) HandleChildOutput(stream goal.Stream, data []byte) {
	g.logPartial = append(g.logPartial, data...)
	for {
		i := bytes.IndexByte(g.logPartial, '\n')
		if i < 0 {
			return
		}
		g.logLine(string(g.logPartial[:i]))
		g.logPartial = g.logPartial[i+1:]
	}
}

// HandleEOF flushes any trailing unterminated line. Completion is driven
// by the exit notification, not by EOF.
func (g *DerivationGoal) HandleEOF(stream goal.Stream) {
	if len(g.logPartial) > 0 {
		g.logLine(string(g.logPartial))
		g.logPartial = nil
	}
}

func (g *DerivationGoal) logLine(line string) {
	g.logTail = append(g.logTail, line)
	if len(g.logTail) > logTailLines {
		g.logTail = g.logTail[1:]
	}
	g.w.Bus().Publish(events.TopicGoal, events.GoalOutputEvent{
		Key: g.Key(), Line: line, Timestamp: time.Now(),
	})
}

// TimedOut kills the builder's process group, clears the worker's child
// table, and finishes through the normal completion path so waiters are
// still notified.
func (g *DerivationGoal) TimedOut(err error) {
	if g.ExitCode().Terminal() {
		return
	}
	if g.proc != nil {
		if kerr := g.proc.Kill(); kerr != nil {
			log.Printf("WARNING: failed to kill builder for %q: %v", g.unitName, kerr)
		}
	}
	g.w.ChildTerminated(g)
	g.releaseSlot()
	g.fail(goal.Failed, store.TimedOut, err)
}

// Cleanup removes the scratch build directory.
func (g *DerivationGoal) Cleanup() {
	if g.buildDir != "" {
		if err := os.RemoveAll(g.buildDir); err != nil {
			log.Printf("WARNING: failed to remove build directory %s: %v", g.buildDir, err)
		}
		g.buildDir = ""
	}
}

func (g *DerivationGoal) releaseSlot() {
	if g.slotHeld {
		g.w.ReleaseBuildSlot()
		g.slotHeld = false
	}
}

func (g *DerivationGoal) mustAddWaitee(wg goal.Goal) {
	if err := g.AddWaitee(wg); err != nil {
		// Only self-waitees are rejected, and the manifest validator
		// refuses cyclic plans before goals exist.
		panic(err)
	}
}

func (g *DerivationGoal) succeed(status store.BuildStatus) {
	outputs := make(map[string]store.Realisation)
	for out, p := range g.outPaths() {
		outputs[out] = store.Realisation{Output: out, Path: p}
	}
	r := store.BuildResult{
		Status:       status,
		BuiltOutputs: outputs,
		StartTime:    g.startTime,
		StopTime:     time.Now(),
	}
	g.SetResult(r)
	if err := g.w.DB().SaveBuildResult(g.w.Context(), g.Key(), r); err != nil {
		log.Printf("WARNING: failed to record build result for %q: %v", g.unitName, err)
	}
	g.finish(goal.Success, nil, status)
}

func (g *DerivationGoal) fail(code goal.ExitCode, status store.BuildStatus, err error) {
	r := g.Result()
	r.Status = status
	r.ErrorMsg = err.Error()
	r.StartTime = g.startTime
	r.StopTime = time.Now()
	g.SetResult(r)
	if serr := g.w.DB().SaveBuildResult(g.w.Context(), g.Key(), r); serr != nil {
		log.Printf("WARNING: failed to record build result for %q: %v", g.unitName, serr)
	}
	g.finish(code, err, status)
}

func (g *DerivationGoal) finish(code goal.ExitCode, err error, status store.BuildStatus) {
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
