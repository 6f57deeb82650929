package goal

import (
	"errors"
	"fmt"
	"runtime"
	"testing"

	"github.com/aristath/buildloom/internal/store"
)

// testGoal is a minimal goal kind for exercising the shared core.
type testGoal struct {
	*Core

	// order, when set, records the sequence of WaiteeDone deliveries
	// across every goal sharing it.
	order *[]string
}

func newTestGoal(key string) *testGoal {
	g := &testGoal{}
	g.Core = NewCore(g, "test goal "+key, key)
	return g
}

func (g *testGoal) Work()              {}
func (g *testGoal) TimedOut(err error) { _ = g.AmDone(Failed, err) }

func (g *testGoal) WaiteeDone(waitee Goal, result ExitCode) {
	g.Core.WaiteeDone(waitee, result)
	if g.order != nil {
		*g.order = append(*g.order, g.Key())
	}
}

func TestAmDoneRejectsNonTerminal(t *testing.T) {
	g := newTestGoal("b$a")
	if err := g.AmDone(Busy, nil); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("AmDone(Busy) = %v, want ErrNotTerminal", err)
	}
	if g.ExitCode() != Busy {
		t.Errorf("exit code changed to %v", g.ExitCode())
	}
}

func TestAmDoneSecondCallRejected(t *testing.T) {
	g := newTestGoal("b$a")
	if err := g.AmDone(Success, nil); err != nil {
		t.Fatalf("first AmDone: %v", err)
	}
	if err := g.AmDone(Failed, errors.New("later")); !errors.Is(err, ErrAlreadyDone) {
		t.Fatalf("second AmDone = %v, want ErrAlreadyDone", err)
	}
	if g.ExitCode() != Success {
		t.Errorf("exit code changed to %v after rejected AmDone", g.ExitCode())
	}
	if g.LastError() != nil {
		t.Errorf("rejected AmDone recorded an error: %v", g.LastError())
	}
}

func TestAddWaiteeSelf(t *testing.T) {
	g := newTestGoal("b$a")
	if err := g.AddWaitee(g); !errors.Is(err, ErrSelfWaitee) {
		t.Fatalf("AddWaitee(self) = %v, want ErrSelfWaitee", err)
	}
	if g.NumWaitees() != 0 {
		t.Errorf("self edge was recorded")
	}
}

func TestWaiteeDoneCountsOncePerWaitee(t *testing.T) {
	parent := newTestGoal("b$parent")
	child := newTestGoal("b$child")
	if err := parent.AddWaitee(child); err != nil {
		t.Fatal(err)
	}

	if err := child.AmDone(Failed, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if parent.NrFailed() != 1 {
		t.Fatalf("NrFailed = %d, want 1", parent.NrFailed())
	}
	if parent.NumWaitees() != 0 {
		t.Fatalf("child still recorded as waitee")
	}

	// A duplicate delivery finds nothing to remove and tallies nothing.
	parent.WaiteeDone(child, Failed)
	if parent.NrFailed() != 1 {
		t.Errorf("duplicate delivery bumped NrFailed to %d", parent.NrFailed())
	}
}

func TestAddWaiteeDuplicateOfFinishedWaitee(t *testing.T) {
	// A unit may list the same input twice; both registrations land on
	// the same aliased goal. Only the first may notify and tally.
	parent := newTestGoal("b$parent")
	dep := newTestGoal("s$dep")
	if err := dep.AmDone(Failed, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	if err := parent.AddWaitee(dep); err != nil {
		t.Fatal(err)
	}
	if err := parent.AddWaitee(dep); err != nil {
		t.Fatal(err)
	}
	if parent.NrFailed() != 1 {
		t.Fatalf("NrFailed = %d, want 1 after duplicate registration", parent.NrFailed())
	}
	if parent.NumWaitees() != 0 {
		t.Fatalf("NumWaitees = %d, want 0", parent.NumWaitees())
	}

	// Same outcome when the first edge was registered while the waitee
	// was still live and the duplicate arrives after it finished.
	p2 := newTestGoal("b$parent2")
	d2 := newTestGoal("s$dep2")
	if err := p2.AddWaitee(d2); err != nil {
		t.Fatal(err)
	}
	if err := d2.AmDone(Failed, nil); err != nil {
		t.Fatal(err)
	}
	if err := p2.AddWaitee(d2); err != nil {
		t.Fatal(err)
	}
	if p2.NrFailed() != 1 {
		t.Errorf("NrFailed = %d, want 1 after re-registration", p2.NrFailed())
	}
	if p2.NumWaitees() != 0 {
		t.Errorf("re-registered finished waitee left a pending edge")
	}
}

func TestCountersPerCategory(t *testing.T) {
	parent := newTestGoal("b$parent")
	outcomes := []ExitCode{Success, Failed, NoSubstituters, IncompleteClosure}
	children := make([]*testGoal, len(outcomes))
	for i := range outcomes {
		children[i] = newTestGoal(fmt.Sprintf("b$child%d", i))
		if err := parent.AddWaitee(children[i]); err != nil {
			t.Fatal(err)
		}
	}
	for i, code := range outcomes {
		if err := children[i].AmDone(code, nil); err != nil {
			t.Fatal(err)
		}
	}

	if parent.NrFailed() != 1 {
		t.Errorf("NrFailed = %d, want 1", parent.NrFailed())
	}
	if parent.NrNoSubstituters() != 1 {
		t.Errorf("NrNoSubstituters = %d, want 1", parent.NrNoSubstituters())
	}
	if parent.NrIncompleteClosure() != 1 {
		t.Errorf("NrIncompleteClosure = %d, want 1", parent.NrIncompleteClosure())
	}
	if parent.NumWaitees() != 0 {
		t.Errorf("NumWaitees = %d, want 0", parent.NumWaitees())
	}
}

func TestLateRegistrationEquivalent(t *testing.T) {
	// Graph built before the waitee finishes.
	early := newTestGoal("b$early")
	w1 := newTestGoal("s$dep1")
	if err := early.AddWaitee(w1); err != nil {
		t.Fatal(err)
	}
	if err := w1.AmDone(Failed, nil); err != nil {
		t.Fatal(err)
	}

	// Same graph built after the waitee finished.
	late := newTestGoal("b$late")
	w2 := newTestGoal("s$dep2")
	if err := w2.AmDone(Failed, nil); err != nil {
		t.Fatal(err)
	}
	if err := late.AddWaitee(w2); err != nil {
		t.Fatal(err)
	}

	if early.NrFailed() != late.NrFailed() {
		t.Errorf("NrFailed differs: early %d, late %d", early.NrFailed(), late.NrFailed())
	}
	if early.NumWaitees() != late.NumWaitees() {
		t.Errorf("NumWaitees differs: early %d, late %d", early.NumWaitees(), late.NumWaitees())
	}
}

func TestCascadeOrderFollowsKeys(t *testing.T) {
	dep := newTestGoal("s$dep")

	var order []string
	// Register waiters in an order unrelated to their keys. The slice
	// keeps them alive: the dep only holds weak references.
	var waiters []*testGoal
	for _, key := range []string{"s$c", "b$a", "b$z", "b$m"} {
		w := newTestGoal(key)
		w.order = &order
		if err := w.AddWaitee(dep); err != nil {
			t.Fatal(err)
		}
		waiters = append(waiters, w)
	}

	if err := dep.AmDone(Success, nil); err != nil {
		t.Fatal(err)
	}
	runtime.KeepAlive(waiters)

	want := []string{"b$a", "b$m", "b$z", "s$c"}
	if len(order) != len(want) {
		t.Fatalf("notified %d waiters, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("notification order %v, want %v", order, want)
		}
	}
}

func TestCompareTieBreakBySequence(t *testing.T) {
	a := newTestGoal("b$same")
	b := newTestGoal("b$same")
	if Compare(a, b) >= 0 {
		t.Errorf("earlier goal should sort before later goal with the same key")
	}
	if Compare(a, a) != 0 {
		t.Errorf("goal does not compare equal to itself")
	}
}

func TestSetOrderedIteration(t *testing.T) {
	var s Set
	keys := []string{"s$x", "b$b", "b$a", "s$a"}
	goals := make(map[string]*testGoal)
	for _, k := range keys {
		g := newTestGoal(k)
		goals[k] = g
		if !s.Insert(g) {
			t.Fatalf("Insert(%q) reported duplicate", k)
		}
	}
	if s.Insert(goals["b$a"]) {
		t.Error("duplicate insert reported success")
	}

	want := []string{"b$a", "b$b", "s$a", "s$x"}
	got := s.Goals()
	for i, g := range got {
		if g.Key() != want[i] {
			t.Fatalf("iteration order %v mismatch at %d: got %q want %q", keys, i, g.Key(), want[i])
		}
	}

	if !s.Remove(goals["b$b"]) {
		t.Error("Remove of member failed")
	}
	if s.Remove(goals["b$b"]) {
		t.Error("second Remove reported success")
	}
	if s.Has(goals["b$b"]) {
		t.Error("removed goal still present")
	}
}

func TestSetResultFrozenAfterTerminal(t *testing.T) {
	g := newTestGoal("b$a")
	g.SetResult(store.BuildResult{Status: store.Built})
	if err := g.AmDone(Success, nil); err != nil {
		t.Fatal(err)
	}
	g.SetResult(store.BuildResult{Status: store.PermanentFailure})
	if got := g.Result().Status; got != store.Built {
		t.Errorf("result mutated after terminal: %v", got)
	}
}

func TestBuildResultForProjection(t *testing.T) {
	g := newTestGoal("b$unit")
	g.SetResult(store.BuildResult{
		Status: store.Built,
		BuiltOutputs: map[string]store.Realisation{
			"out": {Output: "out", Path: "unit-out"},
			"dev": {Output: "dev", Path: "unit-dev"},
			"doc": {Output: "doc", Path: "unit-doc"},
		},
	})

	tests := []struct {
		name string
		req  store.DerivedPath
		want []string
	}{
		{
			name: "opaque request sees no outputs",
			req:  store.DerivedPath{Path: "unit-out"},
			want: nil,
		},
		{
			name: "all outputs",
			req:  store.DerivedPath{Unit: "unit", Outputs: store.OutputsSpec{All: true}},
			want: []string{"dev", "doc", "out"},
		},
		{
			name: "named subset",
			req:  store.DerivedPath{Unit: "unit", Outputs: store.OutputsSpec{Names: []string{"dev"}}},
			want: []string{"dev"},
		},
		{
			name: "unknown names are dropped",
			req:  store.DerivedPath{Unit: "unit", Outputs: store.OutputsSpec{Names: []string{"dev", "missing"}}},
			want: []string{"dev"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := g.BuildResultFor(tt.req)
			if res.Status != store.Built {
				t.Errorf("status = %v, want Built", res.Status)
			}
			if tt.want == nil {
				if res.BuiltOutputs != nil {
					t.Fatalf("opaque projection has outputs: %v", res.BuiltOutputs)
				}
				return
			}
			if len(res.BuiltOutputs) != len(tt.want) {
				t.Fatalf("got %d outputs, want %d", len(res.BuiltOutputs), len(tt.want))
			}
			for _, name := range tt.want {
				if _, ok := res.BuiltOutputs[name]; !ok {
					t.Errorf("missing output %q", name)
				}
			}
		})
	}

	// The projection is a copy: mutating it must not leak back.
	res := g.BuildResultFor(store.DerivedPath{Unit: "unit", Outputs: store.OutputsSpec{All: true}})
	delete(res.BuiltOutputs, "out")
	if len(g.Result().BuiltOutputs) != 3 {
		t.Error("mutating a projection changed the goal's result")
	}
}

func TestWaiterReferencesAreWeak(t *testing.T) {
	dep := newTestGoal("s$dep")

	func() {
		w := newTestGoal("b$waiter")
		if err := w.AddWaitee(dep); err != nil {
			t.Fatal(err)
		}
	}()

	// The only reference to the waiter is dep's weak back-edge.
	runtime.GC()
	runtime.GC()

	live := liveGoals(dep.waiters)
	if len(live) != 0 {
		t.Errorf("collected waiter still reachable through the waiter list")
	}

	// Finishing must not resurrect or notify it.
	if err := dep.AmDone(Success, nil); err != nil {
		t.Fatal(err)
	}
}
