package store

import (
	"maps"
	"time"
)

// BuildStatus describes how a realisation attempt ended.
type BuildStatus int

const (
	Built BuildStatus = iota
	Substituted
	AlreadyValid
	PermanentFailure
	TransientFailure
	TimedOut
	DependencyFailed
	MiscFailure
)

func (s BuildStatus) String() string {
	switch s {
	case Built:
		return "built"
	case Substituted:
		return "substituted"
	case AlreadyValid:
		return "already-valid"
	case PermanentFailure:
		return "permanent-failure"
	case TransientFailure:
		return "transient-failure"
	case TimedOut:
		return "timed-out"
	case DependencyFailed:
		return "dependency-failed"
	case MiscFailure:
		return "misc-failure"
	default:
		return "unknown"
	}
}

// Success reports whether the status means the requested artifacts exist.
func (s BuildStatus) Success() bool {
	switch s {
	case Built, Substituted, AlreadyValid:
		return true
	default:
		return false
	}
}

// Realisation records where one produced output landed in the store.
type Realisation struct {
	Output string
	Path   StorePath
}

// BuildResult is the outcome of realising one goal. A goal aliased by
// several requests stores the union of everything those requests asked
// for; callers receive a narrowed view, never this struct directly.
type BuildResult struct {
	Status       BuildStatus
	ErrorMsg     string
	BuiltOutputs map[string]Realisation
	StartTime    time.Time
	StopTime     time.Time
}

// Success reports whether the result represents a usable artifact.
func (r BuildResult) Success() bool { return r.Status.Success() }

// Clone returns a deep copy, so a projected view can never share the
// output map with the aggregated result.
func (r BuildResult) Clone() BuildResult {
	cp := r
	if r.BuiltOutputs != nil {
		cp.BuiltOutputs = maps.Clone(r.BuiltOutputs)
	}
	return cp
}
