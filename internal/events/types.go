package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	GoalKey() string
}

// Topic constants
const (
	TopicGoal   = "goal"
	TopicWorker = "worker"
)

// Event type constants
const (
	EventTypeGoalStarted  = "goal.started"
	EventTypeGoalOutput   = "goal.output"
	EventTypeGoalFinished = "goal.finished"
	EventTypeProgress     = "worker.progress"
)

// GoalStartedEvent is published when a goal is first woken by the worker.
type GoalStartedEvent struct {
	Key       string
	Name      string
	Timestamp time.Time
}

func (e GoalStartedEvent) EventType() string { return EventTypeGoalStarted }
func (e GoalStartedEvent) GoalKey() string   { return e.Key }

// GoalOutputEvent is published for each line a goal's builder writes.
type GoalOutputEvent struct {
	Key       string
	Line      string
	Timestamp time.Time
}

func (e GoalOutputEvent) EventType() string { return EventTypeGoalOutput }
func (e GoalOutputEvent) GoalKey() string   { return e.Key }

// GoalFinishedEvent is published when a goal reaches a terminal state.
type GoalFinishedEvent struct {
	Key       string
	Name      string
	ExitCode  string // goal.ExitCode string form
	Status    string // store.BuildStatus string form
	Err       string // last error detail, if any
	Timestamp time.Time
}

func (e GoalFinishedEvent) EventType() string { return EventTypeGoalFinished }
func (e GoalFinishedEvent) GoalKey() string   { return e.Key }

// ProgressEvent is published when the worker's view of overall progress
// changes.
type ProgressEvent struct {
	Total     int
	Succeeded int
	Failed    int
	Busy      int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) GoalKey() string   { return "" }
