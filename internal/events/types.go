package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicSession = "session"
)

// Event type constants
const (
	EventTypeTaskExecuting   = "task.executing"
	EventTypeTaskSkipped     = "task.skipped"
	EventTypeTaskSucceeded   = "task.succeeded"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTeardownFailed  = "task.teardown_failed"
	EventTypeSessionProgress = "session.progress"
	EventTypeSessionFinished = "session.finished"
)

// TaskExecutingEvent is published when a task's actions start.
type TaskExecutingEvent struct {
	SessionID string
	ID        string
	Doc       string
	Timestamp time.Time
}

func (e TaskExecutingEvent) EventType() string { return EventTypeTaskExecuting }
func (e TaskExecutingEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published when the status check decides a task
// does not run. Status is "up-to-date" or "ignore".
type TaskSkippedEvent struct {
	SessionID string
	ID        string
	Status    string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// TaskSucceededEvent is published after a task executed and its state was saved.
type TaskSucceededEvent struct {
	SessionID string
	ID        string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskSucceededEvent) EventType() string { return EventTypeTaskSucceeded }
func (e TaskSucceededEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails, whether it ran or not.
// Kind is the failure kind, e.g. "TaskFailed" or "UnmetDependency".
type TaskFailedEvent struct {
	SessionID string
	ID        string
	Kind      string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TeardownFailedEvent is published when a teardown action fails.
type TeardownFailedEvent struct {
	SessionID string
	ID        string
	Err       error
	Timestamp time.Time
}

func (e TeardownFailedEvent) EventType() string { return EventTypeTeardownFailed }
func (e TeardownFailedEvent) TaskID() string    { return e.ID }

// SessionProgressEvent is published whenever a task reaches a final status.
type SessionProgressEvent struct {
	SessionID string
	Total     int // Tasks reached by dispatch so far
	Executed  int
	Skipped   int
	Failed    int
	Running   int
	Timestamp time.Time
}

func (e SessionProgressEvent) EventType() string { return EventTypeSessionProgress }
func (e SessionProgressEvent) TaskID() string    { return "" }

// SessionFinishedEvent is published once, after teardown.
type SessionFinishedEvent struct {
	SessionID string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e SessionFinishedEvent) EventType() string { return EventTypeSessionFinished }
func (e SessionFinishedEvent) TaskID() string    { return "" }
