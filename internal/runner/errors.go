package runner

import (
	"fmt"
)

// FailureKind classifies why a task did not succeed.
type FailureKind int

const (
	TaskFailed      FailureKind = iota // An action failed
	TaskError                          // An action broke, or its arguments could not be prepared
	SetupError                         // A teardown action failed
	DependencyError                    // Dependency state could not be checked or saved
	UnmetDependency                    // A dependency did not succeed; the task never ran
)

var failureKindNames = [...]string{"TaskFailed", "TaskError", "SetupError", "DependencyError", "UnmetDependency"}

func (k FailureKind) String() string {
	if int(k) >= 0 && int(k) < len(failureKindNames) {
		return failureKindNames[k]
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Failure is the typed error recorded for a task that did not succeed.
type Failure struct {
	Kind FailureKind
	Task string
	Msg  string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: task %q: %s: %v", f.Kind, f.Task, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: task %q: %s", f.Kind, f.Task, f.Msg)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result classifies a whole session.
type Result int

const (
	ResultSuccess Result = iota // Every reached task succeeded or was skipped
	ResultFailure               // At least one task failed
	ResultError                 // Something other than a task failure went wrong
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultError:
		return "error"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// ExitCode maps the result to a process exit status.
func (r Result) ExitCode() int {
	return int(r)
}

// escalate folds one failure into the session result. A task failure never
// downgrades an error, and an unmet dependency only repeats an upstream
// failure that was already counted.
func (r Result) escalate(f *Failure) Result {
	switch f.Kind {
	case UnmetDependency, SetupError:
		return r
	case TaskFailed:
		if r == ResultSuccess {
			return ResultFailure
		}
		return r
	default:
		return ResultError
	}
}
