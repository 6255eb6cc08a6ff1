package runner

import (
	"context"
	"fmt"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeOK      OutcomeKind = iota // Every action succeeded
	OutcomeFailed                     // An action reported failure
	OutcomeErrored                    // An action could not run or broke unexpectedly
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeErrored:
		return "errored"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is what executing a task's actions produced.
type Outcome struct {
	Kind   OutcomeKind
	Values map[string]any // Values to save; OutcomeOK only
	Err    error
}

// OK is a successful outcome carrying the values the actions returned.
func OK(values map[string]any) Outcome {
	return Outcome{Kind: OutcomeOK, Values: values}
}

// Failed is a normal task failure.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// Errored is an unexpected failure.
func Errored(err error) Outcome {
	return Outcome{Kind: OutcomeErrored, Err: err}
}

// Executor runs task bodies. Under the parallel runner Execute is called from
// several goroutines at once, never twice for the same task.
type Executor interface {
	Execute(ctx context.Context, task *scheduler.Task) Outcome
	Teardown(ctx context.Context, task *scheduler.Task) error
}

// ExecutorFunc adapts a function to an Executor without teardown.
type ExecutorFunc func(ctx context.Context, task *scheduler.Task) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, task *scheduler.Task) Outcome {
	return f(ctx, task)
}

func (f ExecutorFunc) Teardown(context.Context, *scheduler.Task) error {
	return nil
}
