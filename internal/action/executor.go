package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/aristath/taskgraph/internal/runner"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// Executor runs the actions of a task in order, stopping at the first error.
type Executor struct {
	procs  *ProcessManager
	output io.Writer
}

// NewExecutor creates an executor. Command output goes to output, serialized
// across concurrent tasks; nil discards it. procs may be nil.
func NewExecutor(procs *ProcessManager, output io.Writer) *Executor {
	if output != nil {
		output = &lockedWriter{w: output}
	}
	return &Executor{procs: procs, output: output}
}

// Execute runs task.Actions and merges the values they return.
func (e *Executor) Execute(ctx context.Context, task *scheduler.Task) runner.Outcome {
	values := make(map[string]any)
	rc := &RunContext{Task: task, Procs: e.procs, Output: e.output}
	for _, a := range task.Actions {
		act, ok := a.(Action)
		if !ok {
			return runner.Errored(fmt.Errorf("action %q of task %q is not executable", a, task.Name))
		}
		out, err := act.Run(ctx, rc)
		if err != nil {
			if IsExecError(err) {
				return runner.Errored(err)
			}
			return runner.Failed(err)
		}
		maps.Copy(values, out)
	}
	return runner.OK(values)
}

// Teardown runs every teardown action of task, even after one fails, and
// returns the joined errors.
func (e *Executor) Teardown(ctx context.Context, task *scheduler.Task) error {
	rc := &RunContext{Task: task, Procs: e.procs, Output: e.output}
	var errs []error
	for _, a := range task.Teardown {
		act, ok := a.(Action)
		if !ok {
			errs = append(errs, fmt.Errorf("teardown action %q is not executable", a))
			continue
		}
		if _, err := act.Run(ctx, rc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
