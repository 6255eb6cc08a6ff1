package runner

import (
	"context"
	"errors"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// Options configures a session.
type Options struct {
	// Continue keeps scheduling unrelated tasks after a failure.
	Continue bool

	// Workers bounds concurrent executions for the parallel runner.
	Workers int

	// Bus and Metrics are optional.
	Bus     *events.EventBus
	Metrics *Metrics

	// Locks guards task targets while they execute. Within one graph every
	// target has a single producer, so contention comes from sessions that
	// share the same manager. A session creates its own when nil.
	Locks *scheduler.ResourceLockManager
}

// Strategy is what both runners implement. Run drives d to the end and
// closes the store. The error is non-nil for fatal session errors: a
// dispatch error, cancellation or a store that failed to close. The summary
// is always returned.
type Strategy interface {
	Run(ctx context.Context, d *scheduler.Dispatcher) (*Summary, error)
}

// New picks the sequential runner for up to one worker and the parallel
// runner otherwise.
func New(store *persistence.Store, exec Executor, opts Options) Strategy {
	if opts.Workers > 1 {
		return NewParallelRunner(store, exec, opts)
	}
	return NewRunner(store, exec, opts)
}

// Runner executes one task at a time, in the order the dispatcher yields them.
type Runner struct {
	store *persistence.Store
	exec  Executor
	opts  Options
}

// NewRunner creates a sequential runner.
func NewRunner(store *persistence.Store, exec Executor, opts Options) *Runner {
	return &Runner{store: store, exec: exec, opts: opts}
}

// Run executes the session.
func (r *Runner) Run(ctx context.Context, d *scheduler.Dispatcher) (summary *Summary, err error) {
	s := newSession(r.store, r.exec, r.opts, d.Graph())
	defer func() {
		err = errors.Join(err, s.finish(ctx))
		summary = s.summary
	}()

	var processed *scheduler.ExecNode
	for !s.stopped {
		if err := ctx.Err(); err != nil {
			s.summary.Result = ResultError
			return nil, err
		}

		item, err := d.Next(processed)
		processed = nil
		if err != nil {
			s.summary.Result = ResultError
			return nil, err
		}

		switch item.Signal {
		case scheduler.SignalDone:
			return nil, nil
		case scheduler.SignalHoldOn:
			// every yielded node is reported before the next pull
			s.summary.Result = ResultError
			return nil, errors.New("dispatcher is waiting on tasks the sequential runner does not hold")
		case scheduler.SignalTask:
			node := item.Node
			if s.selectTask(ctx, node) {
				s.begin(node)
				out, dur := s.execute(ctx, node.Task)
				s.complete(ctx, node, out, dur)
			}
			processed = node
		}
	}
	return nil, nil
}
