package runner

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// completion is what a worker hands back to the coordinator.
type completion struct {
	node     *scheduler.ExecNode
	outcome  Outcome
	duration time.Duration
}

// ParallelRunner executes independent tasks concurrently with a bounded
// worker pool. One coordinator goroutine owns the dispatcher, the store and
// the session; workers only run actions.
type ParallelRunner struct {
	store *persistence.Store
	exec  Executor
	opts  Options
}

// NewParallelRunner creates a parallel runner. Workers defaults to 4.
func NewParallelRunner(store *persistence.Store, exec Executor, opts Options) *ParallelRunner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &ParallelRunner{store: store, exec: exec, opts: opts}
}

// Run executes the session. A task is submitted only once every task it
// depends on has been reported; after a failure without Continue, tasks
// already submitted finish and are recorded but nothing new is pulled.
func (r *ParallelRunner) Run(ctx context.Context, d *scheduler.Dispatcher) (summary *Summary, err error) {
	s := newSession(r.store, r.exec, r.opts, d.Graph())

	workers := r.opts.Workers
	results := make(chan completion, workers)
	var g errgroup.Group
	g.SetLimit(workers)
	inFlight := 0

	// record applies one completion; the node goes back to the dispatcher
	record := func(c completion) *scheduler.ExecNode {
		inFlight--
		s.complete(ctx, c.node, c.outcome, c.duration)
		return c.node
	}

	defer func() {
		// Drain whatever is still running before teardown
		for inFlight > 0 {
			record(<-results)
		}
		_ = g.Wait()
		err = errors.Join(err, s.finish(ctx))
		summary = s.summary
	}()

	var processed *scheduler.ExecNode
	for {
		// Check for context cancellation
		if err := ctx.Err(); err != nil {
			s.summary.Result = ResultError
			return nil, err
		}
		if s.stopped {
			return nil, nil
		}

		// Pool is full: wait for a worker before pulling more
		if inFlight >= workers {
			processed = record(<-results)
			continue
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
			// Nothing is ready until a running task completes
			processed = record(<-results)

		case scheduler.SignalTask:
			node := item.Node
			if !s.selectTask(ctx, node) {
				processed = node
				continue
			}

			s.begin(node)
			inFlight++
			g.Go(func() error {
				out, dur := s.execute(ctx, node.Task)
				results <- completion{node: node, outcome: out, duration: dur}
				return nil // failures travel through results, not the group
			})
		}
	}
}
