package runner

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// TaskReport is the final state of one task reached by dispatch.
type TaskReport struct {
	Name     string
	Status   scheduler.TaskStatus
	Failure  *Failure // nil unless Status is StatusFailure or StatusError
	Duration time.Duration
}

// Summary is what a session reports once it is over.
type Summary struct {
	SessionID string
	Result    Result
	Tasks     map[string]*TaskReport
	Executed  []string // Tasks whose actions ran, in start order
	Failures  []*Failure
	Duration  time.Duration
}

// Status returns the final status of name, StatusUnknown if dispatch never
// reached it.
func (s *Summary) Status(name string) scheduler.TaskStatus {
	if r, ok := s.Tasks[name]; ok {
		return r.Status
	}
	return scheduler.StatusUnknown
}

// Ran reports whether the actions of name were executed.
func (s *Summary) Ran(name string) bool {
	return slices.Contains(s.Executed, name)
}

// session is the bookkeeping shared by both strategies. Only the goroutine
// driving the dispatcher touches it.
type session struct {
	store   *persistence.Store
	exec    Executor
	opts    Options
	graph   *scheduler.Graph
	summary *Summary
	start   time.Time

	stopped  bool
	running  int
	executed int
	skipped  int
	failed   int

	// executed tasks with teardown actions, in execution order
	teardown    []*scheduler.Task
	hasTeardown map[string]bool
}

func newSession(store *persistence.Store, exec Executor, opts Options, graph *scheduler.Graph) *session {
	if opts.Locks == nil {
		opts.Locks = scheduler.NewResourceLockManager()
	}
	return &session{
		store: store,
		exec:  exec,
		opts:  opts,
		graph: graph,
		summary: &Summary{
			SessionID: uuid.NewString(),
			Tasks:     make(map[string]*TaskReport),
		},
		start:       time.Now(),
		hasTeardown: make(map[string]bool),
	}
}

// selectTask handles a node the dispatcher yielded. It returns true when the
// node must execute now; otherwise the node is handed straight back.
func (s *session) selectTask(ctx context.Context, node *scheduler.ExecNode) bool {
	task := node.Task
	if node.RunStatus == scheduler.StatusUnknown {
		if len(node.BadDeps) > 0 {
			s.unmet(ctx, node)
			return false
		}

		decision, err := s.store.GetStatus(ctx, task, s.graph.Tasks())
		if err != nil {
			node.SetStatus(scheduler.StatusError)
			s.fail(ctx, node, &Failure{Kind: DependencyError, Task: task.Name, Msg: "checking dependencies", Err: err}, 0)
			return false
		}

		switch decision.Status {
		case scheduler.StatusUpToDate:
			values, err := s.store.Values(ctx, task.Name)
			if err != nil {
				node.SetStatus(scheduler.StatusError)
				s.fail(ctx, node, &Failure{Kind: DependencyError, Task: task.Name, Msg: "loading saved values", Err: err}, 0)
				return false
			}
			task.Values = values
			s.skip(node, scheduler.StatusUpToDate)
			return false
		case scheduler.StatusIgnore:
			s.skip(node, scheduler.StatusIgnore)
			return false
		}

		node.SetStatus(scheduler.StatusRun)
		if len(task.Setup) > 0 {
			// comes back once its setup tasks are done
			return false
		}
	}

	if len(node.BadDeps) > 0 {
		s.unmet(ctx, node)
		return false
	}
	if err := s.prepareArgs(ctx, task); err != nil {
		s.fail(ctx, node, &Failure{Kind: TaskError, Task: task.Name, Msg: "preparing arguments", Err: err}, 0)
		return false
	}
	return true
}

// prepareArgs resolves the getargs of task from the values of the tasks
// they name. Tasks skipped as up-to-date carry the values loaded from the store.
func (s *session) prepareArgs(ctx context.Context, task *scheduler.Task) error {
	if len(task.GetArgs) == 0 {
		return nil
	}
	args := make(map[string]any, len(task.GetArgs))
	for name, ref := range task.GetArgs {
		src, ok := s.graph.Task(ref.Task)
		if ok && src.Values != nil {
			if ref.Key == "" {
				args[name] = src.Values
				continue
			}
			v, ok := src.Values[ref.Key]
			if !ok {
				return fmt.Errorf("argument %q: task %q saved no value %q", name, ref.Task, ref.Key)
			}
			args[name] = v
			continue
		}

		if ref.Key == "" {
			values, err := s.store.Values(ctx, ref.Task)
			if err != nil {
				return fmt.Errorf("argument %q: %w", name, err)
			}
			args[name] = values
			continue
		}
		v, err := s.store.Value(ctx, ref.Task, ref.Key)
		if err != nil {
			return fmt.Errorf("argument %q: %w", name, err)
		}
		args[name] = v
	}
	task.Args = args
	return nil
}

// begin records that node is about to execute.
func (s *session) begin(node *scheduler.ExecNode) {
	task := node.Task
	if len(task.Teardown) > 0 && !s.hasTeardown[task.Name] {
		s.hasTeardown[task.Name] = true
		s.teardown = append(s.teardown, task)
	}
	s.running++
	s.summary.Executed = append(s.summary.Executed, task.Name)
	s.opts.Metrics.taskStarted()
	s.publish(events.TopicTask, events.TaskExecutingEvent{
		SessionID: s.summary.SessionID,
		ID:        task.Name,
		Doc:       task.Doc,
		Timestamp: time.Now(),
	})
}

// execute runs the actions of task. It is safe to call from a worker
// goroutine: it touches neither the store nor the dispatcher.
func (s *session) execute(ctx context.Context, task *scheduler.Task) (Outcome, time.Duration) {
	if err := ctx.Err(); err != nil {
		return Errored(err), 0
	}

	s.opts.Locks.LockAll(task.Targets)
	defer s.opts.Locks.UnlockAll(task.Targets)

	start := time.Now()
	out := s.exec.Execute(ctx, task)
	return out, time.Since(start)
}

// complete records the outcome of an execution started with begin.
func (s *session) complete(ctx context.Context, node *scheduler.ExecNode, out Outcome, d time.Duration) {
	s.running--
	s.opts.Metrics.taskStopped(d)

	task := node.Task
	switch out.Kind {
	case OutcomeOK:
		task.SaveValues(out.Values)
		if err := s.store.SaveSuccess(ctx, task); err != nil {
			s.fail(ctx, node, &Failure{Kind: DependencyError, Task: task.Name, Msg: "saving dependency state", Err: err}, d)
			return
		}
		node.SetStatus(scheduler.StatusSuccessful)
		s.executed++
		s.report(node, nil, d)
		s.publish(events.TopicTask, events.TaskSucceededEvent{
			SessionID: s.summary.SessionID,
			ID:        task.Name,
			Duration:  d,
			Timestamp: time.Now(),
		})
		s.progress()
	case OutcomeFailed:
		s.fail(ctx, node, &Failure{Kind: TaskFailed, Task: task.Name, Msg: "action failed", Err: out.Err}, d)
	default:
		s.fail(ctx, node, &Failure{Kind: TaskError, Task: task.Name, Msg: "action error", Err: out.Err}, d)
	}
}

func (s *session) skip(node *scheduler.ExecNode, status scheduler.TaskStatus) {
	node.SetStatus(status)
	s.skipped++
	s.report(node, nil, 0)
	s.publish(events.TopicTask, events.TaskSkippedEvent{
		SessionID: s.summary.SessionID,
		ID:        node.Name(),
		Status:    status.String(),
		Timestamp: time.Now(),
	})
	s.progress()
}

func (s *session) unmet(ctx context.Context, node *scheduler.ExecNode) {
	names := make([]string, len(node.BadDeps))
	for i, dep := range node.BadDeps {
		names[i] = dep.Name()
	}
	s.fail(ctx, node, &Failure{
		Kind: UnmetDependency,
		Task: node.Name(),
		Msg:  fmt.Sprintf("dependencies did not succeed: %v", names),
	}, 0)
}

// fail records f for node. The node keeps StatusError if the status check
// set it; any other failure is StatusFailure.
func (s *session) fail(ctx context.Context, node *scheduler.ExecNode, f *Failure, d time.Duration) {
	if node.RunStatus != scheduler.StatusError {
		node.SetStatus(scheduler.StatusFailure)
	}
	if err := s.store.RemoveSuccess(ctx, node.Name()); err != nil {
		log.Printf("WARNING: failed to clear saved state of %q: %v", node.Name(), err)
	}

	s.failed++
	s.summary.Failures = append(s.summary.Failures, f)
	s.summary.Result = s.summary.Result.escalate(f)
	s.report(node, f, d)
	s.publish(events.TopicTask, events.TaskFailedEvent{
		SessionID: s.summary.SessionID,
		ID:        node.Name(),
		Kind:      f.Kind.String(),
		Err:       f,
		Duration:  d,
		Timestamp: time.Now(),
	})
	s.progress()

	if !s.opts.Continue {
		s.stopped = true
	}
}

func (s *session) report(node *scheduler.ExecNode, f *Failure, d time.Duration) {
	s.summary.Tasks[node.Name()] = &TaskReport{
		Name:     node.Name(),
		Status:   node.RunStatus,
		Failure:  f,
		Duration: d,
	}
	s.opts.Metrics.taskFinished(node.RunStatus.String())
}

func (s *session) progress() {
	s.publish(events.TopicSession, events.SessionProgressEvent{
		SessionID: s.summary.SessionID,
		Total:     len(s.summary.Tasks) + s.running,
		Executed:  s.executed,
		Skipped:   s.skipped,
		Failed:    s.failed,
		Running:   s.running,
		Timestamp: time.Now(),
	})
}

// finish runs the teardown set in reverse execution order and closes the
// store. It runs on every path out of a session.
func (s *session) finish(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	for i := len(s.teardown) - 1; i >= 0; i-- {
		task := s.teardown[i]
		if err := s.exec.Teardown(ctx, task); err != nil {
			f := &Failure{Kind: SetupError, Task: task.Name, Msg: "teardown failed", Err: err}
			log.Printf("ERROR: %v", f)
			s.publish(events.TopicTask, events.TeardownFailedEvent{
				SessionID: s.summary.SessionID,
				ID:        task.Name,
				Err:       f,
				Timestamp: time.Now(),
			})
		}
	}

	var closeErr error
	if err := s.store.Close(); err != nil {
		closeErr = fmt.Errorf("closing dependency store: %w", err)
		s.summary.Result = ResultError
	}

	s.summary.Duration = time.Since(s.start)
	s.opts.Metrics.sessionFinished(s.summary.Result)
	s.publish(events.TopicSession, events.SessionFinishedEvent{
		SessionID: s.summary.SessionID,
		Result:    s.summary.Result.String(),
		Duration:  s.summary.Duration,
		Timestamp: time.Now(),
	})
	return closeErr
}

func (s *session) publish(topic string, ev events.Event) {
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(topic, ev)
	}
}
