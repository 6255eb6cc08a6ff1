package scheduler

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Signal is what one resolution step produces.
type Signal int

const (
	SignalNode   Signal = iota // A new ExecNode must be resolved first
	SignalTask                 // The node's task is ready for a status check or execution
	SignalWait                 // The node waits for in-flight dependencies
	SignalHoldOn               // Nothing is resolvable until an outstanding task completes
	SignalReset                // A delayed creator ran and the node restarts resolution
	SignalDone                 // Nothing is left
)

var signalNames = [...]string{"node", "task", "wait", "hold-on", "reset", "done"}

func (s Signal) String() string {
	if int(s) < len(signalNames) {
		return signalNames[s]
	}
	return fmt.Sprintf("Signal(%d)", int(s))
}

type nodeState int

const (
	stateLoad          nodeState = iota // Materialize a delayed placeholder
	stateExpandCalc                     // Create nodes for calculated dependencies
	stateExpandTask                     // Create nodes for task dependencies
	stateAwaitDeps                      // Waiting for dependencies to finish
	stateStatusCheck                    // Ready for the status check
	stateAwaitSelect                    // Waiting for the status check outcome
	stateExpandSetup                    // Create nodes for setup tasks
	stateAwaitSetup                     // Waiting for setup tasks to finish
	stateReadyToRun                     // Ready for execution
	stateDone
)

// ExecNode is the resolution state of one task within a dispatch session.
//
// RunStatus, BadDeps and IgnoredDeps belong to the caller between two calls
// to Dispatcher.Next; everything else is touched only inside Next.
type ExecNode struct {
	Task        *Task
	RunStatus   TaskStatus
	BadDeps     []*ExecNode // Dependencies that failed
	IgnoredDeps []*ExecNode // Dependencies that were ignored

	ancestors   []string
	state       nodeState
	taskDeps    []string // Task dependencies not expanded yet
	calcDeps    []string // Calculated dependencies not expanded yet
	batch       []string // Names being expanded by the current state
	cursor      int
	waitRun     map[string]struct{}
	waitRunCalc map[string]struct{}
	waitingMe   []*ExecNode
	waitSelect  bool
}

func newExecNode(task *Task, parent *ExecNode) *ExecNode {
	n := &ExecNode{
		Task:        task,
		waitRun:     make(map[string]struct{}),
		waitRunCalc: make(map[string]struct{}),
	}
	if parent != nil {
		n.ancestors = append(slices.Clone(parent.ancestors), task.Name)
	} else {
		n.ancestors = []string{task.Name}
	}
	n.taskDeps = slices.Clone(task.TaskDeps)
	n.calcDeps = slices.Clone(task.CalcDeps)
	return n
}

// Name returns the task name.
func (n *ExecNode) Name() string { return n.Task.Name }

// Ancestors returns the chain of task names that led to this node, itself last.
func (n *ExecNode) Ancestors() []string { return slices.Clone(n.ancestors) }

// SetStatus records the run status on the node and its task.
func (n *ExecNode) SetStatus(status TaskStatus) {
	n.RunStatus = status
	n.Task.Status = status
}

// reset points the node at task and restarts dependency expansion.
func (n *ExecNode) reset(task *Task) {
	n.Task = task
	n.taskDeps = slices.Clone(task.TaskDeps)
	n.calcDeps = slices.Clone(task.CalcDeps)
	n.startCalcBatch()
}

func (n *ExecNode) startCalcBatch() {
	n.batch, n.calcDeps, n.cursor = n.calcDeps, nil, 0
	n.state = stateExpandCalc
}

func (n *ExecNode) parentStatus(dep *ExecNode) {
	switch dep.RunStatus {
	case StatusFailure, StatusError:
		n.BadDeps = append(n.BadDeps, dep)
	case StatusIgnore:
		n.IgnoredDeps = append(n.IgnoredDeps, dep)
	}
}

func (n *ExecNode) addWaiter(w *ExecNode) {
	if !slices.Contains(n.waitingMe, w) {
		n.waitingMe = append(n.waitingMe, w)
	}
}

// Dispatch is one item of the dispatch stream.
type Dispatch struct {
	Signal Signal // SignalTask, SignalHoldOn or SignalDone
	Node   *ExecNode
}

// Dispatcher yields the selected tasks in dependency order, resolving
// calculated dependencies, setup tasks and delayed tasks on the way.
//
// Callers pull with Next, passing back the node they finished with, if any.
// A SignalTask node whose RunStatus is unknown needs a status check; one
// whose status is StatusRun is ready to execute.
type Dispatcher struct {
	mu          sync.Mutex
	graph       *Graph
	nodes       map[string]*ExecNode
	selected    []string
	ready       []*ExecNode
	waiting     map[*ExecNode]struct{}
	outstanding map[*ExecNode]struct{} // Yielded, final status not reported yet
	current     *ExecNode
	done        bool
}

// NewDispatcher starts a dispatch session over the selected task names.
// A nil selection dispatches every declared task in declaration order.
func NewDispatcher(graph *Graph, selected []string) *Dispatcher {
	if selected == nil {
		selected = graph.Order()
	}
	return &Dispatcher{
		graph:       graph,
		nodes:       make(map[string]*ExecNode),
		selected:    slices.Clone(selected),
		waiting:     make(map[*ExecNode]struct{}),
		outstanding: make(map[*ExecNode]struct{}),
	}
}

// Graph returns the graph being dispatched.
func (d *Dispatcher) Graph() *Graph { return d.graph }

// Node returns the node created for name, if dispatch reached it.
func (d *Dispatcher) Node(name string) (*ExecNode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[name]
	return n, ok
}

// Next records processed (nil if the caller has nothing to report) and
// returns the next dispatch item.
//
// Errors are fatal for the session: a *CyclicDependencyError, a
// *GraphError raised while materializing tasks, or a *SelectionError when no
// delayed task produces a selected target.
func (d *Dispatcher) Next(processed *ExecNode) (Dispatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done {
		return Dispatch{Signal: SignalDone}, nil
	}
	if err := d.updateWaiting(processed); err != nil {
		return Dispatch{}, err
	}

	for {
		if d.current == nil {
			node, err := d.nextNode()
			if err != nil {
				return Dispatch{}, err
			}
			if node == nil {
				if len(d.waiting) > 0 {
					if len(d.outstanding) == 0 {
						return Dispatch{}, d.deadlock()
					}
					return Dispatch{Signal: SignalHoldOn}, nil
				}
				d.done = true
				return Dispatch{Signal: SignalDone}, nil
			}
			d.current = node
		}

		node := d.current
		sig, next, err := d.step(node)
		if err != nil {
			return Dispatch{}, err
		}
		switch sig {
		case SignalTask:
			d.outstanding[node] = struct{}{}
			return Dispatch{Signal: SignalTask, Node: node}, nil
		case SignalNode:
			d.ready = append(d.ready, next)
		case SignalWait:
			d.waiting[node] = struct{}{}
			d.current = nil
		case SignalReset:
			// node restarted; keep stepping it
		case SignalDone:
			d.current = nil
		}
	}
}

func (d *Dispatcher) nextNode() (*ExecNode, error) {
	if len(d.ready) > 0 {
		node := d.ready[0]
		d.ready = d.ready[1:]
		return node, nil
	}
	for len(d.selected) > 0 {
		name := d.selected[0]
		d.selected = d.selected[1:]
		node, err := d.genNode(nil, name)
		if err != nil {
			return nil, err
		}
		if node != nil {
			return node, nil
		}
	}
	return nil, nil
}

// genNode creates the node for name. It returns nil when the node already
// exists, after checking that reaching it from parent does not close a cycle.
func (d *Dispatcher) genNode(parent *ExecNode, name string) (*ExecNode, error) {
	if _, exists := d.nodes[name]; exists {
		if parent != nil {
			if i := slices.Index(parent.ancestors, name); i >= 0 {
				cycle := append(slices.Clone(parent.ancestors[i:]), name)
				return nil, &CyclicDependencyError{Cycle: cycle}
			}
		}
		return nil, nil
	}

	task, ok := d.graph.Task(name)
	if !ok {
		return nil, graphErrorf(KindMissingDependency, "task %q not found", name)
	}
	node := newExecNode(task, parent)
	d.nodes[name] = node
	return node, nil
}

// step advances node to its next signal.
func (d *Dispatcher) step(n *ExecNode) (Signal, *ExecNode, error) {
	for {
		switch n.state {
		case stateLoad:
			if n.Task.Loader != nil {
				sig, err := d.load(n)
				if err != nil {
					return 0, nil, err
				}
				if sig == SignalDone {
					n.state = stateDone
				}
				return sig, nil, nil
			}
			n.startCalcBatch()

		case stateExpandCalc:
			if next, err := d.expandBatch(n); err != nil || next != nil {
				return SignalNode, next, err
			}
			if err := d.addWaitRun(n, n.batch, true); err != nil {
				return 0, nil, err
			}
			n.batch, n.taskDeps, n.cursor = n.taskDeps, nil, 0
			n.state = stateExpandTask

		case stateExpandTask:
			if next, err := d.expandBatch(n); err != nil || next != nil {
				return SignalNode, next, err
			}
			if err := d.addWaitRun(n, n.batch, false); err != nil {
				return 0, nil, err
			}
			n.batch = nil
			switch {
			case len(n.calcDeps) > 0 || len(n.taskDeps) > 0:
				// calculated results added more dependencies
				n.startCalcBatch()
			case len(n.waitRun) > 0 || len(n.waitRunCalc) > 0:
				n.state = stateAwaitDeps
				return SignalWait, nil, nil
			default:
				n.state = stateStatusCheck
			}

		case stateAwaitDeps:
			n.startCalcBatch()

		case stateStatusCheck:
			n.state = stateAwaitSelect
			return SignalTask, nil, nil

		case stateAwaitSelect:
			if len(n.Task.Setup) == 0 {
				n.state = stateDone
				return SignalDone, nil, nil
			}
			if n.RunStatus == StatusUnknown {
				n.waitSelect = true
				return SignalWait, nil, nil
			}
			if n.RunStatus != StatusRun {
				n.state = stateDone
				return SignalDone, nil, nil
			}
			n.batch, n.cursor = slices.Clone(n.Task.Setup), 0
			n.state = stateExpandSetup

		case stateExpandSetup:
			if next, err := d.expandBatch(n); err != nil || next != nil {
				return SignalNode, next, err
			}
			if err := d.addWaitRun(n, n.batch, false); err != nil {
				return 0, nil, err
			}
			n.batch = nil
			if len(n.waitRun) > 0 {
				n.state = stateAwaitSetup
				return SignalWait, nil, nil
			}
			n.state = stateReadyToRun

		case stateAwaitSetup:
			n.state = stateReadyToRun

		case stateReadyToRun:
			n.state = stateDone
			return SignalTask, nil, nil

		case stateDone:
			return SignalDone, nil, nil
		}
	}
}

// expandBatch creates the next missing node in n.batch.
func (d *Dispatcher) expandBatch(n *ExecNode) (*ExecNode, error) {
	for n.cursor < len(n.batch) {
		name := n.batch[n.cursor]
		n.cursor++
		next, err := d.genNode(n, name)
		if err != nil {
			return nil, err
		}
		if next != nil {
			return next, nil
		}
	}
	return nil, nil
}

// addWaitRun makes n wait for every name that has not finished. Finished
// dependencies hand over their status, and calculated ones their results,
// right away.
func (d *Dispatcher) addWaitRun(n *ExecNode, names []string, calc bool) error {
	for _, name := range names {
		dep := d.nodes[name]
		if !dep.RunStatus.Finished() {
			if calc {
				n.waitRunCalc[name] = struct{}{}
			} else {
				n.waitRun[name] = struct{}{}
			}
			dep.addWaiter(n)
			continue
		}
		n.parentStatus(dep)
		if calc {
			if err := d.mergeCalcResults(dep, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateWaiting releases the nodes waiting on processed.
func (d *Dispatcher) updateWaiting(processed *ExecNode) error {
	if processed == nil {
		return nil
	}
	delete(d.outstanding, processed)

	if processed.waitSelect {
		processed.waitSelect = false
		delete(d.waiting, processed)
		d.ready = append(d.ready, processed)
	}
	// selected to run but not executed yet
	if processed.RunStatus == StatusRun {
		return nil
	}

	name := processed.Task.Name
	waiters := processed.waitingMe
	processed.waitingMe = nil
	for _, w := range waiters {
		w.parentStatus(processed)
		isReady := false
		if _, ok := w.waitRun[name]; ok {
			delete(w.waitRun, name)
			isReady = len(w.waitRun) == 0 && len(w.waitRunCalc) == 0
		} else if _, ok := w.waitRunCalc[name]; ok {
			delete(w.waitRunCalc, name)
			// new dependencies may be resolvable before the remaining ones finish
			isReady = true
			if err := d.mergeCalcResults(processed, w); err != nil {
				return err
			}
		}
		if _, ok := d.waiting[w]; ok && isReady {
			delete(d.waiting, w)
			d.ready = append(d.ready, w)
		}
	}
	return nil
}

// mergeCalcResults feeds the values reported by calc into the task of w and
// queues the dependencies they add.
func (d *Dispatcher) mergeCalcResults(calc, w *ExecNode) error {
	newTask, newCalc, err := d.graph.MergeDeps(w.Task, calc.Task.Values)
	if err != nil {
		return err
	}
	w.taskDeps = append(w.taskDeps, newTask...)
	w.calcDeps = append(w.calcDeps, newCalc...)
	return nil
}

// load materializes the delayed placeholder behind n.
func (d *Dispatcher) load(n *ExecNode) (Signal, error) {
	task := n.Task
	group, isRegex := d.graph.RegexGroup(task.Name)
	if isRegex && group.Found {
		return SignalDone, nil
	}
	if err := d.graph.load(task.Loader); err != nil {
		return 0, err
	}

	if isRegex {
		owner, ok := d.graph.TargetOwner(group.Target)
		if !ok {
			group.drop(task.Name)
			if len(group.Candidates) == 0 {
				return 0, &SelectionError{Selector: group.Target}
			}
			return SignalDone, nil
		}
		group.Found = true
		task.Loader = nil
		task.TaskDeps = appendUnique(task.TaskDeps, owner)
		n.reset(task)
		return SignalReset, nil
	}

	loaded, ok := d.graph.Task(task.Name)
	if !ok || loaded.Loader != nil {
		return 0, graphErrorf(KindDelayed, "delayed task %q was not created by its loader", task.Name)
	}
	n.reset(loaded)
	return SignalReset, nil
}

// deadlock reports the wait cycle that keeps every waiting node blocked
// while nothing is in flight.
func (d *Dispatcher) deadlock() error {
	names := make([]string, 0, len(d.waiting))
	for n := range d.waiting {
		names = append(names, n.Task.Name)
	}
	sort.Strings(names)

	var path []string
	seen := make(map[string]int)
	cur := d.nodes[names[0]]
	for cur != nil {
		name := cur.Task.Name
		if i, ok := seen[name]; ok {
			return &CyclicDependencyError{Cycle: append(slices.Clone(path[i:]), name)}
		}
		seen[name] = len(path)
		path = append(path, name)

		var pending []string
		for dep := range cur.waitRun {
			pending = append(pending, dep)
		}
		for dep := range cur.waitRunCalc {
			pending = append(pending, dep)
		}
		if len(pending) == 0 {
			break
		}
		sort.Strings(pending)
		cur = d.nodes[pending[0]]
	}
	return &CyclicDependencyError{Cycle: path}
}
