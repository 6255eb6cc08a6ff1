package scheduler

import (
	"fmt"
	"slices"
	"strings"
)

// TaskStatus represents the run status a task reaches during a session.
type TaskStatus int

const (
	StatusUnknown    TaskStatus = iota // Not yet checked
	StatusRun                          // Must execute
	StatusUpToDate                     // Skipped, dependencies unchanged
	StatusIgnore                       // Skipped, flagged ignored
	StatusError                        // Dependency check failed
	StatusSuccessful                   // Executed successfully
	StatusFailure                      // Executed (or checked) and failed
)

var statusNames = map[TaskStatus]string{
	StatusUnknown:    "unknown",
	StatusRun:        "run",
	StatusUpToDate:   "up-to-date",
	StatusIgnore:     "ignore",
	StatusError:      "error",
	StatusSuccessful: "successful",
	StatusFailure:    "failure",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// Finished reports whether the status is terminal for the session.
func (s TaskStatus) Finished() bool {
	return s != StatusUnknown && s != StatusRun
}

// Action is one step of a task body. The scheduler never runs actions;
// it only needs to know whether a task has any.
type Action interface {
	fmt.Stringer
}

// ArgRef names a value saved by another task, passed to this task as an argument.
// An empty Key passes the whole value map.
type ArgRef struct {
	Task string
	Key  string
}

// Task is a named unit of work with its dependencies and targets.
//
// FileDeps, TaskDeps and CalcDeps are ordered sets: append through MergeDeps
// or the graph builder so duplicates never appear.
type Task struct {
	Name       string
	Doc        string
	Actions    []Action
	Teardown   []Action
	FileDeps   []string
	TaskDeps   []string
	CalcDeps   []string
	Targets    []string
	Setup      []string
	Uptodate   []Uptodate
	GetArgs    map[string]ArgRef
	SubtaskOf  string
	HasSubtask bool
	Loader     *DelayedLoader

	// ValueSavers run after a successful execution; their results are
	// persisted together with Values.
	ValueSavers []func() map[string]any

	Values map[string]any // Output values (execution results or loaded from the store)
	Args   map[string]any // Resolved GetArgs, set right before execution
	Status TaskStatus     // Mirrors the dispatch node's run status
}

// IsGroup reports whether the task only aggregates other tasks.
func (t *Task) IsGroup() bool {
	return len(t.Actions) == 0
}

// Basename returns the group part of a "group:subtask" name.
func (t *Task) Basename() string {
	return basename(t.Name)
}

// MergeDeps adds the dependencies reported by a calculated dependency.
// Recognized keys are "file_dep", "task_dep" and "calc_dep"; other values
// are left for the task to consume.
func (t *Task) MergeDeps(values map[string]any) {
	for _, p := range stringList(values["file_dep"]) {
		t.FileDeps = appendUnique(t.FileDeps, p)
	}
	for _, name := range stringList(values["task_dep"]) {
		if name != t.Name {
			t.TaskDeps = appendUnique(t.TaskDeps, name)
		}
	}
	for _, name := range stringList(values["calc_dep"]) {
		if name != t.Name {
			t.CalcDeps = appendUnique(t.CalcDeps, name)
		}
	}
}

// SaveValues merges out into Values and runs the value savers.
func (t *Task) SaveValues(out map[string]any) {
	if t.Values == nil {
		t.Values = make(map[string]any)
	}
	for k, v := range out {
		t.Values[k] = v
	}
	for _, saver := range t.ValueSavers {
		for k, v := range saver() {
			t.Values[k] = v
		}
	}
}

// IsCalcDep reports whether name was declared as a calculated dependency.
func (t *Task) IsCalcDep(name string) bool {
	return slices.Contains(t.CalcDeps, name)
}

func basename(name string) string {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[:i]
	}
	return name
}

func appendUnique(list []string, item string) []string {
	if slices.Contains(list, item) {
		return list
	}
	return append(list, item)
}

// stringList accepts the shapes dependency lists take after a JSON round trip.
func stringList(v any) []string {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
