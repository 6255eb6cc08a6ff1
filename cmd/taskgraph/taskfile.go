package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/aristath/taskgraph/internal/action"
	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// TaskFile is the on-disk task definition document.
type TaskFile struct {
	DefaultTasks []string  `json:"default_tasks" yaml:"default_tasks"` // Selection when none is given
	Tasks        []TaskDef `json:"tasks" yaml:"tasks"`
}

// TaskDef declares one task.
type TaskDef struct {
	Name     string            `json:"name" yaml:"name"`
	Doc      string            `json:"doc" yaml:"doc"`
	Dir      string            `json:"dir" yaml:"dir"`
	Env      map[string]string `json:"env" yaml:"env"`
	Actions  []ActionDef       `json:"actions" yaml:"actions"`
	Teardown []ActionDef       `json:"teardown" yaml:"teardown"`
	FileDep  []string          `json:"file_dep" yaml:"file_dep"`
	TaskDep  []string          `json:"task_dep" yaml:"task_dep"`
	CalcDep  []string          `json:"calc_dep" yaml:"calc_dep"`
	Targets  []string          `json:"targets" yaml:"targets"`
	Setup    []string          `json:"setup" yaml:"setup"`
	GetArgs  map[string]ArgDef `json:"getargs" yaml:"getargs"`
	Uptodate *UptodateDef      `json:"uptodate" yaml:"uptodate"`
}

// ActionDef is either a bare command line or a command with options.
type ActionDef struct {
	Cmd     string `json:"cmd" yaml:"cmd"`
	SaveOut string `json:"save_out" yaml:"save_out"`
}

// UnmarshalYAML accepts a plain string as a command line.
func (a *ActionDef) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var line string
	if err := unmarshal(&line); err == nil {
		*a = ActionDef{Cmd: line}
		return nil
	}
	type plain ActionDef
	return unmarshal((*plain)(a))
}

// UnmarshalJSON accepts a plain string as a command line.
func (a *ActionDef) UnmarshalJSON(data []byte) error {
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		*a = ActionDef{Cmd: line}
		return nil
	}
	type plain ActionDef
	return json.Unmarshal(data, (*plain)(a))
}

// ArgDef passes a value saved by another task. An empty key passes all of
// that task's values.
type ArgDef struct {
	Task string `json:"task" yaml:"task"`
	Key  string `json:"key" yaml:"key"`
}

// UptodateDef lists the extra staleness checks of a task. All must agree
// the task is up to date.
type UptodateDef struct {
	RunOnce         bool            `json:"run_once" yaml:"run_once"`
	Timeout         config.Duration `json:"timeout" yaml:"timeout"`
	Config          interface{}     `json:"config" yaml:"config"`
	TimestampOf     string          `json:"timestamp_unchanged" yaml:"timestamp_unchanged"`
	AlwaysOutOfDate bool            `json:"always" yaml:"always"`
}

// loadTaskFile reads path, choosing YAML or JSON by extension.
func loadTaskFile(path string) (*TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}

	var tf TaskFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(data, &tf)
	default:
		err = json.Unmarshal(data, &tf)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &tf, nil
}

// SchedulerTasks converts the definitions into scheduler tasks, in file order.
func (tf *TaskFile) SchedulerTasks() ([]*scheduler.Task, error) {
	tasks := make([]*scheduler.Task, 0, len(tf.Tasks))
	for i, def := range tf.Tasks {
		if def.Name == "" {
			return nil, fmt.Errorf("task #%d has no name", i+1)
		}
		t, err := def.task()
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", def.Name, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (def TaskDef) task() (*scheduler.Task, error) {
	t := &scheduler.Task{
		Name:     def.Name,
		Doc:      def.Doc,
		FileDeps: def.FileDep,
		TaskDeps: def.TaskDep,
		CalcDeps: def.CalcDep,
		Targets:  def.Targets,
		Setup:    def.Setup,
	}

	var env []string
	for _, k := range slices.Sorted(maps.Keys(def.Env)) {
		env = append(env, k+"="+def.Env[k])
	}

	var err error
	if t.Actions, err = def.actions(def.Actions, env); err != nil {
		return nil, err
	}
	if t.Teardown, err = def.actions(def.Teardown, env); err != nil {
		return nil, fmt.Errorf("teardown: %w", err)
	}

	if len(def.GetArgs) > 0 {
		t.GetArgs = make(map[string]scheduler.ArgRef, len(def.GetArgs))
		for name, ref := range def.GetArgs {
			if ref.Task == "" {
				return nil, fmt.Errorf("getargs %q names no task", name)
			}
			t.GetArgs[name] = scheduler.ArgRef{Task: ref.Task, Key: ref.Key}
		}
	}

	if u := def.Uptodate; u != nil {
		if u.AlwaysOutOfDate {
			t.Uptodate = append(t.Uptodate, scheduler.Bool(false))
		}
		if u.RunOnce {
			t.Uptodate = append(t.Uptodate, scheduler.RunOnce())
		}
		if u.Timeout > 0 {
			t.Uptodate = append(t.Uptodate, scheduler.Timeout(time.Duration(u.Timeout)))
		}
		if u.Config != nil {
			t.Uptodate = append(t.Uptodate, scheduler.ConfigChanged(u.Config))
		}
		if u.TimestampOf != "" {
			t.Uptodate = append(t.Uptodate, scheduler.CheckTimestampUnchanged(u.TimestampOf))
		}
	}
	return t, nil
}

func (def TaskDef) actions(defs []ActionDef, env []string) ([]scheduler.Action, error) {
	var out []scheduler.Action
	for _, a := range defs {
		if strings.TrimSpace(a.Cmd) == "" {
			return nil, errors.New("empty command")
		}
		out = append(out, &action.Cmd{Line: a.Cmd, Dir: def.Dir, Env: env, SaveOut: a.SaveOut})
	}
	return out, nil
}
