// Package action runs task bodies: shell commands and Go functions.
package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// RunContext is what an action sees while it runs.
type RunContext struct {
	Task   *scheduler.Task
	Procs  *ProcessManager // nil disables tracking
	Output io.Writer       // receives command stdout; nil discards it
}

// Action is one executable step of a task.
//
// A returned error is a normal task failure unless it wraps an *ExecError,
// which marks the step as broken rather than failed.
type Action interface {
	fmt.Stringer
	Run(ctx context.Context, rc *RunContext) (map[string]any, error)
}

// ExecError marks an unexpected failure: a command that could not start,
// a template that could not expand, a panicking function.
type ExecError struct {
	Err error
}

func (e *ExecError) Error() string { return e.Err.Error() }
func (e *ExecError) Unwrap() error { return e.Err }

// IsExecError reports whether err is an unexpected failure.
func IsExecError(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee)
}

// Cmd runs a shell command line through sh -c.
//
// The line is a text/template expanded against the task:
//
//	{{.Name}}     task name
//	{{.Targets}}  targets, space separated
//	{{.Deps}}     file dependencies, space separated
//	{{.Args}}     resolved getargs, e.g. {{.Args.version}}
type Cmd struct {
	Line string
	Dir  string
	Env  []string // appended to the process environment

	// SaveOut stores the trimmed stdout under this value key.
	SaveOut string
}

func (c *Cmd) String() string { return c.Line }

// Run expands and executes the command. A non-zero exit is a failure;
// anything that keeps the command from running is an *ExecError.
func (c *Cmd) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	line, err := Expand(c.Line, rc.Task)
	if err != nil {
		return nil, &ExecError{Err: err}
	}

	cmd := newCommand(ctx, "sh", "-c", line)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdout, _, err := executeCommand(cmd, rc.Procs, rc.Output)
	if err != nil {
		if ctx.Err() != nil || cmd.ProcessState == nil {
			return nil, &ExecError{Err: fmt.Errorf("%s: %w", line, err)}
		}
		return nil, fmt.Errorf("%s: %w", line, err)
	}

	if c.SaveOut != "" {
		return map[string]any{c.SaveOut: strings.TrimSpace(string(stdout))}, nil
	}
	return nil, nil
}

type cmdData struct {
	Name    string
	Targets string
	Deps    string
	Args    map[string]any
}

// Expand renders a command line template for task.
func Expand(line string, task *scheduler.Task) (string, error) {
	if !strings.Contains(line, "{{") {
		return line, nil
	}
	tmpl, err := template.New(task.Name).Option("missingkey=error").Parse(line)
	if err != nil {
		return "", fmt.Errorf("parsing command %q: %w", line, err)
	}
	var sb strings.Builder
	err = tmpl.Execute(&sb, cmdData{
		Name:    task.Name,
		Targets: strings.Join(task.Targets, " "),
		Deps:    strings.Join(task.FileDeps, " "),
		Args:    task.Args,
	})
	if err != nil {
		return "", fmt.Errorf("expanding command %q: %w", line, err)
	}
	return sb.String(), nil
}

// Func runs Go code in process. Its values are saved with the task, which is
// how calculated dependencies report "file_dep", "task_dep" and "calc_dep".
type Func struct {
	Name string
	Fn   func(ctx context.Context, task *scheduler.Task) (map[string]any, error)
}

func (f *Func) String() string { return f.Name + "()" }

// Run calls Fn. A panic becomes an *ExecError.
func (f *Func) Run(ctx context.Context, rc *RunContext) (values map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			values, err = nil, &ExecError{Err: fmt.Errorf("%s panicked: %v", f, r)}
		}
	}()
	return f.Fn(ctx, rc.Task)
}
