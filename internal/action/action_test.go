package action

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/taskgraph/internal/runner"
	"github.com/aristath/taskgraph/internal/scheduler"
)

func TestExpand(t *testing.T) {
	task := &scheduler.Task{
		Name:     "link",
		Targets:  []string{"app"},
		FileDeps: []string{"a.o", "b.o"},
		Args:     map[string]any{"version": "1.2"},
	}
	tests := []struct {
		line    string
		want    string
		wantErr bool
	}{
		{line: "echo plain", want: "echo plain"},
		{line: "cc -o {{.Targets}} {{.Deps}}", want: "cc -o app a.o b.o"},
		{line: "echo {{.Name}} {{.Args.version}}", want: "echo link 1.2"},
		{line: "echo {{.Args.missing}}", wantErr: true},
		{line: "echo {{.Nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Expand(tt.line, task)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Expand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecutorOutcomes(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		actions  []scheduler.Action
		wantKind runner.OutcomeKind
		want     map[string]any
	}{
		{
			name:     "save out",
			actions:  []scheduler.Action{&Cmd{Line: "echo '  hello  '", SaveOut: "greeting"}},
			wantKind: runner.OutcomeOK,
			want:     map[string]any{"greeting": "hello"},
		},
		{
			name: "values merge across actions",
			actions: []scheduler.Action{
				&Cmd{Line: "echo 1", SaveOut: "first"},
				&Func{Name: "second", Fn: func(context.Context, *scheduler.Task) (map[string]any, error) {
					return map[string]any{"second": 2}, nil
				}},
			},
			wantKind: runner.OutcomeOK,
			want:     map[string]any{"first": "1", "second": 2},
		},
		{
			name:     "non-zero exit fails",
			actions:  []scheduler.Action{&Cmd{Line: "exit 1"}},
			wantKind: runner.OutcomeFailed,
		},
		{
			name:     "missing directory errors",
			actions:  []scheduler.Action{&Cmd{Line: "true", Dir: filepath.Join(dir, "missing")}},
			wantKind: runner.OutcomeErrored,
		},
		{
			name:     "bad template errors",
			actions:  []scheduler.Action{&Cmd{Line: "echo {{.Args.nothing}}"}},
			wantKind: runner.OutcomeErrored,
		},
		{
			name: "function error fails",
			actions: []scheduler.Action{&Func{Name: "f", Fn: func(context.Context, *scheduler.Task) (map[string]any, error) {
				return nil, errors.New("nope")
			}}},
			wantKind: runner.OutcomeFailed,
		},
		{
			name: "function panic errors",
			actions: []scheduler.Action{&Func{Name: "f", Fn: func(context.Context, *scheduler.Task) (map[string]any, error) {
				panic("boom")
			}}},
			wantKind: runner.OutcomeErrored,
		},
		{
			name:     "non-executable action errors",
			actions:  []scheduler.Action{plainAction("described only")},
			wantKind: runner.OutcomeErrored,
		},
	}

	exec := NewExecutor(NewProcessManager(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &scheduler.Task{Name: "t", Actions: tt.actions}
			got := exec.Execute(context.Background(), task)
			if got.Kind != tt.wantKind {
				t.Fatalf("Execute() kind = %s (err %v), want %s", got.Kind, got.Err, tt.wantKind)
			}
			for k, v := range tt.want {
				if got.Values[k] != v {
					t.Errorf("Values[%q] = %v, want %v", k, got.Values[k], v)
				}
			}
		})
	}
}

func TestExecutorStopsAtFirstFailure(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "second-ran")
	task := &scheduler.Task{Name: "t", Actions: []scheduler.Action{
		&Cmd{Line: "false"},
		&Cmd{Line: "touch " + marker},
	}}
	if got := NewExecutor(nil, nil).Execute(context.Background(), task); got.Kind != runner.OutcomeFailed {
		t.Fatalf("Execute() kind = %s, want failed", got.Kind)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("action after the failing one ran")
	}
}

func TestExecutorWritesOutput(t *testing.T) {
	var out bytes.Buffer
	task := &scheduler.Task{Name: "t", Actions: []scheduler.Action{&Cmd{Line: "echo visible"}}}
	NewExecutor(nil, &out).Execute(context.Background(), task)
	if !strings.Contains(out.String(), "visible") {
		t.Errorf("output = %q, want the command's stdout", out.String())
	}
}

func TestCmdEnvironment(t *testing.T) {
	task := &scheduler.Task{Name: "t", Actions: []scheduler.Action{
		&Cmd{Line: `echo "$GREETING"`, Env: []string{"GREETING=hi there"}, SaveOut: "out"},
	}}
	got := NewExecutor(nil, nil).Execute(context.Background(), task)
	if got.Values["out"] != "hi there" {
		t.Errorf("out = %v, want %q", got.Values["out"], "hi there")
	}
}

func TestExecutorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := &scheduler.Task{Name: "t", Actions: []scheduler.Action{&Cmd{Line: "sleep 5"}}}
	if got := NewExecutor(nil, nil).Execute(ctx, task); got.Kind != runner.OutcomeErrored {
		t.Errorf("Execute() kind = %s, want errored", got.Kind)
	}
}

func TestTeardownRunsEveryAction(t *testing.T) {
	dir := t.TempDir()
	last := filepath.Join(dir, "last")
	task := &scheduler.Task{Name: "db", Teardown: []scheduler.Action{
		&Cmd{Line: "exit 2"},
		&Cmd{Line: "touch " + last},
	}}

	err := NewExecutor(nil, nil).Teardown(context.Background(), task)
	if err == nil {
		t.Fatal("Teardown() error = nil, want the failing action's error")
	}
	if _, statErr := os.Stat(last); statErr != nil {
		t.Errorf("teardown stopped at the first failure: %v", statErr)
	}
}

type plainAction string

func (a plainAction) String() string { return string(a) }
