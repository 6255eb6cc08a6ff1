package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/taskgraph/internal/action"
)

const buildYAML = `
default_tasks: [link]
tasks:
  - name: compile
    doc: compile the sources
    file_dep: [main.c]
    targets: [main.o]
    actions:
      - cp main.c main.o
  - name: link
    file_dep: [main.o]
    targets: [app]
    actions:
      - cmd: cat main.o > app && echo linked
        save_out: status
  - name: broken
    actions:
      - exit 1
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// project creates a directory with main.c and the given task file, and
// makes it the working directory.
func project(t *testing.T, name, taskFile string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.c"), "int main() { return 0; }\n")
	writeFile(t, filepath.Join(dir, name), taskFile)
	t.Chdir(dir)
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	base := []string{"--no-tui", "--dep-file", ".state.db"}
	code := run(context.Background(), append(base, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestLoadTaskFile(t *testing.T) {
	const asJSON = `{
  "tasks": [
    {"name": "version", "actions": [{"cmd": "git describe", "save_out": "tag"}], "uptodate": {"timeout": "1h"}},
    {"name": "release", "actions": ["echo {{.Args.tag}}"], "getargs": {"tag": {"task": "version", "key": "tag"}},
     "teardown": ["rm -f release.lock"], "env": {"B": "2", "A": "1"}, "uptodate": {"run_once": true, "config": {"level": 3}}}
  ]
}`
	const asYAML = `
tasks:
  - name: version
    actions:
      - cmd: git describe
        save_out: tag
    uptodate:
      timeout: 1h
  - name: release
    actions:
      - echo {{.Args.tag}}
    getargs:
      tag: {task: version, key: tag}
    teardown:
      - rm -f release.lock
    env: {B: "2", A: "1"}
    uptodate:
      run_once: true
      config: {level: 3}
`
	tests := []struct {
		file    string
		content string
	}{
		{"tasks.json", asJSON},
		{"tasks.yaml", asYAML},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.content)

			tf, err := loadTaskFile(path)
			if err != nil {
				t.Fatalf("loadTaskFile() error = %v", err)
			}
			tasks, err := tf.SchedulerTasks()
			if err != nil {
				t.Fatalf("SchedulerTasks() error = %v", err)
			}
			if len(tasks) != 2 || tasks[0].Name != "version" || tasks[1].Name != "release" {
				t.Fatalf("tasks out of declaration order: %v", tasks)
			}

			version := tasks[0]
			cmd, ok := version.Actions[0].(*action.Cmd)
			if !ok || cmd.Line != "git describe" || cmd.SaveOut != "tag" {
				t.Errorf("version action = %#v", version.Actions[0])
			}
			if len(version.Uptodate) != 1 {
				t.Errorf("version has %d uptodate checks, want 1", len(version.Uptodate))
			}

			release := tasks[1]
			if ref := release.GetArgs["tag"]; ref.Task != "version" || ref.Key != "tag" {
				t.Errorf("getargs = %+v", release.GetArgs)
			}
			if len(release.Teardown) != 1 {
				t.Errorf("teardown = %v, want one action", release.Teardown)
			}
			if len(release.Uptodate) != 2 {
				t.Errorf("release has %d uptodate checks, want 2", len(release.Uptodate))
			}
			env := release.Actions[0].(*action.Cmd).Env
			if strings.Join(env, ",") != "A=1,B=2" {
				t.Errorf("env = %v, want sorted A=1,B=2", env)
			}
		})
	}
}

func TestLoadTaskFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unnamed task", "tasks:\n  - actions: [true]\n"},
		{"empty command", "tasks:\n  - name: a\n    actions: ['  ']\n"},
		{"getargs without task", "tasks:\n  - name: a\n    getargs: {x: {key: y}}\n"},
		{"unknown field", "tasks:\n  - name: a\n    depends: [b]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tasks.yaml")
			writeFile(t, path, tt.content)

			tf, err := loadTaskFile(path)
			if err == nil {
				_, err = tf.SchedulerTasks()
			}
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRunBuildsThenSkips(t *testing.T) {
	dir := project(t, "tasks.yaml", buildYAML)

	code, out, stderr := runCLI(t, "-f", "tasks.yaml")
	if code != 0 {
		t.Fatalf("first run exit = %d, stderr %s, out %s", code, stderr, out)
	}
	for _, want := range []string{".  compile", ".  link", "success:"} {
		if !strings.Contains(out, want) {
			t.Errorf("first run output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "broken") {
		t.Errorf("default_tasks should not select broken:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "app")); err != nil {
		t.Errorf("target not built: %v", err)
	}

	code, out, _ = runCLI(t, "-f", "tasks.yaml")
	if code != 0 {
		t.Fatalf("second run exit = %d", code)
	}
	for _, want := range []string{"-- compile", "-- link"} {
		if !strings.Contains(out, want) {
			t.Errorf("second run output missing %q:\n%s", want, out)
		}
	}

	writeFile(t, filepath.Join(dir, "main.c"), "int main() { return 1; }\n")
	_, out, _ = runCLI(t, "-f", "tasks.yaml", "compile")
	if !strings.Contains(out, ".  compile") {
		t.Errorf("edited dependency did not rerun compile:\n%s", out)
	}
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"success", []string{"compile"}, 0},
		{"task failure", []string{"broken"}, 1},
		{"target selector", []string{"app"}, 0},
		{"unknown selector", []string{"nope"}, exitFatal},
		{"invalid backend", []string{"--backend", "csv", "compile"}, exitFatal},
		{"missing task file", []string{"-f", "missing.yaml", "compile"}, exitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project(t, "tasks.yaml", buildYAML)
			args := append([]string{"-f", "tasks.yaml"}, tt.args...)
			if code, out, stderr := runCLI(t, args...); code != tt.want {
				t.Errorf("exit = %d, want %d\nstdout: %s\nstderr: %s", code, tt.want, out, stderr)
			}
		})
	}
}

func TestRunReportsFailure(t *testing.T) {
	project(t, "tasks.yaml", buildYAML)

	_, out, _ := runCLI(t, "-f", "tasks.yaml", "--continue", "broken", "compile")
	for _, want := range []string{"XX broken", ".  compile", "failure:", `task "broken"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunWritesMetrics(t *testing.T) {
	dir := project(t, "tasks.yaml", buildYAML)
	metrics := filepath.Join(dir, "taskgraph.prom")

	if code, _, stderr := runCLI(t, "-f", "tasks.yaml", "--metrics-file", metrics); code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr)
	}
	data, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if !strings.Contains(string(data), `taskgraph_tasks_total{status="successful"} 2`) {
		t.Errorf("metrics = %s", data)
	}
}

func TestRunConfigFile(t *testing.T) {
	dir := project(t, "build.json", `{"tasks": [{"name": "hello", "actions": ["echo hi > hello.txt"], "targets": ["hello.txt"]}]}`)
	cfgPath := filepath.Join(dir, "taskgraph.yaml")
	writeFile(t, cfgPath, "task_file: build.json\nbackend: json\n")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--no-tui", "--config", cfgPath, "--dep-file", "state.json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "hello.txt")); err != nil {
		t.Errorf("task from configured task file did not run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "state.json")); err != nil {
		t.Errorf("json state file missing: %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	project(t, "tasks.yaml", "tasks:\n  - name: slow\n    actions: ['sleep 30']\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	if code := run(ctx, []string{"--no-tui", "-f", "tasks.yaml", "--dep-file", ".state.db"}, &stdout, &stderr); code != exitFatal {
		t.Errorf("exit = %d, want %d", code, exitFatal)
	}
}
