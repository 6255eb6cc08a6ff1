package scheduler

import (
	"errors"
	"regexp"
	"slices"
	"strings"
	"testing"
)

type testAction string

func (a testAction) String() string { return string(a) }

func act(s string) []Action { return []Action{testAction(s)} }

// TestBuildValidation covers the ways a task set can be rejected.
func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name     string
		tasks    func() []*Task
		wantKind GraphErrorKind
		wantErr  bool
		contains string
	}{
		{
			name: "valid chain",
			tasks: func() []*Task {
				return []*Task{
					{Name: "a", Actions: act("a")},
					{Name: "b", Actions: act("b"), TaskDeps: []string{"a"}},
				}
			},
		},
		{
			name: "duplicate name",
			tasks: func() []*Task {
				return []*Task{{Name: "a"}, {Name: "a"}}
			},
			wantErr:  true,
			wantKind: KindDuplicateTask,
			contains: `"a"`,
		},
		{
			name: "missing task dependency",
			tasks: func() []*Task {
				return []*Task{{Name: "a", TaskDeps: []string{"ghost"}}}
			},
			wantErr:  true,
			wantKind: KindMissingDependency,
			contains: "ghost",
		},
		{
			name: "missing setup",
			tasks: func() []*Task {
				return []*Task{{Name: "a", Setup: []string{"ghost"}}}
			},
			wantErr:  true,
			wantKind: KindMissingSetup,
			contains: "ghost",
		},
		{
			name: "duplicate target",
			tasks: func() []*Task {
				return []*Task{
					{Name: "a", Targets: []string{"out.txt"}},
					{Name: "b", Targets: []string{"out.txt"}},
				}
			},
			wantErr:  true,
			wantKind: KindDuplicateTarget,
			contains: "out.txt",
		},
		{
			name: "pattern without match",
			tasks: func() []*Task {
				return []*Task{{Name: "a", TaskDeps: []string{"lint:*"}}}
			},
			wantErr:  true,
			wantKind: KindMissingDependency,
			contains: "lint:*",
		},
		{
			name: "malformed pattern",
			tasks: func() []*Task {
				return []*Task{{Name: "a"}, {Name: "b", TaskDeps: []string{"[a"}}}
			},
			wantErr:  true,
			wantKind: KindInvalidPattern,
		},
		{
			name: "unnamed task",
			tasks: func() []*Task {
				return []*Task{{Actions: act("x")}}
			},
			wantErr:  true,
			wantKind: KindInvalidTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.tasks())
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Build() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Build() succeeded, want error")
			}
			var gerr *GraphError
			if !errors.As(err, &gerr) {
				t.Fatalf("error %v is not a GraphError", err)
			}
			if gerr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", gerr.Kind, tt.wantKind)
			}
			if !errors.Is(err, ErrInvalidGraph) {
				t.Error("error does not wrap ErrInvalidGraph")
			}
			if tt.contains != "" && !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err, tt.contains)
			}
		})
	}
}

func TestBuildCycles(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  []string
	}{
		{
			name: "direct",
			tasks: []*Task{
				{Name: "a", TaskDeps: []string{"b"}},
				{Name: "b", TaskDeps: []string{"a"}},
			},
			want: []string{"a", "b", "a"},
		},
		{
			name: "declared in reverse",
			tasks: []*Task{
				{Name: "b", TaskDeps: []string{"a"}},
				{Name: "a", TaskDeps: []string{"b"}},
			},
			want: []string{"a", "b", "a"},
		},
		{
			name: "transitive",
			tasks: []*Task{
				{Name: "a", TaskDeps: []string{"b"}},
				{Name: "b", TaskDeps: []string{"c"}},
				{Name: "c", TaskDeps: []string{"a"}},
			},
			want: []string{"a", "b", "c", "a"},
		},
		{
			name:  "self loop",
			tasks: []*Task{{Name: "a", TaskDeps: []string{"a"}}},
			want:  []string{"a", "a"},
		},
		{
			name: "through setup",
			tasks: []*Task{
				{Name: "a", Setup: []string{"b"}},
				{Name: "b", TaskDeps: []string{"a"}},
			},
			want: []string{"a", "b", "a"},
		},
		{
			name: "through implicit file dependency",
			tasks: []*Task{
				{Name: "a", FileDeps: []string{"b.out"}, Targets: []string{"a.out"}},
				{Name: "b", FileDeps: []string{"a.out"}, Targets: []string{"b.out"}},
			},
			want: []string{"a", "b", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.tasks)
			var cerr *CyclicDependencyError
			if !errors.As(err, &cerr) {
				t.Fatalf("Build() error = %v, want CyclicDependencyError", err)
			}
			if !slices.Equal(cerr.Cycle, tt.want) {
				t.Errorf("Cycle = %v, want %v", cerr.Cycle, tt.want)
			}
			if !errors.Is(err, ErrCycle) {
				t.Error("error does not wrap ErrCycle")
			}
		})
	}
}

func TestBuildImplicitDeps(t *testing.T) {
	compileA := &Task{Name: "compile_a", Actions: act("cc a"), FileDeps: []string{"a.c"}, Targets: []string{"a.o"}}
	compileB := &Task{Name: "compile_b", Actions: act("cc b"), FileDeps: []string{"b.c"}, Targets: []string{"b.o"}}
	link := &Task{Name: "link", Actions: act("ld"), FileDeps: []string{"a.o", "b.o"}, Targets: []string{"app"}}
	tasks := []*Task{link, compileA, compileB}

	if _, err := Build(tasks); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"compile_a", "compile_b"}
	if !slices.Equal(link.TaskDeps, want) {
		t.Errorf("link.TaskDeps = %v, want %v", link.TaskDeps, want)
	}

	// building again must not duplicate anything
	if _, err := Build(tasks); err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	if !slices.Equal(link.TaskDeps, want) {
		t.Errorf("after rebuild link.TaskDeps = %v, want %v", link.TaskDeps, want)
	}
	if len(compileA.TaskDeps) != 0 {
		t.Errorf("compile_a gained dependencies: %v", compileA.TaskDeps)
	}
}

func TestBuildWildcardExpansion(t *testing.T) {
	tasks := []*Task{
		{Name: "test:unit"},
		{Name: "test:e2e"},
		{Name: "lint"},
		{Name: "ci", TaskDeps: []string{"lint", "test:*", "lint"}},
	}
	g, err := Build(tasks)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	ci, _ := g.Task("ci")
	want := []string{"lint", "test:unit", "test:e2e"}
	if !slices.Equal(ci.TaskDeps, want) {
		t.Errorf("ci.TaskDeps = %v, want %v", ci.TaskDeps, want)
	}
}

func TestBuildGetArgsBecomeSetup(t *testing.T) {
	tasks := []*Task{
		{Name: "version", Actions: act("git describe")},
		{Name: "package", Actions: act("tar"), GetArgs: map[string]ArgRef{"v": {Task: "version", Key: "tag"}}},
	}
	g, err := Build(tasks)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	pkg, _ := g.Task("package")
	if !slices.Equal(pkg.Setup, []string{"version"}) {
		t.Errorf("package.Setup = %v, want [version]", pkg.Setup)
	}
}

func TestSelect(t *testing.T) {
	newGraph := func(t *testing.T) *Graph {
		t.Helper()
		tasks := []*Task{
			{Name: "compile", Actions: act("cc"), Targets: []string{"main.o"}},
			{Name: "test:unit", Actions: act("go test")},
			{Name: "test:race", Actions: act("go test -race")},
			{Name: "gen", Loader: &DelayedLoader{
				Creator:     func() ([]*Task, error) { return nil, nil },
				TargetRegex: regexp.MustCompile(`\.pb\.go$`),
			}},
		}
		g, err := Build(tasks)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		return g
	}

	tests := []struct {
		name      string
		selectors []string
		want      []string
		wantErr   string
	}{
		{name: "all", selectors: nil, want: []string{"compile", "test:unit", "test:race", "gen"}},
		{name: "empty means all", selectors: []string{}, want: []string{"compile", "test:unit", "test:race", "gen"}},
		{name: "exact name", selectors: []string{"compile"}, want: []string{"compile"}},
		{name: "target", selectors: []string{"main.o"}, want: []string{"compile"}},
		{name: "pattern", selectors: []string{"test:*"}, want: []string{"test:unit", "test:race"}},
		{name: "duplicates collapse", selectors: []string{"compile", "main.o"}, want: []string{"compile"}},
		{name: "delayed subtask", selectors: []string{"gen:proto"}, want: []string{"gen:proto"}},
		{name: "regex target", selectors: []string{"api.pb.go"}, want: []string{"_regex_target_api.pb.go:gen"}},
		{name: "unknown", selectors: []string{"nope"}, wantErr: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newGraph(t).Select(tt.selectors)
			if tt.wantErr != "" {
				var serr *SelectionError
				if !errors.As(err, &serr) {
					t.Fatalf("Select() error = %v, want SelectionError", err)
				}
				if serr.Selector != tt.wantErr {
					t.Errorf("Selector = %q, want %q", serr.Selector, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeDeps(t *testing.T) {
	g, err := Build([]*Task{
		{Name: "scan", Actions: act("scan")},
		{Name: "gen", Actions: act("gen"), Targets: []string{"gen.h"}},
		{Name: "extra", Actions: act("extra")},
		{Name: "build", Actions: act("cc"), CalcDeps: []string{"scan"}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	build, _ := g.Task("build")

	newTask, newCalc, err := g.MergeDeps(build, map[string]any{
		"file_dep": []any{"gen.h", "main.c"},
		"task_dep": []string{"extra", "build"},
	})
	if err != nil {
		t.Fatalf("MergeDeps() error = %v", err)
	}
	if want := []string{"extra", "gen"}; !slices.Equal(newTask, want) {
		t.Errorf("new task deps = %v, want %v", newTask, want)
	}
	if len(newCalc) != 0 {
		t.Errorf("new calc deps = %v, want none", newCalc)
	}
	if want := []string{"gen.h", "main.c"}; !slices.Equal(build.FileDeps, want) {
		t.Errorf("FileDeps = %v, want %v", build.FileDeps, want)
	}

	if _, _, err := g.MergeDeps(build, map[string]any{"task_dep": "ghost"}); err == nil {
		t.Error("merging an unknown task dependency succeeded")
	}
}
