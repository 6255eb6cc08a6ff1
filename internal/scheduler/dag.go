package scheduler

import (
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

const regexPlaceholderPrefix = "_regex_target_"

// BuildOptions tunes graph construction.
type BuildOptions struct {
	// AutoDelayedRegex makes every delayed loader a candidate for unknown
	// target selectors, not only loaders with a TargetRegex.
	AutoDelayedRegex bool
}

// Option configures Build.
type Option func(*BuildOptions)

// WithAutoDelayedRegex sets BuildOptions.AutoDelayedRegex.
func WithAutoDelayedRegex(on bool) Option {
	return func(o *BuildOptions) {
		o.AutoDelayedRegex = on
	}
}

// Graph is a validated task set indexed by name and by target path.
// Delayed loaders may add tasks while a dispatch session runs.
type Graph struct {
	mu          sync.RWMutex
	opts        BuildOptions
	tasks       map[string]*Task       // All tasks, placeholders included
	order       []string               // Declaration order, then load order
	targets     map[string]string      // Target path -> producing task
	regexGroups map[string]*RegexGroup // Regex placeholder -> its group
}

// Build validates tasks and derives the dependencies they imply.
//
// It fails with a GraphError on duplicate names or targets and on references
// to tasks that do not exist, and with a CyclicDependencyError when the
// declared dependencies loop. Wildcard task dependencies are expanded and
// tasks reading another task's target gain a dependency on it; both changes
// are made in place and are idempotent.
func Build(tasks []*Task, opts ...Option) (*Graph, error) {
	g := &Graph{
		tasks:       make(map[string]*Task),
		targets:     make(map[string]string),
		regexGroups: make(map[string]*RegexGroup),
	}
	for _, opt := range opts {
		opt(&g.opts)
	}

	for _, t := range tasks {
		if t == nil || t.Name == "" {
			return nil, graphErrorf(KindInvalidTask, "task without a name")
		}
		if _, exists := g.tasks[t.Name]; exists {
			return nil, graphErrorf(KindDuplicateTask, "task %q declared more than once", t.Name)
		}
		g.tasks[t.Name] = t
		g.order = append(g.order, t.Name)
		if t.Loader != nil && t.Loader.basename == "" {
			t.Loader.basename = t.Name
		}
	}

	for _, name := range g.order {
		l := g.tasks[name].Loader
		if l == nil {
			continue
		}
		for _, c := range l.Creates {
			if _, exists := g.tasks[c]; !exists {
				g.addPlaceholder(c, l)
			}
		}
	}

	if err := g.resolve(slices.Clone(g.order)); err != nil {
		return nil, err
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// resolve runs the expansion passes over the named tasks.
// Callers hold g.mu or own g exclusively.
func (g *Graph) resolve(names []string) error {
	for _, name := range names {
		if err := g.expandPatterns(g.tasks[name]); err != nil {
			return err
		}
	}
	for _, name := range names {
		if err := g.checkReferences(g.tasks[name]); err != nil {
			return err
		}
	}
	for _, name := range names {
		if err := g.indexTargets(g.tasks[name]); err != nil {
			return err
		}
	}
	for _, name := range names {
		g.addImplicitDeps(g.tasks[name])
	}
	for _, name := range names {
		configureUptodate(g.tasks[name])
	}
	return nil
}

// expandPatterns replaces glob task dependencies with the matching names.
// The rebuilt list never holds duplicates.
func (g *Graph) expandPatterns(t *Task) error {
	expanded := make([]string, 0, len(t.TaskDeps))
	for _, dep := range t.TaskDeps {
		if !isPattern(dep) {
			expanded = appendUnique(expanded, dep)
			continue
		}
		matched := false
		for _, name := range g.order {
			if name == t.Name {
				continue
			}
			ok, err := path.Match(dep, name)
			if err != nil {
				return graphErrorf(KindInvalidPattern, "task %q: bad pattern %q: %v", t.Name, dep, err)
			}
			if ok {
				expanded = appendUnique(expanded, name)
				matched = true
			}
		}
		if !matched {
			return graphErrorf(KindMissingDependency, "task %q: pattern %q matches no task", t.Name, dep)
		}
	}
	t.TaskDeps = expanded
	return nil
}

func (g *Graph) checkReferences(t *Task) error {
	argNames := make([]string, 0, len(t.GetArgs))
	for arg := range t.GetArgs {
		argNames = append(argNames, arg)
	}
	sort.Strings(argNames)
	for _, arg := range argNames {
		ref := t.GetArgs[arg]
		if !g.ensureTask(ref.Task) {
			return graphErrorf(KindMissingDependency, "task %q: argument %q refers to non-existent task %q", t.Name, arg, ref.Task)
		}
		if ref.Task != t.Name {
			t.Setup = appendUnique(t.Setup, ref.Task)
		}
	}

	for _, dep := range t.TaskDeps {
		if !g.ensureTask(dep) {
			return graphErrorf(KindMissingDependency, "task %q depends on non-existent task %q", t.Name, dep)
		}
	}
	for _, dep := range t.CalcDeps {
		if !g.ensureTask(dep) {
			return graphErrorf(KindMissingDependency, "task %q has non-existent calculated dependency %q", t.Name, dep)
		}
	}
	for _, dep := range t.Setup {
		if !g.ensureTask(dep) {
			return graphErrorf(KindMissingSetup, "task %q has non-existent setup task %q", t.Name, dep)
		}
	}
	return nil
}

// ensureTask reports whether name resolves, creating a placeholder when it is
// a subtask of a delayed task.
func (g *Graph) ensureTask(name string) bool {
	if _, ok := g.tasks[name]; ok {
		return true
	}
	base, ok := g.tasks[basename(name)]
	if !ok || base.Loader == nil || basename(name) == name {
		return false
	}
	g.addPlaceholder(name, base.Loader)
	return true
}

func (g *Graph) addPlaceholder(name string, l *DelayedLoader) {
	t := &Task{Name: name, Loader: l}
	if b := basename(name); b != name {
		t.SubtaskOf = b
	}
	g.tasks[name] = t
}

func (g *Graph) indexTargets(t *Task) error {
	for _, target := range t.Targets {
		if owner, ok := g.targets[target]; ok && owner != t.Name {
			return graphErrorf(KindDuplicateTarget, "target %q is produced by both %q and %q", target, owner, t.Name)
		}
		g.targets[target] = t.Name
	}
	return nil
}

// addImplicitDeps makes t depend on the producer of every file it reads.
func (g *Graph) addImplicitDeps(t *Task) {
	for _, dep := range t.FileDeps {
		if owner, ok := g.targets[dep]; ok && owner != t.Name {
			t.TaskDeps = appendUnique(t.TaskDeps, owner)
		}
	}
}

// checkAcyclic topologically sorts every declared edge (task, calculated and
// setup dependencies) and names the cycle when the sort fails.
func (g *Graph) checkAcyclic() error {
	var edges []toposort.Edge
	for _, name := range g.sortedNames() {
		deps := g.tasks[name].dependencyNames()
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range deps {
			// Edge (dep, name) means dep must come before name
			edges = append(edges, toposort.Edge{dep, name})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		if cycle := g.findCycle(); cycle != nil {
			return &CyclicDependencyError{Cycle: cycle}
		}
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}
	return nil
}

// findCycle walks the graph depth-first in name order so the reported cycle
// is stable across runs.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		stack = append(stack, name)
		if t, ok := g.tasks[name]; ok {
			for _, dep := range t.dependencyNames() {
				switch color[dep] {
				case gray:
					i := slices.Index(stack, dep)
					return append(slices.Clone(stack[i:]), dep)
				case white:
					if cycle := visit(dep); cycle != nil {
						return cycle
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, name := range g.sortedNames() {
		if color[name] == white {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func (g *Graph) sortedNames() []string {
	names := make([]string, 0, len(g.tasks))
	for name := range g.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Task) dependencyNames() []string {
	deps := make([]string, 0, len(t.TaskDeps)+len(t.CalcDeps)+len(t.Setup))
	deps = append(deps, t.TaskDeps...)
	deps = append(deps, t.CalcDeps...)
	deps = append(deps, t.Setup...)
	return deps
}

// Select resolves selectors to task names. Each selector is tried as an exact
// task name, an exact target path, a glob over task names, a subtask of a
// delayed task, and finally a target for regex-matching delayed tasks.
// An empty selection means every declared task in declaration order.
func (g *Graph) Select(selectors []string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(selectors) == 0 {
		return slices.Clone(g.order), nil
	}

	var selected []string
	for _, sel := range selectors {
		names, err := g.resolveSelector(sel)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			selected = appendUnique(selected, name)
		}
	}
	return selected, nil
}

func (g *Graph) resolveSelector(sel string) ([]string, error) {
	if _, ok := g.tasks[sel]; ok {
		return []string{sel}, nil
	}
	if owner, ok := g.targets[sel]; ok {
		return []string{owner}, nil
	}
	if isPattern(sel) {
		var matched []string
		for _, name := range g.order {
			ok, err := path.Match(sel, name)
			if err != nil {
				return nil, &SelectionError{Selector: sel}
			}
			if ok {
				matched = append(matched, name)
			}
		}
		if len(matched) > 0 {
			return matched, nil
		}
	}
	if g.ensureTask(sel) {
		return []string{sel}, nil
	}
	return g.regexPlaceholders(sel)
}

// regexPlaceholders fans target out to one placeholder per delayed loader
// whose regex matches it. All placeholders share one RegexGroup.
func (g *Graph) regexPlaceholders(target string) ([]string, error) {
	group := &RegexGroup{Target: target}
	for _, name := range g.order {
		t := g.tasks[name]
		if t.Loader == nil || t.Loader.basename != name {
			continue
		}
		re := t.Loader.TargetRegex
		if re == nil && !g.opts.AutoDelayedRegex {
			continue
		}
		if re != nil && !re.MatchString(target) {
			continue
		}
		placeholder := fmt.Sprintf("%s%s:%s", regexPlaceholderPrefix, target, name)
		g.tasks[placeholder] = &Task{Name: placeholder, Loader: t.Loader}
		g.regexGroups[placeholder] = group
		group.Candidates = append(group.Candidates, placeholder)
	}
	if len(group.Candidates) == 0 {
		return nil, &SelectionError{Selector: target}
	}
	return slices.Clone(group.Candidates), nil
}

// load runs a delayed creator once and merges the tasks it returns. When the
// creator does not return a task named after the loader, a group task over
// the created subtasks takes the placeholder's place.
func (g *Graph) load(l *DelayedLoader) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l.created {
		return nil
	}
	l.created = true

	created, err := l.Creator()
	if err != nil {
		return graphErrorf(KindDelayed, "creating tasks for %q: %v", l.basename, err)
	}

	var names, subtasks []string
	for _, t := range created {
		if t == nil || t.Name == "" {
			return graphErrorf(KindInvalidTask, "task without a name created for %q", l.basename)
		}
		if existing, ok := g.tasks[t.Name]; ok && existing.Loader != l {
			return graphErrorf(KindDuplicateTask, "task %q created for %q already exists", t.Name, l.basename)
		}
		if t.SubtaskOf == "" && t.Name != l.basename && basename(t.Name) == l.basename {
			t.SubtaskOf = l.basename
		}
		if t.SubtaskOf == l.basename {
			subtasks = append(subtasks, t.Name)
		}
		g.tasks[t.Name] = t
		if !slices.Contains(g.order, t.Name) {
			g.order = append(g.order, t.Name)
		}
		names = append(names, t.Name)
	}

	if base := g.tasks[l.basename]; base != nil && base.Loader == l {
		g.tasks[l.basename] = &Task{
			Name:       l.basename,
			Doc:        base.Doc,
			TaskDeps:   subtasks,
			HasSubtask: len(subtasks) > 0,
		}
		names = append(names, l.basename)
	}

	if err := g.resolve(names); err != nil {
		return err
	}
	return g.checkAcyclic()
}

// MergeDeps applies a calculated dependency's reported values to t and
// returns the task and calculated dependencies that were added.
func (g *Graph) MergeDeps(t *Task, values map[string]any) (newTaskDeps, newCalcDeps []string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nTask, nCalc := len(t.TaskDeps), len(t.CalcDeps)
	t.MergeDeps(values)
	if err := g.expandPatterns(t); err != nil {
		return nil, nil, err
	}
	if err := g.checkReferences(t); err != nil {
		return nil, nil, err
	}
	g.addImplicitDeps(t)
	return slices.Clone(t.TaskDeps[nTask:]), slices.Clone(t.CalcDeps[nCalc:]), nil
}

// Task returns the task registered under name.
func (g *Graph) Task(name string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tasks[name]
	return t, ok
}

// Tasks returns a snapshot of the name index. The tasks themselves are shared.
func (g *Graph) Tasks() map[string]*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make(map[string]*Task, len(g.tasks))
	for name, t := range g.tasks {
		tasks[name] = t
	}
	return tasks
}

// Order returns task names in declaration order.
func (g *Graph) Order() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// TargetOwner returns the task producing target.
func (g *Graph) TargetOwner(target string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	owner, ok := g.targets[target]
	return owner, ok
}

// RegexGroup returns the group a regex placeholder belongs to.
func (g *Graph) RegexGroup(name string) (*RegexGroup, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	group, ok := g.regexGroups[name]
	return group, ok
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
