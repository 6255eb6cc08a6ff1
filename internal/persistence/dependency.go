package persistence

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// Reserved record keys. Every other key is a file dependency path.
const (
	keyDeps      = "deps:"
	keyChecker   = "checker:"
	keyValues    = "_values_:"
	keyIgnore    = "ignore:"
	keyStamp     = "_stamp_:"
	keyTaskDepPf = "task_dep:"
)

// Decision is the outcome of a status check.
type Decision struct {
	Status  scheduler.TaskStatus // StatusRun, StatusUpToDate, StatusIgnore or StatusError
	Reasons []string
}

// Store decides whether tasks are up to date and records successful runs.
// It is not safe for concurrent use; one session drives it from one goroutine.
type Store struct {
	backend Backend
	checker Checker

	closeOnce sync.Once
	closeErr  error
}

// NewStore wraps backend. A nil checker means ContentChecker.
func NewStore(backend Backend, checker Checker) *Store {
	if checker == nil {
		checker = ContentChecker{}
	}
	return &Store{backend: backend, checker: checker}
}

// Checker returns the configured checker.
func (s *Store) Checker() Checker { return s.checker }

// GetStatus returns the first reason that decides the status of t. tasks is
// the name index of the graph t belongs to. A non-nil error comes with
// StatusError and names the dependency that could not be checked.
func (s *Store) GetStatus(ctx context.Context, t *scheduler.Task, tasks map[string]*scheduler.Task) (Decision, error) {
	return s.status(ctx, t, tasks, false)
}

// Explain is GetStatus collecting every reason instead of stopping at the
// first one.
func (s *Store) Explain(ctx context.Context, t *scheduler.Task, tasks map[string]*scheduler.Task) (Decision, error) {
	return s.status(ctx, t, tasks, true)
}

func (s *Store) status(ctx context.Context, t *scheduler.Task, tasks map[string]*scheduler.Task, explain bool) (Decision, error) {
	d := Decision{Status: scheduler.StatusUpToDate}
	stale := func(format string, args ...any) bool {
		d.Status = scheduler.StatusRun
		d.Reasons = append(d.Reasons, fmt.Sprintf(format, args...))
		return !explain
	}
	fail := func(err error) (Decision, error) {
		d.Status = scheduler.StatusError
		d.Reasons = append(d.Reasons, err.Error())
		return d, err
	}

	// ignore wins over everything else
	ignored, err := s.IsIgnored(ctx, t.Name)
	if err != nil {
		return fail(err)
	}
	if ignored {
		return Decision{Status: scheduler.StatusIgnore, Reasons: []string{"task is ignored"}}, nil
	}
	taskDeps := nonCalcDeps(t)
	for _, dep := range taskDeps {
		ignored, err := s.IsIgnored(ctx, dep)
		if err != nil {
			return fail(err)
		}
		if ignored {
			return Decision{Status: scheduler.StatusIgnore, Reasons: []string{fmt.Sprintf("dependency %q is ignored", dep)}}, nil
		}
	}

	for _, target := range t.Targets {
		if _, err := os.Stat(target); err != nil {
			if stale("target %q does not exist", target) {
				return d, nil
			}
		}
	}

	values, err := s.Values(ctx, t.Name)
	if err != nil {
		return fail(err)
	}
	var staleChecks []int
	checks := 0
	for i, u := range t.Uptodate {
		verdict, err := u.Check(scheduler.UptodateContext{Task: t, Values: values, Tasks: tasks})
		if err != nil {
			return fail(fmt.Errorf("uptodate check %d of %q: %w", i, t.Name, err))
		}
		switch verdict {
		case scheduler.VerdictStale:
			staleChecks = append(staleChecks, i)
			checks++
		case scheduler.VerdictUpToDate:
			checks++
		}
	}

	if len(t.FileDeps) == 0 && len(taskDeps) == 0 && checks == 0 {
		if stale("task has no dependencies") {
			return d, nil
		}
	}
	for _, i := range staleChecks {
		if stale("uptodate check %d is stale", i) {
			return d, nil
		}
	}

	if len(t.FileDeps) > 0 {
		if stop, err := s.checkFileDeps(ctx, t, stale); err != nil {
			return fail(err)
		} else if stop {
			return d, nil
		}
	}

	for _, dep := range taskDeps {
		current, err := s.getString(ctx, dep, keyStamp)
		if err != nil {
			return fail(err)
		}
		saved, err := s.getString(ctx, t.Name, keyTaskDepPf+dep)
		if err != nil {
			return fail(err)
		}
		if saved == "" || saved != current {
			if stale("task dependency %q changed", dep) {
				return d, nil
			}
		}
	}

	return d, nil
}

// checkFileDeps applies the checker to every file dependency. It reports
// whether the caller should stop, which happens on the first stale file
// unless explaining. A missing file is an error.
func (s *Store) checkFileDeps(ctx context.Context, t *scheduler.Task, stale func(string, ...any) bool) (bool, error) {
	infos := make([]os.FileInfo, len(t.FileDeps))
	for i, path := range t.FileDeps {
		info, err := os.Stat(path)
		if err != nil {
			return false, fmt.Errorf("dependent file %q does not exist: %w", path, err)
		}
		infos[i] = info
	}

	checker, err := s.getString(ctx, t.Name, keyChecker)
	if err != nil {
		return false, err
	}
	if checker != "" && checker != s.checker.Name() {
		if stale("checker changed from %s to %s", checker, s.checker.Name()) {
			return true, nil
		}
	}

	var savedDeps []string
	if err := s.getJSON(ctx, t.Name, keyDeps, &savedDeps); err != nil {
		return false, err
	}
	if savedDeps != nil && !sameSet(savedDeps, t.FileDeps) {
		if stale("file dependency list changed") {
			return true, nil
		}
	}

	for i, path := range t.FileDeps {
		var st FileState
		raw, err := s.backend.Get(ctx, t.Name, path)
		if errors.Is(err, ErrNotFound) {
			if stale("file %q has no saved state", path) {
				return true, nil
			}
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to read state of %q: %w", path, err)
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			return false, fmt.Errorf("corrupt state of %q for %q: %w", path, t.Name, err)
		}
		changed, err := s.checker.Changed(path, infos[i], st)
		if err != nil {
			return false, fmt.Errorf("checking %q: %w", path, err)
		}
		if changed {
			if stale("file %q changed", path) {
				return true, nil
			}
		}
	}
	return false, nil
}

// SaveSuccess records a successful run of t: the state of every file
// dependency, the stamps of its task dependencies, its values and its own
// stamp. The record is replaced as a whole.
func (s *Store) SaveSuccess(ctx context.Context, t *scheduler.Task) error {
	record := make(map[string][]byte)

	for _, path := range t.FileDeps {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("dependent file %q does not exist: %w", path, err)
		}
		var prev *FileState
		if raw, err := s.backend.Get(ctx, t.Name, path); err == nil {
			var st FileState
			if json.Unmarshal(raw, &st) == nil {
				prev = &st
			}
		}
		st, err := s.checker.State(path, info, prev)
		if err != nil {
			return fmt.Errorf("computing state of %q: %w", path, err)
		}
		if err := putJSON(record, path, st); err != nil {
			return err
		}
	}
	if err := putJSON(record, keyDeps, t.FileDeps); err != nil {
		return err
	}
	if err := putJSON(record, keyChecker, s.checker.Name()); err != nil {
		return err
	}

	for _, dep := range nonCalcDeps(t) {
		stamp, err := s.getString(ctx, dep, keyStamp)
		if err != nil {
			return err
		}
		if err := putJSON(record, keyTaskDepPf+dep, stamp); err != nil {
			return err
		}
	}

	if len(t.Values) > 0 {
		if err := putJSON(record, keyValues, t.Values); err != nil {
			return fmt.Errorf("values of %q: %w", t.Name, err)
		}
	}

	stamp, err := s.stamp(t)
	if err != nil {
		return err
	}
	if err := putJSON(record, keyStamp, stamp); err != nil {
		return err
	}

	ignored, err := s.IsIgnored(ctx, t.Name)
	if err != nil {
		return err
	}
	if ignored {
		record[keyIgnore] = []byte("true")
	}

	if err := s.backend.Replace(ctx, t.Name, record); err != nil {
		return fmt.Errorf("saving %q: %w", t.Name, err)
	}
	return nil
}

// stamp digests the values of t and the signatures of its existing targets.
// Dependents compare it to decide whether their task dependency changed.
func (s *Store) stamp(t *scheduler.Task) (string, error) {
	h := sha3.New256()
	values, err := json.Marshal(t.Values) // map keys are sorted
	if err != nil {
		return "", fmt.Errorf("values of %q: %w", t.Name, err)
	}
	h.Write(values)

	targets := slices.Clone(t.Targets)
	sort.Strings(targets)
	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			continue
		}
		st, err := s.checker.State(target, info, nil)
		if err != nil {
			return "", fmt.Errorf("computing state of target %q: %w", target, err)
		}
		fmt.Fprintf(h, "\x00%s\x00%d\x00%s", target, st.Size, st.Digest)
		if st.Digest == "" {
			fmt.Fprintf(h, "\x00%d", st.ModTime)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RemoveSuccess drops the record of name so it is never reported up to date
// after a failure.
func (s *Store) RemoveSuccess(ctx context.Context, name string) error {
	if err := s.backend.Remove(ctx, name); err != nil {
		return fmt.Errorf("removing %q: %w", name, err)
	}
	return nil
}

// Forget drops everything recorded for name, ignore flag included.
func (s *Store) Forget(ctx context.Context, name string) error {
	return s.RemoveSuccess(ctx, name)
}

// Ignore flags name so it and its dependents are skipped.
func (s *Store) Ignore(ctx context.Context, name string) error {
	if err := s.backend.Set(ctx, name, keyIgnore, []byte("true")); err != nil {
		return fmt.Errorf("ignoring %q: %w", name, err)
	}
	return nil
}

// IsIgnored reports whether name is flagged ignored.
func (s *Store) IsIgnored(ctx context.Context, name string) (bool, error) {
	var ignored bool
	if err := s.getJSON(ctx, name, keyIgnore, &ignored); err != nil {
		return false, err
	}
	return ignored, nil
}

// Values returns the values saved by the last successful run of name, or nil.
// Numbers decode as json.Number so large integers survive.
func (s *Store) Values(ctx context.Context, name string) (map[string]any, error) {
	var values map[string]any
	if err := s.getJSON(ctx, name, keyValues, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// Value returns one saved value of name.
func (s *Store) Value(ctx context.Context, name, key string) (any, error) {
	values, err := s.Values(ctx, name)
	if err != nil {
		return nil, err
	}
	v, ok := values[key]
	if !ok {
		return nil, fmt.Errorf("task %q saved no value %q", name, key)
	}
	return v, nil
}

// TaskIDs lists every task with a record.
func (s *Store) TaskIDs(ctx context.Context) ([]string, error) {
	return s.backend.TaskIDs(ctx)
}

// Close flushes and closes the backend. Only the first call does anything.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.backend.Close()
	})
	return s.closeErr
}

func (s *Store) getJSON(ctx context.Context, taskID, key string, v any) error {
	raw, err := s.backend.Get(ctx, taskID, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %q of %q: %w", key, taskID, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("corrupt %q of %q: %w", key, taskID, err)
	}
	return nil
}

func (s *Store) getString(ctx context.Context, taskID, key string) (string, error) {
	var v string
	err := s.getJSON(ctx, taskID, key, &v)
	return v, err
}

func putJSON(record map[string][]byte, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	record[key] = raw
	return nil
}

func nonCalcDeps(t *scheduler.Task) []string {
	deps := make([]string, 0, len(t.TaskDeps))
	for _, dep := range t.TaskDeps {
		if !t.IsCalcDep(dep) {
			deps = append(deps, dep)
		}
	}
	return deps
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	sort.Strings(x)
	sort.Strings(y)
	return slices.Equal(x, y)
}
