package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// saved runs the value savers of t the way a successful execution would.
func saved(t *Task) map[string]any {
	t.Values = nil
	t.SaveValues(nil)
	return t.Values
}

func TestUptodateChecks(t *testing.T) {
	type settings struct {
		Level int
		Flags []string
	}

	tests := []struct {
		name   string
		check  func(t *testing.T) Uptodate
		values func(t *testing.T, task *Task) map[string]any
		want   Verdict
	}{
		{
			name:   "bool true",
			check:  func(*testing.T) Uptodate { return Bool(true) },
			values: func(*testing.T, *Task) map[string]any { return nil },
			want:   VerdictUpToDate,
		},
		{
			name:   "bool false",
			check:  func(*testing.T) Uptodate { return Bool(false) },
			values: func(*testing.T, *Task) map[string]any { return nil },
			want:   VerdictStale,
		},
		{
			name:   "run once before first success",
			check:  func(*testing.T) Uptodate { return RunOnce() },
			values: func(*testing.T, *Task) map[string]any { return nil },
			want:   VerdictStale,
		},
		{
			name:   "run once after success",
			check:  func(*testing.T) Uptodate { return RunOnce() },
			values: func(_ *testing.T, task *Task) map[string]any { return saved(task) },
			want:   VerdictUpToDate,
		},
		{
			name:   "config unchanged",
			check:  func(*testing.T) Uptodate { return ConfigChanged(settings{Level: 2, Flags: []string{"-O"}}) },
			values: func(_ *testing.T, task *Task) map[string]any { return saved(task) },
			want:   VerdictUpToDate,
		},
		{
			name:  "config changed",
			check: func(*testing.T) Uptodate { return ConfigChanged(settings{Level: 3}) },
			values: func(t *testing.T, _ *Task) map[string]any {
				old := &Task{Name: "old", Uptodate: []Uptodate{ConfigChanged(settings{Level: 2})}}
				configureUptodate(old)
				return saved(old)
			},
			want: VerdictStale,
		},
		{
			name: "timeout not expired",
			check: func(*testing.T) Uptodate {
				return Timeout(time.Hour)
			},
			values: func(_ *testing.T, task *Task) map[string]any { return saved(task) },
			want:   VerdictUpToDate,
		},
		{
			name: "timeout expired",
			check: func(*testing.T) Uptodate {
				u := Timeout(time.Minute).(*timeout)
				u.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
				return u
			},
			values: func(*testing.T, *Task) map[string]any {
				return map[string]any{successTimeKey: json.Number("1000")}
			},
			want: VerdictStale,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := tt.check(t)
			task := &Task{Name: "task", Uptodate: []Uptodate{check}}
			configureUptodate(task)

			got, err := check.Check(UptodateContext{Task: task, Values: tt.values(t, task)})
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Check() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCheckTimestampUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assets")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	check := CheckTimestampUnchanged(path)
	task := &Task{Name: "bundle", Uptodate: []Uptodate{check}}
	configureUptodate(task)
	values := saved(task)

	got, err := check.Check(UptodateContext{Task: task, Values: values})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if got != VerdictUpToDate {
		t.Errorf("Check() = %d before touching, want up to date", got)
	}

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	got, err = check.Check(UptodateContext{Task: task, Values: values})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if got != VerdictStale {
		t.Errorf("Check() = %d after touching, want stale", got)
	}

	if _, err := CheckTimestampUnchanged(filepath.Join(dir, "missing")).Check(UptodateContext{Task: task}); err == nil {
		t.Error("Check() on a missing path succeeded")
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{in: int64(7), want: 7, ok: true},
		{in: 7, want: 7, ok: true},
		{in: float64(7), want: 7, ok: true},
		{in: json.Number("1700000000123456789"), want: 1700000000123456789, ok: true},
		{in: "42", want: 42, ok: true},
		{in: "x", ok: false},
		{in: nil, ok: false},
	}
	for _, tt := range tests {
		got, ok := toInt64(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("toInt64(%v) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
