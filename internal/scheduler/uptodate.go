package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Verdict is the result of one uptodate check.
type Verdict int

const (
	VerdictSkip     Verdict = iota // Check does not apply
	VerdictUpToDate                // Task may be skipped
	VerdictStale                   // Task must run
)

// UptodateContext is what a check sees: the task, the values saved by its
// last successful run (nil if none) and every task in the graph.
type UptodateContext struct {
	Task   *Task
	Values map[string]any
	Tasks  map[string]*Task
}

// Uptodate is a custom staleness check.
type Uptodate interface {
	Check(ctx UptodateContext) (Verdict, error)
}

// Configurer is implemented by checks that need to hook into their task,
// usually to register value savers. Configure runs once, when the task
// enters a graph.
type Configurer interface {
	Configure(t *Task)
}

// UptodateFunc adapts a function to Uptodate.
type UptodateFunc func(ctx UptodateContext) (Verdict, error)

func (f UptodateFunc) Check(ctx UptodateContext) (Verdict, error) {
	return f(ctx)
}

func configureUptodate(t *Task) {
	for _, u := range t.Uptodate {
		if c, ok := u.(Configurer); ok {
			c.Configure(t)
		}
	}
}

// Bool is a constant check.
func Bool(upToDate bool) Uptodate {
	return UptodateFunc(func(UptodateContext) (Verdict, error) {
		if upToDate {
			return VerdictUpToDate, nil
		}
		return VerdictStale, nil
	})
}

const runOnceKey = "run-once"

type runOnce struct{}

// RunOnce keeps a task up to date once it has succeeded one time.
func RunOnce() Uptodate { return runOnce{} }

func (runOnce) Check(ctx UptodateContext) (Verdict, error) {
	if _, ok := ctx.Values[runOnceKey]; ok {
		return VerdictUpToDate, nil
	}
	return VerdictStale, nil
}

func (runOnce) Configure(t *Task) {
	t.ValueSavers = append(t.ValueSavers, func() map[string]any {
		return map[string]any{runOnceKey: true}
	})
}

const configChangedKey = "_config_changed"

type configChanged struct {
	config any
}

// ConfigChanged marks a task stale whenever the structural hash of config
// differs from the one saved by its last successful run.
func ConfigChanged(config any) Uptodate {
	return &configChanged{config: config}
}

func (c *configChanged) digest() (string, error) {
	sum, err := hashstructure.Hash(c.config, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing config: %w", err)
	}
	return strconv.FormatUint(sum, 16), nil
}

func (c *configChanged) Check(ctx UptodateContext) (Verdict, error) {
	current, err := c.digest()
	if err != nil {
		return VerdictSkip, err
	}
	if saved, ok := ctx.Values[configChangedKey].(string); ok && saved == current {
		return VerdictUpToDate, nil
	}
	return VerdictStale, nil
}

func (c *configChanged) Configure(t *Task) {
	t.ValueSavers = append(t.ValueSavers, func() map[string]any {
		digest, err := c.digest()
		if err != nil {
			return nil
		}
		return map[string]any{configChangedKey: digest}
	})
}

const successTimeKey = "success-time"

type timeout struct {
	limit time.Duration
	now   func() time.Time
}

// Timeout marks a task stale once limit has passed since its last success.
func Timeout(limit time.Duration) Uptodate {
	return &timeout{limit: limit, now: time.Now}
}

func (u *timeout) Check(ctx UptodateContext) (Verdict, error) {
	last, ok := toInt64(ctx.Values[successTimeKey])
	if !ok {
		return VerdictStale, nil
	}
	if u.now().Unix()-last > int64(u.limit/time.Second) {
		return VerdictStale, nil
	}
	return VerdictUpToDate, nil
}

func (u *timeout) Configure(t *Task) {
	t.ValueSavers = append(t.ValueSavers, func() map[string]any {
		return map[string]any{successTimeKey: u.now().Unix()}
	})
}

type timestampUnchanged struct {
	path string
}

// CheckTimestampUnchanged marks a task stale when the modification time of
// path changed since the last success. Useful for directories, whose content
// is not a file dependency.
func CheckTimestampUnchanged(path string) Uptodate {
	return &timestampUnchanged{path: path}
}

func (u *timestampUnchanged) key() string { return "checked:" + u.path }

func (u *timestampUnchanged) Check(ctx UptodateContext) (Verdict, error) {
	info, err := os.Stat(u.path)
	if err != nil {
		return VerdictSkip, fmt.Errorf("checking timestamp of %s: %w", u.path, err)
	}
	saved, ok := toInt64(ctx.Values[u.key()])
	if !ok || saved != info.ModTime().UnixNano() {
		return VerdictStale, nil
	}
	return VerdictUpToDate, nil
}

func (u *timestampUnchanged) Configure(t *Task) {
	t.ValueSavers = append(t.ValueSavers, func() map[string]any {
		info, err := os.Stat(u.path)
		if err != nil {
			return nil
		}
		return map[string]any{u.key(): info.ModTime().UnixNano()}
	})
}

// toInt64 accepts the numeric shapes a value takes after a JSON round trip.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
