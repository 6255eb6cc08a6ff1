package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// stderrTailLines bounds how much stderr a failure message quotes.
const stderrTailLines = 20

// newCommand builds a command that runs in its own process group. Cancelling
// ctx kills the group, children included.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// executeCommand runs cmd and returns what it wrote. Stdout is also copied to
// live as it arrives when live is non-nil. pm may be nil.
//
// The failure error quotes the last lines of stderr and wraps the
// *exec.ExitError, or the start error when the command never ran.
func executeCommand(cmd *exec.Cmd, pm *ProcessManager, live io.Writer) (stdout, stderr []byte, err error) {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	pm.Track(cmd)
	defer pm.Untrack(cmd)

	var outBuf, errBuf bytes.Buffer
	var outDst io.Writer = &outBuf
	if live != nil {
		outDst = io.MultiWriter(&outBuf, live)
	}

	// Pipes are drained before Wait closes them
	var readers errgroup.Group
	readers.Go(func() error {
		_, err := io.Copy(outDst, outPipe)
		return err
	})
	readers.Go(func() error {
		_, err := io.Copy(&errBuf, errPipe)
		return err
	})
	copyErr := readers.Wait()
	waitErr := cmd.Wait()

	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()
	switch {
	case waitErr != nil && len(stderr) > 0:
		return stdout, stderr, fmt.Errorf("%w: %s", waitErr, tail(stderr, stderrTailLines))
	case waitErr != nil:
		return stdout, stderr, waitErr
	case copyErr != nil:
		return stdout, stderr, fmt.Errorf("reading output: %w", copyErr)
	}
	return stdout, stderr, nil
}

// tail returns the last n lines of b, trimmed.
func tail(b []byte, n int) []byte {
	b = bytes.TrimSpace(b)
	lines := bytes.Split(b, []byte("\n"))
	if len(lines) <= n {
		return b
	}
	return bytes.Join(lines[len(lines)-n:], []byte("\n"))
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	// Negative PID signals every process in the group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager knows every command the actions of a session started and
// can kill them all when the session is interrupted. A nil *ProcessManager
// tracks nothing.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started command.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack forgets a command once it was waited for.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll kills the process group of every tracked command.
func (pm *ProcessManager) KillAll() error {
	if pm == nil {
		return nil
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for _, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of running commands.
func (pm *ProcessManager) Count() int {
	if pm == nil {
		return 0
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
