package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/aristath/conductor/internal/errors"
)

// newCommand builds an exec.Cmd whose subprocess runs in its own process
// group. Workers may fork; a group kill takes the whole tree down.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// runCommand starts cmd, drains stdout and stderr concurrently, and waits
// for it to exit. Draining before Wait keeps a chatty subprocess from
// deadlocking on a full pipe. A non-nil pm tracks the process for the
// duration of the run so a shutdown KillAll can reach it.
func runCommand(cmd *exec.Cmd, pm *ProcessManager) (stdout, stderr []byte, err error) {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	drain := func(dst *bytes.Buffer, src io.Reader) {
		defer wg.Done()
		io.Copy(dst, src)
	}
	wg.Add(2)
	go drain(&outBuf, outPipe)
	go drain(&errBuf, errPipe)

	// Both pipes must hit EOF before Wait may run.
	wg.Wait()
	waitErr := cmd.Wait()

	stdout = outBuf.Bytes()
	stderr = errBuf.Bytes()
	if waitErr == nil {
		return stdout, stderr, nil
	}
	if msg := bytes.TrimSpace(stderr); len(msg) > 0 {
		return stdout, stderr, fmt.Errorf("worker failed: %w (stderr: %s)", waitErr, msg)
	}
	return stdout, stderr, fmt.Errorf("worker failed: %w", waitErr)
}

// killProcessGroup sends SIGKILL to the command's process group. The
// negative pid addresses every process in the group, not just the leader.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process never started")
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// ProcessManager tracks live worker subprocesses. Shutdown calls KillAll to
// terminate every tracked process group, covering workers whose executions
// the dispatcher has already abandoned.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager returns an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started command. Calling it before cmd.Start has
// assigned a Process is a no-op.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack forgets a command once its run is over.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group and reports the pids that
// could not be killed.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("kill pid %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
