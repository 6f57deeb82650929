package build

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/aristath/buildloom/internal/goal"
)

// Process is one running builder, in its own process group so the whole
// subprocess tree can be torn down at once. Its pipes are pumped on
// goroutines that only forward bytes; all interpretation happens on the
// worker loop.
type Process struct {
	cmd     *exec.Cmd
	exited  atomic.Bool
	waitErr error
}

// startProcess launches the builder and begins pumping its pipes. onData
// and onEOF are called from pump goroutines, onExit from the wait
// goroutine once both pipes are drained and the process is reaped; all
// three must be safe to call off the loop (in practice they forward into
// the worker's channel).
func startProcess(name string, args, env []string, dir string, onData func(goal.Stream, []byte), onEOF func(goal.Stream), onExit func()) (*Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // New process group for clean termination of the tree
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start builder: %w", err)
	}

	p := &Process{cmd: cmd}

	// Read both pipes concurrently so the builder can never deadlock on a
	// full pipe buffer, then reap.
	var wg sync.WaitGroup
	wg.Add(2)

	pump := func(stream goal.Stream, r interface{ Read([]byte) (int, error) }) {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				onData(stream, data)
			}
			if err != nil {
				onEOF(stream)
				return
			}
		}
	}

	go pump(goal.Stdout, stdoutPipe)
	go pump(goal.Stderr, stderrPipe)

	go func() {
		wg.Wait()
		p.waitErr = cmd.Wait()
		p.exited.Store(true)
		onExit()
	}()

	return p, nil
}

// Exited reports whether the process has been reaped. Once true, ExitErr
// is stable.
func (p *Process) Exited() bool { return p.exited.Load() }

// ExitErr returns the result of waiting on the process. Only meaningful
// after Exited reports true.
func (p *Process) ExitErr() error { return p.waitErr }

// Kill terminates the entire process group, not just the immediate
// subprocess, preventing orphaned grandchildren.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}
