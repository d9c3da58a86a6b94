// Package proc is a narrow abstraction over spawning child processes with
// piped standard streams. The server's relay and lifecycle code only sees
// Spawner and Handle, so tests can substitute an in-process fake.
package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// StartRequest describes a child process to spawn.
type StartRequest struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Handle is a live child process with three independent piped streams.
type Handle interface {
	// PID returns the OS process ID.
	PID() int

	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// Signal delivers sig to the process.
	Signal(sig os.Signal) error

	// Kill forcibly terminates the process.
	Kill() error

	// Wait reaps the process, returning its exit code. It is safe to call
	// from multiple goroutines; every call observes the same result. The
	// context bounds how long this call blocks, not the process itself.
	Wait(ctx context.Context) (int, error)

	// Exited reports whether the process has been observed to exit.
	Exited() bool
}

// Spawner creates child processes.
type Spawner interface {
	Spawn(req StartRequest) (Handle, error)
}

// ExecSpawner spawns real OS processes via os/exec.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(req StartRequest) (Handle, error) {
	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Command, err)
	}

	return &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	done     chan struct{}
	exitCode int
	waitErr  error
}

func (h *execHandle) PID() int              { return h.cmd.Process.Pid }
func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *execHandle) Stderr() io.ReadCloser { return h.stderr }

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) Wait(ctx context.Context) (int, error) {
	h.waitOnce.Do(func() {
		go func() {
			err := h.cmd.Wait()
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					h.exitCode = exitErr.ExitCode()
				} else {
					h.exitCode = -1
					h.waitErr = err
				}
			}
			close(h.done)
		}()
	})
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-h.done:
		return h.exitCode, h.waitErr
	}
}

func (h *execHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
