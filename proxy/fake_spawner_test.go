package proxy

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/murtihash94/playwright-mcp-databricks/internal/proc"
)

// fakeSpawner substitutes real OS processes with in-process fakes so session
// behavior can be driven deterministically.
type fakeSpawner struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	spawnErr error

	// script is the fake child's main loop, run in its own goroutine.
	script func(h *fakeHandle)
}

func (f *fakeSpawner) Spawn(req proc.StartRequest) (proc.Handle, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	h := newFakeHandle(req)
	f.mu.Lock()
	h.pid = 10000 + len(f.handles)
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	if f.script != nil {
		go f.script(h)
	}
	return h, nil
}

func (f *fakeSpawner) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

func (f *fakeSpawner) handleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// fakeHandle implements proc.Handle over in-memory pipes. The "process" side
// reads stdinR and writes stdoutW/stderrW.
type fakeHandle struct {
	req proc.StartRequest
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu      sync.Mutex
	signals []os.Signal

	exitOnce sync.Once
	done     chan struct{}
	exitCode int
}

func newFakeHandle(req proc.StartRequest) *fakeHandle {
	h := &fakeHandle{req: req, done: make(chan struct{})}
	h.stdinR, h.stdinW = io.Pipe()
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()
	return h
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *fakeHandle) Stdout() io.ReadCloser { return h.stdoutR }
func (h *fakeHandle) Stderr() io.ReadCloser { return h.stderrR }

// Signal records the signal and exits like a process dying on SIGTERM.
func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	h.exit(143)
	return nil
}

func (h *fakeHandle) Kill() error {
	h.exit(137)
	return nil
}

func (h *fakeHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-h.done:
		return h.exitCode, nil
	}
}

func (h *fakeHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *fakeHandle) signalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signals)
}

// exit makes the fake process terminate: streams close and waiters wake.
func (h *fakeHandle) exit(code int) {
	h.exitOnce.Do(func() {
		h.exitCode = code
		h.stdoutW.Close()
		h.stderrW.Close()
		h.stdinR.Close()
		close(h.done)
	})
}

// writeStdout emits one chunk on the fake child's stdout, blocking until the
// relay consumes it. Returns false once the process has exited.
func (h *fakeHandle) writeStdout(s string) bool {
	_, err := h.stdoutW.Write([]byte(s))
	return err == nil
}
