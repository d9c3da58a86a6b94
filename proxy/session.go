package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/murtihash94/playwright-mcp-databricks/internal/proc"
)

// Session lifecycle states, as published on the event feed. Every session
// that reaches stateSpawned ends in stateReaped exactly once.
const (
	stateSpawned   = "spawned"
	stateCompleted = "completed"
	stateFailed    = "failed"
	stateCancelled = "cancelled"
	stateReaped    = "reaped"
)

// session owns one child process for the lifetime of one streaming request.
// It is never shared across connections.
type session struct {
	id     string
	log    *zap.SugaredLogger
	handle proc.Handle
	grace  time.Duration
	feed   *eventFeed

	finishOnce sync.Once
	reapOnce   sync.Once
}

// stream establishes a session: spawn the MCP child and relay its stdout to
// the response until EOF or disconnect.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	name, args := s.spec.Argv()
	handle, err := s.spawner.Spawn(proc.StartRequest{Command: name, Args: args})
	if err != nil {
		s.logger.Debugf("spawning MCP child: %s", err)
		http.Error(w, "failed to start MCP backend", http.StatusBadGateway)
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	id := uuid.NewString()
	sess := &session{
		id:     id,
		log:    s.logger.Named("session").With("id", id),
		handle: handle,
		grace:  s.terminateGrace,
		feed:   s.feed,
	}
	sess.feed.publish(sess.id, stateSpawned)
	sess.log.Debugw("child spawned", "PID", handle.PID(), "Command", name, "Args", args)
	sess.run(w, r)
}

func (sess *session) run(w http.ResponseWriter, r *http.Request) {
	// The guard runs on every exit path out of the relay, including panics
	// unwinding through the handler.
	defer sess.reap()

	ctx := r.Context()

	// A read blocked on the child's stdout pipe cannot observe the request
	// context. Terminating the child closes the pipe, which unblocks the
	// read, so cancellation is handled by reaping from a watcher.
	relayDone := make(chan struct{})
	defer close(relayDone)
	go func() {
		select {
		case <-ctx.Done():
			sess.log.Debug("client disconnected, terminating child")
			sess.finish(stateCancelled)
			sess.reap()
		case <-relayDone:
		}
	}()

	go sess.relayStdin(r.Body)
	go sess.drainStderr()

	flusher, ok := w.(http.Flusher)
	if !ok {
		sess.log.Debug("response writer does not support flushing")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		sess.finish(stateFailed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reader := bufio.NewReader(sess.handle.Stdout())
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				sess.log.Debugf("writing chunk to client: %s", werr)
				sess.finish(stateCancelled)
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sess.log.Debug("child closed stdout, stream complete")
				sess.finish(stateCompleted)
			} else if ctx.Err() != nil {
				sess.finish(stateCancelled)
			} else {
				sess.log.Debugf("reading child stdout: %s", err)
				sess.finish(stateFailed)
			}
			return
		}
	}
}

// relayStdin forwards the request body to the child's stdin. The pipe is
// left open afterwards: half-duplex clients send one message and keep
// reading, and a stdin EOF would make the child exit early.
func (sess *session) relayStdin(body io.Reader) {
	if body == nil {
		return
	}
	if _, err := io.Copy(sess.handle.Stdin(), body); err != nil {
		sess.log.Debugf("relaying request body to child stdin: %s", err)
	}
}

// drainStderr keeps the child's stderr pipe from filling up and surfaces it
// in the server log. Nothing from stderr reaches the client.
func (sess *session) drainStderr() {
	scanner := bufio.NewScanner(sess.handle.Stderr())
	for scanner.Scan() {
		sess.log.Debugf("child stderr: %s", scanner.Text())
	}
}

// finish records the terminal relay state. First caller wins; the watcher
// and the relay loop can race on disconnect.
func (sess *session) finish(state string) {
	sess.finishOnce.Do(func() {
		sess.feed.publish(sess.id, state)
	})
}

// reap terminates and waits on the child exactly once: SIGTERM, a bounded
// grace period, then SIGKILL.
func (sess *session) reap() {
	sess.reapOnce.Do(func() {
		if !sess.handle.Exited() {
			if err := sess.handle.Signal(syscall.SIGTERM); err != nil {
				sess.log.Debugf("sending SIGTERM: %s", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), sess.grace)
		defer cancel()
		if _, err := sess.handle.Wait(ctx); err != nil {
			sess.log.Debugf("child did not exit within %s, killing", sess.grace)
			if err := sess.handle.Kill(); err != nil {
				sess.log.Debugf("killing child: %s", err)
			}
			if _, err := sess.handle.Wait(context.Background()); err != nil {
				sess.log.Debugf("waiting for killed child: %s", err)
			}
		}

		sess.log.Debug("child reaped")
		sess.feed.publish(sess.id, stateReaped)
	})
}
