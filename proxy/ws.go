package proxy

import (
	"context"
	"io"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/murtihash94/playwright-mcp-databricks/internal/proc"
)

const wsReadLimit = 32768

// relayRequest is an incoming WebSocket frame. Frames carry stdin bytes for
// the child, a stdin EOF marker, or a signal number.
type relayRequest struct {
	Stdin     []byte
	StdinDone bool
	Signal    int
}

// relayResponse is an outgoing WebSocket frame. Frames before the last carry
// stdout or stderr bytes; the last frame carries the exit record.
type relayResponse struct {
	Stdout []byte
	Stderr []byte

	Exited   bool
	ExitCode int
	TimeMS   int64
}

// streamWS relays the same child process over a full-duplex WebSocket, for
// clients that cannot consume the half-duplex event stream.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode:    websocket.CompressionContextTakeover,
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(wsReadLimit)

	name, args := s.spec.Argv()
	handle, err := s.spawner.Spawn(proc.StartRequest{Command: name, Args: args})
	if err != nil {
		s.logger.Debugf("spawning MCP child for WebSocket relay: %s", err)
		wsConn.Close(websocket.StatusInternalError, "failed to start MCP backend")
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	relay := &wsRelay{
		log:     s.logger.Named("ws_relay"),
		conn:    wsConn,
		ctx:     ctx,
		cancel:  cancel,
		handle:  handle,
		grace:   s.terminateGrace,
		stdinCh: make(chan []byte),
	}
	relay.run(time.Now())
}

type wsRelay struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	handle proc.Handle
	grace  time.Duration

	stdinCh chan []byte

	wg sync.WaitGroup

	closeConnOnce sync.Once
	reapOnce      sync.Once
}

func (r *wsRelay) run(startTime time.Time) {
	r.wg.Add(5)
	go r.readFrames()
	go r.writeStdin()
	go r.copyOutput(r.handle.Stdout(), func(b []byte) any { return relayResponse{Stdout: b} })
	go r.copyOutput(r.handle.Stderr(), func(b []byte) any { return relayResponse{Stderr: b} })
	go r.waitAndWriteResult(startTime)

	r.wg.Wait()
	r.shutdown()
}

// shutdown terminates and reaps the child: SIGTERM, bounded grace, SIGKILL.
func (r *wsRelay) shutdown() {
	r.reapOnce.Do(func() {
		if !r.handle.Exited() {
			if err := r.handle.Signal(syscall.SIGTERM); err != nil {
				r.log.Debugf("sending SIGTERM: %s", err)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.grace)
		defer cancel()
		if _, err := r.handle.Wait(ctx); err != nil {
			r.log.Debugf("child did not exit within %s, killing", r.grace)
			_ = r.handle.Kill()
			_, _ = r.handle.Wait(context.Background())
		}
	})
	r.cancel()
}

func (r *wsRelay) close(code websocket.StatusCode, reason string) {
	r.closeConnOnce.Do(func() {
		if err := r.conn.Close(code, reason); err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

// readFrames consumes client frames until the connection closes, forwarding
// stdin bytes and signals to the child.
func (r *wsRelay) readFrames() {
	defer r.wg.Done()
	defer r.shutdown()

	closedStdin := false

	for {
		var msg relayRequest
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			if !closedStdin {
				close(r.stdinCh)
			}
			return
		}
		if err != nil {
			r.log.Debugf("frame reader got error: %s", err)
			if !closedStdin {
				close(r.stdinCh)
			}
			r.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Stdin) > 0 && !closedStdin {
			select {
			case r.stdinCh <- msg.Stdin:
			case <-r.ctx.Done():
				close(r.stdinCh)
				return
			}
		}
		if msg.StdinDone && !closedStdin {
			close(r.stdinCh)
			closedStdin = true
		}
		if msg.Signal != 0 {
			sig := syscall.Signal(msg.Signal)
			if err := r.handle.Signal(sig); err != nil {
				r.log.Debugf("relaying signal %d: %s", msg.Signal, err)
			}
		}
	}
}

// writeStdin feeds queued frames into the child's stdin. On a write error it
// keeps draining the channel so readFrames never blocks on a dead pipe.
func (r *wsRelay) writeStdin() {
	defer r.wg.Done()
	stdin := r.handle.Stdin()
	defer stdin.Close()
	broken := false
	for b := range r.stdinCh {
		if broken {
			continue
		}
		if _, err := stdin.Write(b); err != nil {
			r.log.Debugf("stdin writer got write error: %s", err)
			broken = true
		}
	}
}

func (r *wsRelay) copyOutput(stream io.ReadCloser, frame func(b []byte) any) {
	defer r.wg.Done()
	writer := &wsJSONWriter{
		log:      r.log.Named("output_writer"),
		ctx:      r.ctx,
		conn:     r.conn,
		writeMsg: frame,
	}
	if _, err := io.Copy(writer, stream); err != nil {
		r.log.Debugf("copying child output: %s", err)
	}
}

func (r *wsRelay) waitAndWriteResult(startTime time.Time) {
	defer r.wg.Done()

	exitCode, err := r.handle.Wait(r.ctx)
	if err != nil {
		// Context cancelled before exit; shutdown reaps.
		return
	}
	timeMS := time.Since(startTime).Milliseconds()

	r.log.Debugf("child %d exited with code %d, sending exit frame", r.handle.PID(), exitCode)
	err = wsjson.Write(r.ctx, r.conn, relayResponse{
		Exited:   true,
		ExitCode: exitCode,
		TimeMS:   timeMS,
	})
	if err != nil {
		r.log.Debugf("error sending exit frame: %s", err)
	}
	r.close(websocket.StatusNormalClosure, "")
}

// wsJSONWriter chunks writes into JSON frames small enough to stay under the
// peer's read limit.
type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg wraps the bytes into the frame that is JSON-encoded and sent.
	writeMsg func(b []byte) any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// the write limit is over-conservative, we are estimating the final encoded json size
	writeLimit := wsReadLimit / 3
	leftToWrite := b
	for {
		toWrite := leftToWrite
		more := false
		if len(toWrite) > writeLimit {
			toWrite = toWrite[:writeLimit]
			leftToWrite = leftToWrite[writeLimit:]
			more = true
		}

		msg := w.writeMsg(toWrite)
		if err := wsjson.Write(w.ctx, w.conn, &msg); err != nil {
			return 0, err
		}
		if !more {
			return len(b), nil
		}
	}
}
