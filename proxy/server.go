// Package proxy serves the Playwright MCP engine over HTTP. Each streaming
// connection gets its own child process; the proxy relays the child's stdout
// to the client and guarantees the child is terminated and reaped when the
// stream ends, fails, or the client goes away.
package proxy

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/murtihash94/playwright-mcp-databricks/internal/command"
	"github.com/murtihash94/playwright-mcp-databricks/internal/proc"
)

//go:embed static/index.html
var landingPage []byte

// Server proxies MCP clients to child processes running the external
// automation engine. Construct it once at startup; it holds no per-session
// state.
type Server struct {
	logger *zap.SugaredLogger

	listenAddr     string
	spec           command.Spec
	spawner        proc.Spawner
	terminateGrace time.Duration

	httpServer *http.Server
	feed       *eventFeed

	// sessions tracks in-flight streaming handlers so Stop can wait for
	// every lifecycle guard to finish reaping its child.
	sessions sync.WaitGroup
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("mcpproxy").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithCommandSpec(spec command.Spec) Option {
	return func(s *Server) {
		s.spec = spec
	}
}

// WithSpawner substitutes the process backend, used by tests to run sessions
// against an in-process fake instead of real OS processes.
func WithSpawner(spawner proc.Spawner) Option {
	return func(s *Server) {
		s.spawner = spawner
	}
}

// WithTerminateGrace bounds how long a reap waits after SIGTERM before
// escalating to SIGKILL.
func WithTerminateGrace(d time.Duration) Option {
	return func(s *Server) {
		s.terminateGrace = d
	}
}

// NewServer constructs the proxy server.
func NewServer(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:         logger.Named("mcpproxy").Sugar(),
		listenAddr:     "0.0.0.0:8000",
		spec:           command.Default(),
		spawner:        proc.ExecSpawner{},
		terminateGrace: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.feed = newEventFeed(s.logger.Named("events"))
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s, nil
}

// Handler builds the route table. Both the primary path and the
// compatibility alias accept GET and POST and resolve to the same session
// logic.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.landing)
	router.GET("/health", s.health)
	router.GET("/mcp/sse", s.stream)
	router.POST("/mcp/sse", s.stream)
	router.GET("/api/mcp/", s.stream)
	router.POST("/api/mcp/", s.stream)
	router.GET("/mcp/ws", s.streamWS)
	router.GET("/api/events", s.events)
	return allowCORS(router)
}

// Run serves HTTP until Stop or Shutdown is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the server immediately. Tearing down the connections cancels
// each in-flight request context, so every active session's guard terminates
// and reaps its child; Stop returns once the guards are done.
func (s *Server) Stop() error {
	s.feed.shutdown(context.Background())
	err := s.httpServer.Close()
	s.sessions.Wait()
	return err
}

// Shutdown drains in-flight requests until the context expires. A streaming
// session never drains on its own, so callers with active sessions should
// fall back to Stop when Shutdown returns the context's error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.feed.shutdown(ctx)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) landing(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(landingPage)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	response := struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}{
		Status:  "healthy",
		Service: "playwright-mcp-server",
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.logger.Debugf("error marshaling health response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.feed.serveHTTP(w, r)
}

// allowCORS mirrors the permissive CORS policy of the original deployment:
// any origin, method, and header.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
