// Package server hosts the client-facing WebSocket endpoint and the
// operational HTTP surface.
//
// Each accepted WebSocket connection gets its own [session.Session]. The
// connection's read loop decodes client frames and feeds them to the
// session; outgoing frames from concurrently running turns are serialised
// through a per-connection writer. Alongside /ws the server mounts the
// health probes and the Prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxpipe/voxpipe/internal/health"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/pipeline"
	"github.com/voxpipe/voxpipe/internal/protocol"
	"github.com/voxpipe/voxpipe/internal/session"
)

const (
	defaultAddr = ":8080"

	// maxFrameBytes bounds one WebSocket message. Audio chunks dominate:
	// a second of 48 kHz float32 mono is roughly 256 KiB once base64-encoded,
	// and clients may batch several seconds per frame.
	maxFrameBytes = 16 << 20

	writeTimeout  = 10 * time.Second
	shutdownGrace = 5 * time.Second
)

// Server accepts WebSocket clients and routes their frames into sessions.
type Server struct {
	log      *slog.Logger
	pipe     *pipeline.Pipeline
	metrics  *observe.Metrics
	health   *health.Handler
	addr     string
	origins  []string
	certFile string
	keyFile  string

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithAddr sets the TCP listen address. Defaults to ":8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics enables metric recording and the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts the health handler's probe endpoints.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithOriginPatterns sets the host patterns browser origins are checked
// against. Without it, cross-origin browser connections are refused;
// non-browser clients send no Origin header and always pass.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithTLS makes Run serve HTTPS using the given PEM-encoded certificate and
// key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// New creates a Server around the given pipeline.
func New(pipe *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{
		log:      slog.Default(),
		pipe:     pipe,
		addr:     defaultAddr,
		sessions: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full HTTP handler: the WebSocket endpoint at /ws plus
// the operational endpoints. The observe middleware wraps the operational
// surface only; WebSocket connections live too long for a request histogram.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)

	ops := http.NewServeMux()
	if s.health != nil {
		s.health.Register(ops)
	}
	ops.Handle("GET /metrics", promhttp.Handler())

	var opsHandler http.Handler = ops
	if s.metrics != nil {
		opsHandler = observe.Middleware(s.metrics)(opsHandler)
	}
	mux.Handle("/", opsHandler)
	return mux
}

// Run serves until ctx is cancelled, then closes all sessions and shuts the
// listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", s.addr, "tls", s.certFile != "")
		if s.certFile != "" {
			errCh <- srv.ListenAndServeTLS(s.certFile, s.keyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.closeSessions()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// SessionCount reports the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.log.Warn("server: websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	s.serveConn(r.Context(), conn, r.RemoteAddr)
}

// serveConn runs one connection's read loop until the client disconnects or
// the server shuts down. Malformed frames are answered with error frames;
// they never tear the connection down.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn, remote string) {
	send := &wsSender{ctx: ctx, conn: conn}
	sess := session.New(ctx, s.pipe, send.send, session.WithLogger(s.log))

	s.register(sess)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	s.log.Info("server: client connected", "session_id", sess.ID(), "remote", remote)

	defer func() {
		sess.Close()
		s.unregister(sess)
		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		}
		if ctx.Err() != nil {
			conn.Close(websocket.StatusGoingAway, "server shutting down")
		} else {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.log.Info("server: client disconnected", "session_id", sess.ID(), "remote", remote)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return
			}
			s.log.Debug("server: read failed", "session_id", sess.ID(), "error", err)
			return
		}

		frame, err := protocol.DecodeClient(data)
		if err != nil {
			_ = send.send(protocol.Error(err.Error()))
			continue
		}
		sess.Handle(frame)
	}
}

func (s *Server) register(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
}

func (s *Server) unregister(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID())
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// wsSender serialises frame writes onto one WebSocket connection. Turn
// events and protocol errors arrive from different goroutines.
type wsSender struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsSender) send(frame protocol.ServerFrame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, cancel := context.WithTimeout(w.ctx, writeTimeout)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, data)
}
