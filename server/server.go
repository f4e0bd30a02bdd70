// Package server implements the swill RPC engine: connection acceptance,
// per-request state machines, handler dispatch and the lifecycle hook chain.
//
// Request processing pipeline:
//
//	HTTP upgrade → dispatcher (single goroutine reads envelopes)
//	  → route by sequence → state machine → hook chain
//	    → handler goroutine (reads Stream, writes Writer)
//	  → outbound mux (single goroutine writes envelopes)
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/cstranex/swill/codec"
	"github.com/cstranex/swill/message"
	"github.com/cstranex/swill/metrics"
	"github.com/cstranex/swill/transport"
)

const internalErrorMessage = "An internal server error occurred"

// Config controls server behavior. The zero value is usable; zero fields get
// defaults from withDefaults.
type Config struct {
	Logger  *zap.Logger
	Codec   codec.Codec
	Metrics *metrics.Metrics

	// InboundQueueSize bounds each streaming request's buffer of undelivered
	// inbound messages. A full buffer suspends the connection's read loop.
	InboundQueueSize int

	// OutboundQueueSize bounds the per-connection mux of outbound frames.
	OutboundQueueSize int

	// MaxMessageSize bounds a single inbound frame in bytes.
	MaxMessageSize int64

	// RequestTimeout cancels requests that run longer; the client receives
	// ERROR(deadline-exceeded). Zero disables the deadline.
	RequestTimeout time.Duration

	// ReadTimeout fails connections that stay silent for longer. Inbound
	// frames and pings re-arm it. Zero disables the deadline.
	ReadTimeout time.Duration

	// CloseFlushTimeout bounds the best-effort flush of queued outbound
	// frames during connection teardown.
	CloseFlushTimeout time.Duration

	// DisableIntrospection drops the built-in swill.introspect method.
	DisableIntrospection bool

	// CheckOrigin overrides the upgrade origin check. Defaults to accepting
	// any origin.
	CheckOrigin func(r *http.Request) bool
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Msgpack{}
	}
	if cfg.InboundQueueSize <= 0 {
		cfg.InboundQueueSize = 32
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	if cfg.CloseFlushTimeout <= 0 {
		cfg.CloseFlushTimeout = time.Second
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	return cfg
}

// Server is the swill RPC server. It implements http.Handler; mount it on the
// path clients connect to. The handler registry, hook registry and codec are
// instance fields, so multiple servers can coexist in one process.
type Server struct {
	cfg      Config
	log      *zap.Logger
	codec    codec.Codec
	metrics  *metrics.Metrics
	handlers map[string]*handlerRecord
	hooks    map[HookPoint][]any
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]*Conn
	connWG   sync.WaitGroup
	shutdown atomic.Bool
}

// New creates a server with the given configuration.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		codec:    cfg.Codec,
		metrics:  cfg.Metrics,
		handlers: make(map[string]*handlerRecord),
		hooks:    make(map[HookPoint][]any),
		conns:    make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{transport.Subprotocol},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	if !cfg.DisableIntrospection {
		s.registerIntrospection()
	}
	return s
}

// ServeHTTP accepts one WebSocket connection and drives it until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn := newServerConn(s, r)

	// before_connection runs against the handshake data, before the upgrade;
	// an aborting hook rejects the transport at the HTTP layer.
	if err := s.runConnectionHooks(BeforeConnection, conn); err != nil {
		s.log.Info("connection rejected",
			zap.String("remote_addr", conn.remoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	tc, err := transport.Upgrade(w, r, &s.upgrader)
	if err != nil {
		s.log.Warn("websocket upgrade failed",
			zap.String("remote_addr", conn.remoteAddr), zap.Error(err))
		return
	}
	conn.tc = tc
	tc.SetReadLimit(s.cfg.MaxMessageSize)
	tc.KeepAlive(s.cfg.ReadTimeout)

	// before_accept runs on the established transport; an aborting hook
	// closes it with a policy-violation code.
	if err := s.runConnectionHooks(BeforeAccept, conn); err != nil {
		s.log.Info("connection not accepted",
			zap.String("conn", conn.id), zap.Error(err))
		tc.WriteClose(websocket.ClosePolicyViolation, err.Error())
		tc.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	s.connWG.Add(1)
	s.metrics.ConnOpened()
	s.log.Info("connection established",
		zap.String("conn", conn.id), zap.String("remote_addr", conn.remoteAddr))

	d := &dispatcher{srv: s, conn: conn}
	d.run()

	if err := s.runConnectionHooks(AfterConnection, conn); err != nil {
		s.log.Warn("after_connection hook failed",
			zap.String("conn", conn.id), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.conns, conn.id)
	s.mu.Unlock()
	s.connWG.Done()
	s.metrics.ConnClosed()
	s.log.Info("connection closed", zap.String("conn", conn.id))
}

// Shutdown stops accepting connections, closes the active ones with a
// going-away code and waits for their teardown until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.tc.WriteClose(websocket.CloseGoingAway, "server shutting down")
		c.shutdown(ErrConnectionClosed)
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestContext derives a request's context from its connection, applying
// the configured per-request deadline.
func (s *Server) requestContext(c *Conn) (context.Context, context.CancelCauseFunc) {
	parent := c.ctx
	if s.cfg.RequestTimeout > 0 {
		deadlineCtx, cancelTimeout := context.WithTimeoutCause(
			parent, s.cfg.RequestTimeout, context.DeadlineExceeded)
		ctx, cancel := context.WithCancelCause(deadlineCtx)
		return ctx, func(cause error) {
			cancel(cause)
			cancelTimeout()
		}
	}
	return context.WithCancelCause(parent)
}

// toWireError maps a hook or handler error to the Error payload sent to the
// client. Anything that is not already a *message.Error becomes an opaque
// internal error.
func toWireError(err error) *message.Error {
	we := new(message.Error)
	if errors.As(err, &we) {
		return we
	}
	return message.NewError(message.CodeInternalError, internalErrorMessage)
}

func marshalPayload(v any) (msgpack.RawMessage, error) {
	return msgpack.Marshal(v)
}
