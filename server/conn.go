package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/cstranex/swill/transport"
)

// ErrConnectionClosed is returned from outbound operations once the
// underlying transport is gone.
var ErrConnectionClosed = errors.New("swill: connection closed")

// Conn represents one accepted WebSocket connection: its identity, the
// handshake data captured at accept time, the table of in-flight requests and
// a user-scoped key/value bag shared by hooks and handlers.
type Conn struct {
	id         string
	srv        *Server
	tc         *transport.Conn
	header     http.Header
	remoteAddr string

	ctx       context.Context
	cancelCtx context.CancelCauseFunc

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	reqMu    sync.RWMutex
	requests map[uint64]*request

	stateMu sync.RWMutex
	state   map[string]any

	wg sync.WaitGroup // in-flight handler goroutines
}

func newServerConn(srv *Server, r *http.Request) *Conn {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Conn{
		id:         uuid.New().String(),
		srv:        srv,
		header:     r.Header.Clone(),
		remoteAddr: r.RemoteAddr,
		ctx:        ctx,
		cancelCtx:  cancel,
		sendCh:     make(chan []byte, srv.cfg.OutboundQueueSize),
		done:       make(chan struct{}),
		requests:   make(map[uint64]*request),
		state:      make(map[string]any),
	}
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address captured at accept time.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Header returns the HTTP headers of the upgrade request, including cookies.
func (c *Conn) Header() http.Header { return c.header }

// Cookies parses and returns the cookies sent with the upgrade request.
func (c *Conn) Cookies() []*http.Cookie {
	r := http.Request{Header: c.header}
	return r.Cookies()
}

// Get reads a value from the connection's user-scoped bag.
func (c *Conn) Get(key string) (any, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	v, ok := c.state[key]
	return v, ok
}

// Set stores a value in the connection's user-scoped bag.
func (c *Conn) Set(key string, value any) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state[key] = value
}

// Close terminates the connection with a normal close frame. In-flight
// requests are cancelled.
func (c *Conn) Close() error {
	if c.tc != nil {
		c.tc.WriteClose(1000, "")
	}
	c.shutdown(ErrConnectionClosed)
	return nil
}

// shutdown cancels every request and releases the mux. Idempotent; invoked on
// read-loop exit, server shutdown and Close.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.cancelCtx(cause)
		c.reqMu.RLock()
		for _, r := range c.requests {
			r.stream.cancel(cause)
			r.cancel(cause)
		}
		c.reqMu.RUnlock()
		close(c.done)
	})
}

func (c *Conn) getRequest(seq uint64) *request {
	c.reqMu.RLock()
	defer c.reqMu.RUnlock()
	return c.requests[seq]
}

func (c *Conn) putRequest(r *request) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.requests[r.seq] = r
}

func (c *Conn) dropRequest(seq uint64) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	delete(c.requests, seq)
}
