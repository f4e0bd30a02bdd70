// Package client implements the swill RPC client: connection management with
// automatic reconnection, request multiplexing over one WebSocket, and the
// Call/Rpc calling surface.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/cstranex/swill/balance"
	"github.com/cstranex/swill/codec"
	"github.com/cstranex/swill/message"
	"github.com/cstranex/swill/transport"
)

var (
	// ErrNotConnected is returned when a call is attempted while the client
	// has no live connection.
	ErrNotConnected = errors.New("swill: client is not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("swill: client is closed")

	// ErrRetriesExhausted is reported through OnError when the reconnect
	// scheduler gives up.
	ErrRetriesExhausted = errors.New("swill: reconnect retries exhausted")
)

// Options configures a Client. The zero value is usable; zero fields get
// defaults from withDefaults.
type Options struct {
	Logger *zap.Logger
	Codec  codec.Codec

	// ConnectTimeout bounds the WebSocket handshake.
	ConnectTimeout time.Duration

	// Reconnect policy: after a reconnectable disconnect the next attempt is
	// scheduled after Delay*BackoffFactor*attempts plus a jitter drawn from
	// [MinJitter, MaxJitter]. Retries caps the attempt counter; exceeding it
	// leaves the client disconnected. Retries=0 disables reconnection.
	Retries       int
	Delay         time.Duration
	BackoffFactor float64
	MinJitter     time.Duration
	MaxJitter     time.Duration

	// PingInterval paces keepalive pings. Zero disables them.
	PingInterval time.Duration

	// MaxMessageSize bounds a single inbound frame in bytes.
	MaxMessageSize int64

	// ReceiveBufferSize bounds each request's queue of undelivered responses.
	ReceiveBufferSize int

	// Header carries extra handshake headers, such as cookies.
	Header http.Header

	OnConnected    func()
	OnDisconnected func(err error)
	OnError        func(err error)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Codec == nil {
		o.Codec = codec.Msgpack{}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.Delay <= 0 {
		o.Delay = time.Second
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = 1
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.ReceiveBufferSize <= 0 {
		o.ReceiveBufferSize = 16
	}
	return o
}

// Client is a swill RPC client. It multiplexes concurrent calls over a single
// WebSocket connection and reconnects according to Options when the
// connection drops uncleanly.
type Client struct {
	opts     Options
	log      *zap.Logger
	codec    codec.Codec
	balancer balance.Balancer

	mu        sync.Mutex
	tc        *transport.Conn
	gen       int // connection epoch; loops for stale epochs exit
	connected bool
	closed    bool
	seq       uint64
	pending   map[uint64]*RpcRequest
	attempts  int
	timer     *time.Timer
}

// New creates a client for the given server URLs. With more than one URL,
// connection attempts rotate through them round-robin.
func New(opts Options, urls ...string) (*Client, error) {
	balancer, err := balance.NewRoundRobin(urls...)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		codec:    opts.Codec,
		balancer: balancer,
		pending:  make(map[uint64]*RpcRequest),
	}, nil
}

// Connect dials the next endpoint and starts the receive loop. On success the
// reconnect attempt counter resets and all per-connection state (sequence
// counter, request table) is reinitialized.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	url, err := c.balancer.Pick()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	tc, err := transport.Dial(ctx, url, c.opts.ConnectTimeout, c.opts.Header)
	if err != nil {
		return err
	}
	tc.SetReadLimit(c.opts.MaxMessageSize)
	if c.opts.PingInterval > 0 {
		deadline := 2 * c.opts.PingInterval
		tc.KeepAlive(deadline)
		tc.OnPong(func() {
			tc.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		tc.Close()
		return ErrClosed
	}
	if c.connected {
		// A concurrent Connect won the race.
		c.mu.Unlock()
		tc.Close()
		return nil
	}
	c.gen++
	gen := c.gen
	c.tc = tc
	c.connected = true
	c.attempts = 0
	c.seq = 0
	c.pending = make(map[uint64]*RpcRequest)
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", url))
	if c.opts.OnConnected != nil {
		c.opts.OnConnected()
	}

	go c.readLoop(tc, gen)
	if c.opts.PingInterval > 0 {
		go c.pingLoop(tc, gen)
	}
	return nil
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close sends a clean close frame and stops the client. A closed client does
// not reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tc := c.tc
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	if tc != nil {
		tc.WriteClose(1000, "")
		tc.Close()
	}
	return nil
}

// Call performs a unary call: it sends args as a single MESSAGE and waits for
// the response. A MESSAGE response is decoded into reply; an ERROR response
// is returned as a *message.Error; END_OF_STREAM without a prior MESSAGE
// returns nil with reply untouched.
func (c *Client) Call(ctx context.Context, method string, args, reply any, opts ...CallOption) error {
	rr, err := c.Rpc(ctx, method, args, opts...)
	if err != nil {
		return err
	}
	defer rr.Close()

	for {
		resp, err := rr.Receive(ctx)
		if err != nil {
			return err
		}
		switch resp.Type {
		case message.ResponseError:
			return resp.Err
		case message.ResponseEndOfStream:
			return nil
		case message.ResponseMessage:
			if reply != nil {
				return resp.Decode(reply)
			}
			return nil
		}
	}
}

// Rpc opens a request and returns its handle. The opening frame carries args
// (which may be nil) as a MESSAGE; with WithSendMetadataFirst and nil args a
// standalone METADATA frame opens the request instead. Cancelling ctx sends
// CANCEL for the request.
func (c *Client) Rpc(ctx context.Context, method string, args any, opts ...CallOption) (*RpcRequest, error) {
	co := newCallOptions(opts)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.seq++
	seq := c.seq
	rr := newRpcRequest(c, seq, method, c.opts.ReceiveBufferSize)
	c.pending[seq] = rr
	c.mu.Unlock()

	fr := &message.Request{Seq: seq, Method: method, Metadata: co.metadata}
	if args == nil && co.sendMetadataFirst {
		fr.Type = message.RequestMetadata
	} else {
		data, err := msgpack.Marshal(args)
		if err != nil {
			c.unregister(seq)
			return nil, err
		}
		fr.Data = data
	}
	if err := c.send(fr); err != nil {
		c.unregister(seq)
		return nil, err
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				rr.Cancel()
			case <-rr.endedCh:
			case <-rr.closedCh:
			}
		}()
	}
	return rr, nil
}

func (c *Client) send(fr *message.Request) error {
	c.mu.Lock()
	tc := c.tc
	connected := c.connected
	c.mu.Unlock()
	if !connected || tc == nil {
		return ErrNotConnected
	}
	frame, err := c.codec.EncodeRequest(fr)
	if err != nil {
		return err
	}
	return tc.WriteEnvelope(frame)
}

func (c *Client) unregister(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) readLoop(tc *transport.Conn, gen int) {
	for {
		frame, err := tc.ReadEnvelope()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		resp, err := c.codec.DecodeResponse(frame)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.route(resp)
	}
}

func (c *Client) route(resp *message.Response) {
	c.mu.Lock()
	rr := c.pending[resp.Seq]
	c.mu.Unlock()
	if rr == nil {
		c.log.Debug("response for unknown sequence", zap.Uint64("seq", resp.Seq))
		return
	}

	rr.deliver(resp)
	if resp.Type == message.ResponseEndOfStream || resp.Type == message.ResponseError {
		c.unregister(resp.Seq)
	}
}

func (c *Client) pingLoop(tc *transport.Conn, gen int) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		if err := tc.WritePing(); err != nil {
			return
		}
	}
}

// handleDisconnect fails all in-flight requests and engages the reconnect
// scheduler when the close was not clean.
func (c *Client) handleDisconnect(gen int, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.tc = nil
	pending := c.pending
	c.pending = make(map[uint64]*RpcRequest)
	closed := c.closed
	c.mu.Unlock()

	for _, rr := range pending {
		rr.fail(err)
	}

	c.log.Info("disconnected", zap.Error(err))
	if c.opts.OnDisconnected != nil {
		c.opts.OnDisconnected(err)
	}

	if closed || c.opts.Retries <= 0 || !transport.Reconnectable(err) {
		return
	}
	c.scheduleReconnect()
}

// CallOption adjusts a single Call or Rpc invocation.
type CallOption func(*callOptions)

type callOptions struct {
	metadata          message.Metadata
	sendMetadataFirst bool
}

func newCallOptions(opts []CallOption) callOptions {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	return co
}

// WithMetadata attaches leading metadata to the request.
func WithMetadata(md message.Metadata) CallOption {
	return func(co *callOptions) { co.metadata = md }
}

// WithSendMetadataFirst opens the request with a standalone METADATA frame
// when there are no initial args.
func WithSendMetadataFirst() CallOption {
	return func(co *callOptions) { co.sendMetadataFirst = true }
}
