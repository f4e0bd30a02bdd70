package client

import (
	"context"
	"errors"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cstranex/swill/message"
)

var (
	// ErrEnded is returned from Receive once the request has terminated and
	// all buffered responses were consumed.
	ErrEnded = errors.New("swill: rpc ended")

	// ErrEndOfStreamSent is returned from Send after EndStream.
	ErrEndOfStreamSent = errors.New("swill: end of stream already sent")

	// ErrRpcCancelled is returned from Receive after Cancel.
	ErrRpcCancelled = errors.New("swill: rpc cancelled")

	// ErrRpcClosed is returned from Send and Receive after Close.
	ErrRpcClosed = errors.New("swill: rpc closed")
)

// Response is one inbound frame of an open rpc. Inbound ERROR frames do not
// raise from Receive; the consumer inspects Type and Err.
type Response struct {
	Type message.ResponseType
	Data msgpack.RawMessage
	Err  *message.Error
}

// Decode unmarshals the response payload into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return msgpack.Unmarshal(r.Data, v)
}

// RpcRequest is the handle for one open request. Send streams messages to the
// server; Receive consumes the server's frames in order.
type RpcRequest struct {
	c      *Client
	seq    uint64
	method string

	inbox    chan *Response
	endedCh  chan struct{}
	closedCh chan struct{}

	mu         sync.Mutex
	leadingMD  message.Metadata
	trailingMD message.Metadata
	sentEOS    bool
	cancelled  bool
	closed     bool
	ended      bool
	failErr    error
}

func newRpcRequest(c *Client, seq uint64, method string, bufSize int) *RpcRequest {
	return &RpcRequest{
		c:        c,
		seq:      seq,
		method:   method,
		inbox:    make(chan *Response, bufSize),
		endedCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
	}
}

// Send streams one message to the server.
func (r *RpcRequest) Send(v any) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrRpcClosed
	case r.cancelled:
		r.mu.Unlock()
		return ErrRpcCancelled
	case r.sentEOS:
		r.mu.Unlock()
		return ErrEndOfStreamSent
	case r.ended:
		r.mu.Unlock()
		return ErrEnded
	}
	r.mu.Unlock()

	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return r.c.send(&message.Request{Seq: r.seq, Data: data, Method: r.method})
}

// Receive blocks until the next inbound frame for this request. After the
// terminal frame has been consumed it returns ErrEnded (or the transport
// error that killed the connection).
func (r *RpcRequest) Receive(ctx context.Context) (*Response, error) {
	select {
	case resp := <-r.inbox:
		return resp, nil
	default:
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case resp := <-r.inbox:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closedCh:
		return nil, ErrRpcClosed
	case <-r.endedCh:
		select {
		case resp := <-r.inbox:
			return resp, nil
		default:
			return nil, r.endError()
		}
	}
}

// EndStream tells the server no more messages follow.
func (r *RpcRequest) EndStream() error {
	r.mu.Lock()
	if r.closed || r.cancelled || r.sentEOS {
		r.mu.Unlock()
		return ErrEndOfStreamSent
	}
	r.sentEOS = true
	r.mu.Unlock()
	return r.c.send(&message.Request{Seq: r.seq, Method: r.method, Type: message.RequestEndOfStream})
}

// Cancel sends CANCEL for the request. The server stops emitting frames for
// this sequence; Receive returns ErrRpcCancelled after the buffer drains.
func (r *RpcRequest) Cancel() error {
	r.mu.Lock()
	if r.closed || r.cancelled || r.ended {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	r.mu.Unlock()

	err := r.c.send(&message.Request{Seq: r.seq, Method: r.method, Type: message.RequestCancel})
	r.finish(ErrRpcCancelled)
	r.c.unregister(r.seq)
	return err
}

// Close stops consuming the request without cancelling it on the server.
// Frames that keep arriving for the sequence are dropped.
func (r *RpcRequest) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.closedCh)
	r.c.unregister(r.seq)
}

// HasData reports whether a Receive would return without blocking.
func (r *RpcRequest) HasData() bool {
	return len(r.inbox) > 0
}

// Ended reports whether the terminal frame has arrived.
func (r *RpcRequest) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// LeadingMetadata returns the server's leading metadata, or nil if none has
// arrived yet.
func (r *RpcRequest) LeadingMetadata() message.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leadingMD
}

// TrailingMetadata returns the metadata carried on the terminal frame, or
// nil before termination.
func (r *RpcRequest) TrailingMetadata() message.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trailingMD
}

// deliver routes one decoded frame from the client's read loop.
func (r *RpcRequest) deliver(resp *message.Response) {
	if resp.LeadingMetadata != nil {
		r.mu.Lock()
		if r.leadingMD == nil {
			r.leadingMD = resp.LeadingMetadata
		}
		r.mu.Unlock()
	}

	switch resp.Type {
	case message.ResponseMetadata:
		// Metadata-only frame; nothing to surface as data.
		return

	case message.ResponseMessage:
		// A unary response's single MESSAGE is its terminal frame and may
		// carry trailing metadata.
		r.setTrailing(resp.TrailingMetadata)
		r.push(&Response{Type: resp.Type, Data: resp.Data})

	case message.ResponseEndOfStream:
		r.setTrailing(resp.TrailingMetadata)
		r.push(&Response{Type: resp.Type})
		r.finish(nil)

	case message.ResponseError:
		r.setTrailing(resp.TrailingMetadata)
		werr := new(message.Error)
		if err := msgpack.Unmarshal(resp.Data, werr); err != nil {
			werr = message.NewError(message.CodeInternalError, "undecodable error payload")
		}
		r.push(&Response{Type: resp.Type, Err: werr})
		r.finish(nil)
	}
}

func (r *RpcRequest) push(resp *Response) {
	select {
	case r.inbox <- resp:
	case <-r.closedCh:
	}
}

func (r *RpcRequest) setTrailing(md message.Metadata) {
	if md == nil {
		return
	}
	r.mu.Lock()
	r.trailingMD = md
	r.mu.Unlock()
}

// finish marks the request ended. A nil cause means normal termination and
// Receive reports ErrEnded once the buffer drains.
func (r *RpcRequest) finish(cause error) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.failErr = cause
	r.mu.Unlock()
	close(r.endedCh)
}

// fail terminates the request because the connection died.
func (r *RpcRequest) fail(err error) {
	r.finish(err)
}

func (r *RpcRequest) endError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	return ErrEnded
}
