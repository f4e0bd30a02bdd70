package server

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/cstranex/swill/message"
)

// requestState tracks where a request is in its lifecycle. Transitions are
// driven by inbound frames (dispatcher) and terminal outbound frames
// (handler), both funneled through the request's mutex.
type requestState int

const (
	stateOpen requestState = iota
	stateHalfClosedRemote
	stateClosed
	stateCancelled
	stateErrored
)

func (s requestState) String() string {
	switch s {
	case stateOpen:
		return "OPEN"
	case stateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case stateClosed:
		return "CLOSED"
	case stateCancelled:
		return "CANCELLED"
	case stateErrored:
		return "ERRORED"
	}
	return "UNKNOWN"
}

var (
	// ErrRequestEnded is returned from Writer.Send and
	// Context.SendLeadingMetadata after the request has emitted its terminal
	// frame.
	ErrRequestEnded = errors.New("swill: request already terminated")

	// ErrCancelled is the cancellation cause a handler observes from
	// Stream.Next or its context after the client sent CANCEL.
	ErrCancelled = errors.New("swill: request cancelled by client")

	// ErrMetadataSent is returned when leading metadata is set after an
	// outbound data or metadata frame has locked it.
	ErrMetadataSent = errors.New("swill: leading metadata already sent")
)

// errProtocol marks a state-machine violation by the client. The offending
// sequence gets ERROR(invalid-argument) and moves to ERRORED.
type errProtocol struct{ reason string }

func (e *errProtocol) Error() string { return "swill: protocol error: " + e.reason }

// request is the server half of one RPC call: per-sequence state, the inbound
// stream, metadata bookkeeping and the outbound path into the connection mux.
type request struct {
	seq  uint64
	h    *handlerRecord
	conn *Conn

	ctx    context.Context
	cancel context.CancelCauseFunc

	stream      *Stream
	cancelledCh chan struct{} // closed on inbound CANCEL; gates outbound drops
	hctx        *Context
	firstVal    reflect.Value // decoded first MESSAGE for unary-request shapes
	start       time.Time

	// sendMu serializes the terminated-check with the frame enqueue so the
	// terminal frame is strictly last on the wire for this sequence.
	sendMu sync.Mutex

	mu          sync.Mutex
	state       requestState
	started     bool // handler goroutine launched
	gotData     bool // at least one inbound MESSAGE seen
	sawMetadata bool // a METADATA frame was already accepted
	terminated  bool
	clientMD    message.Metadata
	leadingMD   message.Metadata
	leadingSent bool
	outLocked   bool // an outbound MESSAGE/METADATA frame was emitted
	trailingMD  message.Metadata
}

func newRequest(conn *Conn, h *handlerRecord, first *message.Request) *request {
	ctx, cancel := conn.srv.requestContext(conn)
	r := &request{
		seq:         first.Seq,
		h:           h,
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
		stream:      newStream(conn.srv.cfg.InboundQueueSize),
		cancelledCh: make(chan struct{}),
		clientMD:    first.Metadata,
		start:       time.Now(),
	}
	r.hctx = newContext(r)
	return r
}

// accept applies one inbound frame to the state machine. A nil return means
// the frame was consumed (possibly dropped); an *errProtocol return makes the
// dispatcher emit ERROR(invalid-argument) and park the request in ERRORED.
// The returned message value is the decoded payload for MESSAGE frames.
func (r *request) accept(fr *message.Request) (decoded *decodedMessage, err error) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	switch state {
	case stateCancelled, stateClosed, stateErrored:
		// Invariant: after CANCEL or a terminal frame, further inbound frames
		// for the sequence are ignored.
		return nil, nil
	}

	switch fr.Type {
	case message.RequestCancel:
		r.cancelByClient()
		return nil, nil

	case message.RequestEndOfStream:
		if !r.h.clientStreams {
			return nil, &errProtocol{reason: "END_OF_STREAM on unary request"}
		}
		r.mu.Lock()
		r.state = stateHalfClosedRemote
		r.mu.Unlock()
		r.stream.close()
		return nil, nil

	case message.RequestMetadata:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gotData {
			return nil, &errProtocol{reason: "METADATA after a data frame"}
		}
		if r.sawMetadata {
			return nil, &errProtocol{reason: "repeated METADATA frame"}
		}
		r.sawMetadata = true
		r.clientMD = fr.Metadata
		return nil, nil

	case message.RequestMessage:
		if state == stateHalfClosedRemote {
			return nil, &errProtocol{reason: "MESSAGE after END_OF_STREAM"}
		}
		r.mu.Lock()
		if !r.h.clientStreams && r.gotData {
			r.mu.Unlock()
			return nil, &errProtocol{reason: "second MESSAGE on unary request"}
		}
		r.gotData = true
		r.mu.Unlock()
		v, err := r.h.decodePayload(fr.Data)
		if err != nil {
			return nil, &errProtocol{reason: "undecodable payload: " + err.Error()}
		}
		return &decodedMessage{value: v}, nil
	}
	return nil, &errProtocol{reason: "unknown frame type"}
}

// cancelByClient moves the request to CANCELLED: the inbound stream closes
// with ErrCancelled, the handler context is cancelled and all outbound frames
// from here on are dropped.
func (r *request) cancelByClient() {
	r.mu.Lock()
	if r.state == stateCancelled {
		r.mu.Unlock()
		return
	}
	r.state = stateCancelled
	r.mu.Unlock()

	close(r.cancelledCh)
	r.stream.cancel(ErrCancelled)
	r.cancel(ErrCancelled)
}

func (r *request) cancelledByClient() bool {
	select {
	case <-r.cancelledCh:
		return true
	default:
		return false
	}
}

// enqueue hands an encoded frame to the connection mux. Frames are dropped
// once the client has cancelled; a blocked mux suspends the caller.
func (r *request) enqueue(resp *message.Response) error {
	frame, err := r.conn.srv.codec.EncodeResponse(resp)
	if err != nil {
		return err
	}
	select {
	case <-r.cancelledCh:
		return ErrCancelled
	default:
	}
	select {
	case r.conn.sendCh <- frame:
		r.conn.srv.metrics.FrameOut(resp.Type.String())
		return nil
	case <-r.cancelledCh:
		return ErrCancelled
	case <-r.conn.done:
		return ErrConnectionClosed
	}
}

// consumeLeading returns the unsent leading metadata and marks it sent,
// locking later SetLeadingMetadata calls out. Runs the before_leading_metadata
// hooks on the way.
func (r *request) consumeLeading(ctx *Context) message.Metadata {
	r.mu.Lock()
	if r.leadingSent || r.leadingMD == nil {
		r.mu.Unlock()
		return nil
	}
	r.leadingSent = true
	md := r.leadingMD
	r.mu.Unlock()

	if err := r.conn.srv.runMetadataHooks(BeforeLeadingMetadata, ctx, md); err != nil {
		r.conn.srv.log.Warn("before_leading_metadata hook failed", r.zapFields(err)...)
	}
	return md
}

// sendMessage emits one MESSAGE frame, attaching leading metadata when it has
// not gone out yet.
func (r *request) sendMessage(ctx *Context, data msgpack.RawMessage) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return ErrRequestEnded
	}
	r.outLocked = true
	r.mu.Unlock()

	return r.enqueue(&message.Response{
		Seq:             r.seq,
		Data:            data,
		Type:            message.ResponseMessage,
		LeadingMetadata: r.consumeLeading(ctx),
	})
}

// sendLeadingMetadata flushes leading metadata on a standalone METADATA frame.
func (r *request) sendLeadingMetadata(ctx *Context) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	md := r.consumeLeading(ctx)
	if md == nil {
		return ErrMetadataSent
	}
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return ErrRequestEnded
	}
	r.outLocked = true
	r.mu.Unlock()

	return r.enqueue(&message.Response{
		Seq:             r.seq,
		Type:            message.ResponseMetadata,
		LeadingMetadata: md,
	})
}

// terminate emits the terminal frame exactly once and moves the request into
// its absorbing state. Later calls return ErrRequestEnded.
func (r *request) terminate(ctx *Context, resp *message.Response, final requestState) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return ErrRequestEnded
	}
	r.terminated = true
	r.state = final
	trailing := r.trailingMD
	r.mu.Unlock()

	if trailing != nil {
		if err := r.conn.srv.runMetadataHooks(BeforeTrailingMetadata, ctx, trailing); err != nil {
			r.conn.srv.log.Warn("before_trailing_metadata hook failed", r.zapFields(err)...)
		}
		resp.TrailingMetadata = trailing
	}
	return r.enqueue(resp)
}

// sendUnaryResponse emits the single terminal MESSAGE of a unary response,
// carrying both metadata kinds.
func (r *request) sendUnaryResponse(ctx *Context, data msgpack.RawMessage) error {
	return r.terminate(ctx, &message.Response{
		Seq:             r.seq,
		Data:            data,
		Type:            message.ResponseMessage,
		LeadingMetadata: r.consumeLeading(ctx),
	}, stateClosed)
}

// sendEndOfStream terminates a streaming response after its last MESSAGE.
func (r *request) sendEndOfStream(ctx *Context) error {
	return r.terminate(ctx, &message.Response{
		Seq:             r.seq,
		Type:            message.ResponseEndOfStream,
		LeadingMetadata: r.consumeLeading(ctx),
	}, stateClosed)
}

// sendError terminates the request with an ERROR frame.
func (r *request) sendError(ctx *Context, e *message.Error, final requestState) error {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	r.conn.srv.metrics.RequestError(e.Code)
	return r.terminate(ctx, &message.Response{
		Seq:  r.seq,
		Data: data,
		Type: message.ResponseError,
	}, final)
}

func (r *request) zapFields(err error) []zap.Field {
	return []zap.Field{
		zap.String("conn", r.conn.id),
		zap.Uint64("seq", r.seq),
		zap.String("method", r.h.name),
		zap.Error(err),
	}
}

// decodedMessage carries the typed payload of an inbound MESSAGE frame from
// the state machine to the dispatcher.
type decodedMessage struct{ value reflect.Value }
