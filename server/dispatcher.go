package server

import (
	"context"
	"errors"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/cstranex/swill/codec"
	"github.com/cstranex/swill/message"
)

// dispatcher owns one connection's inbound demux and outbound mux. The read
// loop is the single reader of the transport and the single creator of
// requests; the write loop is the single writer. Handlers run as goroutines
// in between, one per request.
type dispatcher struct {
	srv  *Server
	conn *Conn
}

// run drives the connection until the transport fails or the connection is
// shut down. It returns after in-flight requests were cancelled and pending
// outbound frames were given a short flush window.
func (d *dispatcher) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		d.writeLoop()
	}()

	// When the connection is shut down from elsewhere (Shutdown, Conn.Close)
	// the read loop may still be blocked on the transport; close it once the
	// flush has finished so the loop unwinds.
	go func() {
		<-d.conn.done
		<-writerDone
		d.conn.tc.Close()
	}()

	d.readLoop()
	d.conn.shutdown(ErrConnectionClosed)
	<-writerDone
	d.conn.tc.Close()
	d.conn.wg.Wait()
}

func (d *dispatcher) readLoop() {
	for {
		frame, err := d.conn.tc.ReadEnvelope()
		if err != nil {
			d.srv.log.Debug("read loop ended",
				zap.String("conn", d.conn.id), zap.Error(err))
			return
		}

		fr, err := d.srv.codec.DecodeRequest(frame)
		if err != nil {
			var de *codec.DecodeError
			if errors.As(err, &de) && de.Attributed {
				// The frame names a sequence; answer there and keep going.
				d.srv.log.Warn("dropping malformed frame",
					zap.String("conn", d.conn.id), zap.Uint64("seq", de.Seq), zap.Error(err))
				d.sendDetachedError(de.Seq,
					message.NewError(message.CodeInternalError, "malformed frame"))
				continue
			}
			// Unattributable garbage: the stream cannot be trusted anymore.
			d.srv.log.Warn("closing connection on undecodable frame",
				zap.String("conn", d.conn.id), zap.Error(err))
			d.conn.tc.WriteClose(1002, "malformed frame")
			return
		}

		d.srv.metrics.FrameIn(fr.Type.String())
		d.route(fr)
	}
}

// route hands a decoded frame to its request, creating the request when the
// sequence is new.
func (d *dispatcher) route(fr *message.Request) {
	if r := d.conn.getRequest(fr.Seq); r != nil {
		d.feed(r, fr)
		return
	}

	// Control frames for sequences we no longer (or never) know about carry
	// no work; opening a request for them would be wrong.
	if fr.Type == message.RequestCancel || fr.Type == message.RequestEndOfStream {
		d.srv.log.Warn("received control frame for unknown sequence",
			zap.String("conn", d.conn.id),
			zap.Uint64("seq", fr.Seq),
			zap.Stringer("type", fr.Type))
		return
	}

	d.open(fr)
}

// open creates a request for a new sequence and feeds it the opening frame.
func (d *dispatcher) open(fr *message.Request) {
	h, ok := d.srv.handlers[fr.Method]
	if !ok {
		d.srv.metrics.RequestError(message.CodeMethodNotFound)
		d.sendDetachedError(fr.Seq,
			message.NewError(message.CodeMethodNotFound, "no handler for rpc %s", fr.Method))
		return
	}

	r := newRequest(d.conn, h, fr)
	d.conn.putRequest(r)
	d.srv.metrics.Request(h.name, h.shape())

	if err := d.srv.runRequestHooks(BeforeRequest, r.hctx); err != nil {
		d.abort(r, err)
		return
	}
	d.feed(r, fr)
}

// feed runs one inbound frame through the hook chain and the state machine,
// then pushes decoded messages toward the handler, launching it if this frame
// makes it runnable.
func (d *dispatcher) feed(r *request, fr *message.Request) {
	if fr.Type == message.RequestMetadata {
		if err := d.srv.runMetadataHooks(BeforeRequestMetadata, r.hctx, fr.Metadata); err != nil {
			d.abort(r, err)
			return
		}
	}
	if err := d.srv.runFrameHooks(BeforeRequestData, r.hctx, fr); err != nil {
		d.abort(r, err)
		return
	}

	dm, err := r.accept(fr)
	if err != nil {
		d.srv.log.Warn("protocol error",
			zap.String("conn", d.conn.id), zap.Uint64("seq", r.seq), zap.Error(err))
		r.sendError(r.hctx, message.NewError(message.CodeInvalidArgument, "%s", err.Error()), stateErrored)
		r.cancel(err)
		d.reapIfIdle(r)
		return
	}

	if dm != nil {
		payload := dm.value.Interface()
		if err := d.srv.runMessageHooks(BeforeRequestMessage, r.hctx, payload); err != nil {
			d.abort(r, err)
			return
		}
		if r.h.clientStreams {
			if err := r.stream.push(r.ctx, payload); err != nil {
				d.srv.log.Debug("inbound message dropped",
					zap.String("conn", d.conn.id), zap.Uint64("seq", r.seq), zap.Error(err))
			}
		} else {
			r.firstVal = dm.value
		}
	}

	d.maybeStart(r)
	d.reapIfIdle(r)
}

// maybeStart launches the handler goroutine once the request is runnable:
// immediately for stream-request shapes, on the first MESSAGE for unary
// shapes (an opening METADATA frame alone does not run a unary handler).
func (d *dispatcher) maybeStart(r *request) {
	r.mu.Lock()
	runnable := !r.started &&
		(r.state == stateOpen || r.state == stateHalfClosedRemote) &&
		(r.h.clientStreams || r.gotData)
	if runnable {
		r.started = true
	}
	r.mu.Unlock()

	if runnable {
		d.conn.wg.Add(1)
		go d.runHandler(r)
	}
}

// abort terminates a request because a lifecycle hook rejected it.
func (d *dispatcher) abort(r *request, err error) {
	r.sendError(r.hctx, toWireError(err), stateErrored)
	r.stream.cancel(err)
	r.cancel(err)
	d.reapIfIdle(r)
}

// reapIfIdle finishes a request that reached an absorbing state without a
// handler goroutine to do it.
func (d *dispatcher) reapIfIdle(r *request) {
	r.mu.Lock()
	idle := !r.started && r.state != stateOpen && r.state != stateHalfClosedRemote
	r.mu.Unlock()
	if idle {
		d.finish(r)
	}
}

// runHandler invokes the registered handler and converts its outcome into the
// request's terminal frame.
func (d *dispatcher) runHandler(r *request) {
	defer d.conn.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			d.srv.log.Error("handler panicked",
				zap.String("conn", d.conn.id),
				zap.Uint64("seq", r.seq),
				zap.String("method", r.h.name),
				zap.Any("panic", p),
				zap.Stack("stack"))
			r.sendError(r.hctx, message.NewError(message.CodeInternalError, internalErrorMessage), stateErrored)
		}
		d.finish(r)
	}()

	args := []reflect.Value{reflect.ValueOf(r.hctx)}
	if r.h.clientStreams {
		args = append(args, reflect.ValueOf(r.stream))
	} else {
		args = append(args, r.firstVal)
	}
	if r.h.serverStreams {
		args = append(args, reflect.ValueOf(&Writer{ctx: r.hctx}))
	}

	out := r.h.fn.Call(args)

	var herr error
	if r.h.serverStreams {
		herr, _ = out[0].Interface().(error)
	} else {
		herr, _ = out[1].Interface().(error)
	}

	if r.cancelledByClient() || errors.Is(herr, ErrCancelled) {
		// The stream just goes quiet; no ERROR(cancelled) is sent.
		d.srv.log.Debug("request cancelled",
			zap.String("conn", d.conn.id), zap.Uint64("seq", r.seq), zap.String("method", r.h.name))
		return
	}

	switch {
	case herr == nil:
		if r.h.serverStreams {
			r.sendEndOfStream(r.hctx)
			return
		}
		result := out[0].Interface()
		if err := d.srv.runMessageHooks(BeforeResponseMessage, r.hctx, result); err != nil {
			r.sendError(r.hctx, toWireError(err), stateErrored)
			return
		}
		data, err := marshalPayload(result)
		if err != nil {
			d.srv.log.Error("response serialization failed", r.zapFields(err)...)
			r.sendError(r.hctx, message.NewError(message.CodeInternalError, internalErrorMessage), stateErrored)
			return
		}
		r.sendUnaryResponse(r.hctx, data)

	case errors.Is(herr, context.DeadlineExceeded):
		r.sendError(r.hctx, message.NewError(message.CodeDeadlineExceeded, "request deadline exceeded"), stateErrored)

	default:
		we := new(message.Error)
		if !errors.As(herr, &we) {
			d.srv.log.Error("handler failed", r.zapFields(herr)...)
			we = message.NewError(message.CodeInternalError, internalErrorMessage)
		}
		r.sendError(r.hctx, we, stateErrored)
	}
}

// finish runs the after_request hooks and releases the request's slot in the
// connection table.
func (d *dispatcher) finish(r *request) {
	if err := d.srv.runRequestHooks(AfterRequest, r.hctx); err != nil {
		d.srv.log.Warn("after_request hook failed", r.zapFields(err)...)
	}
	d.conn.dropRequest(r.seq)
	r.cancel(ErrRequestEnded)
	d.srv.log.Debug("request finished",
		zap.String("conn", d.conn.id),
		zap.Uint64("seq", r.seq),
		zap.String("method", r.h.name),
		zap.Duration("duration", time.Since(r.start)))
}

// sendDetachedError answers a sequence that has no request object, such as an
// unknown method or an attributable decode failure.
func (d *dispatcher) sendDetachedError(seq uint64, e *message.Error) {
	data, err := marshalPayload(e)
	if err != nil {
		return
	}
	frame, err := d.srv.codec.EncodeResponse(&message.Response{
		Seq:  seq,
		Data: data,
		Type: message.ResponseError,
	})
	if err != nil {
		return
	}
	select {
	case d.conn.sendCh <- frame:
		d.srv.metrics.FrameOut(message.ResponseError.String())
	case <-d.conn.done:
	}
}

// writeLoop is the single writer to the transport. On shutdown it drains
// whatever is already queued, bounded by CloseFlushTimeout, then gives up.
func (d *dispatcher) writeLoop() {
	for {
		select {
		case frame := <-d.conn.sendCh:
			if err := d.conn.tc.WriteEnvelope(frame); err != nil {
				d.srv.log.Debug("write failed",
					zap.String("conn", d.conn.id), zap.Error(err))
				d.conn.shutdown(ErrConnectionClosed)
				return
			}
		case <-d.conn.done:
			d.flush()
			return
		}
	}
}

func (d *dispatcher) flush() {
	deadline := time.NewTimer(d.srv.cfg.CloseFlushTimeout)
	defer deadline.Stop()
	for {
		select {
		case frame := <-d.conn.sendCh:
			if err := d.conn.tc.WriteEnvelope(frame); err != nil {
				return
			}
		case <-deadline.C:
			return
		default:
			return
		}
	}
}
