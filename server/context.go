package server

import (
	"context"
	"fmt"
	"reflect"

	"github.com/cstranex/swill/message"
)

// Context is the per-request view handed to handlers and request-scoped
// hooks. It embeds the request's context.Context, which is cancelled when the
// client sends CANCEL, the request deadline expires, or the connection goes
// away.
type Context struct {
	context.Context
	conn *Conn
	req  *request
}

func newContext(r *request) *Context {
	return &Context{Context: r.ctx, conn: r.conn, req: r}
}

// Conn returns the connection the request arrived on.
func (c *Context) Conn() *Conn { return c.conn }

// Method returns the requested method name.
func (c *Context) Method() string { return c.req.h.name }

// Seq returns the request's sequence number.
func (c *Context) Seq() uint64 { return c.req.seq }

// Metadata returns the client's leading metadata, or nil.
func (c *Context) Metadata() message.Metadata {
	c.req.mu.Lock()
	defer c.req.mu.Unlock()
	return c.req.clientMD
}

// SetLeadingMetadata stages leading metadata to ride on the next outbound
// frame. It returns ErrMetadataSent once any outbound data or metadata frame
// has locked it; the late metadata is then never transmitted.
func (c *Context) SetLeadingMetadata(md message.Metadata) error {
	c.req.mu.Lock()
	defer c.req.mu.Unlock()
	if c.req.leadingSent || c.req.outLocked {
		return ErrMetadataSent
	}
	c.req.leadingMD = md
	return nil
}

// SendLeadingMetadata flushes the staged leading metadata immediately on a
// standalone METADATA frame instead of waiting for the first message.
func (c *Context) SendLeadingMetadata() error {
	return c.req.sendLeadingMetadata(c)
}

// SetTrailingMetadata stages trailing metadata for the terminal frame. The
// last call before termination wins.
func (c *Context) SetTrailingMetadata(md message.Metadata) {
	c.req.mu.Lock()
	defer c.req.mu.Unlock()
	c.req.trailingMD = md
}

// Cancelled reports whether the client cancelled the request.
func (c *Context) Cancelled() bool {
	return c.req.cancelledByClient()
}

// Writer emits the messages of a streaming response. It is handed to
// server-stream and bidi handlers; each Send produces exactly one MESSAGE
// frame, and the dispatcher appends END_OF_STREAM when the handler returns.
type Writer struct {
	ctx *Context
}

// Send encodes v and emits it as a MESSAGE frame for the request. It fails
// with ErrCancelled after the client cancelled, and with ErrRequestEnded
// after the terminal frame went out.
func (w *Writer) Send(v any) error {
	r := w.ctx.req
	if r.cancelledByClient() {
		return ErrCancelled
	}
	if v != nil && !reflect.TypeOf(v).AssignableTo(r.h.respElem) {
		return fmt.Errorf("swill: %s: cannot send %T, response type is %s", r.h.name, v, r.h.respElem)
	}
	if err := r.conn.srv.runMessageHooks(BeforeResponseMessage, w.ctx, v); err != nil {
		// An aborting hook replaces the outbound frame with an ERROR and
		// terminates the request.
		r.sendError(w.ctx, toWireError(err), stateErrored)
		return err
	}
	data, err := marshalPayload(v)
	if err != nil {
		return err
	}
	return r.sendMessage(w.ctx, data)
}
