package server

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/cstranex/swill/message"
)

// HookPoint names a position in the connection or request lifecycle.
// Callbacks registered on a point run in registration order; an error from
// one callback stops the rest. On the before_connection, before_accept,
// before_request* and before_response_message points the error also aborts
// the surrounding operation; on before_leading_metadata,
// before_trailing_metadata, after_request and after_connection it is only
// logged.
type HookPoint string

const (
	BeforeConnection       HookPoint = "before_connection"
	BeforeAccept           HookPoint = "before_accept"
	BeforeRequest          HookPoint = "before_request"
	BeforeRequestMetadata  HookPoint = "before_request_metadata"
	BeforeRequestData      HookPoint = "before_request_data"
	BeforeRequestMessage   HookPoint = "before_request_message"
	BeforeLeadingMetadata  HookPoint = "before_leading_metadata"
	BeforeResponseMessage  HookPoint = "before_response_message"
	BeforeTrailingMetadata HookPoint = "before_trailing_metadata"
	AfterRequest           HookPoint = "after_request"
	AfterConnection        HookPoint = "after_connection"
)

// Hook callback types, by the context they receive. Connection points take
// the connection; request points take the request context; data points also
// see the inbound frame; message points see the decoded payload; metadata
// points may mutate the metadata map before it is sent.
type (
	ConnectionHook func(c *Conn) error
	RequestHook    func(ctx *Context) error
	FrameHook      func(ctx *Context, frame *message.Request) error
	MessageHook    func(ctx *Context, payload any) error
	MetadataHook   func(ctx *Context, md message.Metadata) error
)

// hookKind maps each point to the callback type it accepts.
var hookKind = map[HookPoint]string{
	BeforeConnection:       "connection",
	BeforeAccept:           "connection",
	AfterConnection:        "connection",
	BeforeRequest:          "request",
	AfterRequest:           "request",
	BeforeRequestData:      "frame",
	BeforeRequestMetadata:  "metadata",
	BeforeRequestMessage:   "message",
	BeforeResponseMessage:  "message",
	BeforeLeadingMetadata:  "metadata",
	BeforeTrailingMetadata: "metadata",
}

// On registers a lifecycle callback. The callback type must match the hook
// point; registering a mismatched type is a configuration error.
func (s *Server) On(point HookPoint, fn any) error {
	kind, ok := hookKind[point]
	if !ok {
		return fmt.Errorf("swill: %q is not a lifecycle hook point", point)
	}

	var match bool
	switch kind {
	case "connection":
		_, match = fn.(ConnectionHook)
		if f, ok := fn.(func(*Conn) error); ok {
			fn, match = ConnectionHook(f), true
		}
	case "request":
		_, match = fn.(RequestHook)
		if f, ok := fn.(func(*Context) error); ok {
			fn, match = RequestHook(f), true
		}
	case "frame":
		_, match = fn.(FrameHook)
		if f, ok := fn.(func(*Context, *message.Request) error); ok {
			fn, match = FrameHook(f), true
		}
	case "message":
		_, match = fn.(MessageHook)
		if f, ok := fn.(func(*Context, any) error); ok {
			fn, match = MessageHook(f), true
		}
	case "metadata":
		_, match = fn.(MetadataHook)
		if f, ok := fn.(func(*Context, message.Metadata) error); ok {
			fn, match = MetadataHook(f), true
		}
	}
	if !match {
		return fmt.Errorf("swill: hook %s wants a %s callback, got %T", point, kind, fn)
	}

	s.hooks[point] = append(s.hooks[point], fn)
	return nil
}

func (s *Server) runConnectionHooks(point HookPoint, c *Conn) error {
	for _, h := range s.hooks[point] {
		if err := h.(ConnectionHook)(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) runRequestHooks(point HookPoint, ctx *Context) error {
	for _, h := range s.hooks[point] {
		if err := h.(RequestHook)(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) runFrameHooks(point HookPoint, ctx *Context, fr *message.Request) error {
	for _, h := range s.hooks[point] {
		if err := h.(FrameHook)(ctx, fr); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) runMessageHooks(point HookPoint, ctx *Context, payload any) error {
	for _, h := range s.hooks[point] {
		if err := h.(MessageHook)(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) runMetadataHooks(point HookPoint, ctx *Context, md message.Metadata) error {
	for _, h := range s.hooks[point] {
		if err := h.(MetadataHook)(ctx, md); err != nil {
			return err
		}
	}
	return nil
}

// RateLimit returns a before_request hook that rejects requests above r
// requests per second with a burst bucket of size burst. Rejected requests
// terminate with ERROR(unavailable).
func RateLimit(r rate.Limit, burst int) RequestHook {
	limiter := rate.NewLimiter(r, burst)
	return func(*Context) error {
		if !limiter.Allow() {
			return message.NewError(message.CodeUnavailable, "rate limit exceeded")
		}
		return nil
	}
}
