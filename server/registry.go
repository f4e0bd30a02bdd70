package server

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Descriptor declares the payload shape of one direction of a method: a
// single message of T or a stream of T. Descriptors drive both the call-shape
// classifier and payload decoding; the codec never guesses a type.
type Descriptor struct {
	elem    reflect.Type
	streams bool
}

// Single declares a single message of type T.
func Single[T any]() Descriptor {
	return Descriptor{elem: reflect.TypeOf((*T)(nil)).Elem()}
}

// StreamOf declares a stream of messages of type T.
func StreamOf[T any]() Descriptor {
	return Descriptor{elem: reflect.TypeOf((*T)(nil)).Elem(), streams: true}
}

// handlerRecord is the registry entry for one method. Classification happens
// once, at registration.
type handlerRecord struct {
	name          string
	fn            reflect.Value
	reqElem       reflect.Type
	respElem      reflect.Type
	clientStreams bool
	serverStreams bool
}

var (
	contextType = reflect.TypeOf((*Context)(nil))
	streamType  = reflect.TypeOf((*Stream)(nil))
	writerType  = reflect.TypeOf((*Writer)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Register adds a handler for method name. The descriptors determine the call
// shape and the handler must have the matching signature:
//
//	unary → unary:           func(ctx *Context, req T) (R, error)
//	client-stream → unary:   func(ctx *Context, stream *Stream) (R, error)
//	unary → server-stream:   func(ctx *Context, req T, out *Writer) error
//	bidi:                    func(ctx *Context, stream *Stream, out *Writer) error
//
// where T and R are the request and response descriptor element types.
// Stream.Next yields T values; Writer.Send accepts R values.
func (s *Server) Register(name string, handler any, req, resp Descriptor) error {
	if name == "" {
		return fmt.Errorf("swill: register: method name is empty")
	}
	if _, ok := s.handlers[name]; ok {
		return fmt.Errorf("swill: register %s: method already registered", name)
	}
	if req.elem == nil || resp.elem == nil {
		return fmt.Errorf("swill: register %s: missing payload descriptor", name)
	}
	if handler == nil {
		return fmt.Errorf("swill: register %s: handler is nil", name)
	}

	t := reflect.TypeOf(handler)
	if t.Kind() != reflect.Func {
		return fmt.Errorf("swill: register %s: handler must be a func, got %s", name, t.Kind())
	}

	rec := &handlerRecord{
		name:          name,
		fn:            reflect.ValueOf(handler),
		reqElem:       req.elem,
		respElem:      resp.elem,
		clientStreams: req.streams,
		serverStreams: resp.streams,
	}
	if err := checkSignature(t, rec); err != nil {
		return fmt.Errorf("swill: register %s: %w", name, err)
	}

	s.handlers[name] = rec
	return nil
}

func checkSignature(t reflect.Type, rec *handlerRecord) error {
	wantIn := 2
	if rec.serverStreams {
		wantIn = 3
	}
	if t.NumIn() != wantIn {
		return fmt.Errorf("handler takes %d parameters, want %d", t.NumIn(), wantIn)
	}
	if t.In(0) != contextType {
		return fmt.Errorf("first parameter must be *server.Context, got %s", t.In(0))
	}

	if rec.clientStreams {
		if t.In(1) != streamType {
			return fmt.Errorf("request descriptor streams but second parameter is %s, want *server.Stream", t.In(1))
		}
	} else {
		if t.In(1) != rec.reqElem {
			return fmt.Errorf("second parameter is %s, want request type %s", t.In(1), rec.reqElem)
		}
	}

	if rec.serverStreams {
		if t.In(2) != writerType {
			return fmt.Errorf("third parameter is %s, want *server.Writer", t.In(2))
		}
		if t.NumOut() != 1 || t.Out(0) != errorType {
			return fmt.Errorf("streaming-response handler must return error")
		}
		return nil
	}

	if t.NumOut() != 2 || t.Out(1) != errorType {
		return fmt.Errorf("handler must return (%s, error)", rec.respElem)
	}
	if t.Out(0) != rec.respElem {
		return fmt.Errorf("handler returns %s, want response type %s", t.Out(0), rec.respElem)
	}
	return nil
}

// decodePayload decodes a data slot into the method's request type.
func (h *handlerRecord) decodePayload(raw msgpack.RawMessage) (reflect.Value, error) {
	v := reflect.New(h.reqElem)
	if len(raw) > 0 {
		if err := msgpack.Unmarshal(raw, v.Interface()); err != nil {
			return reflect.Value{}, err
		}
	}
	return v.Elem(), nil
}

// shape names the call shape for logs and metrics.
func (h *handlerRecord) shape() string {
	switch {
	case h.clientStreams && h.serverStreams:
		return "bidi"
	case h.clientStreams:
		return "client_stream"
	case h.serverStreams:
		return "server_stream"
	}
	return "unary"
}
