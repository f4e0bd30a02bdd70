package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareServer() *Server {
	return New(Config{DisableIntrospection: true})
}

func TestRegisterClassifiesShapes(t *testing.T) {
	s := newBareServer()

	require.NoError(t, s.Register("unary",
		func(ctx *Context, req int) (string, error) { return "", nil },
		Single[int](), Single[string]()))

	require.NoError(t, s.Register("clientStream",
		func(ctx *Context, stream *Stream) (int, error) { return 0, nil },
		StreamOf[int](), Single[int]()))

	require.NoError(t, s.Register("serverStream",
		func(ctx *Context, req int, out *Writer) error { return nil },
		Single[int](), StreamOf[int]()))

	require.NoError(t, s.Register("bidi",
		func(ctx *Context, stream *Stream, out *Writer) error { return nil },
		StreamOf[int](), StreamOf[int]()))

	assert.Equal(t, "unary", s.handlers["unary"].shape())
	assert.Equal(t, "client_stream", s.handlers["clientStream"].shape())
	assert.Equal(t, "server_stream", s.handlers["serverStream"].shape())
	assert.Equal(t, "bidi", s.handlers["bidi"].shape())
}

func TestRegisterRejectsCollision(t *testing.T) {
	s := newBareServer()
	h := func(ctx *Context, req int) (int, error) { return 0, nil }

	require.NoError(t, s.Register("dup", h, Single[int](), Single[int]()))
	err := s.Register("dup", h, Single[int](), Single[int]())
	assert.ErrorContains(t, err, "already registered")
}

func TestRegisterRejectsMissingDescriptor(t *testing.T) {
	s := newBareServer()
	err := s.Register("m",
		func(ctx *Context, req int) (int, error) { return 0, nil },
		Descriptor{}, Single[int]())
	assert.ErrorContains(t, err, "missing payload descriptor")
}

func TestRegisterRejectsBadSignatures(t *testing.T) {
	s := newBareServer()

	// Not a func.
	err := s.Register("notFunc", 42, Single[int](), Single[int]())
	assert.ErrorContains(t, err, "must be a func")

	// Wrong first parameter.
	err = s.Register("noCtx",
		func(req int) (int, error) { return 0, nil },
		Single[int](), Single[int]())
	assert.Error(t, err)

	// Streaming request descriptor but unary signature.
	err = s.Register("shapeMismatch",
		func(ctx *Context, req int) (int, error) { return 0, nil },
		StreamOf[int](), Single[int]())
	assert.ErrorContains(t, err, "want *server.Stream")

	// Streaming response descriptor but no Writer parameter.
	err = s.Register("missingWriter",
		func(ctx *Context, req int) (int, error) { return 0, nil },
		Single[int](), StreamOf[int]())
	assert.Error(t, err)

	// Streaming response handler returning a value.
	err = s.Register("badReturn",
		func(ctx *Context, req int, out *Writer) (int, error) { return 0, nil },
		Single[int](), StreamOf[int]())
	assert.ErrorContains(t, err, "must return error")

	// Response type mismatch.
	err = s.Register("respMismatch",
		func(ctx *Context, req int) (string, error) { return "", nil },
		Single[int](), Single[int]())
	assert.ErrorContains(t, err, "want response type")
}

func TestRegisterRejectsNilHandler(t *testing.T) {
	s := newBareServer()
	err := s.Register("nil", nil, Single[int](), Single[int]())
	assert.ErrorContains(t, err, "handler is nil")
}
