package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cstranex/swill/message"
)

func newTestRpc(t *testing.T) *RpcRequest {
	t.Helper()
	c := &Client{pending: make(map[uint64]*RpcRequest)}
	return newRpcRequest(c, 1, "test", 8)
}

func respWith(t *testing.T, v any) *message.Response {
	t.Helper()
	data, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return &message.Response{Seq: 1, Data: data}
}

func TestRpcReceiveInOrder(t *testing.T) {
	rr := newTestRpc(t)
	ctx := context.Background()

	rr.deliver(respWith(t, 10))
	rr.deliver(respWith(t, 20))
	assert.True(t, rr.HasData())

	for _, want := range []int{10, 20} {
		resp, err := rr.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, message.ResponseMessage, resp.Type)
		var n int
		require.NoError(t, resp.Decode(&n))
		assert.Equal(t, want, n)
	}
	assert.False(t, rr.HasData())
}

func TestRpcEndOfStream(t *testing.T) {
	rr := newTestRpc(t)
	ctx := context.Background()

	rr.deliver(respWith(t, 1))
	rr.deliver(&message.Response{
		Seq:              1,
		Type:             message.ResponseEndOfStream,
		TrailingMetadata: message.Metadata{"n": "1"},
	})

	resp, err := rr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.ResponseMessage, resp.Type)

	resp, err = rr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.ResponseEndOfStream, resp.Type)
	assert.True(t, rr.Ended())
	assert.Equal(t, "1", rr.TrailingMetadata()["n"])

	_, err = rr.Receive(ctx)
	assert.ErrorIs(t, err, ErrEnded)
}

func TestRpcErrorFrameDoesNotRaise(t *testing.T) {
	rr := newTestRpc(t)
	ctx := context.Background()

	payload, err := msgpack.Marshal(message.NewError(message.CodeInternalError, "bad"))
	require.NoError(t, err)
	rr.deliver(&message.Response{Seq: 1, Data: payload, Type: message.ResponseError})

	resp, err := rr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.ResponseError, resp.Type)
	require.NotNil(t, resp.Err)
	assert.Equal(t, message.CodeInternalError, resp.Err.Code)
	assert.True(t, rr.Ended())
}

func TestRpcLeadingMetadataFirstWins(t *testing.T) {
	rr := newTestRpc(t)

	rr.deliver(&message.Response{
		Seq:             1,
		Type:            message.ResponseMetadata,
		LeadingMetadata: message.Metadata{"v": "first"},
	})
	rr.deliver(&message.Response{
		Seq:             1,
		Type:            message.ResponseMetadata,
		LeadingMetadata: message.Metadata{"v": "second"},
	})

	assert.Equal(t, "first", rr.LeadingMetadata()["v"])
	// Metadata-only frames are not surfaced as data.
	assert.False(t, rr.HasData())
}

func TestRpcReceiveBlocksUntilDeliver(t *testing.T) {
	rr := newTestRpc(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		rr.deliver(respWith(t, 7))
	}()

	resp, err := rr.Receive(context.Background())
	require.NoError(t, err)
	var n int
	require.NoError(t, resp.Decode(&n))
	assert.Equal(t, 7, n)
}

func TestRpcReceiveHonorsContext(t *testing.T) {
	rr := newTestRpc(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rr.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRpcCloseStopsConsumption(t *testing.T) {
	rr := newTestRpc(t)
	rr.Close()

	_, err := rr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrRpcClosed)

	assert.ErrorIs(t, rr.Send(1), ErrRpcClosed)

	// Frames arriving after Close are dropped without blocking.
	for i := 0; i < 20; i++ {
		rr.deliver(respWith(t, i))
	}
}

func TestRpcFailSurfacesTransportError(t *testing.T) {
	rr := newTestRpc(t)
	rr.fail(ErrNotConnected)

	_, err := rr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRpcSendStateGuards(t *testing.T) {
	rr := newTestRpc(t)

	// Without a connection the underlying send fails, but the state guards
	// fire first once the stream was ended locally.
	rr.mu.Lock()
	rr.sentEOS = true
	rr.mu.Unlock()
	assert.ErrorIs(t, rr.Send(1), ErrEndOfStreamSent)
}
