package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cstranex/swill/transport"
)

func TestReconnectDelayLinearBackoff(t *testing.T) {
	c := &Client{opts: Options{
		Delay:         time.Second,
		BackoffFactor: 1,
	}.withDefaults()}

	assert.Equal(t, 1*time.Second, c.reconnectDelay(1))
	assert.Equal(t, 2*time.Second, c.reconnectDelay(2))
	assert.Equal(t, 3*time.Second, c.reconnectDelay(3))
}

func TestReconnectDelayMonotone(t *testing.T) {
	// With backoffFactor >= 1 and zero jitter the delay never decreases in
	// the attempt count.
	c := &Client{opts: Options{
		Delay:         250 * time.Millisecond,
		BackoffFactor: 1.5,
	}.withDefaults()}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := c.reconnectDelay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestReconnectDelayJitterBounds(t *testing.T) {
	c := &Client{opts: Options{
		Delay:         time.Second,
		BackoffFactor: 1,
		MinJitter:     50 * time.Millisecond,
		MaxJitter:     150 * time.Millisecond,
	}.withDefaults()}

	for i := 0; i < 100; i++ {
		d := c.reconnectDelay(1)
		assert.GreaterOrEqual(t, d, time.Second+50*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second+150*time.Millisecond)
	}
}

// flappyServer upgrades every connection but abruptly kills the first n,
// producing abnormal closures (1006) on the client.
func flappyServer(t *testing.T, killFirst int32) string {
	t.Helper()
	var conns int32
	upgrader := websocket.Upgrader{Subprotocols: []string{transport.Subprotocol}}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if atomic.AddInt32(&conns, 1) <= killFirst {
			ws.UnderlyingConn().Close()
			return
		}
		// Healthy connection: sit in a read loop until the client leaves.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				ws.Close()
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	url := flappyServer(t, 1)

	connected := make(chan struct{}, 4)
	disconnected := make(chan error, 4)

	c, err := New(Options{
		Retries:        3,
		Delay:          20 * time.Millisecond,
		BackoffFactor:  1,
		ConnectTimeout: 2 * time.Second,
		OnConnected:    func() { connected <- struct{}{} },
		OnDisconnected: func(err error) { disconnected <- err },
	}, url)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	<-connected

	// The first connection dies abnormally and a reconnect is scheduled.
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client never observed the disconnect")
	}
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("client never reconnected")
	}
	assert.True(t, c.Connected())
}

func TestReconnectRetriesExhausted(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{transport.Subprotocol}}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws, err := upgrader.Upgrade(w, r, nil); err == nil {
			ws.UnderlyingConn().Close()
		}
	}))
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	errs := make(chan error, 64)
	c, err := New(Options{
		Retries:        2,
		Delay:          10 * time.Millisecond,
		BackoffFactor:  1,
		ConnectTimeout: 200 * time.Millisecond,
		OnError:        func(err error) { errs <- err },
	}, url)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	// Kill the dial target so reconnect attempts fail and the scheduler
	// eventually gives up.
	ts.Close()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case err := <-errs:
			if err == ErrRetriesExhausted {
				assert.False(t, c.Connected())
				return
			}
		case <-deadline:
			t.Fatal("reconnect scheduler never gave up")
		}
	}
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	assert.False(t, transport.Reconnectable(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.False(t, transport.Reconnectable(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.True(t, transport.Reconnectable(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.True(t, transport.Reconnectable(&websocket.CloseError{Code: websocket.CloseTLSHandshake}))
}

func TestConnectRotatesEndpoints(t *testing.T) {
	good := flappyServer(t, 0)

	// The first endpoint refuses connections; round-robin reaches the good
	// one on the second attempt.
	c, err := New(Options{ConnectTimeout: 200 * time.Millisecond},
		"ws://127.0.0.1:1", good)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())
}
