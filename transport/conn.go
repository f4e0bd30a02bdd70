// Package transport wraps a WebSocket connection for envelope exchange.
//
// Both peers speak binary frames only; each binary frame is exactly one
// encoded envelope. A per-connection write mutex serializes frames from
// concurrent senders. Gorilla connections support one concurrent writer, so
// unsynchronized writes would corrupt the stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is advertised during the WebSocket handshake. Connections that
// do not negotiate it are rejected.
const Subprotocol = "swill/1"

const writeWait = 10 * time.Second

// ErrSubprotocol is returned when the peer did not negotiate the swill
// subprotocol.
var ErrSubprotocol = errors.New("transport: peer does not speak " + Subprotocol)

// Conn is a WebSocket connection restricted to one-envelope-per-frame binary
// traffic with serialized writes.
type Conn struct {
	ws        *websocket.Conn
	writeMu   chan struct{} // capacity-1 semaphore serializing frame writes
	keepAlive time.Duration
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, writeMu: make(chan struct{}, 1)}
	return c
}

// Upgrade upgrades an HTTP request to a swill WebSocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	if ws.Subprotocol() != Subprotocol {
		deadline := time.Now().Add(writeWait)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "no suitable subprotocol"), deadline)
		ws.Close()
		return nil, ErrSubprotocol
	}
	return newConn(ws), nil
}

// Dial connects to a swill server. The handshake must complete within
// timeout; header carries additional handshake headers such as cookies.
func Dial(ctx context.Context, url string, timeout time.Duration, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	if ws.Subprotocol() != Subprotocol {
		ws.Close()
		return nil, ErrSubprotocol
	}
	return newConn(ws), nil
}

// ReadEnvelope blocks until the next binary frame arrives and returns its
// payload. Text frames are not part of the protocol and are skipped.
func (c *Conn) ReadEnvelope() ([]byte, error) {
	for {
		if c.keepAlive > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.keepAlive))
		}
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// WriteEnvelope writes one envelope as a single binary frame. Safe for
// concurrent use.
func (c *Conn) WriteEnvelope(frame []byte) error {
	c.writeMu <- struct{}{}
	defer func() { <-c.writeMu }()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// WriteClose sends a close frame with the given code and reason. The peer's
// read loop observes it as a *websocket.CloseError.
func (c *Conn) WriteClose(code int, reason string) error {
	c.writeMu <- struct{}{}
	defer func() { <-c.writeMu }()
	deadline := time.Now().Add(writeWait)
	return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// WritePing sends a ping control frame. The peer answers with a pong without
// surfacing anything to its read loop.
func (c *Conn) WritePing() error {
	c.writeMu <- struct{}{}
	defer func() { <-c.writeMu }()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// SetReadLimit bounds the size of an inbound frame. Oversized frames close
// the connection with code 1009.
func (c *Conn) SetReadLimit(limit int64) {
	if limit > 0 {
		c.ws.SetReadLimit(limit)
	}
}

// SetReadDeadline arms the keepalive deadline for subsequent reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// KeepAlive bounds how long the connection may stay silent. The deadline is
// re-armed by every inbound frame and every ping; a peer that stops talking
// for longer than timeout fails the read loop.
func (c *Conn) KeepAlive(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	c.keepAlive = timeout
	c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPingHandler(func(appData string) error {
		c.ws.SetReadDeadline(time.Now().Add(timeout))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

// OnPong registers fn to run whenever a pong control frame arrives.
func (c *Conn) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Close tears the connection down without a close handshake.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Reconnectable reports whether a read-loop error indicates the client should
// schedule a reconnect. Abnormal closure (1006), TLS failure (1015) and any
// non-clean close qualify; a clean close (1000, 1001) does not.
func Reconnectable(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return false
		}
		return true
	}
	// No close frame at all: dropped TCP connection, handshake timeout, etc.
	return true
}
