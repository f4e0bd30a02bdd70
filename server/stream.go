package server

import (
	"context"
	"io"
	"sync"
)

// Stream delivers inbound messages of a streaming request to the handler, in
// arrival order. It is single-producer (the dispatcher) single-consumer (the
// handler). The buffer is bounded by Config.InboundQueueSize; a full buffer
// suspends the connection's read loop until the handler catches up.
type Stream struct {
	ch        chan any
	end       chan struct{}
	endOnce   sync.Once
	cancelled chan struct{}
	cancelMu  sync.Mutex
	cancelErr error
}

func newStream(size int) *Stream {
	return &Stream{
		ch:        make(chan any, size),
		end:       make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// Next blocks until a message arrives, the stream ends, or the request is
// cancelled. It returns io.EOF once the stream is closed and drained, and the
// cancellation cause when the request was cancelled.
func (s *Stream) Next(ctx context.Context) (any, error) {
	select {
	case <-s.cancelled:
		return nil, s.cause()
	default:
	}

	select {
	case v := <-s.ch:
		return v, nil
	default:
	}

	select {
	case v := <-s.ch:
		return v, nil
	case <-s.cancelled:
		return nil, s.cause()
	case <-s.end:
		// Closed, but buffered messages may remain.
		select {
		case v := <-s.ch:
			return v, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Len reports the number of buffered, unread messages.
func (s *Stream) Len() int {
	return len(s.ch)
}

// Close stops the stream from the consumer side. Buffered messages remain
// readable; once drained Next returns io.EOF. Close is idempotent.
func (s *Stream) Close() {
	s.close()
}

func (s *Stream) close() {
	s.endOnce.Do(func() { close(s.end) })
}

// cancel unblocks all waiters with err.
func (s *Stream) cancel(err error) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	select {
	case <-s.cancelled:
	default:
		s.cancelErr = err
		close(s.cancelled)
	}
}

func (s *Stream) cause() error {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.cancelErr
}

// push appends one decoded message. It blocks while the buffer is full,
// suspending the caller, and gives up when the stream ends or the request
// context is cancelled.
func (s *Stream) push(ctx context.Context, v any) error {
	select {
	case s.ch <- v:
		return nil
	default:
	}

	select {
	case s.ch <- v:
		return nil
	case <-s.end:
		// Stream already ended; late messages are dropped.
		return nil
	case <-s.cancelled:
		return s.cause()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
