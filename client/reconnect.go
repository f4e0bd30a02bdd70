package client

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// scheduleReconnect arms the next reconnect attempt. The delay grows linearly
// with the attempt counter:
//
//	delay = Delay * BackoffFactor * attempts + jitter
//
// where jitter is drawn uniformly from [MinJitter, MaxJitter]. The counter is
// capped by Retries; exceeding the cap leaves the client disconnected and
// reports ErrRetriesExhausted through OnError.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempts := c.attempts
	if attempts > c.opts.Retries {
		c.mu.Unlock()
		c.log.Warn("giving up on reconnecting", zap.Int("attempts", attempts-1))
		if c.opts.OnError != nil {
			c.opts.OnError(ErrRetriesExhausted)
		}
		return
	}
	delay := c.reconnectDelay(attempts)
	c.timer = time.AfterFunc(delay, c.tryReconnect)
	c.mu.Unlock()

	c.log.Info("reconnect scheduled",
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))
}

func (c *Client) tryReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.log.Warn("reconnect attempt failed", zap.Error(err))
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
		c.scheduleReconnect()
	}
}

func (c *Client) reconnectDelay(attempts int) time.Duration {
	delay := time.Duration(float64(c.opts.Delay) * c.opts.BackoffFactor * float64(attempts))
	if span := c.opts.MaxJitter - c.opts.MinJitter; span > 0 {
		delay += c.opts.MinJitter + time.Duration(rand.Int63n(int64(span)+1))
	} else {
		delay += c.opts.MinJitter
	}
	return delay
}
