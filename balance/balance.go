// Package balance selects which endpoint a client dials when it is
// configured with more than one server URL.
package balance

import (
	"errors"
	"sync/atomic"
)

// ErrNoEndpoints is returned when a balancer has nothing to pick from.
var ErrNoEndpoints = errors.New("balance: no endpoints configured")

// Balancer picks the endpoint for the next connection attempt. Pick is called
// on every connect and reconnect and must be goroutine-safe.
type Balancer interface {
	Pick() (string, error)
	Name() string
}

// RoundRobin cycles through the configured endpoints in order, so repeated
// reconnect attempts spread across servers instead of hammering one.
type RoundRobin struct {
	endpoints []string
	counter   atomic.Int64
}

// NewRoundRobin creates a balancer over the given endpoints.
func NewRoundRobin(endpoints ...string) (*RoundRobin, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return &RoundRobin{endpoints: endpoints}, nil
}

// Pick returns the next endpoint in rotation, starting with the first.
func (b *RoundRobin) Pick() (string, error) {
	index := (b.counter.Add(1) - 1) % int64(len(b.endpoints))
	return b.endpoints[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
