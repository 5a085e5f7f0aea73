// Package backofftest provides a cenkalti/backoff Timer that fires
// immediately and records every requested delay.
package backofftest

import (
	"sync"
	"time"
)

type Clock struct {
	mu     sync.Mutex
	delays []time.Duration
	ch     chan time.Time
}

func NewClock() *Clock {
	return &Clock{ch: make(chan time.Time, 1)}
}

func (c *Clock) Start(d time.Duration) {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	select {
	case c.ch <- time.Now():
	default:
	}
}

func (c *Clock) Stop() {}

func (c *Clock) C() <-chan time.Time { return c.ch }

// Delays returns the delays passed to Start so far.
func (c *Clock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}
