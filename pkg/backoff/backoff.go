// Package backoff provides the capped exponential delay curve shared by the
// HTTP retry loop and the job poll loop.
package backoff

import (
	"context"
	"time"

	cb "github.com/cenkalti/backoff/v4"
)

const maxShift = 62

// Exponential yields (2^k - 1) * Step for k = 1, 2, 3 ..., clamped to Cap.
// It implements cb.BackOff and is not safe for concurrent use.
type Exponential struct {
	Step time.Duration
	Cap  time.Duration

	k int
}

var _ cb.BackOff = (*Exponential)(nil)

func NewExponential(step, cap time.Duration) *Exponential {
	return &Exponential{Step: step, Cap: cap}
}

func (e *Exponential) NextBackOff() time.Duration {
	if e.k < maxShift {
		e.k++
	}
	mult := int64(1)<<e.k - 1
	if e.Step <= 0 {
		return 0
	}
	if e.Cap > 0 && mult > int64(e.Cap/e.Step) {
		return e.Cap
	}
	if mult > int64(time.Duration(1<<62)/e.Step) {
		return time.Duration(1 << 62)
	}
	d := time.Duration(mult) * e.Step
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}

func (e *Exponential) Reset() { e.k = 0 }

// Timer blocks the caller for successive Exponential delays.
type Timer struct {
	policy cb.BackOff
	timer  cb.Timer
}

type TimerOption func(*Timer)

// WithClock replaces the wall-clock timer, mostly for tests.
func WithClock(t cb.Timer) TimerOption {
	return func(tm *Timer) { tm.timer = t }
}

func NewTimer(step, cap time.Duration, opts ...TimerOption) *Timer {
	t := &Timer{
		policy: NewExponential(step, cap),
		timer:  &wallTimer{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Wait sleeps for the next delay. It returns ctx.Err() if the context is
// done before, during or right after the sleep.
func (t *Timer) Wait(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := t.policy.NextBackOff()
	t.timer.Start(d)
	defer t.timer.Stop()

	select {
	case <-ctx.Done():
		return d, ctx.Err()
	case <-t.timer.C():
	}
	return d, ctx.Err()
}

// wallTimer is a cb.Timer over time.Timer.
type wallTimer struct {
	timer *time.Timer
}

func (w *wallTimer) C() <-chan time.Time {
	return w.timer.C
}

func (w *wallTimer) Start(d time.Duration) {
	if w.timer == nil {
		w.timer = time.NewTimer(d)
		return
	}
	w.timer.Reset(d)
}

func (w *wallTimer) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// NewWallTimer returns the cb.Timer used by default.
func NewWallTimer() cb.Timer {
	return &wallTimer{}
}
