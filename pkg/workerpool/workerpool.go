// Package workerpool runs submitted jobs on a bounded number of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/andrej220/saltstep/pkg/lg"
)

const (
	TotalMaxWorkers = 10
	defaultAttempts = 1
)

var ErrStopped = errors.New("worker pool is stopped")

type JobFunc[T any] func(ctx context.Context, payload T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

type Pool[T any] struct {
	jobs          chan Job[T]
	slots         chan struct{}
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	dispatched    chan struct{}
	stopOnce      sync.Once
	maxWorkers    int
	attempts      int
	retryDelay    time.Duration
}

type Option func(*options)

type options struct {
	attempts   int
	retryDelay time.Duration
}

// WithRetry makes a failing job run up to attempts times, delay apart.
// Jobs that must not be repeated return backoff.Permanent errors.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		o.attempts = attempts
		o.retryDelay = delay
	}
}

func NewPool[T any](maxWorkers int, opts ...Option) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	o := options{attempts: defaultAttempts, retryDelay: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.attempts <= 0 {
		o.attempts = defaultAttempts
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T], maxWorkers),
		slots:      make(chan struct{}, maxWorkers),
		quit:       make(chan struct{}),
		dispatched: make(chan struct{}),
		maxWorkers: maxWorkers,
		attempts:   o.attempts,
		retryDelay: o.retryDelay,
	}
	go pool.dispatch()
	return pool
}

// Stop waits for running jobs. Jobs still queued are dropped.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		<-p.dispatched
		p.wg.Wait()
		for {
			select {
			case job := <-p.jobs:
				p.reject(job)
			default:
				return
			}
		}
	})
}

// Submit queues job, blocking while the queue is full.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	logger := lg.FromContext(job.Ctx)
	select {
	case <-p.quit:
		logger.Warn("worker pool is shutting down, job rejected", lg.Any("job", job.Payload))
		return ErrStopped
	default:
	}
	select {
	case p.jobs <- job:
		logger.Debug("job submitted", lg.Any("job", job.Payload))
		return nil
	case <-p.quit:
		logger.Warn("worker pool is shutting down, job rejected", lg.Any("job", job.Payload))
		return ErrStopped
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	}
}

func (p *Pool[T]) dispatch() {
	defer close(p.dispatched)
	for {
		select {
		case job := <-p.jobs:
			select {
			case p.slots <- struct{}{}:
			case <-p.quit:
				p.reject(job)
				return
			}
			p.wg.Add(1)
			atomic.AddInt32(&p.activeWorkers, 1)
			go p.worker(job)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool[T]) reject(job Job[T]) {
	lg.FromContext(job.Ctx).Warn("worker pool stopped before job started", lg.Any("job", job.Payload))
	if job.CleanupFunc != nil {
		job.CleanupFunc()
	}
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))
	logger.Info("worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	start := time.Now()
	err := p.run(job, logger)
	switch {
	case job.Ctx.Err() != nil:
		logger.Info("job canceled", lg.Err(job.Ctx.Err()))
	case err != nil:
		logger.Error("job failed", lg.Err(err), lg.Duration("elapsed", time.Since(start)))
	default:
		logger.Info("job finished", lg.Duration("elapsed", time.Since(start)))
	}
}

func (p *Pool[T]) run(job Job[T], logger lg.Logger) error {
	attempt := 0
	op := func() error {
		attempt++
		return p.call(job)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("job attempt failed", lg.Int("attempt", attempt), lg.Duration("retry_in", next), lg.Err(err))
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), uint64(p.attempts-1)), job.Ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if err != nil && p.attempts > 1 && attempt == p.attempts {
		return fmt.Errorf("failed after %d attempts: %w", attempt, err)
	}
	return err
}

// call turns a panicking job into a permanent error.
func (p *Pool[T]) call(job Job[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return job.Fn(job.Ctx, job.Payload)
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) MaxWorkers() int {
	return p.maxWorkers
}
