// Package worker executes queued run requests: it reads them from a source,
// runs each through the orchestrator on a worker pool and stores the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/andrej220/saltstep/pkg/consumer"
	"github.com/andrej220/saltstep/pkg/lg"
	"github.com/andrej220/saltstep/pkg/orchestrator"
	"github.com/andrej220/saltstep/pkg/persistence"
	datamodels "github.com/andrej220/saltstep/pkg/shared-models"
	"github.com/andrej220/saltstep/pkg/workerpool"
)

const (
	readErrorDelay = time.Second
	saveAttempts   = 3
)

// Source yields run requests; *consumer.Consumer[datamodels.RunRequest]
// satisfies it.
type Source interface {
	Read(ctx context.Context) (datamodels.RunRequest, error)
}

// Runner is the part of *orchestrator.Orchestrator the worker needs.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Template supplies the endpoint and credentials every request runs with.
type Template struct {
	Endpoint    string
	Credentials orchestrator.Credentials
	APIVersion  string
}

type Service struct {
	source    Source
	runner    Runner
	store     persistence.ResultStore
	pool      *workerpool.Pool[datamodels.RunRequest]
	template  Template
	timeout   time.Duration
	saveDelay time.Duration
	logger    lg.Logger
}

type Option func(*Service)

func WithLogger(l lg.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSaveDelay sets the pause between attempts to store a result.
func WithSaveDelay(d time.Duration) Option {
	return func(s *Service) { s.saveDelay = d }
}

// WithRunTimeout bounds each run; zero means no bound.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

func New(source Source, runner Runner, store persistence.ResultStore, pool *workerpool.Pool[datamodels.RunRequest], tmpl Template, opts ...Option) *Service {
	s := &Service{
		source:    source,
		runner:    runner,
		store:     store,
		pool:      pool,
		template:  tmpl,
		saveDelay: 500 * time.Millisecond,
		logger:    lg.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads requests until ctx is done. Cancelling ctx also cancels the runs
// in flight; they still log out and store a Cancelled result. The caller
// stops the pool to wait for them.
func (s *Service) Run(ctx context.Context) error {
	ctx = lg.Attach(ctx, s.logger)
	for {
		req, err := s.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var decodeErr *consumer.DecodeError
			if errors.As(err, &decodeErr) {
				s.logger.Warn("skipping malformed run request", lg.Err(err))
				continue
			}
			s.logger.Error("cannot read run request", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorDelay):
			}
			continue
		}
		if req.RequestID == uuid.Nil {
			req.RequestID = uuid.New()
		}
		s.logger.Debug("received run request", lg.Any("request", req))

		job := workerpool.Job[datamodels.RunRequest]{
			Payload: req,
			Fn:      s.execute,
			Ctx:     ctx,
		}
		if err := s.pool.Submit(job); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// execute runs one request and never asks the pool to repeat it, since
// salt-api would execute the job twice. Only storing the result is retried.
func (s *Service) execute(ctx context.Context, req datamodels.RunRequest) error {
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	apiVersion := req.APIVersion
	if apiVersion == "" {
		apiVersion = s.template.APIVersion
	}
	res, err := s.runner.Run(runCtx, orchestrator.Request{
		Endpoint:    s.template.Endpoint,
		Command:     req.Command,
		Target:      req.Target,
		Credentials: s.template.Credentials,
		APIVersion:  apiVersion,
	})

	resp := datamodels.RunResponse{RequestID: req.RequestID, Result: res}
	if err != nil {
		resp.Reason = string(orchestrator.ReasonOf(err))
		resp.Error = err.Error()
	}
	saveCtx := context.WithoutCancel(ctx)
	save := func() error { return s.store.Save(saveCtx, resp) }
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.saveDelay), saveAttempts-1)
	if serr := backoff.Retry(save, policy); serr != nil {
		return backoff.Permanent(fmt.Errorf("store result %s: %w", req.RequestID, serr))
	}
	if err != nil {
		return backoff.Permanent(err)
	}
	return nil
}
