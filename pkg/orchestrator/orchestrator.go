// Package orchestrator runs one salt function on one minion through
// salt-api: validate, log in, submit, poll, extract, report and log out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	cb "github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/andrej220/saltstep/pkg/backoff"
	"github.com/andrej220/saltstep/pkg/capability"
	"github.com/andrej220/saltstep/pkg/executor"
	"github.com/andrej220/saltstep/pkg/extract"
	"github.com/andrej220/saltstep/pkg/lg"
	"github.com/andrej220/saltstep/pkg/saltapi"
	"github.com/andrej220/saltstep/pkg/tokenizer"
)

const maxBodySize = 32 << 20

// State names a step of a run, for logging.
type State string

const (
	Validating     State = "validating"
	Authenticating State = "authenticating"
	Submitting     State = "submitting"
	Polling        State = "polling"
	Extracting     State = "extracting"
	Reporting      State = "reporting"
	LoggingOut     State = "logging_out"
	Done           State = "done"
)

type Credentials struct {
	User     string `json:"user" validate:"required"`
	Password string `json:"-" validate:"required"`
	Eauth    string `json:"eauth" validate:"required"`
}

// String never prints the password.
func (c Credentials) String() string {
	return fmt.Sprintf("{User:%s Eauth:%s Password:***}", c.User, c.Eauth)
}

type Request struct {
	Endpoint    string      `json:"endpoint" validate:"required,httpurl"`
	Command     string      `json:"command" validate:"required"`
	Target      string      `json:"target" validate:"required"`
	Credentials Credentials `json:"credentials"`
	// APIVersion selects the salt-api capability; empty means latest.
	APIVersion string `json:"apiVersion,omitempty"`
}

type Result struct {
	RunID      string   `json:"runId" bson:"runId"`
	Target     string   `json:"target" bson:"target"`
	Function   string   `json:"function" bson:"function"`
	JID        string   `json:"jid,omitempty" bson:"jid,omitempty"`
	APIVersion string   `json:"apiVersion,omitempty" bson:"apiVersion,omitempty"`
	ExitCode   *int     `json:"exitCode,omitempty" bson:"exitCode,omitempty"`
	Stdout     []string `json:"stdout" bson:"stdout"`
	Stderr     []string `json:"stderr" bson:"stderr"`
}

type Options struct {
	LoginAttempts  int
	SubmitAttempts int
	PollAttempts   int
	LogoutAttempts int
	PollStep       time.Duration
	PollCap        time.Duration
	LogoutTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		LoginAttempts:  3,
		SubmitAttempts: 3,
		PollAttempts:   3,
		LogoutAttempts: 1,
		PollStep:       time.Second,
		PollCap:        time.Minute,
		LogoutTimeout:  10 * time.Second,
	}
}

type Orchestrator struct {
	requester  executor.Requester
	caps       *capability.Registry
	extractors *extract.Registry
	opts       Options
	logger     lg.Logger
	sink       Sink
	pollClock  func() cb.Timer
	validate   *validator.Validate
}

type Option func(*Orchestrator)

func WithOptions(opts Options) Option {
	return func(o *Orchestrator) { o.opts = opts }
}

func WithLogger(l lg.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSink sets where job output goes; the default logs it.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithPollClock replaces the timer used between job status polls.
func WithPollClock(f func() cb.Timer) Option {
	return func(o *Orchestrator) { o.pollClock = f }
}

func New(requester executor.Requester, caps *capability.Registry, extractors *extract.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		requester:  requester,
		caps:       caps,
		extractors: extractors,
		opts:       DefaultOptions(),
		logger:     lg.Discard,
		pollClock:  backoff.NewWallTimer,
		validate:   newValidator(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = LogSink{Logger: o.logger}
	}
	return o
}

// run holds everything one invocation needs. It is never shared.
type run struct {
	*Orchestrator
	req    Request
	base   *url.URL
	cmd    saltapi.Command
	api    capability.Capability
	logger lg.Logger
	state  State
}

func (r *run) enter(s State) {
	r.state = s
	r.logger.Debug("state", lg.String("state", string(s)))
}

// Run executes req and blocks until the minion's result is reported. The
// returned Result is filled as far as the run got, also on failure.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	runID := uuid.NewString()
	r := &run{
		Orchestrator: o,
		req:          req,
		logger:       o.logger.With(lg.String("run", runID), lg.String("target", req.Target)),
	}
	res := &Result{RunID: runID, Target: req.Target}

	r.enter(Validating)
	if err := r.validateRequest(); err != nil {
		return res, r.fail(err)
	}
	res.Function = r.cmd.Function
	r.api = o.caps.Get(req.APIVersion)
	res.APIVersion = r.api.ID
	r.logger.Debug("resolved salt-api capability",
		lg.String("requested", req.APIVersion), lg.String("resolved", r.api.ID))

	r.enter(Authenticating)
	token, err := r.authenticate(ctx)
	if err != nil {
		return res, r.fail(err)
	}
	if r.api.SupportsLogout {
		defer r.logout(ctx, token)
	}

	r.enter(Submitting)
	handle, err := r.submit(ctx, token)
	if err != nil {
		return res, r.fail(err)
	}
	res.JID = handle.JID
	r.logger.Info("job submitted", lg.String("jid", handle.JID), lg.String("function", r.cmd.Function))

	r.enter(Polling)
	raw, err := r.poll(ctx, token, handle)
	if err != nil {
		return res, r.fail(err)
	}

	r.enter(Extracting)
	e := o.extractors.Lookup(r.cmd.Function)
	out, err := e.Extract(raw)
	if err != nil {
		return res, r.fail(newError(SaltAPIFailure, err, "cannot extract result of %s with %s", r.cmd.Function, e.Name()))
	}
	res.ExitCode, res.Stdout, res.Stderr = out.ExitCode, out.Stdout, out.Stderr

	r.enter(Reporting)
	for _, line := range out.Stdout {
		o.sink.Stdout(line)
	}
	for _, line := range out.Stderr {
		o.sink.Stderr(line)
	}
	if !out.Successful() {
		if out.ExitCode == nil {
			return res, r.fail(newError(ExitCode, nil, "minion %s returned no exit code", req.Target))
		}
		return res, r.fail(newError(ExitCode, nil, "minion %s returned exit code %d", req.Target, *out.ExitCode))
	}
	r.logger.Info("job succeeded", lg.String("jid", handle.JID))
	return res, nil
}

func (r *run) fail(err error) error {
	r.logger.Error("run failed", lg.String("state", string(r.state)), lg.String("reason", string(ReasonOf(err))), lg.Err(err))
	return err
}

func (r *run) validateRequest() error {
	if err := r.validate.Struct(r.req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "required" {
					return newError(ArgumentsMissing, err, "field %s is required", fe.Field())
				}
			}
			return newError(ArgumentsInvalid, err, "field %s is invalid", verrs[0].Field())
		}
		return newError(ArgumentsInvalid, err, "invalid request")
	}
	base, err := url.Parse(r.req.Endpoint)
	if err != nil {
		return newError(ArgumentsInvalid, err, "invalid endpoint")
	}
	fn, args, err := tokenizer.Split(r.req.Command)
	if err != nil {
		return newError(ArgumentsInvalid, err, "invalid command")
	}
	r.base = base
	r.cmd = saltapi.Command{Function: fn, Args: args}
	return nil
}

func (r *run) authenticate(ctx context.Context) (string, error) {
	c := r.req.Credentials
	req, err := saltapi.NewLoginRequest(ctx, r.base, c.User, c.Password, c.Eauth)
	if err != nil {
		return "", newError(ArgumentsInvalid, err, "cannot build login request")
	}
	resp, err := r.requester.Do(ctx, req, r.opts.LoginAttempts, executor.RetryUnless(r.api.LoginFailureCode))
	if err != nil {
		return "", transportFailure(ctx, "login", err)
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case r.api.LoginSuccessCode:
		token := resp.Header.Get(saltapi.AuthTokenHeader)
		if token == "" {
			return "", newError(SaltAPIFailure, nil, "login response has no %s header", saltapi.AuthTokenHeader)
		}
		r.logger.Debug("authenticated", lg.String("user", c.User), lg.String("eauth", c.Eauth))
		return token, nil
	case r.api.LoginFailureCode:
		return "", newError(AuthenticationFailure, nil, "salt-api rejected credentials of user %s", c.User)
	default:
		return "", newError(CommunicationFailure, nil, "unexpected login status %d", resp.StatusCode)
	}
}

func (r *run) submit(ctx context.Context, token string) (saltapi.JobHandle, error) {
	req, err := saltapi.NewSubmitRequest(ctx, r.base, token, r.cmd, r.req.Target)
	if err != nil {
		return saltapi.JobHandle{}, newError(ArgumentsInvalid, err, "cannot build submit request")
	}
	resp, err := r.requester.Do(ctx, req, r.opts.SubmitAttempts, executor.NeverRetry)
	if err != nil {
		return saltapi.JobHandle{}, transportFailure(ctx, "submit", err)
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusAccepted {
		return saltapi.JobHandle{}, newError(CommunicationFailure, nil, "unexpected submit status %d", resp.StatusCode)
	}
	body, err := readBody(resp)
	if err != nil {
		return saltapi.JobHandle{}, transportFailure(ctx, "submit", err)
	}
	records, err := saltapi.ParserFor(r.api.Submission).Parse(body)
	if err != nil {
		return saltapi.JobHandle{}, newError(SaltAPIFailure, err, "cannot parse submit response")
	}
	if len(records) != 1 {
		return saltapi.JobHandle{}, newError(SaltAPIFailure, nil, "expected one submission record, got %d", len(records))
	}
	rec := records[0]
	if len(rec.Minions) != 1 || rec.Minions[0] != r.req.Target {
		return saltapi.JobHandle{}, newError(TargetMismatch, nil, "job %s dispatched to %v instead of %s", rec.JID, rec.Minions, r.req.Target)
	}
	if rec.JID == "" {
		return saltapi.JobHandle{}, newError(SaltAPIFailure, nil, "submit response has no jid")
	}
	return saltapi.JobHandle{JID: rec.JID, Target: r.req.Target}, nil
}

// poll asks for the job until the target's key shows up.
func (r *run) poll(ctx context.Context, token string, handle saltapi.JobHandle) (string, error) {
	timer := backoff.NewTimer(r.opts.PollStep, r.opts.PollCap, backoff.WithClock(r.pollClock()))
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", newError(Cancelled, err, "polling job %s interrupted", handle.JID)
		}
		raw, err := r.pollOnce(ctx, token, handle)
		if err != nil {
			return "", err
		}
		if raw != nil {
			r.logger.Debug("job finished", lg.String("jid", handle.JID), lg.Int("polls", attempt))
			return *raw, nil
		}
		wait, err := timer.Wait(ctx)
		if err != nil {
			return "", newError(Cancelled, err, "polling job %s interrupted", handle.JID)
		}
		r.logger.Debug("job not finished", lg.String("jid", handle.JID), lg.Duration("waited", wait))
	}
}

func (r *run) pollOnce(ctx context.Context, token string, handle saltapi.JobHandle) (*string, error) {
	req, err := saltapi.NewJobRequest(ctx, r.base, token, handle.JID)
	if err != nil {
		return nil, newError(SaltAPIFailure, err, "cannot build job request")
	}
	resp, err := r.requester.Do(ctx, req, r.opts.PollAttempts, executor.RetryAny)
	if err != nil {
		return nil, transportFailure(ctx, "job status", err)
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, newError(CommunicationFailure, nil, "unexpected job status %d", resp.StatusCode)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, transportFailure(ctx, "job status", err)
	}
	raw, err := saltapi.ParseJobResult(body, handle.Target)
	if err != nil {
		return nil, newError(SaltAPIFailure, err, "cannot parse job %s", handle.JID)
	}
	return raw, nil
}

// logout never fails the run. It runs detached from ctx so that a
// cancelled run still releases its token, bounded by LogoutTimeout.
func (r *run) logout(ctx context.Context, token string) {
	r.enter(LoggingOut)
	if ctx.Err() != nil {
		r.logger.Warn("run cancelled, logging out anyway", lg.Err(ctx.Err()))
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.LogoutTimeout)
	defer cancel()

	req, err := saltapi.NewLogoutRequest(lctx, r.base, token)
	if err != nil {
		r.logger.Warn("cannot build logout request", lg.Err(err))
		return
	}
	resp, err := r.requester.Do(lctx, req, r.opts.LogoutAttempts, executor.RetryAny)
	if err != nil {
		r.logger.Warn("logout failed", lg.Err(err))
		return
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("logout rejected", lg.Int("status", resp.StatusCode))
		return
	}
	r.enter(Done)
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("httpurl", validateHTTPURL)
	return v
}

func validateHTTPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
