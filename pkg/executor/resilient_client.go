package executor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	bo "github.com/andrej220/saltstep/pkg/backoff"
	"github.com/andrej220/saltstep/pkg/lg"
)

var ErrInvalidArgument = errors.New("invalid argument")

const (
	DefaultStep = 500 * time.Millisecond
	DefaultCap  = 30 * time.Second
)

type ResilienceConfig struct {
	Step                   time.Duration
	Cap                    time.Duration
	CircuitBreakerSettings *gobreaker.Settings
}

// DefaultResilienceConfig mirrors the settings used for salt-api calls.
// The breaker is off; each Do then owns all of its state.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{Step: DefaultStep, Cap: DefaultCap}
}

// DefaultBreakerSettings is the breaker used when one is switched on.
func DefaultBreakerSettings() *gobreaker.Settings {
	return &gobreaker.Settings{
		Name:        "salt-api",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// ResilientClient retries requests with capped exponential backoff and
// guards the transport with an optional circuit breaker.
type ResilientClient struct {
	client   Doer
	step     time.Duration
	cap      time.Duration
	breaker  *gobreaker.CircuitBreaker
	newTimer func() backoff.Timer
	logger   lg.Logger
}

var _ Requester = (*ResilientClient)(nil)

type Option func(*ResilientClient)

func WithLogger(l lg.Logger) Option {
	return func(c *ResilientClient) { c.logger = l }
}

// WithTimerFactory replaces the wall clock used between attempts.
func WithTimerFactory(f func() backoff.Timer) Option {
	return func(c *ResilientClient) { c.newTimer = f }
}

func NewResilientClient(client Doer, conf ResilienceConfig, opts ...Option) *ResilientClient {
	if conf.Step <= 0 {
		conf.Step = DefaultStep
	}
	if conf.Cap <= 0 {
		conf.Cap = DefaultCap
	}
	c := &ResilientClient{
		client:   client,
		step:     conf.Step,
		cap:      conf.Cap,
		newTimer: bo.NewWallTimer,
		logger:   lg.Discard,
	}
	if conf.CircuitBreakerSettings != nil {
		c.breaker = gobreaker.NewCircuitBreaker(*conf.CircuitBreakerSettings)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewHTTPClient returns a client that does not follow redirects, since a
// redirect is a meaningful login status for older salt-api versions.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// rejectedStatus marks a response whose status code may be retried.
type rejectedStatus struct{ code int }

func (r *rejectedStatus) Error() string { return fmt.Sprintf("rejected status %d", r.code) }

// Do sends req up to maxAttempts times. A 2xx/3xx response is returned at
// once, as is a rejected status that retry refuses. Once attempts run out the
// last response is returned, or the last error if the last attempt had none.
func (c *ResilientClient) Do(ctx context.Context, req *http.Request, maxAttempts int, retry RetryPredicate) (*http.Response, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("%w: maxAttempts must be positive, got %d", ErrInvalidArgument, maxAttempts)
	}
	if retry == nil {
		retry = RetryAny
	}
	logger := c.logger.With(lg.String("method", req.Method), lg.String("path", req.URL.Path))

	var pending *http.Response
	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++
		discard(pending)
		pending = nil

		resp, err := c.send(ctx, req)
		if err != nil {
			if !Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if isSuccess(resp.StatusCode) || !retry(resp.StatusCode) {
			return resp, nil
		}
		pending = resp
		return resp, &rejectedStatus{code: resp.StatusCode}
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("retrying request", lg.Int("attempt", attempt), lg.Duration("wait", next), lg.Err(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo.NewExponential(c.step, c.cap), uint64(maxAttempts-1)), ctx)
	resp, err := backoff.RetryNotifyWithTimerAndData(operation, policy, notify, c.newTimer())
	if err != nil {
		var rejected *rejectedStatus
		if errors.As(err, &rejected) {
			logger.Warn("attempts exhausted", lg.Int("attempts", attempt), lg.Int("status", rejected.code))
			return resp, nil
		}
		discard(resp)
		return nil, err
	}
	return resp, nil
}

func (c *ResilientClient) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("replay request body: %w", err))
		}
		r.Body = body
	}
	if c.breaker == nil {
		return c.client.Do(r)
	}
	res, err := c.breaker.Execute(func() (any, error) {
		return c.client.Do(r)
	})
	if err != nil {
		return nil, err
	}
	return res.(*http.Response), nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 400
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Retryable reports whether err is a transient transport failure. Protocol
// violations, unknown hosts and TLS failures are not. An open breaker is:
// the attempt is spent and the backoff wait still applies.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	return !isTLSError(err) && !isProtocolError(err)
}

func isTLSError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		authorityErr x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}

// net/http reports these as plain errors, so match on their text.
var protocolMessages = []string{
	"unsupported protocol scheme",
	"malformed HTTP",
	"server gave HTTP response to HTTPS client",
	"http: no Host in request URL",
}

func isProtocolError(err error) bool {
	msg := err.Error()
	for _, m := range protocolMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
