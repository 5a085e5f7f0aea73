package executor

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/saltstep/pkg/backoff/backofftest"
)

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func newTestClient(t *testing.T, doer Doer, clock *backofftest.Clock) *ResilientClient {
	t.Helper()
	return NewResilientClient(doer, ResilienceConfig{Step: time.Second, Cap: 300 * time.Second},
		WithTimerFactory(func() backoff.Timer { return clock }))
}

func TestRetryUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "fun=test.ping", string(body))
		if atomic.AddInt32(&calls, 1) < 5 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := backofftest.NewClock()
	c := newTestClient(t, NewHTTPClient(5*time.Second), clock)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/minions", strings.NewReader("fun=test.ping"))
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req, 5, RetryAny)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 7 * time.Second, 15 * time.Second}, clock.Delays())
}

func TestRejectedStatusReturnedWhenExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := backofftest.NewClock()
	c := newTestClient(t, NewHTTPClient(5*time.Second), clock)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := c.Do(context.Background(), req, 3, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, clock.Delays(), 2)
}

func TestPredicateRefusesRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	clock := backofftest.NewClock()
	c := newTestClient(t, NewHTTPClient(5*time.Second), clock)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/login", nil)

	resp, err := c.Do(context.Background(), req, 5, RetryUnless(http.StatusUnauthorized))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, clock.Delays())
}

func TestRedirectIsNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(t, NewHTTPClient(5*time.Second), backofftest.NewClock())
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/login", nil)
	resp, err := c.Do(context.Background(), req, 1, NeverRetry)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestNonTransientErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"protocol", &url.Error{Op: "Post", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)}},
		{"unknown host", &url.Error{Op: "Get", URL: "http://nope", Err: &net.DNSError{Err: "no such host", Name: "nope", IsNotFound: true}}},
		{"certificate", &url.Error{Op: "Get", URL: "https://x", Err: x509.UnknownAuthorityError{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			clock := backofftest.NewClock()
			c := newTestClient(t, doerFunc(func(*http.Request) (*http.Response, error) {
				calls++
				return nil, tt.err
			}), clock)
			req, _ := http.NewRequest(http.MethodGet, "http://salt/jobs/1", nil)

			_, err := c.Do(context.Background(), req, 5, RetryAny)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, calls)
			assert.Empty(t, clock.Delays())
		})
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls int
	reset := &url.Error{Op: "Get", URL: "http://salt", Err: syscall.ECONNRESET}
	clock := backofftest.NewClock()
	c := newTestClient(t, doerFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, reset
	}), clock)
	req, _ := http.NewRequest(http.MethodGet, "http://salt/jobs/1", nil)

	_, err := c.Do(context.Background(), req, 4, RetryAny)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.Equal(t, 4, calls)
	assert.Len(t, clock.Delays(), 3)
}

func TestTransientErrorThenSuccess(t *testing.T) {
	var calls int
	c := newTestClient(t, doerFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return nil, &url.Error{Op: "Get", URL: r.URL.String(), Err: syscall.ECONNREFUSED}
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("{}"))}, nil
	}), backofftest.NewClock())
	req, _ := http.NewRequest(http.MethodGet, "http://salt/jobs/1", nil)

	resp, err := c.Do(context.Background(), req, 3, NeverRetry)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestInvalidMaxAttempts(t *testing.T) {
	c := newTestClient(t, doerFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("transport must not be called")
		return nil, nil
	}), backofftest.NewClock())
	req, _ := http.NewRequest(http.MethodGet, "http://salt", nil)

	_, err := c.Do(context.Background(), req, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	c := newTestClient(t, doerFunc(func(*http.Request) (*http.Response, error) {
		calls++
		cancel()
		return nil, syscall.ECONNRESET
	}), backofftest.NewClock())
	req, _ := http.NewRequest(http.MethodGet, "http://salt", nil)

	_, err := c.Do(ctx, req, 5, RetryAny)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestOpenBreakerSpendsAttempts(t *testing.T) {
	var calls int
	conf := ResilienceConfig{
		Step: time.Second,
		Cap:  time.Second,
		CircuitBreakerSettings: &gobreaker.Settings{
			Name:        "test",
			Timeout:     time.Hour,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
		},
	}
	clock := backofftest.NewClock()
	c := NewResilientClient(doerFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, syscall.ECONNRESET
	}), conf, WithTimerFactory(func() backoff.Timer { return clock }))
	req, _ := http.NewRequest(http.MethodGet, "http://salt", nil)

	_, err := c.Do(context.Background(), req, 5, RetryAny)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls)
	assert.Len(t, clock.Delays(), 4)
}

func TestDefaultConfigUsesEveryAttempt(t *testing.T) {
	var calls int
	clock := backofftest.NewClock()
	c := NewResilientClient(doerFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, syscall.ECONNRESET
	}), DefaultResilienceConfig(), WithTimerFactory(func() backoff.Timer { return clock }))
	req, _ := http.NewRequest(http.MethodGet, "http://salt", nil)

	_, err := c.Do(context.Background(), req, 10, RetryAny)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.Equal(t, 10, calls)
	assert.Len(t, clock.Delays(), 9)

	_, err = c.Do(context.Background(), req, 10, RetryAny)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.Equal(t, 20, calls, "a second call starts from a clean slate")
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(syscall.ECONNRESET))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.True(t, Retryable(gobreaker.ErrOpenState))
	assert.True(t, Retryable(gobreaker.ErrTooManyRequests))
	assert.False(t, Retryable(x509.HostnameError{Certificate: &x509.Certificate{}, Host: "salt"}))
}

func TestRetryUnless(t *testing.T) {
	p := RetryUnless(401, 403)
	assert.False(t, p(401))
	assert.False(t, p(403))
	assert.True(t, p(500))
	assert.False(t, NeverRetry(500))
	assert.True(t, RetryAny(500))
}
