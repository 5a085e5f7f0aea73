package executor

import (
	"context"
	"net/http"
)

// Doer is the transport under the executor; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Requester knows how to send a request, apply retries/backoff, and return
// the final response. The caller owns the response body.
type Requester interface {
	Do(ctx context.Context, req *http.Request, maxAttempts int, retry RetryPredicate) (*http.Response, error)
}

// RetryPredicate reports whether a non-2xx/3xx status code should be retried.
type RetryPredicate func(status int) bool

// RetryAny retries every rejected status code.
func RetryAny(int) bool { return true }

// NeverRetry returns every rejected status code as-is.
func NeverRetry(int) bool { return false }

// RetryUnless retries every rejected status code except the given ones.
func RetryUnless(codes ...int) RetryPredicate {
	return func(status int) bool {
		for _, c := range codes {
			if c == status {
				return false
			}
		}
		return true
	}
}
