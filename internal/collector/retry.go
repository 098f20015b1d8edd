package collector

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"
)

// StatusError reports a non-success upstream response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "upstream returned " + http.StatusText(e.Code)
}

// retryPolicy implements jittered exponential backoff for page requests.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRetryPolicy(maxRetries int, base time.Duration) retryPolicy {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	return retryPolicy{
		maxRetries: maxRetries,
		baseDelay:  base,
		maxDelay:   5 * time.Second,
	}
}

// shouldRetry decides whether the error is retryable after attempt failures.
func (p retryPolicy) shouldRetry(err error, attempt int) bool {
	if err == nil || attempt > p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// backoff returns the wait duration before retrying attempt.
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
