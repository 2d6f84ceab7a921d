package retry

import (
	"slices"
	"time"
)

// DefaultRetryOn lists the upstream statuses treated as transient: gateway
// errors plus the Cloudflare 52x origin failures.
var DefaultRetryOn = []int{502, 503, 504, 520, 521, 522, 523, 524}

// Policy decides whether a finished attempt is retried and how long to
// wait first. The zero Policy performs exactly one attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	RetryOn    []int
}

func NewPolicy(maxRetries int, baseDelay time.Duration, retryOn []int) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	codes := slices.Clone(retryOn)
	slices.Sort(codes)
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		RetryOn:    slices.Compact(codes),
	}
}

// Attempts is the upper bound on attempts for one request.
func (p Policy) Attempts() int {
	return p.MaxRetries + 1
}

// Retryable reports whether status is in the retry set.
func (p Policy) Retryable(status int) bool {
	return slices.Contains(p.RetryOn, status)
}

// ShouldRetry is called after attempt (1-based) finished with status or
// err. It is true only while attempts remain and the attempt either failed
// at the transport level or returned a retryable status. Errors marked
// with Permanent are never retried.
func (p Policy) ShouldRetry(attempt, status int, err error) bool {
	if attempt > p.MaxRetries {
		return false
	}
	if err != nil {
		return !IsPermanent(err)
	}
	return p.Retryable(status)
}

// Delay is the linear backoff before the attempt following attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return p.BaseDelay * time.Duration(attempt)
}
