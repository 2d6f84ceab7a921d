package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"k8s.io/utils/clock"
)

// ErrAttemptsExhausted is returned once no attempts remain and the last one
// still failed.
var ErrAttemptsExhausted = errors.New("all retry attempts failed")

// maxDrain bounds how much of a discarded response body is read so the
// connection can be reused.
const maxDrain = 64 << 10

// Attempt performs one upstream call. attempt is 1-based.
type Attempt func(ctx context.Context, attempt int) (*http.Response, error)

// RetryHook observes a failed attempt that is about to be retried.
type RetryHook func(attempt, status int, err error, delay time.Duration)

type Executor struct {
	policy Policy
	clock  clock.Clock
}

// NewExecutor returns an Executor that waits on clk between attempts. A nil
// clk uses the wall clock.
func NewExecutor(policy Policy, clk clock.Clock) *Executor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Executor{
		policy: policy,
		clock:  clk,
	}
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs fn until it returns a response with a non-retryable status or
// attempts run out. When the last attempt still fails, with a transport
// error or a retryable status, Do returns an error wrapping
// ErrAttemptsExhausted and closes any response. A Permanent error ends the
// loop at once and is returned as is. Cancelling ctx stops the
// loop between attempts. The attempt count is returned in every case.
func (e *Executor) Do(ctx context.Context, fn Attempt, onRetry RetryHook) (*http.Response, int, error) {
	for attempt := 1; ; attempt++ {
		resp, err := fn(ctx, attempt)

		if ctxErr := ctx.Err(); ctxErr != nil {
			discard(resp)
			return nil, attempt, ctxErr
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		if !e.policy.ShouldRetry(attempt, status, err) {
			if IsPermanent(err) {
				discard(resp)
				return nil, attempt, err
			}
			if err != nil {
				return nil, attempt, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, err)
			}
			if e.policy.Retryable(status) {
				discard(resp)
				return nil, attempt, fmt.Errorf("%w after %d attempts: last status %d", ErrAttemptsExhausted, attempt, status)
			}
			return resp, attempt, nil
		}

		discard(resp)

		delay := e.policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, status, err, delay)
		}

		if err := e.wait(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := e.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	resp.Body.Close()
}
