// Package retry implements bounded retry with linear backoff for upstream
// calls.
//
// The decision is a pure function of the attempt number and its outcome
// (Policy.ShouldRetry), and waiting goes through an injected clock so the
// policy can be tested without real time passing:
//
//	policy := retry.NewPolicy(3, time.Second, retry.DefaultRetryOn)
//	exec := retry.NewExecutor(policy, clock.RealClock{})
//	resp, attempts, err := exec.Do(ctx, call, nil)
//
// With MaxRetries 3 a backend that keeps answering 503 is called four
// times, waiting 1s, 2s and 3s in between, and Do then fails with
// ErrAttemptsExhausted. An empty RetryOn set relays every status as is.
//
// Any error an attempt returns counts as a transport failure and is retried,
// unless the caller wrapped it with Permanent.
package retry
