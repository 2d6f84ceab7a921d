package retry_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/angeloszaimis/edgeproxy/internal/retry"
)

type trackingBody struct {
	io.Reader
	closed bool
}

func (t *trackingBody) Close() error {
	t.closed = true
	return nil
}

func respond(status int) (*http.Response, *trackingBody) {
	body := &trackingBody{Reader: strings.NewReader("payload")}
	return &http.Response{StatusCode: status, Body: body}, body
}

type result struct {
	resp     *http.Response
	attempts int
	err      error
}

var _ = Describe("Executor", func() {
	var (
		fakeClock *testingclock.FakeClock
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		fakeClock = testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(func() { cancel() })
	})

	run := func(exec *retry.Executor, fn retry.Attempt, hook retry.RetryHook) <-chan result {
		done := make(chan result, 1)
		go func() {
			resp, attempts, err := exec.Do(ctx, fn, hook)
			done <- result{resp, attempts, err}
		}()
		return done
	}

	advance := func(d time.Duration) {
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(d)
	}

	It("should make exactly retries+1 attempts against a backend stuck on 503", func() {
		exec := retry.NewExecutor(retry.NewPolicy(3, time.Second, retry.DefaultRetryOn), fakeClock)

		var (
			mutex    sync.Mutex
			calls    []time.Time
			bodies   []*trackingBody
			retried  []int
			statuses []int
			delays   []time.Duration
			attempts int
		)
		fn := func(ctx context.Context, attempt int) (*http.Response, error) {
			mutex.Lock()
			defer mutex.Unlock()
			attempts++
			calls = append(calls, fakeClock.Now())
			resp, body := respond(http.StatusServiceUnavailable)
			bodies = append(bodies, body)
			return resp, nil
		}
		hook := func(attempt, status int, err error, delay time.Duration) {
			mutex.Lock()
			defer mutex.Unlock()
			retried = append(retried, attempt)
			statuses = append(statuses, status)
			delays = append(delays, delay)
		}

		done := run(exec, fn, hook)
		advance(1 * time.Second)
		advance(2 * time.Second)
		advance(3 * time.Second)

		var res result
		Eventually(done).Should(Receive(&res))
		Expect(res.err).To(MatchError(retry.ErrAttemptsExhausted))
		Expect(res.err.Error()).To(ContainSubstring("last status 503"))
		Expect(res.attempts).To(Equal(4))
		Expect(res.resp).To(BeNil())

		mutex.Lock()
		defer mutex.Unlock()
		Expect(attempts).To(Equal(4))
		Expect(retried).To(Equal([]int{1, 2, 3}))
		Expect(statuses).To(Equal([]int{503, 503, 503}))
		Expect(delays).To(Equal([]time.Duration{time.Second, 2 * time.Second, 3 * time.Second}))
		Expect(calls[1].Sub(calls[0])).To(Equal(1 * time.Second))
		Expect(calls[2].Sub(calls[1])).To(Equal(2 * time.Second))
		Expect(calls[3].Sub(calls[2])).To(Equal(3 * time.Second))

		for _, b := range bodies {
			Expect(b.closed).To(BeTrue())
		}
	})

	It("should not wake before the backoff elapsed", func() {
		exec := retry.NewExecutor(retry.NewPolicy(1, time.Second, retry.DefaultRetryOn), fakeClock)

		var mutex sync.Mutex
		attempts := 0
		fn := func(ctx context.Context, attempt int) (*http.Response, error) {
			mutex.Lock()
			attempts++
			mutex.Unlock()
			resp, _ := respond(http.StatusBadGateway)
			return resp, nil
		}
		count := func() int {
			mutex.Lock()
			defer mutex.Unlock()
			return attempts
		}

		done := run(exec, fn, nil)
		advance(999 * time.Millisecond)
		Consistently(count, 50*time.Millisecond).Should(Equal(1))

		fakeClock.Step(time.Millisecond)
		Eventually(done).Should(Receive())
		Expect(count()).To(Equal(2))
	})

	It("should return a non-retryable status immediately", func() {
		exec := retry.NewExecutor(retry.NewPolicy(3, time.Second, retry.DefaultRetryOn), fakeClock)

		attempts := 0
		fn := func(ctx context.Context, attempt int) (*http.Response, error) {
			attempts++
			resp, _ := respond(http.StatusNotFound)
			return resp, nil
		}

		resp, n, err := exec.Do(ctx, fn, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(attempts).To(Equal(1))
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("should recover when a later attempt succeeds", func() {
		exec := retry.NewExecutor(retry.NewPolicy(3, 0, retry.DefaultRetryOn), fakeClock)

		fn := func(ctx context.Context, attempt int) (*http.Response, error) {
			if attempt < 3 {
				return nil, errors.New("connection reset")
			}
			resp, _ := respond(http.StatusOK)
			return resp, nil
		}

		resp, n, err := exec.Do(ctx, fn, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("should surface the last network error once attempts run out", func() {
		exec := retry.NewExecutor(retry.NewPolicy(2, 0, retry.DefaultRetryOn), fakeClock)
		errNetwork := errors.New("no route to host")

		fn := func(ctx context.Context, attempt int) (*http.Response, error) {
			return nil, errNetwork
		}

		resp, n, err := exec.Do(ctx, fn, nil)
		Expect(resp).To(BeNil())
		Expect(n).To(Equal(3))
		Expect(errors.Is(err, retry.ErrAttemptsExhausted)).To(BeTrue())
		Expect(errors.Is(err, errNetwork)).To(BeTrue())
	})

	It("should stop at once on a permanent error", func() {
		exec := retry.NewExecutor(retry.NewPolicy(3, time.Second, retry.DefaultRetryOn), fakeClock)
		errEmpty := errors.New("empty pool")

		attempts := 0
		fn := func(ctx context.Context, attempt int) (*http.Response, error) {
			attempts++
			return nil, retry.Permanent(errEmpty)
		}

		resp, n, err := exec.Do(ctx, fn, func(int, int, error, time.Duration) {
			Fail("permanent errors must not be retried")
		})
		Expect(resp).To(BeNil())
		Expect(n).To(Equal(1))
		Expect(attempts).To(Equal(1))
		Expect(err).To(MatchError(errEmpty))
		Expect(err).NotTo(MatchError(retry.ErrAttemptsExhausted))
	})

	It("should perform a single attempt without retries configured", func() {
		exec := retry.NewExecutor(retry.NewPolicy(0, time.Second, retry.DefaultRetryOn), fakeClock)

		attempts := 0
		fn := func(ctx context.Context, attempt int) (*http.Response, error) {
			attempts++
			resp, _ := respond(http.StatusBadGateway)
			return resp, nil
		}

		resp, n, err := exec.Do(ctx, fn, nil)
		Expect(err).To(MatchError(retry.ErrAttemptsExhausted))
		Expect(resp).To(BeNil())
		Expect(n).To(Equal(1))
		Expect(attempts).To(Equal(1))
	})

	It("should relay any status when the retry set is empty", func() {
		exec := retry.NewExecutor(retry.NewPolicy(0, 0, nil), fakeClock)

		fn := func(ctx context.Context, attempt int) (*http.Response, error) {
			resp, _ := respond(http.StatusBadGateway)
			return resp, nil
		}

		resp, n, err := exec.Do(ctx, fn, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
	})

	It("should stop waiting when the context is cancelled", func() {
		exec := retry.NewExecutor(retry.NewPolicy(3, time.Hour, retry.DefaultRetryOn), fakeClock)

		fn := func(ctx context.Context, attempt int) (*http.Response, error) {
			resp, _ := respond(http.StatusServiceUnavailable)
			return resp, nil
		}

		done := run(exec, fn, nil)
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		cancel()

		var res result
		Eventually(done).Should(Receive(&res))
		Expect(res.err).To(MatchError(context.Canceled))
		Expect(res.attempts).To(Equal(1))
		Expect(res.resp).To(BeNil())
	})
})
