package retry_test

import (
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/edgeproxy/internal/retry"
)

var _ = Describe("Policy", func() {
	policy := retry.NewPolicy(3, time.Second, retry.DefaultRetryOn)
	errNetwork := errors.New("connection refused")

	DescribeTable("ShouldRetry",
		func(attempt, status int, err error, want bool) {
			Expect(policy.ShouldRetry(attempt, status, err)).To(Equal(want))
		},
		Entry("retryable status with attempts left", 1, 503, nil, true),
		Entry("cloudflare origin error", 2, 522, nil, true),
		Entry("network error with attempts left", 3, 0, errNetwork, true),
		Entry("retryable status on last attempt", 4, 503, nil, false),
		Entry("network error on last attempt", 4, 0, errNetwork, false),
		Entry("success", 1, 200, nil, false),
		Entry("non-retryable client error", 1, 404, nil, false),
		Entry("plain 500 is not retryable", 1, 500, nil, false),
		Entry("permanent error with attempts left", 1, 0, retry.Permanent(errNetwork), false),
	)

	It("should recognise wrapped permanent errors", func() {
		err := fmt.Errorf("select backend: %w", retry.Permanent(errNetwork))
		Expect(retry.IsPermanent(err)).To(BeTrue())
		Expect(err).To(MatchError(errNetwork))
		Expect(retry.IsPermanent(errNetwork)).To(BeFalse())
		Expect(retry.Permanent(nil)).To(BeNil())
	})

	It("should back off linearly", func() {
		Expect(policy.Delay(1)).To(Equal(1 * time.Second))
		Expect(policy.Delay(2)).To(Equal(2 * time.Second))
		Expect(policy.Delay(3)).To(Equal(3 * time.Second))
		Expect(policy.Delay(0)).To(BeZero())
	})

	It("should bound attempts at retries plus one", func() {
		Expect(policy.Attempts()).To(Equal(4))
		Expect(retry.NewPolicy(-2, 0, nil).Attempts()).To(Equal(1))
	})

	It("should never retry under the zero policy", func() {
		var zero retry.Policy
		Expect(zero.ShouldRetry(1, 503, nil)).To(BeFalse())
		Expect(zero.ShouldRetry(1, 0, errNetwork)).To(BeFalse())
	})

	It("should deduplicate the status set", func() {
		p := retry.NewPolicy(1, 0, []int{503, 502, 503})
		Expect(p.RetryOn).To(Equal([]int{502, 503}))
	})
})
