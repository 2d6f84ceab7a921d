package platform_test

import (
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/edgeproxy/internal/platform"
)

var _ = Describe("Extractor", func() {
	var extractor *platform.Extractor

	BeforeEach(func() {
		extractor = platform.NewExtractor(platform.DefaultHeaders(), "https")
	})

	Describe("Extract", func() {
		It("should read the platform headers", func() {
			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			req.Header.Set("CF-Connecting-IP", "203.0.113.7")
			req.Header.Set("CF-IPCountry", "NL")
			req.Header.Set("CF-Ray", "8a1b2c3d4e5f-AMS")

			m := extractor.Extract(req)
			Expect(m.ConnectingIP).To(Equal("203.0.113.7"))
			Expect(m.ClientIP()).To(Equal("203.0.113.7"))
			Expect(m.Country).To(Equal("NL"))
			Expect(m.TraceID).To(Equal("8a1b2c3d4e5f-AMS"))
			Expect(m.Proto).To(Equal("https"))
		})

		It("should fall back to unknown without a connecting IP", func() {
			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			req.Header.Set("X-Forwarded-For", "198.51.100.1")

			m := extractor.Extract(req)
			Expect(m.ConnectingIP).To(BeEmpty())
			Expect(m.ClientIP()).To(Equal(platform.UnknownClientIP))
			Expect(m.Country).To(BeEmpty())
			Expect(m.TraceID).To(BeEmpty())
		})

		It("should honour custom header names", func() {
			custom := platform.NewExtractor(platform.Headers{
				ConnectingIP: "Fastly-Client-IP",
				StripPrefix:  "fastly-",
			}, "http")

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Fastly-Client-IP", "192.0.2.10")
			req.Header.Set("CF-Connecting-IP", "203.0.113.7")

			m := custom.Extract(req)
			Expect(m.ClientIP()).To(Equal("192.0.2.10"))
			Expect(m.Proto).To(Equal("http"))
		})
	})

	DescribeTable("IsPlatformHeader",
		func(name string, want bool) {
			Expect(extractor.IsPlatformHeader(name)).To(Equal(want))
		},
		Entry("ray", "Cf-Ray", true),
		Entry("visitor", "CF-Visitor", true),
		Entry("lower case prefix", "cf-worker", true),
		Entry("authorization", "Authorization", false),
		Entry("content type", "Content-Type", false),
		Entry("prefix inside name", "X-Cf-Thing", false),
	)
})
