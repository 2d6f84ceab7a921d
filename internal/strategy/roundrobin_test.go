package strategy_test

import (
	"net/http"
	"net/url"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/edgeproxy/internal/backend"
	"github.com/angeloszaimis/edgeproxy/internal/strategy"
)

var _ = Describe("Roundrobin", func() {
	var (
		strat    strategy.Strategy
		backends []*backend.Backend
	)

	BeforeEach(func() {
		strat = strategy.NewRoundRobinStrategy()

		backends = []*backend.Backend{
			backend.New(mustParseURL("http://localhost:8081"), http.DefaultClient),
			backend.New(mustParseURL("http://localhost:8082"), http.DefaultClient),
			backend.New(mustParseURL("http://localhost:8083"), http.DefaultClient),
		}
	})

	Describe("SelectBackend", func() {
		It("should cycle through backends in order", func() {
			Expect(strat.SelectBackend(backends)).To(Equal(backends[0]))
			Expect(strat.SelectBackend(backends)).To(Equal(backends[1]))
			Expect(strat.SelectBackend(backends)).To(Equal(backends[2]))
			Expect(strat.SelectBackend(backends)).To(Equal(backends[0]))
		})

		It("should visit every backend exactly once per cycle from any starting point", func() {
			strat.SelectBackend(backends)

			seen := make(map[*backend.Backend]int)
			for i := 0; i < len(backends); i++ {
				seen[strat.SelectBackend(backends)]++
			}

			Expect(seen).To(HaveLen(len(backends)))
			for _, count := range seen {
				Expect(count).To(Equal(1))
			}
		})

		It("should distribute load evenly", func() {
			counts := make(map[string]int)
			for i := 0; i < 300; i++ {
				selected := strat.SelectBackend(backends)
				counts[selected.URL().String()]++
			}
			Expect(counts["http://localhost:8081"]).To(Equal(100))
			Expect(counts["http://localhost:8082"]).To(Equal(100))
			Expect(counts["http://localhost:8083"]).To(Equal(100))
		})

		It("should stay exact under concurrent selection", func() {
			var (
				wg     sync.WaitGroup
				mutex  sync.Mutex
				counts = make(map[*backend.Backend]int)
			)
			for i := 0; i < 300; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					selected := strat.SelectBackend(backends)
					mutex.Lock()
					counts[selected]++
					mutex.Unlock()
				}()
			}
			wg.Wait()

			for _, b := range backends {
				Expect(counts[b]).To(Equal(100))
			}
		})

		Context("with empty backend list", func() {
			It("should return nil", func() {
				Expect(strat.SelectBackend([]*backend.Backend{})).To(BeNil())
			})
		})
	})

	Describe("Position", func() {
		It("should report the next index without advancing", func() {
			cursor, ok := strat.(strategy.Cursor)
			Expect(ok).To(BeTrue())

			Expect(cursor.Position(3)).To(Equal(0))
			strat.SelectBackend(backends)
			strat.SelectBackend(backends)
			Expect(cursor.Position(3)).To(Equal(2))
			Expect(cursor.Position(3)).To(Equal(2))
			strat.SelectBackend(backends)
			Expect(cursor.Position(3)).To(Equal(0))
		})

		It("should tolerate an empty pool", func() {
			cursor := strat.(strategy.Cursor)
			Expect(cursor.Position(0)).To(Equal(0))
		})
	})
})

func mustParseURL(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return u
}
