package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fetch-balancer/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	It("starts empty", func() {
		snap := m.Snapshot("power-of-two")

		Expect(snap.TotalRequests).To(BeZero())
		Expect(snap.Backends).To(BeEmpty())
		Expect(snap.Algorithm).To(Equal("power-of-two"))
	})

	It("computes percentiles over recorded response times", func() {
		for i := 1; i <= 100; i++ {
			m.RecordResponse(origin, time.Duration(i)*time.Millisecond, 200)
		}

		bm := m.Snapshot("power-of-two").Backends[origin]
		Expect(bm.P50Response).To(Equal(51 * time.Millisecond))
		Expect(bm.P95Response).To(Equal(96 * time.Millisecond))
		Expect(bm.P99Response).To(Equal(100 * time.Millisecond))
		Expect(bm.AvgResponse).To(Equal(50500 * time.Microsecond))
		Expect(bm.StatusCodes[200]).To(Equal(int64(100)))
	})

	It("keeps a bounded window of response times", func() {
		m.RecordResponse(origin, time.Hour, 200)
		for range 1000 {
			m.RecordResponse(origin, time.Millisecond, 200)
		}

		Expect(m.Snapshot("power-of-two").Backends[origin].P99Response).To(Equal(time.Millisecond))
	})

	It("lists a backend seen only through retries", func() {
		m.RecordRetry("b")

		Expect(m.Snapshot("power-of-two").Backends).To(HaveKey("b"))
	})

	It("returns status code maps the caller can modify", func() {
		m.RecordResponse(origin, time.Millisecond, 502)

		m.Snapshot("power-of-two").Backends[origin].StatusCodes[502] = 99

		Expect(m.Snapshot("power-of-two").Backends[origin].StatusCodes[502]).To(Equal(int64(1)))
	})
})
