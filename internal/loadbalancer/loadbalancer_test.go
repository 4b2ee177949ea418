package loadbalancer_test

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/fetch-balancer/internal/backend"
	"github.com/angeloszaimis/fetch-balancer/internal/loadbalancer"
	"github.com/angeloszaimis/fetch-balancer/internal/metrics"
)

var _ = Describe("LoadBalancer", func() {
	var clock *fakeClock

	BeforeEach(func() {
		clock = newFakeClock()
	})

	Describe("New", func() {
		It("requires at least one backend", func() {
			_, err := loadbalancer.New(nil)
			Expect(errors.Is(err, loadbalancer.ErrNoBackends)).To(BeTrue())
		})

		It("rejects a nil backend", func() {
			_, err := loadbalancer.New([]backend.Backend{static(200, "", nil, 0), nil})
			Expect(errors.Is(err, loadbalancer.ErrNilBackend)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("backend 1"))
		})

		It("rejects a nil function backend", func() {
			var f backend.Func
			_, err := loadbalancer.New([]backend.Backend{f})
			Expect(errors.Is(err, loadbalancer.ErrNilBackend)).To(BeTrue())
		})

		It("keeps backends in order and names them", func() {
			lb, err := loadbalancer.New([]backend.Backend{
				static(200, "", nil, 0),
				backend.Named("named", static(200, "", nil, 0)),
				static(200, "", nil, 0),
			})
			Expect(err).NotTo(HaveOccurred())

			names := make([]string, 0, 3)
			for _, t := range lb.Backends() {
				names = append(names, t.Name())
			}
			Expect(names).To(Equal([]string{"backend-0", "named", "backend-2"}))
			Expect(lb.HealthThreshold()).To(Equal(0.85))
		})

		It("gives every balancer its own trackers", func() {
			shared := static(200, "", nil, 0)
			lb1, err := loadbalancer.New([]backend.Backend{shared})
			Expect(err).NotTo(HaveOccurred())
			lb2, err := loadbalancer.New([]backend.Backend{shared})
			Expect(err).NotTo(HaveOccurred())

			_, err = lb1.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())

			Expect(lb1.Stats()[0].RequestCount).To(Equal(int64(1)))
			Expect(lb2.Stats()[0].RequestCount).To(BeZero())
		})
	})

	Describe("Fetch", func() {
		It("spreads requests evenly over equal backends", func() {
			counts := make([]int, 3)
			backends := make([]backend.Backend, 3)
			for i := range backends {
				backends[i] = backend.Func(func(req *http.Request) (*http.Response, error) {
					counts[i]++
					return respond(req, http.StatusOK, "ok"), nil
				})
			}

			lb, err := loadbalancer.New(backends,
				loadbalancer.WithClock(clock.Now),
				loadbalancer.WithRand(rand.New(rand.NewPCG(1, 2))),
			)
			Expect(err).NotTo(HaveOccurred())

			for range 1000 {
				resp, err := lb.Fetch(get("/"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			}

			for _, n := range counts {
				Expect(n).To(BeNumerically("~", 333, 50))
			}
		})

		It("prefers the faster backend once latency is known", func() {
			fast := backend.Named("fast", static(http.StatusOK, "fast", clock, 10*time.Millisecond))
			slow := backend.Named("slow", static(http.StatusOK, "slow", clock, 100*time.Millisecond))

			lb, err := loadbalancer.New([]backend.Backend{fast, slow},
				loadbalancer.WithClock(clock.Now),
				loadbalancer.WithRand(rand.New(rand.NewPCG(3, 4))),
			)
			Expect(err).NotTo(HaveOccurred())

			for range 50 {
				resp, err := lb.Fetch(get("/"))
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
			}

			stats := lb.Stats()
			Expect(stats[1].RequestCount).To(Equal(int64(1)))
			Expect(stats[0].RequestCount).To(Equal(int64(49)))
			Expect(stats[0].LatencyScore).To(Equal(10.0))
			Expect(stats[1].LatencyScore).To(Equal(100.0))
		})

		It("only samples latency on configured paths", func() {
			lb, err := loadbalancer.New([]backend.Backend{static(http.StatusOK, "", clock, 10*time.Millisecond)},
				loadbalancer.WithClock(clock.Now),
			)
			Expect(err).NotTo(HaveOccurred())

			_, err = lb.Fetch(get("/api/items"))
			Expect(err).NotTo(HaveOccurred())
			Expect(lb.Stats()[0].Latencies).To(BeEmpty())

			_, err = lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(lb.Stats()[0].Latencies).To(Equal([]float64{10}))
		})

		It("honours a custom sampler", func() {
			lb, err := loadbalancer.New([]backend.Backend{static(http.StatusOK, "", clock, 20*time.Millisecond)},
				loadbalancer.WithClock(clock.Now),
				loadbalancer.WithSampler(loadbalancer.SamplePaths("/health")),
			)
			Expect(err).NotTo(HaveOccurred())

			_, err = lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())
			_, err = lb.Fetch(get("/health"))
			Expect(err).NotTo(HaveOccurred())

			Expect(lb.Stats()[0].Latencies).To(Equal([]float64{20}))
		})

		It("routes around an unhealthy backend even when it is faster", func() {
			failing := backend.Named("failing", static(http.StatusInternalServerError, "boom", clock, 10*time.Millisecond))
			healthy := backend.Named("healthy", static(http.StatusOK, "ok", clock, 100*time.Millisecond))

			lb, err := loadbalancer.New([]backend.Backend{failing, healthy},
				loadbalancer.WithClock(clock.Now),
				loadbalancer.WithRand(rand.New(rand.NewPCG(5, 6))),
			)
			Expect(err).NotTo(HaveOccurred())

			for range 20 {
				resp, err := lb.Fetch(get("/"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(readBody(resp)).To(Equal("ok"))
			}

			stats := lb.Stats()
			Expect(stats[0].RequestCount).To(Equal(int64(1)))
			Expect(stats[0].ErrorCount).To(Equal(int64(1)))
			Expect(stats[0].HealthScore).To(BeZero())
			Expect(stats[1].RequestCount).To(Equal(int64(20)))
		})

		It("retries an idempotent request on another backend", func() {
			failedBody := &trackedBody{Reader: strings.NewReader("boom")}
			failing := backend.Func(func(req *http.Request) (*http.Response, error) {
				resp := respond(req, http.StatusServiceUnavailable, "")
				resp.Body = failedBody
				return resp, nil
			})

			lb, err := loadbalancer.New([]backend.Backend{failing, static(http.StatusOK, "ok", nil, 0)},
				loadbalancer.WithRand(firstRand{}),
			)
			Expect(err).NotTo(HaveOccurred())

			resp, err := lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(Equal("ok"))
			Expect(failedBody.closed).To(BeTrue())

			stats := lb.Stats()
			Expect(stats[0].Statuses).To(Equal([]int{http.StatusServiceUnavailable}))
			Expect(stats[0].ErrorCount).To(Equal(int64(1)))
			Expect(stats[1].RequestCount).To(Equal(int64(1)))
		})

		It("retries HEAD requests", func() {
			lb, err := loadbalancer.New([]backend.Backend{
				static(http.StatusInternalServerError, "", nil, 0),
				static(http.StatusOK, "", nil, 0),
			}, loadbalancer.WithRand(firstRand{}))
			Expect(err).NotTo(HaveOccurred())

			resp, err := lb.Fetch(newRequest(http.MethodHead, "/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("does not retry a non-idempotent request", func() {
			lb, err := loadbalancer.New([]backend.Backend{
				static(http.StatusInternalServerError, "boom", nil, 0),
				static(http.StatusOK, "ok", nil, 0),
			}, loadbalancer.WithRand(firstRand{}))
			Expect(err).NotTo(HaveOccurred())

			resp, err := lb.Fetch(newRequest(http.MethodPost, "/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(readBody(resp)).To(Equal("boom"))

			stats := lb.Stats()
			Expect(stats[0].ErrorCount).To(Equal(int64(1)))
			Expect(stats[1].RequestCount).To(BeZero())
		})

		It("retries the configured methods with a fresh body", func() {
			var seen []string
			record := func(status int) backend.Func {
				return func(req *http.Request) (*http.Response, error) {
					b, err := io.ReadAll(req.Body)
					if err != nil {
						return nil, err
					}
					seen = append(seen, string(b))
					return respond(req, status, ""), nil
				}
			}

			lb, err := loadbalancer.New([]backend.Backend{record(http.StatusBadGateway), record(http.StatusCreated)},
				loadbalancer.WithRand(firstRand{}),
				loadbalancer.WithRetryMethods("post"),
			)
			Expect(err).NotTo(HaveOccurred())

			req, err := http.NewRequest(http.MethodPost, "http://balancer.test/items", strings.NewReader("payload"))
			Expect(err).NotTo(HaveOccurred())

			resp, err := lb.Fetch(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(seen).To(Equal([]string{"payload", "payload"}))
		})

		It("does not retry a body it cannot replay", func() {
			lb, err := loadbalancer.New([]backend.Backend{
				static(http.StatusInternalServerError, "boom", nil, 0),
				static(http.StatusOK, "ok", nil, 0),
			},
				loadbalancer.WithRand(firstRand{}),
				loadbalancer.WithRetryMethods(http.MethodPost),
			)
			Expect(err).NotTo(HaveOccurred())

			req, err := http.NewRequest(http.MethodPost, "http://balancer.test/items", strings.NewReader("payload"))
			Expect(err).NotTo(HaveOccurred())
			req.Body = io.NopCloser(req.Body)
			req.GetBody = nil

			resp, err := lb.Fetch(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(readBody(resp)).To(Equal("boom"))

			stats := lb.Stats()
			Expect(stats[0].ErrorCount).To(Equal(int64(1)))
			Expect(stats[1].RequestCount).To(BeZero())
		})

		It("gives a response without a body an empty one", func() {
			lb, err := loadbalancer.New([]backend.Backend{
				backend.Func(func(req *http.Request) (*http.Response, error) {
					return &http.Response{StatusCode: http.StatusNoContent, Header: make(http.Header)}, nil
				}),
			})
			Expect(err).NotTo(HaveOccurred())

			resp, err := lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Body).NotTo(BeNil())
			Expect(readBody(resp)).To(BeEmpty())
		})

		It("returns client errors without retrying or penalising", func() {
			lb, err := loadbalancer.New([]backend.Backend{
				static(http.StatusNotFound, "missing", nil, 0),
				static(http.StatusOK, "ok", nil, 0),
			}, loadbalancer.WithRand(firstRand{}))
			Expect(err).NotTo(HaveOccurred())

			resp, err := lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			stats := lb.Stats()
			Expect(stats[0].ErrorCount).To(BeZero())
			Expect(stats[1].RequestCount).To(BeZero())
		})

		Context("when every backend fails", func() {
			var backends []backend.Backend

			BeforeEach(func() {
				backends = []backend.Backend{
					static(http.StatusInternalServerError, "first", nil, 0),
					static(http.StatusServiceUnavailable, "second", nil, 0),
				}
			})

			It("answers with its own 502 by default", func() {
				lb, err := loadbalancer.New(backends, loadbalancer.WithRand(firstRand{}))
				Expect(err).NotTo(HaveOccurred())

				resp, err := lb.Fetch(get("/"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(resp.Header.Get(loadbalancer.HeaderError)).To(Equal("exhausted"))
				Expect(readBody(resp)).To(Equal("no backend available"))

				for _, s := range lb.Stats() {
					Expect(s.RequestCount).To(Equal(int64(1)))
					Expect(s.ErrorCount).To(Equal(int64(1)))
				}
			})

			It("returns the last upstream response when configured to", func() {
				lb, err := loadbalancer.New(backends,
					loadbalancer.WithRand(firstRand{}),
					loadbalancer.WithExhaustion(loadbalancer.ExhaustionLastResponse),
				)
				Expect(err).NotTo(HaveOccurred())

				resp, err := lb.Fetch(get("/"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(resp.Header.Get(loadbalancer.HeaderError)).To(BeEmpty())
				Expect(readBody(resp)).To(Equal("second"))
			})
		})

		It("turns a transport failure into a 502 without recording latency", func() {
			unreachable := backend.Func(func(*http.Request) (*http.Response, error) {
				clock.Advance(time.Second)
				return nil, errors.New("connection refused")
			})

			lb, err := loadbalancer.New([]backend.Backend{unreachable},
				loadbalancer.WithClock(clock.Now),
				loadbalancer.WithRetryMethods(),
			)
			Expect(err).NotTo(HaveOccurred())

			resp, err := lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(resp.Header.Get(loadbalancer.HeaderError)).To(Equal("origin-unreachable"))
			Expect(readBody(resp)).To(Equal("couldn't connect to origin"))

			stats := lb.Stats()[0]
			Expect(stats.Statuses).To(Equal([]int{http.StatusBadGateway}))
			Expect(stats.Latencies).To(BeEmpty())
			Expect(stats.ErrorCount).To(Equal(int64(1)))
		})

		It("retries past a transport failure", func() {
			unreachable := backend.Func(func(*http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			})

			lb, err := loadbalancer.New([]backend.Backend{unreachable, static(http.StatusOK, "ok", nil, 0)},
				loadbalancer.WithRand(firstRand{}),
			)
			Expect(err).NotTo(HaveOccurred())

			resp, err := lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("stops retrying once the request is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			failing := backend.Func(func(req *http.Request) (*http.Response, error) {
				cancel()
				return respond(req, http.StatusInternalServerError, ""), nil
			})

			lb, err := loadbalancer.New([]backend.Backend{failing, static(http.StatusOK, "ok", nil, 0)},
				loadbalancer.WithRand(firstRand{}),
			)
			Expect(err).NotTo(HaveOccurred())

			resp, err := lb.Fetch(get("/").WithContext(ctx))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(lb.Stats()[1].RequestCount).To(BeZero())
		})

		It("rescores health lazily", func() {
			lb, err := loadbalancer.New([]backend.Backend{static(http.StatusOK, "", nil, 0)})
			Expect(err).NotTo(HaveOccurred())
			t := lb.Backends()[0]

			_, err = lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Stale()).To(BeTrue())
			Expect(t.Stats().ScoredRequestCount).To(BeZero())

			_, err = lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Stats().ScoredRequestCount).To(Equal(int64(1)))
			Expect(t.Stats().HealthScore).To(Equal(1.0))
		})

		It("handles concurrent requests", func() {
			var served atomic.Int64
			b := backend.Func(func(req *http.Request) (*http.Response, error) {
				served.Add(1)
				return respond(req, http.StatusOK, ""), nil
			})

			lb, err := loadbalancer.New([]backend.Backend{b, b, b})
			Expect(err).NotTo(HaveOccurred())

			var wg sync.WaitGroup
			for range 20 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for range 25 {
						resp, err := lb.Fetch(get("/"))
						Expect(err).NotTo(HaveOccurred())
						Expect(resp.StatusCode).To(Equal(http.StatusOK))
					}
				}()
			}
			wg.Wait()

			var total int64
			for _, s := range lb.Stats() {
				total += s.RequestCount
			}
			Expect(total).To(Equal(int64(500)))
			Expect(served.Load()).To(Equal(int64(500)))
		})

		It("reports request events to the collector", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			collector := metrics.NewCollector(100, slog.New(slog.NewTextHandler(io.Discard, nil)))
			collector.Start(ctx)

			lb, err := loadbalancer.New([]backend.Backend{
				backend.Named("a", static(http.StatusInternalServerError, "", nil, 0)),
				backend.Named("b", static(http.StatusOK, "", nil, 0)),
			}, loadbalancer.WithRand(firstRand{}), loadbalancer.WithCollector(collector))
			Expect(err).NotTo(HaveOccurred())

			_, err = lb.Fetch(get("/"))
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int64 {
				return collector.Snapshot(loadbalancer.Algorithm).Backends["b"].StatusCodes[http.StatusOK]
			}).Should(Equal(int64(1)))

			snap := collector.Snapshot(loadbalancer.Algorithm)
			Expect(snap.TotalRequests).To(Equal(int64(1)))
			Expect(snap.Backends["a"].Retries).To(Equal(int64(1)))
			Expect(snap.Backends["a"].Selections).To(Equal(int64(1)))
		})
	})

	Describe("Probe", func() {
		It("records a GET sent to one backend", func() {
			var path string
			b := backend.Func(func(req *http.Request) (*http.Response, error) {
				path = req.URL.Path
				return respond(req, http.StatusServiceUnavailable, ""), nil
			})

			lb, err := loadbalancer.New([]backend.Backend{b, static(http.StatusOK, "", nil, 0)})
			Expect(err).NotTo(HaveOccurred())
			t := lb.Backends()[0]

			resp, err := lb.Probe(context.Background(), t, "/healthz")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(path).To(Equal("/healthz"))
			Expect(t.Stats().ErrorCount).To(Equal(int64(1)))
			Expect(lb.Backends()[1].Stats().RequestCount).To(BeZero())
		})

		It("rejects trackers of another balancer", func() {
			lb1, err := loadbalancer.New([]backend.Backend{static(http.StatusOK, "", nil, 0)})
			Expect(err).NotTo(HaveOccurred())
			lb2, err := loadbalancer.New([]backend.Backend{static(http.StatusOK, "", nil, 0)})
			Expect(err).NotTo(HaveOccurred())

			_, err = lb1.Probe(context.Background(), lb2.Backends()[0], "/")
			Expect(errors.Is(err, loadbalancer.ErrNotTracked)).To(BeTrue())
		})

		It("rejects relative paths", func() {
			lb, err := loadbalancer.New([]backend.Backend{static(http.StatusOK, "", nil, 0)})
			Expect(err).NotTo(HaveOccurred())

			_, err = lb.Probe(context.Background(), lb.Backends()[0], "health")
			Expect(errors.Is(err, loadbalancer.ErrInvalidPath)).To(BeTrue())
		})
	})

	Describe("ParseExhaustion", func() {
		DescribeTable("known policies",
			func(in string, want loadbalancer.Exhaustion) {
				got, err := loadbalancer.ParseExhaustion(in)
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(want))
				Expect(got.String()).NotTo(Equal("unknown"))
			},
			Entry("default", "", loadbalancer.ExhaustionSynthesize),
			Entry("synthesize", "synthesize", loadbalancer.ExhaustionSynthesize),
			Entry("last response", "Last-Response", loadbalancer.ExhaustionLastResponse),
		)

		It("rejects unknown policies", func() {
			_, err := loadbalancer.ParseExhaustion("retry-forever")
			Expect(err).To(HaveOccurred())
		})
	})
})
