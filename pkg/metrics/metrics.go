package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "entitlekit"

// Verification outcomes.
const (
	OutcomeVerified  = "verified"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeNetwork   = "network"
)

// Collector records pipeline and HTTP metrics.
type Collector struct {
	registry *prometheus.Registry

	transactions  *prometheus.CounterVec
	verifications *prometheus.CounterVec
	verifyLatency prometheus.Histogram
	grants        *prometheus.CounterVec
	revocations   prometheus.Counter
	finished      prometheus.Counter
	premium       prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// NewCollector registers collectors under namespace ("entitlekit" when
// empty), including the Go and process collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "transactions_total",
			Help:      "Transactions observed from the payment queue by state.",
		}, []string{"state"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receipt",
			Name:      "verifications_total",
			Help:      "Receipt verification attempts by outcome.",
		}, []string{"outcome"}),
		verifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "receipt",
			Name:      "verification_duration_seconds",
			Help:      "Duration of receipt verification.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "grants_total",
			Help:      "First commits per product and original transaction.",
		}, []string{"product_id"}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "revocations_total",
			Help:      "Entitlements revoked.",
		}),
		finished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "finished_total",
			Help:      "Transactions acknowledged to the payment queue.",
		}),
		premium: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "premium",
			Help:      "1 when the subject currently has premium access.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "HTTP requests in flight.",
		}),
	}
	c.registry.MustRegister(
		c.transactions,
		c.verifications,
		c.verifyLatency,
		c.grants,
		c.revocations,
		c.finished,
		c.premium,
		c.httpRequests,
		c.httpDuration,
		c.httpInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Transaction(state string) {
	if c == nil {
		return
	}
	c.transactions.WithLabelValues(state).Inc()
}

func (c *Collector) Verification(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.verifications.WithLabelValues(outcome).Inc()
	c.verifyLatency.Observe(d.Seconds())
}

// Grant counts a first commit. Callers must not call it on redelivery.
func (c *Collector) Grant(productID string) {
	if c == nil {
		return
	}
	c.grants.WithLabelValues(productID).Inc()
}

func (c *Collector) Revocation() {
	if c == nil {
		return
	}
	c.revocations.Inc()
}

func (c *Collector) Finished() {
	if c == nil {
		return
	}
	c.finished.Inc()
}

func (c *Collector) SetPremium(premium bool) {
	if c == nil {
		return
	}
	if premium {
		c.premium.Set(1)
	} else {
		c.premium.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request count, duration and in-flight requests, labelled
// by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
