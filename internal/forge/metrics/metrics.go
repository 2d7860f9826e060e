// Package metrics declares Crystal Forge's Prometheus collectors,
// grounded on internal/app/metrics's registry-plus-recorder shape: one
// package-level Registry, a handful of vectors keyed by outcome, and
// plain Record* functions the engine components call directly instead of
// threading a recorder interface through every constructor.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Crystal Forge collector, kept separate from the
// global default registry so /metrics never leaks other packages' state.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crystal_forge",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight agent edge HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crystal_forge",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total agent edge HTTP requests handled, by method/path/status.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crystal_forge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of agent edge HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	buildExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crystal_forge",
		Subsystem: "builder",
		Name:      "builds_total",
		Help:      "Total derivation builds attempted, by outcome.",
	}, []string{"outcome"})

	buildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crystal_forge",
		Subsystem: "builder",
		Name:      "build_duration_seconds",
		Help:      "Duration of derivation builds.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
	}, []string{"outcome"})

	cachePushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crystal_forge",
		Subsystem: "cachepush",
		Name:      "pushes_total",
		Help:      "Total cache-push attempts, by outcome.",
	}, []string{"outcome"})

	cachePushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crystal_forge",
		Subsystem: "cachepush",
		Name:      "push_duration_seconds",
		Help:      "Duration of cache-push attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"outcome"})

	scanExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crystal_forge",
		Subsystem: "scanner",
		Name:      "scans_total",
		Help:      "Total vulnerability scans run, by outcome.",
	}, []string{"outcome"})

	scanFindings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crystal_forge",
		Subsystem: "scanner",
		Name:      "findings_total",
		Help:      "Total CVE findings recorded, by severity bucket.",
	}, []string{"severity"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		buildExecutions,
		buildDuration,
		cachePushes,
		cachePushDuration,
		scanExecutions,
		scanFindings,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for a GET /metrics route.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// InstrumentHandler wraps next with in-flight/request-count/duration
// collection, skipping the metrics endpoint itself to avoid self-counting.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(strings.ToUpper(r.Method), r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(strings.ToUpper(r.Method), r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// RecordBuild records one builder-pool attempt. outcome is "success" or
// "failed".
func RecordBuild(outcome string, d time.Duration) {
	buildExecutions.WithLabelValues(outcome).Inc()
	buildDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordCachePush records one cache-push attempt. outcome is "success",
// "retry", or "permanent_failure".
func RecordCachePush(outcome string, d time.Duration) {
	cachePushes.WithLabelValues(outcome).Inc()
	cachePushDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordScan records one scanner-pool attempt. outcome is "success" or
// "failed".
func RecordScan(outcome string) {
	scanExecutions.WithLabelValues(outcome).Inc()
}

// RecordFindings adds one scan's severity rollup to the findings counter.
func RecordFindings(critical, high, medium, low int) {
	if critical > 0 {
		scanFindings.WithLabelValues("critical").Add(float64(critical))
	}
	if high > 0 {
		scanFindings.WithLabelValues("high").Add(float64(high))
	}
	if medium > 0 {
		scanFindings.WithLabelValues("medium").Add(float64(medium))
	}
	if low > 0 {
		scanFindings.WithLabelValues("low").Add(float64(low))
	}
}
