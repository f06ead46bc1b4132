package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "arb",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arb",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	workerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total worker jobs processed.",
		},
		[]string{"worker", "result"},
	)
	workerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arb",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Worker job duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"worker"},
	)

	providerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Pricing provider calls by outcome.",
		},
		[]string{"outcome"},
	)
	searchCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "marketsearch",
			Name:      "calls_total",
			Help:      "Secondary marketplace search calls by result.",
		},
		[]string{"result"},
	)
	runItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "run",
			Name:      "items_total",
			Help:      "Run items reaching a terminal status.",
		},
		[]string{"status"},
	)
	comparisonItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arb",
			Subsystem: "comparison",
			Name:      "items_total",
			Help:      "Comparison items reaching a terminal status.",
		},
		[]string{"status"},
	)
	runBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "arb",
			Subsystem: "run",
			Name:      "batch_duration_seconds",
			Help:      "Wall time per resolve batch, provider retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
	)
)

func init() {
	prometheus.MustRegister(
		appInfo, httpRequestsTotal, httpRequestDuration,
		workerJobsTotal, workerJobDuration,
		providerCallsTotal, searchCallsTotal,
		runItemsTotal, comparisonItemsTotal, runBatchDuration,
	)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "resalearb"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency.
// NOTE: route label is best-effort (path without query). It's fine for internal use;
// if you want strict low-cardinality metrics, replace with a router that provides a pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func RecordWorkerJob(worker string, start time.Time, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	workerJobsTotal.WithLabelValues(worker, res).Inc()
	workerJobDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}

func RecordProviderCall(outcome string) {
	providerCallsTotal.WithLabelValues(outcome).Inc()
}

func RecordSearchCall(result string) {
	searchCallsTotal.WithLabelValues(result).Inc()
}

func RecordRunItem(status string) {
	runItemsTotal.WithLabelValues(status).Inc()
}

func RecordComparisonItem(status string) {
	comparisonItemsTotal.WithLabelValues(status).Inc()
}

func ObserveRunBatch(start time.Time) {
	runBatchDuration.Observe(time.Since(start).Seconds())
}

func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	// Reduce cardinality for session-id routes.
	// /runs/{runId}, /runs/{runId}/stop, ...
	// /comparisons/{comparisonId}, /comparisons/{comparisonId}/export, ...
	for _, prefix := range []string{"/runs/", "/comparisons/"} {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		parts := strings.Split(rest, "/")
		label := prefix + ":id"
		if len(parts) >= 2 && parts[1] != "" {
			label += "/" + parts[1]
		}
		if len(parts) >= 3 && parts[1] == "items" {
			label = prefix + ":id/items/:itemId"
			if len(parts) >= 4 && parts[3] != "" {
				label += "/" + parts[3]
			}
		}
		return label
	}
	return p
}
