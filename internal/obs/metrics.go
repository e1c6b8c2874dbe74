package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	loginOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_outcomes_total",
			Help: "Login attempts by outcome (success, unauthorized, disabled, locked_recovery_sent, locked_no_recovery, invalid).",
		},
		[]string{"outcome"},
	)

	recoveryDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_recovery_dispatches_total",
			Help: "Temporary-secret recovery notifications by dispatch result.",
		},
		[]string{"result"},
	)

	roleMutationItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roles_mutation_items_total",
			Help: "Per-subject role mutation outcomes by status code.",
		},
		[]string{"status"},
	)

	roleMutationBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roles_mutation_batch_size",
		Help:    "Number of subject items per role mutation batch.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	teamViewBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "team_view_builds_total",
			Help: "Team view builds by result (ok, forbidden, error).",
		},
		[]string{"result"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginOutcomes, recoveryDispatches,
		roleMutationItems, roleMutationBatchSize,
		teamViewBuilds,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt outcome.
func ObserveLogin(outcome string) {
	loginOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveRecoveryDispatch counts a recovery notification dispatch.
func ObserveRecoveryDispatch(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	recoveryDispatches.WithLabelValues(result).Inc()
}

// ObserveMutationItem counts one per-subject mutation outcome.
func ObserveMutationItem(status int) {
	roleMutationItems.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveMutationBatch records the size of a processed batch.
func ObserveMutationBatch(size int) {
	roleMutationBatchSize.Observe(float64(size))
}

// ObserveTeamView counts a team view build result.
func ObserveTeamView(result string) {
	teamViewBuilds.WithLabelValues(result).Inc()
}

// Instrument wraps an HTTP handler with request counting and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers in known routes so that
// metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "corpora" {
		switch {
		case len(parts) == 3:
			return "/v1/corpora/:resource"
		case len(parts) == 4 && (parts[3] == "roles" || parts[3] == "team"):
			return "/v1/corpora/:resource/" + parts[3]
		}
	}
	return path
}

// statusWriter captures the response code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
