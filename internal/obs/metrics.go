package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every inbound surface.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready to serve.",
	})
)

// Record-store domain metrics. Incremented by the service implementations so
// both the in-memory and the Postgres path report identically.
var (
	eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diary_events_appended_total",
			Help: "Clinical events appended to the ledger.",
		},
		[]string{"operation"},
	)

	conflictsDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diary_conflicts_detected_total",
		Help: "Submissions routed to the conflict detector.",
	})

	conflictsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diary_conflicts_resolved_total",
			Help: "Sync conflicts resolved, by strategy.",
		},
		[]string{"strategy"},
	)

	accessDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diary_access_denials_total",
			Help: "Authorization denials, by actor role.",
		},
		[]string{"role"},
	)

	breakGlassGrantsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diary_break_glass_grants_total",
		Help: "Break-glass authorizations granted.",
	})

	breakGlassUsesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diary_break_glass_uses_total",
		Help: "PHI reads performed under an active break-glass grant.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		eventsAppendedTotal, conflictsDetectedTotal, conflictsResolvedTotal,
		accessDenialsTotal, breakGlassGrantsTotal, breakGlassUsesTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func IncEventAppended(operation string) { eventsAppendedTotal.WithLabelValues(operation).Inc() }
func IncConflictDetected()             { conflictsDetectedTotal.Inc() }
func IncConflictResolved(strategy string) {
	conflictsResolvedTotal.WithLabelValues(strategy).Inc()
}
func IncAccessDenial(role string) { accessDenialsTotal.WithLabelValues(role).Inc() }
func IncBreakGlassGrant()         { breakGlassGrantsTotal.Inc() }
func IncBreakGlassUse()           { breakGlassUsesTotal.Inc() }

// CanonicalPath collapses resource identifiers in known routes so metric
// label cardinality stays bounded. Unknown paths pass through unchanged.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "records":
		return "/v1/records/:uuid"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "records" &&
		(parts[3] == "events" || parts[3] == "annotations"):
		return "/v1/records/:uuid/" + parts[3]
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "conflicts" && parts[3] == "resolve":
		return "/v1/conflicts/:id/resolve"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "annotations" && parts[3] == "resolve":
		return "/v1/annotations/:id/resolve"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "break-glass" && parts[4] == "revoke":
		return "/v1/admin/break-glass/:id/revoke"
	}
	return p
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
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

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
