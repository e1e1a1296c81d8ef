package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medshare"

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Record access decisions by operation and result.",
		},
		[]string{"op", "result"},
	)

	grantTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grant_transitions_total",
			Help:      "Permission grant lifecycle transitions.",
		},
		[]string{"transition"},
	)

	tokenEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_events_total",
			Help:      "Token service events (issued, rotated, rejected, revoked).",
		},
		[]string{"event"},
	)

	initOnce sync.Once
)

// Decision results recorded by ObserveDecision.
const (
	ResultAllow             = "allow"
	ResultDeny              = "deny"
	ResultPrincipalNotFound = "principal_not_found"
	ResultError             = "error"
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, grantTransitions, tokenEvents,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one authorization decision.
func ObserveDecision(op, result string) {
	authzDecisions.WithLabelValues(op, result).Inc()
}

// ObserveGrantTransition counts one grant state change.
func ObserveGrantTransition(transition string) {
	grantTransitions.WithLabelValues(transition).Inc()
}

// ObserveTokenEvent counts one token service event.
func ObserveTokenEvent(event string) {
	tokenEvents.WithLabelValues(event).Inc()
}

// Instrument records RPS, latency and in-flight requests for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so metric labels stay bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "share" && parts[1] == "request":
		return "/share/request/:id"
	case len(parts) == 3 && parts[0] == "share" && isGrantAction(parts[2]):
		return "/share/:id/" + parts[2]
	case len(parts) == 3 && parts[0] == "records" && parts[2] == "access":
		return "/records/:id/access"
	}
	return raw
}

func isGrantAction(s string) bool {
	switch s {
	case "accept", "deny", "revoke":
		return true
	}
	return false
}

// statusWriter remembers the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
