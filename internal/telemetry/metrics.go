package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// Decisions counts flag evaluations by feature and outcome.
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flag_decisions_total",
			Help: "Total flag evaluations by feature and enabled state",
		},
		[]string{"feature", "enabled"},
	)
	// Conversions counts tracked goal events by metric identifier.
	Conversions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goal_conversions_total",
			Help: "Total tracked conversion events by metric identifier",
		},
		[]string{"metric"},
	)
	// SettingsFeatures reports the number of features in the active snapshot.
	SettingsFeatures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settings_features",
		Help: "Number of features in the active settings snapshot",
	})
)

func Init() {
	prometheus.MustRegister(httpReqs, httpDur, Decisions, Conversions, SettingsFeatures)
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// get route pattern if available
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision records one flag evaluation outcome.
func ObserveDecision(featureKey string, enabled bool) {
	state := "false"
	if enabled {
		state = "true"
	}
	Decisions.WithLabelValues(featureKey, state).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
