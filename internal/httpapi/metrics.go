package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"onprem/internal/supervisor"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onprem",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "onprem",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	restartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "onprem",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Restarts performed after unexpected exits",
		},
	)

	instanceHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "onprem",
			Subsystem: "supervisor",
			Name:      "instance_healthy",
			Help:      "1 when the supervised instance last reported healthy, else 0",
		},
	)

	startDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "onprem",
			Subsystem: "supervisor",
			Name:      "start_duration_seconds",
			Help:      "Time from start to first healthy poll",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "onprem",
			Subsystem: "supervisor",
			Name:      "events_total",
			Help:      "Lifecycle events by name",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, restartsTotal, instanceHealthy, startDuration, eventsTotal)
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments requests for Prometheus
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		// The route pattern is only known once chi has routed the request.
		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// MetricsPublisher turns supervisor events into Prometheus metrics.
type MetricsPublisher struct{}

func (MetricsPublisher) Publish(e supervisor.Event) {
	eventsTotal.WithLabelValues(e.Name).Inc()
	switch e.Name {
	case supervisor.EventHealthy:
		instanceHealthy.Set(1)
		if d, ok := e.Fields["duration"].(time.Duration); ok {
			startDuration.Observe(d.Seconds())
		}
	case supervisor.EventRestart:
		restartsTotal.Inc()
		instanceHealthy.Set(0)
	case supervisor.EventTimeout, supervisor.EventExit, supervisor.EventStop, supervisor.EventGiveUp:
		instanceHealthy.Set(0)
	}
}
