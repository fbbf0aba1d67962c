package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	Registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgroup",
			Name:      "registrations_total",
			Help:      "Member registrations by outcome.",
		},
		[]string{"result"}, // created | adopted | duplicate | failed
	)

	AmbiguousCreates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgroup",
			Name:      "ambiguous_creates_total",
			Help:      "Protected creates whose first reply was lost, by how they were resolved.",
		},
		[]string{"outcome"},
	)

	ViewRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgroup",
			Name:      "view_refreshes_total",
			Help:      "Membership view refreshes by result.",
		},
		[]string{"result"}, // published | stale | failed
	)

	ViewMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrgroup",
			Name:      "view_members",
			Help:      "Members in the latest published snapshot.",
		},
		[]string{"group"},
	)

	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrgroup",
			Name:      "op_duration_seconds",
			Help:      "Latency of member lifecycle operations.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrgroup",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrgroup",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrgroup",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(Registrations, AmbiguousCreates, ViewRefreshes, ViewMembers, OpDuration, RequestsTotal, buildInfo, uptime)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ObserveOp records the duration of op since start.
//
//	defer telemetry.ObserveOp("start", time.Now())
func ObserveOp(op string, start time.Time) {
	OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		ObserveOp("http_"+op, start)
	})
}
