// Package metrics provides Prometheus instrumentation for the blockvis
// server.
//
// Collectors live in a private [prometheus.Registry] so /metrics exposes only
// blockvis series. Every recording method is safe to call on a nil
// *Metrics, which lets callers skip instrumentation in tests.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	CacheSize            *prometheus.GaugeVec
	CacheLoadsTotal      prometheus.Counter
	CacheInvalidations   prometheus.Counter
	DecisionsTotal       *prometheus.CounterVec
	ControlResultsTotal  *prometheus.CounterVec
	ControlPanicsTotal   *prometheus.CounterVec
	SettingsReloadsTotal *prometheus.CounterVec
	AuthFailuresTotal    prometheus.Counter
	ActiveStreams        *prometheus.GaugeVec
}

// New creates and registers all blockvis metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockvis_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockvis_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockvis_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockvis_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blockvis_cache_blocks",
			Help: "Number of blocks in the in-memory cache.",
		}, []string{"project_id"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockvis_cache_loads_total",
			Help: "Total number of full cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockvis_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockvis_decisions_total",
			Help: "Total number of block visibility decisions.",
		}, []string{"path", "visible"}),

		ControlResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockvis_control_results_total",
			Help: "Total number of control evaluations by result.",
		}, []string{"control", "state"}),

		ControlPanicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockvis_control_panics_total",
			Help: "Total number of recovered control evaluator panics.",
		}, []string{"control"}),

		SettingsReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockvis_settings_file_reloads_total",
			Help: "Total number of settings file reloads by result.",
		}, []string{"result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockvis_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blockvis_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.DecisionsTotal,
		m.ControlResultsTotal,
		m.ControlPanicsTotal,
		m.SettingsReloadsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// HTTPMiddleware records request count and latency. route labels requests
// by their ServeMux pattern so path parameters do not explode cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.StreamOpened("grpc")
		defer m.StreamClosed("grpc")
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	if m == nil {
		return
	}
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// RecordDecision counts one block decision. path is "render" or "preview".
func (m *Metrics) RecordDecision(path string, visible bool) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(path, strconv.FormatBool(visible)).Inc()
}

func (m *Metrics) RecordControlResult(control, state string, recovered bool) {
	if m == nil {
		return
	}
	m.ControlResultsTotal.WithLabelValues(control, state).Inc()
	if recovered {
		m.ControlPanicsTotal.WithLabelValues(control).Inc()
	}
}

func (m *Metrics) RecordSettingsReload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SettingsReloadsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetCacheSize(projectID string, size float64) {
	if m == nil {
		return
	}
	m.CacheSize.WithLabelValues(projectID).Set(size)
}

// ResetCacheSize drops every per-project gauge, so deleted projects stop
// reporting after the next reload.
func (m *Metrics) ResetCacheSize() {
	if m == nil {
		return
	}
	m.CacheSize.Reset()
}

func (m *Metrics) IncCacheLoads() {
	if m == nil {
		return
	}
	m.CacheLoadsTotal.Inc()
}

func (m *Metrics) IncCacheInvalidations() {
	if m == nil {
		return
	}
	m.CacheInvalidations.Inc()
}

func (m *Metrics) IncAuthFailures() {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.Inc()
}

func (m *Metrics) StreamOpened(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

func (m *Metrics) StreamClosed(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Dec()
}
