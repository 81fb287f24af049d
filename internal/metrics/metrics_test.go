package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	m.CacheLoadsTotal.Inc()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics

	m.RecordDecision("render", true)
	m.RecordControlResult("userRole", "true", true)
	m.RecordSettingsReload(nil)
	m.SetCacheSize("proj", 1)
	m.ResetCacheSize()
	m.IncCacheLoads()
	m.IncCacheInvalidations()
	m.IncAuthFailures()
	m.StreamOpened("sse")
	m.StreamClosed("sse")

	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	if got := m.HTTPMiddleware(next); got == nil {
		t.Fatal("HTTPMiddleware() on nil metrics returned nil handler")
	}
}

func TestRecordDecision(t *testing.T) {
	m := New()

	m.RecordDecision("render", true)
	m.RecordDecision("render", true)
	m.RecordDecision("preview", false)

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("render", "true")); got != 2 {
		t.Fatalf("render/true = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("preview", "false")); got != 1 {
		t.Fatalf("preview/false = %v, want 1", got)
	}
}

func TestRecordControlResult(t *testing.T) {
	m := New()

	m.RecordControlResult("dateTime", "false", false)
	m.RecordControlResult("custom", "not_applicable", true)

	if got := testutil.ToFloat64(m.ControlResultsTotal.WithLabelValues("dateTime", "false")); got != 1 {
		t.Fatalf("dateTime/false = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ControlPanicsTotal.WithLabelValues("custom")); got != 1 {
		t.Fatalf("custom panics = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ControlPanicsTotal); got != 1 {
		t.Fatalf("panic series = %d, want 1", got)
	}
}

func TestRecordSettingsReload(t *testing.T) {
	m := New()

	m.RecordSettingsReload(nil)
	m.RecordSettingsReload(errors.New("bad yaml"))
	m.RecordSettingsReload(errors.New("bad yaml"))

	if got := testutil.ToFloat64(m.SettingsReloadsTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SettingsReloadsTotal.WithLabelValues("error")); got != 2 {
		t.Fatalf("error = %v, want 2", got)
	}
}

func TestCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize("proj1", 10)
	m.SetCacheSize("proj2", 20)
	if got := testutil.ToFloat64(m.CacheSize.WithLabelValues("proj2")); got != 20 {
		t.Fatalf("proj2 cache size = %v, want 20", got)
	}

	m.ResetCacheSize()
	if got := testutil.CollectAndCount(m.CacheSize); got != 0 {
		t.Fatalf("series after reset = %d, want 0", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.IncCacheLoads()
	m.IncCacheLoads()
	m.IncCacheInvalidations()
	m.IncAuthFailures()

	if v := testutil.ToFloat64(m.CacheLoadsTotal); v != 2 {
		t.Fatalf("cache loads = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.CacheInvalidations); v != 1 {
		t.Fatalf("cache invalidations = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.AuthFailuresTotal); v != 1 {
		t.Fatalf("auth failures = %v, want 1", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheLoadsTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(string(body), "blockvis_cache_loads_total") {
		t.Fatal("expected response to contain blockvis_cache_loads_total")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	m := New()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/blocks/{key}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handler := m.HTTPMiddleware(mux)

	for _, key := range []string{"a", "b"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/blocks/"+key, nil))
	}

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "GET /v1/blocks/{key}", "404"))
	if got != 2 {
		t.Fatalf("requests = %v, want 2 under the route pattern", got)
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := New()
	interceptor := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/blockvis.v1.VisibilityService/Render"}

	_, _ = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "bad")
	})

	if got := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Render", "InvalidArgument")); got != 1 {
		t.Fatalf("Render/InvalidArgument = %v, want 1", got)
	}
}

func TestStreamServerInterceptorTracksActiveStreams(t *testing.T) {
	m := New()
	interceptor := m.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/blockvis.v1.VisibilityService/WatchBlocks"}

	err := interceptor(nil, nil, info, func(any, grpc.ServerStream) error {
		if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("grpc")); got != 1 {
			t.Fatalf("active streams during call = %v, want 1", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("interceptor() error = %v", err)
	}
	if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("grpc")); got != 0 {
		t.Fatalf("active streams after call = %v, want 0", got)
	}
}
