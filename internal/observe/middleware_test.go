package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// sideServer wraps a handler answering the side-server routes with fixed
// statuses, and captures the default logger's output at info level.
func sideServer(t *testing.T, m *Metrics, statuses map[string]int) (http.Handler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code, ok := statuses[r.URL.Path]; ok {
			w.WriteHeader(code)
		}
	}))
	return h, &buf
}

func TestMiddleware_LogLevel(t *testing.T) {
	m, _ := newTestMetrics(t)
	h, buf := sideServer(t, m, map[string]int{
		"/readyz":  http.StatusServiceUnavailable,
		"/missing": http.StatusNotFound,
	})

	tests := []struct {
		path      string
		wantLevel string // "" means nothing logged at info
	}{
		{"/healthz", ""},
		{"/metrics", ""},
		{"/readyz", "level=WARN"},
		{"/missing", "level=INFO"},
		{"/debug", "level=INFO"},
	}
	for _, tt := range tests {
		buf.Reset()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tt.path, nil))
		got := buf.String()
		if tt.wantLevel == "" {
			if got != "" {
				t.Errorf("%s: logged at info: %s", tt.path, got)
			}
			continue
		}
		if !strings.Contains(got, tt.wantLevel) || !strings.Contains(got, "path="+tt.path) {
			t.Errorf("%s: log = %q, want %s", tt.path, got, tt.wantLevel)
		}
	}
}

func TestMiddleware_ReadinessRequestTraced(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	m, reader := newTestMetrics(t)
	h, _ := sideServer(t, m, map[string]int{"/readyz": http.StatusServiceUnavailable})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/readyz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /readyz" {
		t.Fatalf("spans = %+v", spans)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("span status attribute = %d, want 503", status)
	}

	met := findMetric(collect(t, reader), "tutorlive.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("request duration data = %+v", met.Data)
	}
	if v, ok := hist.DataPoints[0].Attributes.Value("path"); !ok || v.AsString() != "/readyz" {
		t.Errorf("path attribute = %v", v)
	}
}
