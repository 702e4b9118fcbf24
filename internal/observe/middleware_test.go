package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// controlMux mimics the shape of the control API routes.
func controlMux(t *testing.T, seen *string) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = TraceID(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/archive/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /api/session/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}

func newMiddlewareHarness(t *testing.T, seen *string) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := useRecordingTracer(t)
	return Middleware(m)(controlMux(t, seen)), reader, exp
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_TraceHeader(t *testing.T) {
	var seen string
	h, _, _ := newMiddlewareHarness(t, &seen)

	rec := serve(h, "GET", "/api/status", nil)
	if len(seen) != 32 {
		t.Fatalf("handler trace ID = %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get(TraceHeader); got != seen {
		t.Errorf("%s = %q, want %q", TraceHeader, got, seen)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("traceparent not injected into response")
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	const parent = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h, _, _ := newMiddlewareHarness(t, &seen)

	rec := serve(h, "GET", "/api/status", http.Header{
		"Traceparent": {"00-" + parent + "-00f067aa0ba902b7-01"},
	})
	if seen != parent {
		t.Errorf("handler trace ID = %q, want %q", seen, parent)
	}
	if got := rec.Header().Get(TraceHeader); got != parent {
		t.Errorf("%s = %q, want %q", TraceHeader, got, parent)
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	h, _, exp := newMiddlewareHarness(t, nil)

	serve(h, "GET", "/api/archive/sessions/6f1c", nil)
	serve(h, "GET", "/nope", nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name != "GET /api/archive/sessions/{id}" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if spans[1].Name != unmatchedRoute {
		t.Errorf("unmatched span name = %q, want %q", spans[1].Name, unmatchedRoute)
	}

	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("status attribute = %d, want 404", status)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	h, reader, _ := newMiddlewareHarness(t, nil)

	serve(h, "GET", "/api/archive/sessions/a", nil)
	serve(h, "GET", "/api/archive/sessions/b", nil)
	serve(h, "POST", "/api/session/start", nil)

	met := findMetric(collect(t, reader), "livetranslate.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		rt, _ := dp.Attributes.Value("route")
		st, _ := dp.Attributes.Value("status")
		counts[rt.AsString()+" "+st.AsString()] += dp.Count
	}
	want := map[string]uint64{
		"GET /api/archive/sessions/{id} 4xx": 2,
		"POST /api/session/start 5xx":        1,
	}
	if len(counts) != len(want) {
		t.Errorf("series = %v, want %v", counts, want)
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%q] = %d, want %d", k, counts[k], n)
		}
	}
}

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 204: "2xx", 409: "4xx", 503: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestRoute_Unmatched(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil).WithContext(context.Background())
	if got := route(r); got != unmatchedRoute {
		t.Errorf("route = %q", got)
	}
}
