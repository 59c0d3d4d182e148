package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets/abc123", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if got := testutil.ToFloat64(recorder.requestsTotal.WithLabelValues("GET", "/widgets/:id", "4xx")); got != 1 {
		t.Fatalf("expected one recorded 4xx request, got %v", got)
	}
}

func TestHTTPMiddlewareFallsBackToDefaultRecorder(t *testing.T) {
	before := testutil.ToFloat64(defaultRecorder.requestsTotal.WithLabelValues("POST", "/jobs/:id", "2xx"))

	handler := HTTPMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/jobs/123", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(defaultRecorder.requestsTotal.WithLabelValues("POST", "/jobs/:id", "2xx"))
	if after != before+1 {
		t.Fatalf("expected default recorder counter to increment by 1, got before=%v after=%v", before, after)
	}
}
