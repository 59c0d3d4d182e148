package progressapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"streamforge/internal/broker"
	"streamforge/internal/brokerkeys"
	"streamforge/internal/ingestgw"
	"streamforge/internal/objectstore"
)

func newTestGateway(t *testing.T) (*ingestgw.Gateway, broker.Broker) {
	t.Helper()
	b := broker.NewMemoryBroker()
	gw := ingestgw.NewGateway(ingestgw.Config{
		Broker: b,
		Store:  objectstore.NewMemoryStore(),
		Bucket: "streamforge-test",
	})
	return gw, b
}

func TestGetStatusReturnsBrokerState(t *testing.T) {
	gw, b := newTestGateway(t)
	ctx := context.Background()
	if err := b.HashSet(ctx, brokerkeys.State("stream-1"), "status", "Live"); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	if err := b.HashSet(ctx, brokerkeys.State("stream-1"), "chunkCount", "42"); err != nil {
		t.Fatalf("seed chunkCount: %v", err)
	}

	h := NewHandler(Config{Gateway: gw})
	req := httptest.NewRequest(http.MethodGet, "/v1/streams/stream-1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	res := rr.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", res.StatusCode)
	}
	var body struct {
		Status int              `json:"status"`
		Code   string           `json:"code"`
		Data   streamAttributes `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Code != "ok" || body.Data.Status != "Live" || body.Data.ChunkCount != 42 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestGetStatusUnknownStreamReturnsNotFound(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := NewHandler(Config{Gateway: gw})

	req := httptest.NewRequest(http.MethodGet, "/v1/streams/missing", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Result().StatusCode)
	}
	var body envelope
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Code != "stream_not_found" || body.Detail == "" {
		t.Fatalf("unexpected error envelope: %+v", body)
	}
}

func TestPostStopUnknownStreamReturnsNotFound(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := NewHandler(Config{Gateway: gw})

	req := httptest.NewRequest(http.MethodPost, "/v1/streams/missing/stop", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Result().StatusCode)
	}
}

func TestAuthenticateRejectsMissingOrWrongToken(t *testing.T) {
	gw, b := newTestGateway(t)
	ctx := context.Background()
	if err := b.HashSet(ctx, brokerkeys.State("stream-1"), "status", "Live"); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	h := NewHandler(Config{Gateway: gw, Token: "secret"})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Token secret", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "match", header: "Bearer secret", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/streams/stream-1", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Result().StatusCode != tc.want {
				t.Fatalf("status=%d, want %d", rr.Result().StatusCode, tc.want)
			}
		})
	}
}

func TestAuthenticateDisabledWhenTokenEmpty(t *testing.T) {
	gw, b := newTestGateway(t)
	ctx := context.Background()
	if err := b.HashSet(ctx, brokerkeys.State("stream-1"), "status", "Live"); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	h := NewHandler(Config{Gateway: gw})

	req := httptest.NewRequest(http.MethodGet, "/v1/streams/stream-1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with no token configured, got %d", rr.Result().StatusCode)
	}
}
