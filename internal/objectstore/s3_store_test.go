package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type memoryS3Server struct {
	mu       sync.Mutex
	objects  map[string]map[string][]byte
	requests []memoryS3Request
}

type memoryS3Request struct {
	Method        string
	Authorization string
	Query         string
}

func newMemoryS3Server() *memoryS3Server {
	return &memoryS3Server{objects: make(map[string]map[string][]byte)}
}

func (m *memoryS3Server) addBucket(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = make(map[string][]byte)
}

func (m *memoryS3Server) getObject(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return nil, false
	}
	data, ok := objs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *memoryS3Server) lastRequest() memoryS3Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return memoryS3Request{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *memoryS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	bucket, key, err := parseS3Path(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.requests = append(m.requests, memoryS3Request{
		Method:        r.Method,
		Authorization: r.Header.Get("Authorization"),
		Query:         r.URL.RawQuery,
	})
	bucketObjects, exists := m.objects[bucket]
	m.mu.Unlock()
	if !exists {
		http.Error(w, "bucket not found", http.StatusNotFound)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		bucketObjects[key] = append([]byte(nil), body...)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := bucketObjects[key]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	case http.MethodHead:
		data, ok := bucketObjects[key]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(bucketObjects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func parseS3Path(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	return parts[0], key, nil
}

func TestS3StorePutGetHeadDelete(t *testing.T) {
	server := newMemoryS3Server()
	server.addBucket("streams")
	ts := httptest.NewServer(server)
	defer ts.Close()

	store, err := NewS3Store(S3Config{
		Endpoint:  strings.TrimPrefix(ts.URL, "http://"),
		Region:    "us-east-1",
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "secretKeyExample",
		Bucket:    "streams",
		Prefix:    "live",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	payload := []byte("segment data")
	if err := store.PutBuffer(ctx, "stream-1/seg0.ts", "video/mp2t", payload, CacheControlImmutable); err != nil {
		t.Fatalf("put: %v", err)
	}
	expectedKey := "live/stream-1/seg0.ts"
	stored, ok := server.getObject("streams", expectedKey)
	if !ok || !bytes.Equal(stored, payload) {
		t.Fatalf("expected stored payload %q, got %q (present=%v)", payload, stored, ok)
	}

	rc, err := store.Get(ctx, "stream-1/seg0.ts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("unexpected get body: %q err=%v", data, err)
	}

	info, err := store.Head(ctx, "stream-1/seg0.ts")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("unexpected head size: %d", info.Size)
	}

	if err := store.Delete(ctx, "stream-1/seg0.ts"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := server.getObject("streams", expectedKey); ok {
		t.Fatalf("expected object to be removed")
	}

	lastReq := server.lastRequest()
	if lastReq.Authorization == "" || !strings.Contains(lastReq.Authorization, "AKIAEXAMPLE") {
		t.Fatalf("expected authorization header with access key, got %q", lastReq.Authorization)
	}
}

func TestS3StoreSignedURL(t *testing.T) {
	store, err := NewS3Store(S3Config{
		Endpoint:  "s3.example.com",
		UseSSL:    true,
		Region:    "us-east-1",
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "secretKeyExample",
		Bucket:    "streams",
		Prefix:    "live",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	signed, err := store.SignedURL(context.Background(), "stream-1/stream.m3u8", "GET", 15*time.Minute)
	if err != nil {
		t.Fatalf("signed url: %v", err)
	}
	if !strings.Contains(signed, "X-Amz-Signature=") {
		t.Fatalf("expected signed url to carry X-Amz-Signature, got %s", signed)
	}
	if !strings.Contains(signed, "/streams/live/stream-1/stream.m3u8") {
		t.Fatalf("expected signed url to reference prefixed key, got %s", signed)
	}
}
