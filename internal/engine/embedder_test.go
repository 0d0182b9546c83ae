package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newEmbeddingServer(t *testing.T, vec []float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec}},
		})
	}))
}

func TestEmbeddingGateway_EmbedsAndCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	g, err := NewEmbeddingGateway(srv.URL, EmbeddingGatewayOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v1, err := g.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v1) != 3 {
		t.Fatalf("expected 3-dim embedding, got %v", v1)
	}

	v2, err := g.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v2) != 3 {
		t.Fatalf("expected cached 3-dim embedding, got %v", v2)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected provider to be called once (second call served from cache), got %d calls", calls)
	}
}

func TestEmbeddingGateway_DifferentTextMissesCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.5}}},
		})
	}))
	defer srv.Close()

	g, err := NewEmbeddingGateway(srv.URL, EmbeddingGatewayOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := g.Embed(context.Background(), "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.Embed(context.Background(), "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 provider calls for distinct text, got %d", calls)
	}
}

func TestEmbeddingGateway_ProviderErrorTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g, err := NewEmbeddingGateway(srv.URL, EmbeddingGatewayOptions{
		Timeout:          time.Second,
		FailureThreshold: 1,
		CooldownTimeout:  time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := g.Embed(context.Background(), "will fail"); err == nil {
		t.Fatal("expected error from failing provider")
	}
	if _, err := g.Embed(context.Background(), "will also fail"); err == nil {
		t.Fatal("expected breaker-open error on second distinct call")
	}

	stats := g.Stats()
	if stats["state"] != "open" {
		t.Errorf("expected breaker state open after threshold failures, got %v", stats["state"])
	}
}

func TestEmbeddingGateway_UnreachableProviderErrors(t *testing.T) {
	g, err := NewEmbeddingGateway("http://127.0.0.1:1", EmbeddingGatewayOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.Embed(context.Background(), "unreachable"); err == nil {
		t.Fatal("expected error for unreachable embedding provider")
	}
}

func TestNewEmbeddingGateway_AppliesDefaults(t *testing.T) {
	g, err := NewEmbeddingGateway("http://example.invalid", EmbeddingGatewayOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.model != "text-embedding-ada-002" {
		t.Errorf("expected default model, got %q", g.model)
	}
}
