package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	emb := NewHashEmbedder(256)

	t.Run("Normalized", func(t *testing.T) {
		vec, _ := emb.Embed(ctx, "Cash deposits just below the reporting threshold")
		var norm float64
		for _, v := range vec {
			norm += v * v
		}
		if math.Abs(norm-1) > 1e-9 {
			t.Errorf("expected unit norm, got %v", norm)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		a, _ := emb.Embed(ctx, "wire transfer SWIFT")
		b, _ := emb.Embed(ctx, "wire transfer SWIFT")
		if CosineDistance(a, b) > 1e-12 {
			t.Error("expected identical embeddings")
		}
	})

	t.Run("EmptyText", func(t *testing.T) {
		vec, _ := emb.Embed(ctx, "")
		if len(vec) != 256 {
			t.Fatalf("expected 256 dims, got %d", len(vec))
		}
		if CosineDistance(vec, vec) != 1 {
			t.Error("zero vector should be at distance 1")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(NewHashEmbedder(512))

	docs := []domain.Document{
		{ID: "typology_structuring", Content: "Structuring deposits below reporting threshold smurfing", Metadata: map[string]string{"type": "typology", "typology": "structuring"}},
		{ID: "typology_wire_fraud", Content: "Wire fraud SWIFT foreign remittance", Metadata: map[string]string{"type": "typology", "typology": "wire_fraud"}},
		{ID: "template_structuring", Content: "Structuring SAR template deposits below threshold", Metadata: map[string]string{"type": "template", "typology": "structuring"}},
	}
	for _, d := range docs {
		if err := store.Insert(ctx, d); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	t.Run("Count", func(t *testing.T) {
		if store.Count() != 3 {
			t.Errorf("expected 3 documents, got %d", store.Count())
		}
	})

	t.Run("NearestFirst", func(t *testing.T) {
		matches, err := store.Query(ctx, "deposits below reporting threshold", 2, nil)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(matches) != 2 {
			t.Fatalf("expected 2 matches, got %d", len(matches))
		}
		if matches[0].Distance > matches[1].Distance {
			t.Error("expected ascending distance")
		}
		if matches[0].Metadata["typology"] != "structuring" {
			t.Errorf("expected structuring first, got %s", matches[0].ID)
		}
	})

	t.Run("Filter", func(t *testing.T) {
		matches, _ := store.Query(ctx, "structuring", 5, map[string]string{"type": "template"})
		if len(matches) != 1 || matches[0].ID != "template_structuring" {
			t.Errorf("expected only the template, got %v", matches)
		}
	})

	t.Run("ReplaceByID", func(t *testing.T) {
		_ = store.Insert(ctx, domain.Document{ID: "typology_wire_fraud", Content: "replaced", Metadata: map[string]string{"type": "typology"}})
		if store.Count() != 3 {
			t.Errorf("replace should not grow the store, got %d", store.Count())
		}
		doc, ok := store.Get("typology_wire_fraud")
		if !ok || doc.Content != "replaced" {
			t.Errorf("expected replaced content, got %q", doc.Content)
		}
	})

	t.Run("EmptyIDRejected", func(t *testing.T) {
		if err := store.Insert(ctx, domain.Document{Content: "x"}); err == nil {
			t.Error("expected error for empty id")
		}
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_ = store.Insert(ctx, domain.Document{ID: fmt.Sprintf("doc-%d", i), Content: "concurrent"})
			}(i)
			go func() {
				defer wg.Done()
				_, _ = store.Query(ctx, "concurrent", 3, nil)
			}()
		}
		wg.Wait()
		if store.Count() != 23 {
			t.Errorf("expected 23 documents, got %d", store.Count())
		}
	})
}

func TestOllamaEmbedder(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/embeddings" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			var req ollamaEmbedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Model != "nomic-embed-text" || req.Prompt != "hello" {
				t.Errorf("unexpected request %+v", req)
			}
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float64{0.1, 0.2}})
		}))
		defer server.Close()

		vec, err := NewOllamaEmbedder(server.URL, "").Embed(context.Background(), "hello")
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if len(vec) != 2 {
			t.Errorf("expected 2 dims, got %d", len(vec))
		}
	})

	t.Run("ServerError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		if _, err := NewOllamaEmbedder(server.URL, "m").Embed(context.Background(), "x"); err == nil {
			t.Error("expected error on 503")
		}
	})
}

type countingEmbedder struct {
	calls atomic.Int32
	err   error
}

func (e *countingEmbedder) Name() string { return "counting" }

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return []float64{float64(len(text))}, nil
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()

	t.Run("Memoizes", func(t *testing.T) {
		inner := &countingEmbedder{}
		emb := NewCachedEmbedder(inner, cache.NewLRUCache(10), time.Minute)

		a, _ := emb.Embed(ctx, "abc")
		b, _ := emb.Embed(ctx, "abc")
		if inner.calls.Load() != 1 {
			t.Errorf("expected 1 inner call, got %d", inner.calls.Load())
		}
		if a[0] != 3 || b[0] != 3 {
			t.Errorf("unexpected vectors %v %v", a, b)
		}
	})

	t.Run("PropagatesErrors", func(t *testing.T) {
		inner := &countingEmbedder{err: errors.New("model offline")}
		emb := NewCachedEmbedder(inner, cache.NewLRUCache(10), time.Minute)
		if _, err := emb.Embed(ctx, "abc"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestNew(t *testing.T) {
	store, err := New(domain.VectorConfig{Embedder: "hash", Dimensions: 64, CacheEmbeddings: true}, cache.NewLRUCache(10), time.Minute)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := store.embedder.(*CachedEmbedder); !ok {
		t.Error("expected cached embedder")
	}

	if _, err := New(domain.VectorConfig{Embedder: "word2vec"}, nil, 0); err == nil {
		t.Error("expected error for unsupported embedder")
	}
}
