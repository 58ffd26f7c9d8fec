// Package vector provides the similarity store used for typology and
// template retrieval.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a similarity store from configuration.
// When c is non-nil and embedding caching is enabled, embeddings are memoized.
func New(cfg domain.VectorConfig, c domain.Cache, ttl time.Duration) (*MemoryStore, error) {
	var emb Embedder
	switch cfg.Embedder {
	case "", "hash":
		emb = NewHashEmbedder(cfg.Dimensions)
	case "ollama":
		emb = NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaModel)
	default:
		return nil, fmt.Errorf("unsupported embedder: %s", cfg.Embedder)
	}

	if cfg.CacheEmbeddings && c != nil {
		emb = NewCachedEmbedder(emb, c, ttl)
	}
	return NewMemoryStore(emb), nil
}

type entry struct {
	doc    domain.Document
	vector []float64
	seq    int
}

// MemoryStore is an in-process similarity store using cosine distance.
// It is safe for concurrent readers and writers.
type MemoryStore struct {
	mu       sync.RWMutex
	embedder Embedder
	entries  map[string]*entry
	nextSeq  int
}

// NewMemoryStore creates an empty store over the given embedder.
func NewMemoryStore(emb Embedder) *MemoryStore {
	return &MemoryStore{
		embedder: emb,
		entries:  make(map[string]*entry),
	}
}

// Insert embeds and stores doc, replacing any document with the same ID.
func (s *MemoryStore) Insert(ctx context.Context, doc domain.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}

	vec, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embed document %s: %w", doc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[doc.ID]; ok {
		existing.doc = doc
		existing.vector = vec
		return nil
	}
	s.entries[doc.ID] = &entry{doc: doc, vector: vec, seq: s.nextSeq}
	s.nextSeq++
	return nil
}

// Query returns up to topK documents matching filter, nearest first.
// Ties keep insertion order.
func (s *MemoryStore) Query(ctx context.Context, text string, topK int, filter map[string]string) ([]domain.Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	type scored struct {
		match domain.Match
		seq   int
	}

	s.mu.RLock()
	candidates := make([]scored, 0, len(s.entries))
	for _, e := range s.entries {
		if !matchesFilter(e.doc.Metadata, filter) {
			continue
		}
		candidates = append(candidates, scored{
			match: domain.Match{Document: e.doc, Distance: CosineDistance(vec, e.vector)},
			seq:   e.seq,
		})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].match.Distance != candidates[j].match.Distance {
			return candidates[i].match.Distance < candidates[j].match.Distance
		}
		return candidates[i].seq < candidates[j].seq
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]domain.Match, len(candidates))
	for i, c := range candidates {
		out[i] = c.match
	}
	return out, nil
}

// Get returns a stored document by ID.
func (s *MemoryStore) Get(id string) (domain.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.Document{}, false
	}
	return e.doc, true
}

// Count returns the number of stored documents.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func matchesFilter(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// CosineDistance returns 1 - cosine similarity, in [0, 2].
// A zero vector is at distance 1 from everything.
func CosineDistance(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	return math.Max(0, math.Min(2, d))
}
