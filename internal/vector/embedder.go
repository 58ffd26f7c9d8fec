package vector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Name() string
}

// HashEmbedder is a local feature-hashing embedder over word unigrams and
// bigrams. It needs no model and is stable across processes.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 512
	}
	return &HashEmbedder{dims: dims}
}

// Name identifies the embedder in cache keys.
func (e *HashEmbedder) Name() string {
	return fmt.Sprintf("hash-%d", e.dims)
}

// Embed returns an L2-normalized vector. Empty text yields the zero vector.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dims)
	tokens := tokenize(text)

	add := func(feature string, weight float64) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		// The high bit picks the sign so collisions tend to cancel
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}

	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
}

// OllamaEmbedder calls the Ollama embeddings endpoint.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaEmbedder creates an embedder backed by a local Ollama server.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Name identifies the embedder in cache keys.
func (e *OllamaEmbedder) Name() string {
	return "ollama-" + e.model
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed requests an embedding for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: embeddings: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: embeddings status %d", resp.StatusCode)
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decode embeddings: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama: empty embedding")
	}
	return out.Embedding, nil
}

// CachedEmbedder memoizes another embedder in a domain.Cache.
// Cache failures fall through to the wrapped embedder.
type CachedEmbedder struct {
	next  Embedder
	cache domain.Cache
	ttl   time.Duration
}

// NewCachedEmbedder wraps next with a cache.
func NewCachedEmbedder(next Embedder, c domain.Cache, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedEmbedder{next: next, cache: c, ttl: ttl}
}

// Name reports the wrapped embedder name.
func (e *CachedEmbedder) Name() string {
	return e.next.Name()
}

// Embed returns the cached vector or computes and stores it.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	sum := sha256.Sum256([]byte(text))
	key := "embed:" + e.next.Name() + ":" + hex.EncodeToString(sum[:])

	var vec []float64
	if ok, err := cache.GetJSON(ctx, e.cache, key, &vec); err == nil && ok {
		return vec, nil
	}

	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	_ = cache.SetJSON(ctx, e.cache, key, vec, e.ttl)
	return vec, nil
}
