package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestOllamaClient(t *testing.T) {
	t.Run("Generate", func(t *testing.T) {
		var got ollamaGenerateRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/generate", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(map[string]any{"response": "I. SUMMARY OF SUSPICIOUS ACTIVITY\nText"})
		}))
		defer srv.Close()

		c := NewOllamaClient(domain.LLMConfig{
			BaseURL:      srv.URL + "/",
			Model:        "llama3.1:8b",
			SystemPrompt: "system",
			Temperature:  0.3,
			MaxTokens:    512,
		}, srv.Client())

		out, err := c.Generate(context.Background(), "prompt")
		require.NoError(t, err)
		assert.Contains(t, out, "SUMMARY")
		assert.Equal(t, "llama3.1:8b", got.Model)
		assert.Equal(t, "prompt", got.Prompt)
		assert.Equal(t, "system", got.System)
		assert.False(t, got.Stream)
		assert.Equal(t, 0.3, got.Options.Temperature)
		assert.Equal(t, 512, got.Options.NumPredict)
	})

	t.Run("ServerError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "model not loaded"})
		}))
		defer srv.Close()

		c := NewOllamaClient(domain.LLMConfig{BaseURL: srv.URL, Model: "m"}, srv.Client())
		_, err := c.Generate(context.Background(), "prompt")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model not loaded")
	})

	t.Run("EmptyResponse", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"response": "  "})
		}))
		defer srv.Close()

		c := NewOllamaClient(domain.LLMConfig{BaseURL: srv.URL, Model: "m"}, srv.Client())
		_, err := c.Generate(context.Background(), "prompt")
		assert.Error(t, err)
	})
}

func TestOpenAIClient(t *testing.T) {
	t.Run("Generate", func(t *testing.T) {
		var got openAIRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"narrative"}}]}`))
		}))
		defer srv.Close()

		c := NewOpenAIClient(domain.LLMConfig{
			BaseURL:      srv.URL,
			APIKey:       "secret",
			Model:        "gpt-4o-mini",
			SystemPrompt: "system",
			MaxTokens:    100,
		}, srv.Client())

		out, err := c.Generate(context.Background(), "prompt")
		require.NoError(t, err)
		assert.Equal(t, "narrative", out)
		require.Len(t, got.Messages, 2)
		assert.Equal(t, "system", got.Messages[0].Role)
		assert.Equal(t, "prompt", got.Messages[1].Content)
		assert.Equal(t, 100, got.MaxTokens)
	})

	t.Run("EmptyChoices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()

		c := NewOpenAIClient(domain.LLMConfig{BaseURL: srv.URL, Model: "m"}, srv.Client())
		_, err := c.Generate(context.Background(), "prompt")
		assert.Error(t, err)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		c := NewOpenAIClient(domain.LLMConfig{BaseURL: srv.URL, Model: "m"}, srv.Client())
		_, err := c.Generate(context.Background(), "prompt")
		assert.ErrorContains(t, err, "401")
	})
}

// stubGenerator counts calls and returns a fixed outcome.
type stubGenerator struct {
	calls atomic.Int32
	out   string
	err   error
	delay time.Duration
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.out, s.err
}

func (s *stubGenerator) Model() string { return "stub" }

func TestGuarded(t *testing.T) {
	ctx := context.Background()

	t.Run("PassThrough", func(t *testing.T) {
		g := NewGuarded(&stubGenerator{out: "ok"}, GuardConfig{})
		out, err := g.Generate(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
		assert.Equal(t, "stub", g.Model())
	})

	t.Run("FailureIsUnavailable", func(t *testing.T) {
		boom := errors.New("connection refused")
		g := NewGuarded(&stubGenerator{err: boom}, GuardConfig{})
		_, err := g.Generate(ctx, "p")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Timeout", func(t *testing.T) {
		g := NewGuarded(&stubGenerator{out: "late", delay: time.Second}, GuardConfig{Timeout: 20 * time.Millisecond})
		_, err := g.Generate(ctx, "p")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("BreakerOpens", func(t *testing.T) {
		stub := &stubGenerator{err: errors.New("down")}
		g := NewGuarded(stub, GuardConfig{BreakerFailures: 2, BreakerCooldown: time.Minute})

		for i := 0; i < 2; i++ {
			_, err := g.Generate(ctx, "p")
			require.ErrorIs(t, err, ErrUnavailable)
		}
		assert.Equal(t, "open", g.State())

		_, err := g.Generate(ctx, "p")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, int32(2), stub.calls.Load(), "open breaker must not call the backend")
	})

	t.Run("RateLimitRespectsContext", func(t *testing.T) {
		g := NewGuarded(&stubGenerator{out: "ok"}, GuardConfig{RequestsPerSecond: 0.001, Burst: 1})
		_, err := g.Generate(ctx, "p")
		require.NoError(t, err)

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err = g.Generate(cctx, "p")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestNew(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		g, err := New(domain.LLMConfig{Backend: "none"})
		require.NoError(t, err)
		_, err = g.Generate(context.Background(), "p")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, "none", g.Model())
	})

	t.Run("Ollama", func(t *testing.T) {
		g, err := New(domain.LLMConfig{Backend: "ollama", Model: "llama3.1:8b", Timeout: 5})
		require.NoError(t, err)
		assert.IsType(t, &Guarded{}, g)
		assert.Equal(t, "llama3.1:8b", g.Model())
	})

	t.Run("OpenAI", func(t *testing.T) {
		g, err := New(domain.LLMConfig{Backend: "OpenAI", Model: "gpt-4o-mini", Timeout: 5})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", g.Model())
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := New(domain.LLMConfig{Backend: "bard"})
		assert.Error(t, err)
	})
}
