// Package llm provides the text-generation backends used for narratives.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrUnavailable is returned when the backend cannot produce a completion:
// it is disabled, failing, timed out, rate limited or its breaker is open.
var ErrUnavailable = errors.New("generation backend unavailable")

// New creates a guarded generator based on configuration.
func New(cfg domain.LLMConfig) (domain.Generator, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	httpClient := &http.Client{Timeout: timeout + 5*time.Second}

	var next domain.Generator
	switch strings.ToLower(cfg.Backend) {
	case "ollama":
		next = NewOllamaClient(cfg, httpClient)
	case "openai":
		next = NewOpenAIClient(cfg, httpClient)
	case "none", "":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unsupported llm backend: %s", cfg.Backend)
	}

	return NewGuarded(next, GuardConfig{
		Timeout:           timeout,
		BreakerFailures:   cfg.BreakerFailures,
		BreakerCooldown:   time.Duration(cfg.BreakerCooldown) * time.Second,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}), nil
}

// Disabled always reports ErrUnavailable so callers take the fallback path.
type Disabled struct{}

func (Disabled) Generate(ctx context.Context, prompt string) (string, error) {
	return "", fmt.Errorf("%w: backend disabled", ErrUnavailable)
}

func (Disabled) Model() string {
	return "none"
}
