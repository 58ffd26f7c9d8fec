package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GuardConfig bounds calls to a generation backend.
type GuardConfig struct {
	// Timeout bounds each call. Zero disables the per-call deadline.
	Timeout time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures int
	BreakerCooldown time.Duration

	// RequestsPerSecond limits outbound calls. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Guarded wraps a generator with a timeout, a rate limiter and a circuit breaker.
// Every failure it returns matches ErrUnavailable.
type Guarded struct {
	next    domain.Generator
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewGuarded wraps next.
func NewGuarded(next domain.Generator, cfg GuardConfig) *Guarded {
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 3
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	g := &Guarded{
		next:    next,
		timeout: cfg.Timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm:" + next.Model(),
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(failures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("generation breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return g
}

func (g *Guarded) Model() string {
	return g.next.Model()
}

// State reports the breaker state: closed, half-open or open.
func (g *Guarded) State() string {
	return g.breaker.State().String()
}

// Generate calls the wrapped backend once.
func (g *Guarded) Generate(ctx context.Context, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: rate limit: %w", ErrUnavailable, err)
		}
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.next.Generate(ctx, prompt)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return out.(string), nil
}
