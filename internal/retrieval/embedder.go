package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	cb "github.com/sony/gobreaker"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

// Embedder is the provider side of query embedding; openai.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type BreakerConfig struct {
	Timeout          time.Duration // per embedding call
	FailureThreshold uint32        // consecutive failures before opening
	OpenFor          time.Duration // how long the breaker stays open
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenFor <= 0 {
		c.OpenFor = 30 * time.Second
	}
	return c
}

// guardedEmbedder puts a circuit breaker and deadline in front of the provider.
// When either trips, callers fall back to PseudoEmbed.
type guardedEmbedder struct {
	inner   Embedder
	timeout time.Duration
	breaker *cb.CircuitBreaker
	log     *logger.Logger
}

func newGuardedEmbedder(inner Embedder, cfg BreakerConfig, log *logger.Logger) *guardedEmbedder {
	cfg = cfg.withDefaults()
	g := &guardedEmbedder{inner: inner, timeout: cfg.Timeout, log: log}
	g.breaker = cb.NewCircuitBreaker(cb.Settings{
		Name:        "embedding",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

func (g *guardedEmbedder) embed(ctx context.Context, text string, dim int) ([]float32, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		vecs, err := g.inner.Embed(cctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("embedding: want 1 vector, got %d", len(vecs))
		}
		if dim > 0 && len(vecs[0]) != dim {
			return nil, fmt.Errorf("embedding: dimension %d, corpus dimension %d", len(vecs[0]), dim)
		}
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}

func breakerOpen(err error) bool {
	return errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests)
}
