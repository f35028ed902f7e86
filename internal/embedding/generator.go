package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/sowilo/internal/metrics"
)

// Generator applies the embedding policy on top of a resolver: input is
// truncated, calls are time bounded, and every failure becomes a nil vector
// so callers fall back to non-semantic behaviour.
type Generator struct {
	resolver *Resolver
	maxChars int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGenerator returns a generator using the limits in cfg.
func NewGenerator(r *Resolver, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Generator{
		resolver: r,
		maxChars: cfg.MaxInputChars,
		timeout:  cfg.Timeout,
		logger:   logger.With("component", "embedding"),
	}
}

// Enabled reports whether a provider is active.
func (g *Generator) Enabled() bool {
	_, ok := g.resolver.Provider()
	return ok
}

// Dimensions is the active provider's vector length, 0 when disabled.
func (g *Generator) Dimensions() int {
	p, ok := g.resolver.Provider()
	if !ok {
		return 0
	}
	return p.Dimensions()
}

// ModelID identifies the vectors this generator produces, e.g.
// "openai/text-embedding-3-small". Empty when disabled.
func (g *Generator) ModelID() string {
	p, ok := g.resolver.Provider()
	if !ok {
		return ""
	}
	return p.Name() + "/" + p.Model()
}

// Status proxies the resolver.
func (g *Generator) Status() Status {
	return g.resolver.Status()
}

// Embed returns the vector for text or nil when it cannot be produced.
func (g *Generator) Embed(ctx context.Context, text string) []float32 {
	p, ok := g.resolver.Provider()
	if !ok {
		metrics.EmbeddingRequests.WithLabelValues(g.providerLabel(), metrics.OutcomeDisabled).Inc()
		return nil
	}

	input := truncate(text, g.maxChars)
	start := time.Now()
	vec, err := call(ctx, g.timeout, func(ctx context.Context) ([]float32, error) {
		return p.Embed(ctx, input)
	})
	metrics.EmbeddingDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

	if err == nil {
		err = g.check(p, vec)
	}
	if err != nil {
		g.fail(p, err, 1)
		return nil
	}
	metrics.EmbeddingRequests.WithLabelValues(p.Name(), metrics.OutcomeOK).Inc()
	return vec
}

// EmbedBatch returns one entry per text. A failed batch yields all nils; an
// individual invalid vector yields nil at its position.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}
	p, ok := g.resolver.Provider()
	if !ok {
		metrics.EmbeddingRequests.WithLabelValues(g.providerLabel(), metrics.OutcomeDisabled).Add(float64(len(texts)))
		return out
	}

	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = truncate(t, g.maxChars)
	}
	start := time.Now()
	vecs, err := call(ctx, g.timeout, func(ctx context.Context) ([][]float32, error) {
		return p.EmbedBatch(ctx, inputs)
	})
	metrics.EmbeddingDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("%w: got %d vectors for %d inputs", errInvalidVector, len(vecs), len(texts))
	}
	if err != nil {
		g.fail(p, err, len(texts))
		return out
	}
	for i, vec := range vecs {
		if err := g.check(p, vec); err != nil {
			g.fail(p, err, 1)
			continue
		}
		metrics.EmbeddingRequests.WithLabelValues(p.Name(), metrics.OutcomeOK).Inc()
		out[i] = vec
	}
	return out
}

var errInvalidVector = errors.New("invalid embedding")

func (g *Generator) check(p Provider, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", errInvalidVector)
	}
	if len(vec) != p.Dimensions() {
		return fmt.Errorf("%w: dimension %d, want %d", errInvalidVector, len(vec), p.Dimensions())
	}
	return nil
}

func (g *Generator) fail(p Provider, err error, n int) {
	outcome := metrics.OutcomeError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeTimeout
	case errors.Is(err, errInvalidVector):
		outcome = metrics.OutcomeInvalid
	}
	metrics.EmbeddingRequests.WithLabelValues(p.Name(), outcome).Add(float64(n))
	g.logger.Warn("embedding failed",
		slog.String("provider", p.Name()),
		slog.String("outcome", outcome),
		slog.String("error", err.Error()),
	)
}

func (g *Generator) providerLabel() string {
	if g.resolver.cfg.Provider == "" {
		return "none"
	}
	return g.resolver.cfg.Provider
}

// call runs fn in its own goroutine and stops waiting once the deadline
// passes, even if fn ignores its context.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// truncate keeps the first limit runes of s.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
