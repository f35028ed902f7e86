package embedding

import (
	"fmt"
	"log/slog"
	"sync"
)

// Status describes the resolved provider, or why there is none.
type Status struct {
	Enabled    bool   `json:"enabled"`
	Provider   string `json:"provider"`
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Resolver owns the active provider. It is built once at startup and shared;
// the provider itself is constructed on first use. A resolver that fails to
// construct one stays disabled for the life of the process.
type Resolver struct {
	cfg       Config
	factories map[string]factory
	logger    *slog.Logger

	once     sync.Once
	provider Provider
	reason   string
}

// NewResolver returns a resolver for cfg. Nothing is checked until the first
// call to Provider or Status.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:       cfg,
		factories: registry,
		logger:    logger.With("component", "embedding"),
	}
}

// NewStaticResolver wraps an already constructed provider. A nil provider
// yields a disabled resolver.
func NewStaticResolver(p Provider) *Resolver {
	r := &Resolver{logger: slog.Default()}
	r.once.Do(func() {
		if p == nil {
			r.reason = "no provider configured"
			return
		}
		r.provider = p
		r.cfg.Provider = p.Name()
	})
	return r
}

// Provider returns the active provider, or false when semantic features are
// disabled.
func (r *Resolver) Provider() (Provider, bool) {
	r.once.Do(r.resolve)
	return r.provider, r.provider != nil
}

// Status reports the resolved state, resolving first if needed.
func (r *Resolver) Status() Status {
	p, ok := r.Provider()
	if !ok {
		return Status{Provider: r.cfg.Provider, Reason: r.reason}
	}
	return Status{
		Enabled:    true,
		Provider:   p.Name(),
		Model:      p.Model(),
		Dimensions: p.Dimensions(),
	}
}

func (r *Resolver) resolve() {
	name := r.cfg.Provider
	f, ok := r.factories[name]
	switch {
	case name == "":
		r.reason = "no provider configured"
	case !ok:
		r.reason = fmt.Sprintf("unknown provider %q (available: %v)", name, sortedNames(r.factories))
	case f.requiresKey && r.cfg.APIKey == "":
		r.reason = fmt.Sprintf("provider %q requires an api_key", name)
	}
	if r.reason != "" {
		r.logger.Warn("semantic features disabled", slog.String("reason", r.reason))
		return
	}

	cfg := f.withDefaults(r.cfg)
	r.provider = f.build(cfg, r.cfg.Dimensions > 0)
	r.logger.Info("embedding provider ready",
		slog.String("provider", name),
		slog.String("model", cfg.Model),
		slog.Int("dimensions", cfg.Dimensions),
	)
}
