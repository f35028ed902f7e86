// Package embedding turns note text into vectors. It owns the provider
// registry, the lazily resolved active provider and the generation policy
// that absorbs provider failures.
package embedding

import (
	"context"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Provider computes embeddings with a fixed output dimension.
type Provider interface {
	Name() string
	Model() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config selects and parameterises the embedding provider.
type Config struct {
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	// Dimensions overrides the provider's default output size.
	Dimensions    int           `yaml:"dimensions"`
	MaxInputChars int           `yaml:"max_input_chars"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Validate checks the shape of the section. An unknown provider is not an
// error here: it only disables semantic features at runtime.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, is.URL),
		validation.Field(&c.Dimensions, validation.Min(0)),
		validation.Field(&c.MaxInputChars, validation.Min(0)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// Defaults applied by NewGenerator when the section leaves them unset.
const (
	DefaultMaxInputChars = 8000
	DefaultTimeout       = 10 * time.Second
)

type factory struct {
	requiresKey bool
	model       string
	endpoint    string
	dimensions  int
	// build receives cfg with defaults applied; explicitDims reports whether
	// the operator overrode the dimension.
	build func(cfg Config, explicitDims bool) Provider
}

func (f factory) withDefaults(cfg Config) Config {
	if cfg.Model == "" {
		cfg.Model = f.model
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = f.endpoint
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = f.dimensions
	}
	return cfg
}

var registry = map[string]factory{
	ProviderOllama: {
		model:      "nomic-embed-text",
		endpoint:   "http://localhost:11434",
		dimensions: 768,
		build: func(cfg Config, _ bool) Provider {
			return NewOllamaProvider(cfg.Endpoint, cfg.Model, cfg.Dimensions)
		},
	},
	ProviderOpenAI: {
		requiresKey: true,
		model:       "text-embedding-3-small",
		dimensions:  1536,
		build: func(cfg Config, explicitDims bool) Provider {
			p := NewOpenAIProvider(cfg.APIKey, cfg.Endpoint, cfg.Model, cfg.Dimensions)
			if explicitDims {
				p.withRequestDims(cfg.Dimensions)
			}
			return p
		},
	},
}

// Names lists the registered provider identifiers in sorted order.
func Names() []string {
	return sortedNames(registry)
}

func sortedNames(m map[string]factory) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
