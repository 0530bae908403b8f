// Package embeddings fronts the provider embedding adapters with a TTL+LRU
// cache. Vectors are keyed by model, requested dimensions, and a content
// hash, so repeated embeds of the same text within the TTL hit the cache and
// cost nothing.
package embeddings

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/ensemble/internal/agent"
	"github.com/haasonsaas/ensemble/internal/cache"
	"github.com/haasonsaas/ensemble/internal/observability"
)

// Cache sizing. One hour TTL bounds staleness against re-priced or retired
// models; the entry cap bounds resident vectors.
const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 1000
)

// ErrNoEmbedder reports that no adapter can embed the requested model.
var ErrNoEmbedder = errors.New("embeddings: no adapter for model")

// Resolver maps an embedding model id to the adapter serving it.
type Resolver func(model string) (agent.Embedder, error)

// Config configures a Service. Resolve is required.
type Config struct {
	Resolve Resolver

	// DefaultModel applies when a request names no model.
	DefaultModel string

	// TTL and MaxEntries size the vector cache. Zero applies the defaults.
	TTL        time.Duration
	MaxEntries int

	Logger *observability.Logger
}

// Options carries per-call embedding parameters.
type Options struct {
	// Model overrides the service default.
	Model string

	// Dimensions requests reduced-dimension vectors. The value is passed
	// through to the adapter untouched; zero keeps the model default.
	Dimensions int
}

// Service embeds text through provider adapters with caching. Safe for
// concurrent use; concurrent requests for the same uncached key share one
// adapter call.
type Service struct {
	resolve      Resolver
	defaultModel string
	ttl          time.Duration
	vectors      *cache.Loading[string, []float64]
	logger       *observability.Logger
}

// New creates a Service from config.
func New(config Config) (*Service, error) {
	if config.Resolve == nil {
		return nil, errors.New("embeddings: Resolve is required")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.Logger == nil {
		config.Logger = observability.NewNopLogger()
	}
	return &Service{
		resolve:      config.Resolve,
		defaultModel: config.DefaultModel,
		ttl:          config.TTL,
		vectors: cache.NewLoading[string, []float64](cache.Config{
			DefaultTTL: config.TTL,
			MaxSize:    config.MaxEntries,
		}),
		logger: config.Logger,
	}, nil
}

// Embed returns the vector for one text. Cache misses call the adapter once
// even under concurrent callers.
func (s *Service) Embed(ctx context.Context, text string, opts Options) ([]float64, error) {
	model := s.model(opts)
	return s.vectors.GetWithTTL(cacheKey(model, opts.Dimensions, text), func(string) ([]float64, error) {
		embedder, err := s.resolve(model)
		if err != nil {
			return nil, err
		}
		vectors, err := embedder.CreateEmbeddings(ctx, agent.EmbeddingRequest{
			Model:      model,
			Inputs:     []string{text},
			Dimensions: opts.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("embeddings: adapter returned %d vectors for 1 input", len(vectors))
		}
		s.logger.Debug(ctx, "embedded text", "model", model, "dimensions", len(vectors[0]))
		return vectors[0], nil
	}, s.ttl)
}

// EmbedBatch returns one vector per input text, in input order. Cached texts
// are served from the cache; the remainder go to the adapter in a single
// call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := s.model(opts)

	out := make([][]float64, len(texts))
	var missing []string
	var missingAt []int
	for i, text := range texts {
		if vec, ok := s.vectors.GetCached(cacheKey(model, opts.Dimensions, text)); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingAt = append(missingAt, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	embedder, err := s.resolve(model)
	if err != nil {
		return nil, err
	}
	vectors, err := embedder.CreateEmbeddings(ctx, agent.EmbeddingRequest{
		Model:      model,
		Inputs:     missing,
		Dimensions: opts.Dimensions,
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embeddings: adapter returned %d vectors for %d inputs", len(vectors), len(missing))
	}
	for j, vec := range vectors {
		out[missingAt[j]] = vec
		s.vectors.Set(cacheKey(model, opts.Dimensions, missing[j]), vec)
	}
	s.logger.Debug(ctx, "embedded batch", "model", model, "inputs", len(texts), "misses", len(missing))
	return out, nil
}

// CacheStats exposes hit/miss counters for the CLI and tests.
func (s *Service) CacheStats() cache.Stats {
	return s.vectors.Stats()
}

// Close stops the cache janitor. The service must not be used afterwards.
func (s *Service) Close() {
	s.vectors.Stop()
}

func (s *Service) model(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return s.defaultModel
}

func cacheKey(model string, dims int, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s|%d|%x", model, dims, sum)
}
