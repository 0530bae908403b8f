// Package routing picks the concrete model that serves a request. Agents
// either pin a model directly or name a model class; a class fans out
// across providers so a missing credential or an exhausted quota on one
// backend does not stall the turn.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/haasonsaas/ensemble/internal/models"
	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/internal/ratelimit"
)

// DefaultWeight is the selection weight for models without an explicit score.
const DefaultWeight = 50

var (
	// ErrUnknownModel reports a pinned model absent from the catalog.
	ErrUnknownModel = errors.New("routing: unknown model")

	// ErrUnknownClass reports a model class absent from the catalog.
	ErrUnknownClass = errors.New("routing: unknown model class")

	// ErrEmptyClass reports a class whose roster resolves to no models.
	ErrEmptyClass = errors.New("routing: model class has no models")
)

// QuotaChecker reports whether the given provider:model key currently has
// quota. *ratelimit.Guard satisfies it.
type QuotaChecker interface {
	HasQuota(key string) bool
}

// Request carries the model preferences attached to a single turn.
type Request struct {
	// Model pins a specific model by ID or alias, bypassing class
	// selection entirely.
	Model string

	// Class names the model class to select from when Model is empty.
	Class string

	// Disabled lists model IDs or aliases removed from consideration.
	Disabled []string

	// Scores overrides selection weights per model. Missing entries weigh
	// DefaultWeight; a zero score removes the model from random selection.
	Scores map[string]int
}

// Config configures a Selector. Catalog is required; everything else has a
// usable zero value.
type Config struct {
	Catalog *models.Catalog

	// Quota gates candidates on provider:model cooldowns. Nil never blocks.
	Quota QuotaChecker

	// LookupEnv resolves credential environment variables. Defaults to
	// os.Getenv.
	LookupEnv func(key string) string

	// Intn supplies randomness for weighted picks. Defaults to rand.Intn.
	Intn func(n int) int

	Logger *observability.Logger
}

// Selector resolves Requests to catalog models. Safe for concurrent use.
type Selector struct {
	catalog   *models.Catalog
	quota     QuotaChecker
	lookupEnv func(string) string
	logger    *observability.Logger

	mu   sync.Mutex
	intn func(int) int
}

// NewSelector creates a Selector from config.
func NewSelector(config Config) *Selector {
	s := &Selector{
		catalog:   config.Catalog,
		quota:     config.Quota,
		lookupEnv: config.LookupEnv,
		logger:    config.Logger,
		intn:      config.Intn,
	}
	if s.lookupEnv == nil {
		s.lookupEnv = os.Getenv
	}
	if s.intn == nil {
		s.intn = rand.Intn // #nosec G404 -- load spreading does not require cryptographic randomness
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	return s
}

// Select picks a model for the request.
//
// A pinned model short-circuits selection after alias normalization. Class
// selection starts from the class roster minus disabled models, then drops
// models whose provider has no credential configured and models without
// quota. Random classes pick among the survivors weighted by Scores; ordered
// classes take the first survivor.
//
// When filtering removes every model the selector degrades instead of
// failing: disabled and quota filters are lifted first, then the credential
// filter, and a warning is logged. The provider call path reports the
// precise failure.
func (s *Selector) Select(ctx context.Context, req Request) (*models.Model, error) {
	if req.Model != "" {
		m, ok := s.catalog.Get(req.Model)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownModel, req.Model)
		}
		return m, nil
	}

	class, ok := s.catalog.Class(req.Class)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, req.Class)
	}
	roster := make([]*models.Model, 0, len(class.Models))
	for _, id := range class.Models {
		if m, ok := s.catalog.Get(id); ok {
			roster = append(roster, m)
		}
	}
	if len(roster) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyClass, req.Class)
	}

	disabled := make(map[string]bool, len(req.Disabled))
	for _, id := range req.Disabled {
		disabled[s.catalog.Resolve(id)] = true
	}
	scores := make(map[string]int, len(req.Scores))
	for id, w := range req.Scores {
		scores[s.catalog.Resolve(id)] = w
	}

	keyed := make([]*models.Model, 0, len(roster))
	for _, m := range roster {
		if s.keyConfigured(m.Provider) {
			keyed = append(keyed, m)
		}
	}

	candidates := make([]*models.Model, 0, len(keyed))
	for _, m := range keyed {
		if disabled[m.ID] || !s.hasQuota(m) {
			continue
		}
		candidates = append(candidates, m)
	}

	switch {
	case len(candidates) > 0:
	case len(keyed) > 0:
		s.logger.Warn(ctx, "all models in class filtered out, ignoring disabled and quota filters",
			"class", class.Name, "roster", len(roster))
		candidates = keyed
	default:
		s.logger.Warn(ctx, "no provider credential for any model in class, selecting anyway",
			"class", class.Name, "roster", len(roster))
		candidates = roster
	}

	if class.Random {
		return s.pickWeighted(candidates, scores), nil
	}
	return candidates[0], nil
}

// keyConfigured reports whether the provider's credential is present.
// Providers that declare no credential env are always available.
func (s *Selector) keyConfigured(p models.Provider) bool {
	env := p.CredentialEnv()
	if env == "" {
		return true
	}
	return s.lookupEnv(env) != ""
}

func (s *Selector) hasQuota(m *models.Model) bool {
	if s.quota == nil {
		return true
	}
	return s.quota.HasQuota(ratelimit.CompositeKey(string(m.Provider), m.ID))
}

// pickWeighted draws one model with probability proportional to its score.
// Zero-scored models are skipped; if that empties the pool the candidates
// are treated as unscored and the first is returned.
func (s *Selector) pickWeighted(candidates []*models.Model, scores map[string]int) *models.Model {
	if len(candidates) == 1 {
		return candidates[0]
	}

	type entry struct {
		model  *models.Model
		weight int
	}
	pool := make([]entry, 0, len(candidates))
	total := 0
	for _, m := range candidates {
		w := DefaultWeight
		if sc, ok := scores[m.ID]; ok {
			w = sc
		}
		if w <= 0 {
			continue
		}
		pool = append(pool, entry{m, w})
		total += w
	}
	if len(pool) == 0 {
		return candidates[0]
	}

	s.mu.Lock()
	r := s.intn(total)
	s.mu.Unlock()
	for _, e := range pool {
		r -= e.weight
		if r < 0 {
			return e.model
		}
	}
	return pool[len(pool)-1].model
}
