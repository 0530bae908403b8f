// Package ratelimit tracks provider quota state: request throttling plus
// cooldowns raised by rate-limit and quota errors. The model selector
// consults it to skip providers that are currently out of budget.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures the quota guard.
type Config struct {
	// RequestsPerSecond is the number of requests allowed per second per key.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether throttling is active. Cooldowns are always
	// honored regardless.
	Enabled bool `yaml:"enabled"`
	// DefaultCooldown applies when a provider signals a rate limit without
	// a retry-after hint.
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
	// QuotaCooldown applies when a provider reports its quota exhausted.
	QuotaCooldown time.Duration `yaml:"quota_cooldown"`
}

// DefaultConfig returns the default quota guard configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		Enabled:           true,
		DefaultCooldown:   30 * time.Second,
		QuotaCooldown:     15 * time.Minute,
	}
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a new token bucket.
func NewBucket(config Config) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}

	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request should be allowed and consumes a token if so.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// WaitTime returns how long to wait before a request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		return 0
	}

	needed := 1 - b.tokens
	seconds := needed / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// Guard manages throttling and cooldowns for multiple keys. Keys are
// typically provider names or provider:model composites.
type Guard struct {
	mu        sync.RWMutex
	buckets   map[string]*Bucket
	cooldowns map[string]time.Time
	config    Config
	maxKeys   int
	now       func() time.Time
}

// NewGuard creates a new quota guard.
func NewGuard(config Config) *Guard {
	if config.DefaultCooldown <= 0 {
		config.DefaultCooldown = 30 * time.Second
	}
	if config.QuotaCooldown <= 0 {
		config.QuotaCooldown = 15 * time.Minute
	}
	return &Guard{
		buckets:   make(map[string]*Bucket),
		cooldowns: make(map[string]time.Time),
		config:    config,
		maxKeys:   10000,
		now:       time.Now,
	}
}

// Allow checks if a request for the given key should be allowed. A key in
// cooldown is never allowed; otherwise the token bucket decides.
func (g *Guard) Allow(key string) bool {
	if !g.HasQuota(key) {
		return false
	}
	if !g.config.Enabled {
		return true
	}
	return g.getBucket(key).Allow()
}

// HasQuota reports whether the key is free of cooldowns. It does not
// consume a token.
func (g *Guard) HasQuota(key string) bool {
	g.mu.RLock()
	until, exists := g.cooldowns[key]
	g.mu.RUnlock()

	if !exists {
		return true
	}
	if g.now().Before(until) {
		return false
	}

	g.mu.Lock()
	// Re-check: another goroutine may have extended it.
	if until, exists = g.cooldowns[key]; exists && !g.now().Before(until) {
		delete(g.cooldowns, key)
	}
	g.mu.Unlock()
	return true
}

// MarkRateLimited puts the key in cooldown. A non-positive retryAfter uses
// the configured default.
func (g *Guard) MarkRateLimited(key string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = g.config.DefaultCooldown
	}
	g.extendCooldown(key, retryAfter)
}

// MarkQuotaExhausted puts the key in the long quota cooldown.
func (g *Guard) MarkQuotaExhausted(key string) {
	g.extendCooldown(key, g.config.QuotaCooldown)
}

func (g *Guard) extendCooldown(key string, d time.Duration) {
	until := g.now().Add(d)
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.cooldowns[key]; !ok || until.After(existing) {
		g.cooldowns[key] = until
	}
}

// CooldownRemaining returns how long until the key leaves cooldown,
// zero if it is not cooling down.
func (g *Guard) CooldownRemaining(key string) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	until, exists := g.cooldowns[key]
	if !exists {
		return 0
	}
	remaining := until.Sub(g.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WaitTime returns how long to wait before a request would be allowed,
// accounting for both cooldown and throttle.
func (g *Guard) WaitTime(key string) time.Duration {
	cooldown := g.CooldownRemaining(key)
	if !g.config.Enabled {
		return cooldown
	}
	throttle := g.getBucket(key).WaitTime()
	if cooldown > throttle {
		return cooldown
	}
	return throttle
}

// Reset clears the cooldown and throttle state for a key.
func (g *Guard) Reset(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.buckets, key)
	delete(g.cooldowns, key)
}

// getBucket returns or creates a bucket for the given key.
func (g *Guard) getBucket(key string) *Bucket {
	g.mu.RLock()
	bucket, exists := g.buckets[key]
	g.mu.RUnlock()

	if exists {
		return bucket
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists = g.buckets[key]; exists {
		return bucket
	}

	// Prune if too many keys
	if len(g.buckets) >= g.maxKeys {
		g.prune()
	}

	bucket = NewBucket(g.config)
	g.buckets[key] = bucket
	return bucket
}

// prune removes buckets with full tokens (inactive keys).
func (g *Guard) prune() {
	for key, bucket := range g.buckets {
		if bucket.Tokens() >= bucket.maxTokens*0.9 {
			delete(g.buckets, key)
		}
	}
}

// Status describes the quota state of one key.
type Status struct {
	Key             string        `json:"key"`
	AllowedNow      bool          `json:"allowed_now"`
	TokensRemaining float64       `json:"tokens_remaining"`
	CooldownFor     time.Duration `json:"cooldown_for"`
}

// GetStatus returns the quota status for a key.
func (g *Guard) GetStatus(key string) Status {
	cooldown := g.CooldownRemaining(key)
	if !g.config.Enabled {
		return Status{
			Key:             key,
			AllowedNow:      cooldown == 0,
			TokensRemaining: g.config.RequestsPerSecond,
			CooldownFor:     cooldown,
		}
	}

	tokens := g.getBucket(key).Tokens()
	return Status{
		Key:             key,
		AllowedNow:      cooldown == 0 && tokens >= 1,
		TokensRemaining: tokens,
		CooldownFor:     cooldown,
	}
}

// CompositeKey creates a quota key from multiple parts.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
