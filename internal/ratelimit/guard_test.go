package ratelimit

import (
	"testing"
	"time"
)

func TestBucket_Allow(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         5,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	// Should allow burst size requests
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}

	// Next request should be denied
	if bucket.Allow() {
		t.Error("request after burst should be denied")
	}
}

func TestBucket_Refill(t *testing.T) {
	config := Config{
		RequestsPerSecond: 100, // Fast refill for test
		BurstSize:         2,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	bucket.Allow()
	bucket.Allow()

	if bucket.Allow() {
		t.Error("should be denied after exhausting tokens")
	}

	time.Sleep(50 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("should be allowed after refill")
	}
}

func TestBucket_WaitTime(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         1,
		Enabled:           true,
	}
	bucket := NewBucket(config)

	if bucket.WaitTime() != 0 {
		t.Error("should not wait when tokens available")
	}

	bucket.Allow()

	if bucket.WaitTime() <= 0 {
		t.Error("should need to wait when no tokens")
	}
}

func TestGuard_Allow(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         3,
		Enabled:           true,
	}
	guard := NewGuard(config)

	// Different keys have separate limits
	for i := 0; i < 3; i++ {
		if !guard.Allow("openai") {
			t.Errorf("openai request %d should be allowed", i)
		}
	}

	if guard.Allow("openai") {
		t.Error("openai should be throttled")
	}

	if !guard.Allow("anthropic") {
		t.Error("anthropic should be allowed")
	}
}

func TestGuard_HasQuotaDefault(t *testing.T) {
	guard := NewGuard(DefaultConfig())

	if !guard.HasQuota("openai") {
		t.Error("fresh key should have quota")
	}
}

func TestGuard_MarkRateLimited(t *testing.T) {
	guard := NewGuard(DefaultConfig())

	guard.MarkRateLimited("openai", 5*time.Second)

	if guard.HasQuota("openai") {
		t.Error("rate limited key should lack quota")
	}
	if guard.Allow("openai") {
		t.Error("rate limited key should be denied")
	}
	if !guard.HasQuota("anthropic") {
		t.Error("other keys should be unaffected")
	}

	remaining := guard.CooldownRemaining("openai")
	if remaining <= 0 || remaining > 5*time.Second {
		t.Errorf("CooldownRemaining = %v, want in (0, 5s]", remaining)
	}
}

func TestGuard_MarkRateLimitedDefaultCooldown(t *testing.T) {
	config := DefaultConfig()
	config.DefaultCooldown = 7 * time.Second
	guard := NewGuard(config)

	guard.MarkRateLimited("xai", 0)

	remaining := guard.CooldownRemaining("xai")
	if remaining <= 6*time.Second || remaining > 7*time.Second {
		t.Errorf("CooldownRemaining = %v, want about 7s", remaining)
	}
}

func TestGuard_CooldownExpires(t *testing.T) {
	guard := NewGuard(DefaultConfig())
	current := time.Now()
	guard.now = func() time.Time { return current }

	guard.MarkRateLimited("deepseek", 10*time.Second)
	if guard.HasQuota("deepseek") {
		t.Fatal("should be cooling down")
	}

	current = current.Add(11 * time.Second)
	if !guard.HasQuota("deepseek") {
		t.Error("cooldown should have expired")
	}
	if guard.CooldownRemaining("deepseek") != 0 {
		t.Error("expired cooldown should report zero remaining")
	}
}

func TestGuard_CooldownNeverShortens(t *testing.T) {
	guard := NewGuard(DefaultConfig())
	current := time.Now()
	guard.now = func() time.Time { return current }

	guard.MarkRateLimited("openai", time.Minute)
	guard.MarkRateLimited("openai", time.Second)

	remaining := guard.CooldownRemaining("openai")
	if remaining < 59*time.Second {
		t.Errorf("later shorter mark should not shorten cooldown, remaining = %v", remaining)
	}
}

func TestGuard_MarkQuotaExhausted(t *testing.T) {
	config := DefaultConfig()
	config.QuotaCooldown = time.Hour
	guard := NewGuard(config)
	current := time.Now()
	guard.now = func() time.Time { return current }

	guard.MarkQuotaExhausted("google")

	if guard.HasQuota("google") {
		t.Error("exhausted key should lack quota")
	}
	remaining := guard.CooldownRemaining("google")
	if remaining != time.Hour {
		t.Errorf("CooldownRemaining = %v, want 1h", remaining)
	}
}

func TestGuard_DisabledStillHonorsCooldowns(t *testing.T) {
	config := Config{Enabled: false}
	guard := NewGuard(config)

	for i := 0; i < 100; i++ {
		if !guard.Allow("openai") {
			t.Fatal("disabled guard should always allow")
		}
	}

	guard.MarkRateLimited("openai", time.Minute)
	if guard.Allow("openai") {
		t.Error("cooldown should block even when throttling is disabled")
	}
}

func TestGuard_Reset(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         2,
		Enabled:           true,
	}
	guard := NewGuard(config)

	guard.Allow("openai")
	guard.Allow("openai")
	guard.MarkRateLimited("openai", time.Minute)

	guard.Reset("openai")

	if !guard.HasQuota("openai") {
		t.Error("reset should clear cooldown")
	}
	if !guard.Allow("openai") {
		t.Error("reset should restore tokens")
	}
}

func TestGuard_WaitTimeUsesLongerOfCooldownAndThrottle(t *testing.T) {
	config := Config{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Enabled:           true,
	}
	guard := NewGuard(config)
	current := time.Now()
	guard.now = func() time.Time { return current }

	guard.Allow("openai") // drain the bucket
	guard.MarkRateLimited("openai", time.Minute)

	wait := guard.WaitTime("openai")
	if wait < 59*time.Second {
		t.Errorf("WaitTime = %v, want the cooldown to dominate", wait)
	}
}

func TestGuard_GetStatus(t *testing.T) {
	config := Config{
		RequestsPerSecond: 10,
		BurstSize:         5,
		Enabled:           true,
	}
	guard := NewGuard(config)

	status := guard.GetStatus("openai")
	if !status.AllowedNow {
		t.Error("should be allowed initially")
	}
	if status.TokensRemaining != 5 {
		t.Errorf("initial tokens = %f, want 5", status.TokensRemaining)
	}

	guard.MarkRateLimited("openai", time.Minute)
	status = guard.GetStatus("openai")
	if status.AllowedNow {
		t.Error("cooling key should not be allowed")
	}
	if status.CooldownFor <= 0 {
		t.Error("cooling key should report remaining cooldown")
	}
}

func TestCompositeKey(t *testing.T) {
	key := CompositeKey("openai", "gpt-5")
	if key != "openai:gpt-5" {
		t.Errorf("CompositeKey() = %q, want %q", key, "openai:gpt-5")
	}
}
