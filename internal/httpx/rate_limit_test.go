package httpx

import (
	"testing"
	"time"
)

func TestMemoryRateLimiterEnforcesLimit(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if d := rl.Allow("stats", "192.0.2.1", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d refused under the limit", i)
		}
	}
	if d := rl.Allow("stats", "192.0.2.1", 3, time.Minute); d.allowed {
		t.Fatalf("fourth request allowed over the limit")
	}
}

func TestMemoryRateLimiterScopesByRoute(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		rl.Allow("stats", "192.0.2.1", 3, time.Minute)
	}
	if d := rl.Allow("stats", "192.0.2.1", 3, time.Minute); d.allowed {
		t.Fatalf("stats budget should be exhausted")
	}
	// a different route keeps its own budget for the same client
	if d := rl.Allow("mapper", "192.0.2.1", 3, time.Minute); !d.allowed {
		t.Fatalf("mapper budget drained by stats traffic")
	}
}

func TestMemoryRateLimiterScopesByClient(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		rl.Allow("stats", "192.0.2.1", 3, time.Minute)
	}
	if d := rl.Allow("stats", "192.0.2.9", 3, time.Minute); !d.allowed {
		t.Fatalf("second client throttled by the first's traffic")
	}
}

func TestMemoryRateLimiterZeroLimitDisables(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	if d := rl.Allow("stats", "192.0.2.1", 0, time.Minute); !d.allowed {
		t.Fatalf("zero limit must disable limiting")
	}
}
