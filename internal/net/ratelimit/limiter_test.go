package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/valros/skinarb/internal/domain"
)

func TestGate_SpacesRequestsPerPlatform(t *testing.T) {
	gate := NewGate(map[domain.Platform]time.Duration{
		domain.PlatformA: 50 * time.Millisecond,
		domain.PlatformB: 50 * time.Millisecond,
	})

	ctx := context.Background()

	// First slot on each platform is free
	if err := gate.Wait(ctx, domain.PlatformA); err != nil {
		t.Fatalf("first wait on A should not error: %v", err)
	}
	if err := gate.Wait(ctx, domain.PlatformB); err != nil {
		t.Fatalf("first wait on B should not error: %v", err)
	}

	// Second request on the same platform must wait out the interval
	start := time.Now()
	if err := gate.Wait(ctx, domain.PlatformA); err != nil {
		t.Fatalf("second wait on A should not error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second request should have waited ~50ms, waited %v", elapsed)
	}
}

func TestGate_PlatformsAreIndependent(t *testing.T) {
	gate := NewGate(map[domain.Platform]time.Duration{
		domain.PlatformA: time.Hour,
		domain.PlatformB: 0,
	})

	if !gate.Allow(domain.PlatformA) {
		t.Error("first request on A should be allowed")
	}
	if gate.Allow(domain.PlatformA) {
		t.Error("second request on A should be blocked")
	}
	if !gate.Allow(domain.PlatformB) {
		t.Error("platform B should be unaffected by A's bucket")
	}
	if !gate.Allow(domain.PlatformB) {
		t.Error("zero interval should disable spacing on B")
	}
}

func TestGate_WaitHonorsContext(t *testing.T) {
	gate := NewGate(map[domain.Platform]time.Duration{
		domain.PlatformA: time.Hour,
	})

	if err := gate.Wait(context.Background(), domain.PlatformA); err != nil {
		t.Fatalf("first wait should not error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := gate.Wait(ctx, domain.PlatformA); err == nil {
		t.Error("wait should fail once the context deadline passes")
	}
}

func TestGate_SetInterval(t *testing.T) {
	gate := NewGate(map[domain.Platform]time.Duration{
		domain.PlatformA: time.Hour,
	})

	if err := gate.Wait(context.Background(), domain.PlatformA); err != nil {
		t.Fatalf("first wait should not error: %v", err)
	}

	gate.SetInterval(domain.PlatformA, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := gate.Wait(ctx, domain.PlatformA); err != nil {
		t.Errorf("lifting the interval should free the next slot: %v", err)
	}

	stats := gate.Stats()
	if stats[domain.PlatformA].Interval != 0 {
		t.Errorf("stats should reflect the updated interval, got %v", stats[domain.PlatformA].Interval)
	}
}

func TestGate_UnknownPlatformDefaultsOpen(t *testing.T) {
	gate := NewGate(nil)
	if !gate.Allow(domain.PlatformB) {
		t.Error("unconfigured platform should not be throttled")
	}
}
