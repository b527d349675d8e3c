package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/valros/skinarb/internal/domain"
)

// Gate enforces the global per-platform request spacing. Every marketplace
// request in the process, regardless of which pipeline issued it, takes a
// slot from the same per-platform limiter, so concurrent analyses can never
// multiply the request rate a platform sees.
type Gate struct {
	mu       sync.RWMutex
	limiters map[domain.Platform]*rate.Limiter
	interval map[domain.Platform]time.Duration
}

// NewGate creates a spacing gate with the given per-platform minimum
// intervals between requests.
func NewGate(intervals map[domain.Platform]time.Duration) *Gate {
	g := &Gate{
		limiters: make(map[domain.Platform]*rate.Limiter),
		interval: make(map[domain.Platform]time.Duration),
	}
	for platform, d := range intervals {
		g.interval[platform] = d
		g.limiters[platform] = newLimiter(d)
	}
	return g
}

// newLimiter builds a one-slot bucket that refills every interval. A zero
// interval disables spacing for that platform.
func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// getLimiter returns or creates the limiter for the given platform.
func (g *Gate) getLimiter(platform domain.Platform) *rate.Limiter {
	g.mu.RLock()
	limiter, exists := g.limiters[platform]
	g.mu.RUnlock()

	if exists {
		return limiter
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := g.limiters[platform]; exists {
		return limiter
	}

	limiter = newLimiter(g.interval[platform])
	g.limiters[platform] = limiter
	return limiter
}

// Wait blocks until the platform's next request slot is available or the
// context is cancelled.
func (g *Gate) Wait(ctx context.Context, platform domain.Platform) error {
	return g.getLimiter(platform).Wait(ctx)
}

// Allow reports whether a request slot is immediately available without
// consuming wait time.
func (g *Gate) Allow(platform domain.Platform) bool {
	return g.getLimiter(platform).Allow()
}

// SetInterval updates one platform's spacing, taking effect for the next
// request.
func (g *Gate) SetInterval(platform domain.Platform, interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.interval[platform] = interval
	if limiter, exists := g.limiters[platform]; exists {
		if interval <= 0 {
			limiter.SetLimit(rate.Inf)
		} else {
			limiter.SetLimit(rate.Every(interval))
		}
		return
	}
	g.limiters[platform] = newLimiter(interval)
}

// Stats returns the current state of every platform limiter.
func (g *Gate) Stats() map[domain.Platform]Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := make(map[domain.Platform]Stats, len(g.limiters))
	now := time.Now()

	for platform, limiter := range g.limiters {
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel() // Cancel the reservation since we're just checking

		stats[platform] = Stats{
			Platform:        platform,
			Interval:        g.interval[platform],
			TokensAvailable: limiter.Tokens(),
			NextAllowedAt:   now.Add(delay),
			Delay:           delay,
		}
	}

	return stats
}

// Stats represents the state of a single platform limiter.
type Stats struct {
	Platform        domain.Platform `json:"platform"`
	Interval        time.Duration   `json:"interval"`
	TokensAvailable float64         `json:"tokens_available"`
	NextAllowedAt   time.Time       `json:"next_allowed_at"`
	Delay           time.Duration   `json:"delay"`
}

// IsThrottled returns true if the limiter is currently spacing requests out.
func (s *Stats) IsThrottled() bool {
	return s.Delay > 0
}
