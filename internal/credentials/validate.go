package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/metrics"
	"github.com/valros/skinarb/internal/provider"
)

// ProbeFunc performs one cheap authenticated request against a platform and
// returns the raw client error. The engine registers one per marketplace
// client; the store never constructs clients itself.
type ProbeFunc func(ctx context.Context) error

// Validation is the outcome of one credential check.
type Validation struct {
	Platform  domain.Platform `json:"platform"`
	Valid     bool            `json:"valid"`
	Transient bool            `json:"transient,omitempty"` // check failed for non-auth reasons, verdict unknown
	Cached    bool            `json:"cached"`
	Message   string          `json:"message,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}

// SetProbe registers the request used to validate one platform's
// credentials.
func (s *Store) SetProbe(platform domain.Platform, probe ProbeFunc) {
	s.mu.Lock()
	s.probes[platform] = probe
	s.mu.Unlock()
}

func (s *Store) probe(platform domain.Platform) ProbeFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.probes[platform]
}

func validationKey(platform domain.Platform) string {
	return "validate:" + string(platform)
}

// Validate checks that a platform's credentials still authenticate, using a
// cached verdict unless force is set. Definitive verdicts (success or auth
// failure) are cached for the configured TTL and published to the
// credentials gauge; transient failures are neither, so a flaky network
// never marks working credentials invalid.
func (s *Store) Validate(ctx context.Context, platform domain.Platform, force bool) (Validation, error) {
	key := validationKey(platform)

	if !force {
		if cached, ok := s.validations.Get(key); ok {
			s.metrics.RecordCacheHit(metrics.CacheValidation)
			v := cached.(Validation)
			v.Cached = true
			return v, nil
		}
		s.metrics.RecordCacheMiss(metrics.CacheValidation)
	}

	probe := s.probe(platform)
	if probe == nil {
		return Validation{}, fmt.Errorf("no validation probe registered for platform %s", platform)
	}

	v := Validation{Platform: platform, CheckedAt: time.Now().UTC()}
	switch err := probe(ctx); {
	case err == nil:
		v.Valid = true
	case provider.IsAuthFailure(err):
		v.Message = err.Error()
	default:
		v.Transient = true
		v.Message = err.Error()
	}

	if !v.Transient {
		s.validations.Set(key, v, s.ttl)
		s.metrics.SetCredentialsValid(platform, v.Valid)
	}
	return v, nil
}

// Watchdog revalidates both platforms on a fixed cadence until ctx is
// cancelled. It observes and reports only: a failed verdict flips the gauge
// and logs a warning, nothing more. A non-positive interval disables it.
func (s *Store) Watchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Info().Msg("Credentials watchdog disabled")
		return
	}

	log.Info().Dur("interval", interval).Msg("Credentials watchdog started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Credentials watchdog stopped")
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Store) checkAll(ctx context.Context) {
	for _, platform := range []domain.Platform{domain.PlatformA, domain.PlatformB} {
		v, err := s.Validate(ctx, platform, true)
		if err != nil {
			log.Debug().Str("platform", string(platform)).Err(err).Msg("Credential check skipped")
			continue
		}
		switch {
		case v.Valid:
			log.Debug().Str("platform", string(platform)).Msg("Credentials valid")
		case v.Transient:
			log.Debug().
				Str("platform", string(platform)).
				Str("error", v.Message).
				Msg("Credential check inconclusive")
		default:
			log.Warn().
				Str("platform", string(platform)).
				Str("error", v.Message).
				Msg("Marketplace credentials look expired")
		}
	}
}
