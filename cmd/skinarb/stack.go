package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/config"
	"github.com/valros/skinarb/internal/credentials"
	"github.com/valros/skinarb/internal/data/store"
	"github.com/valros/skinarb/internal/data/warm"
	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/engine"
	"github.com/valros/skinarb/internal/infrastructure/db"
	"github.com/valros/skinarb/internal/metrics"
	"github.com/valros/skinarb/internal/net/ratelimit"
	"github.com/valros/skinarb/internal/persistence"
	"github.com/valros/skinarb/internal/provider"
)

// stack holds every long-lived handle the subcommands need, wired once from
// the effective config.
type stack struct {
	cfg     config.Config
	store   *store.Store
	creds   *credentials.Store
	metrics *metrics.Registry
	clientA provider.Client
	clientB provider.Client
	warm    *warm.Cache
	db      *db.Manager
	engine  *engine.Engine
}

// buildStack wires the monitor from config. Any error here is unrecoverable
// and the caller exits non-zero, so failed paths do not unwind partial state.
func buildStack(cfg config.Config) (*stack, error) {
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()

	creds, err := credentials.New(st.CredentialsPath(), cfg.Credentials.ValidationTTL(), reg)
	if err != nil {
		return nil, err
	}

	spacer := ratelimit.NewGate(nil)

	clientA := provider.NewMarketA(provider.Config{
		BaseURL:        cfg.MarketA.BaseURL,
		RequestTimeout: cfg.MarketA.RequestTimeout(),
		MaxRetries:     cfg.MarketA.MaxRetries,
	}, creds, spacer, reg)

	clientB := provider.NewMarketB(provider.Config{
		BaseURL:        cfg.MarketB.BaseURL,
		RequestTimeout: cfg.MarketB.RequestTimeout(),
		MaxRetries:     cfg.MarketB.MaxRetries,
	}, cfg.MarketB.Storefront(), creds, spacer, reg)

	// Validation probes are one-item page fetches: cheap, authenticated, and
	// they exercise the same decode path real crawls use.
	creds.SetProbe(domain.PlatformA, func(ctx context.Context) error {
		_, err := clientA.FetchPage(ctx, 1, 1)
		return err
	})
	creds.SetProbe(domain.PlatformB, func(ctx context.Context) error {
		_, err := clientB.FetchPage(ctx, 1, 1)
		return err
	})

	var warmCache *warm.Cache
	if cfg.Redis.Enabled {
		settings, err := st.LoadSettings()
		if err != nil {
			return nil, err
		}
		// Mirrored data must not outlive two full-analysis intervals.
		ttl := 2 * time.Duration(settings.FullIntervalSec) * time.Second
		warmCache, err = warm.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix, ttl, reg)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis warm cache unavailable, continuing with disk only")
			warmCache = nil
		}
	}

	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	var history persistence.RunsRepo
	if manager.IsEnabled() {
		history = manager.Repository().Runs
		log.Info().Msg("Postgres history sink enabled")
	}

	eng, err := engine.New(engine.Options{
		Store:   st,
		ClientA: clientA,
		ClientB: clientB,
		Spacer:  spacer,
		Metrics: reg,
		History: history,
		Warm:    warmCache,
		SiteB:   cfg.MarketB.Storefront(),
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		cfg:     cfg,
		store:   st,
		creds:   creds,
		metrics: reg,
		clientA: clientA,
		clientB: clientB,
		warm:    warmCache,
		db:      manager,
		engine:  eng,
	}, nil
}

// Close releases the stack's external connections.
func (s *stack) Close() {
	s.creds.Close()
	if s.warm != nil {
		if err := s.warm.Close(); err != nil {
			log.Warn().Err(err).Msg("Redis close failed")
		}
	}
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}
}
