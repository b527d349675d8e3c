// Package engine owns the analysis lifecycle: the gate that serializes
// runs, the full/incremental/streaming/reprocess pipelines, and the
// runtime-mutable settings record. Everything that used to be a process
// global lives here and is handed to subsystems as explicit dependencies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/data/cache"
	"github.com/valros/skinarb/internal/data/store"
	"github.com/valros/skinarb/internal/data/warm"
	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/metrics"
	"github.com/valros/skinarb/internal/net/ratelimit"
	"github.com/valros/skinarb/internal/persistence"
	"github.com/valros/skinarb/internal/provider"
	"github.com/valros/skinarb/internal/rank"
)

var (
	// ErrGateBusy means a non-forced run found the gate held.
	ErrGateBusy = errors.New("analysis already running")

	// ErrCancelled means the run observed a stop request and unwound.
	ErrCancelled = errors.New("analysis cancelled")

	// ErrPartialSnapshot means one platform crawl failed, so neither
	// snapshot nor the opportunity list was replaced.
	ErrPartialSnapshot = errors.New("partial snapshot")

	// ErrEmptyCache means an incremental run had no cached names to check.
	ErrEmptyCache = errors.New("hash-name cache is empty")
)

// Options wires an Engine. Store, ClientA and ClientB are required; History
// and Warm are optional sinks, Metrics and Spacer may be nil.
type Options struct {
	Store   *store.Store
	Hashes  *cache.HashNameCache
	ClientA provider.Client
	ClientB provider.Client
	Spacer  *ratelimit.Gate
	Metrics *metrics.Registry
	History persistence.RunsRepo
	Warm    *warm.Cache
	SiteB   string // storefront used to build B-side listing links
	Clock   func() time.Time
}

// Engine coordinates all analysis work for the monitor.
type Engine struct {
	gate    *Gate
	store   *store.Store
	hashes  *cache.HashNameCache
	clientA provider.Client
	clientB provider.Client
	spacer  *ratelimit.Gate
	metrics *metrics.Registry
	history persistence.RunsRepo
	warm    *warm.Cache
	siteB   string
	now     func() time.Time

	settings settingsHolder
}

// New builds an engine: loads persisted settings, applies request spacing,
// and primes the last-results cache from the warm tier or disk so the API
// can serve data before the first run completes.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.ClientA == nil || opts.ClientB == nil {
		return nil, errors.New("engine: both platform clients are required")
	}
	if opts.Hashes == nil {
		opts.Hashes = cache.NewHashNameCache(opts.Store.HashNamePath())
		if err := opts.Hashes.Load(); err != nil {
			return nil, fmt.Errorf("engine: load hash-name cache: %w", err)
		}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	settings, err := opts.Store.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("engine: load settings: %w", err)
	}

	e := &Engine{
		gate:    NewGate(),
		store:   opts.Store,
		hashes:  opts.Hashes,
		clientA: opts.ClientA,
		clientB: opts.ClientB,
		spacer:  opts.Spacer,
		metrics: opts.Metrics,
		history: opts.History,
		warm:    opts.Warm,
		siteB:   opts.SiteB,
		now:     opts.Clock,
	}
	e.settings.set(settings)
	e.applySpacing(settings)
	e.primeResults()

	return e, nil
}

// settingsHolder guards the runtime-mutable settings record. Reads return a
// consistent copy; writes swap the whole record.
type settingsHolder struct {
	mu sync.RWMutex
	s  domain.Settings
}

func (h *settingsHolder) get() domain.Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

func (h *settingsHolder) set(s domain.Settings) {
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
}

// Settings returns the active settings snapshot.
func (e *Engine) Settings() domain.Settings {
	return e.settings.get()
}

// Gate exposes the analysis gate for status surfaces.
func (e *Engine) Gate() *Gate {
	return e.gate
}

// ForceStopAll cancels whatever is running without starting new work.
func (e *Engine) ForceStopAll() Kind {
	return e.gate.ForceStopAll()
}

// Opportunities returns the current list: the in-memory last-results cache
// when non-empty, then the warm tier, then disk. Never returns nil.
func (e *Engine) Opportunities(ctx context.Context) *domain.OpportunityList {
	if cached := e.gate.CachedResults(); cached != nil {
		return cached
	}

	if e.warm != nil {
		list, found, err := e.warm.Opportunities(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Warm cache read failed, falling back to disk")
		} else if found {
			e.gate.PrimeResults(list)
			return list
		}
	}

	list, err := e.store.Opportunities()
	if err != nil {
		log.Warn().Err(err).Msg("Opportunity list unreadable, serving empty")
		return &domain.OpportunityList{Items: []domain.Opportunity{}}
	}
	e.gate.PrimeResults(list)
	return list
}

// Status is the engine slice of GET /status.
type Status struct {
	Gate              GateStatus      `json:"analysis"`
	OpportunityCount  int             `json:"opportunity_count"`
	HashCacheSize     int             `json:"hash_cache_size"`
	HashCacheFullSync time.Time       `json:"hash_cache_full_sync,omitempty"`
	Settings          domain.Settings `json:"settings"`
}

// Status reports the gate, cache, and settings state.
func (e *Engine) Status() Status {
	st := Status{
		Gate:              e.gate.Status(),
		HashCacheSize:     e.hashes.Len(),
		HashCacheFullSync: e.hashes.LastFullUpdate(),
		Settings:          e.settings.get(),
	}
	if cached := e.gate.CachedResults(); cached != nil {
		st.OpportunityCount = len(cached.Items)
	}
	return st
}

// HashCache exposes the hash-name cache for the scheduler's staleness test.
func (e *Engine) HashCache() *cache.HashNameCache {
	return e.hashes
}

// SettingsUpdate reports what a settings mutation did.
type SettingsUpdate struct {
	Saved                domain.Settings `json:"saved"`
	ReprocessTriggered   bool            `json:"reprocess_triggered"`
	HashCacheInvalidated bool            `json:"hash_cache_invalidated"`
}

// UpdateSettings validates and persists a new settings record, then applies
// its side effects: request spacing takes effect immediately, a
// qualifier-affecting edit clears the hash-name cache, and a
// filter-affecting edit kicks off an asynchronous reprocess. Running
// pipelines keep the settings they started with.
func (e *Engine) UpdateSettings(ctx context.Context, next domain.Settings) (SettingsUpdate, error) {
	if err := next.Validate(); err != nil {
		return SettingsUpdate{}, err
	}

	prev := e.settings.get()
	if err := e.store.SaveSettings(next); err != nil {
		return SettingsUpdate{}, fmt.Errorf("persist settings: %w", err)
	}
	e.settings.set(next)
	e.applySpacing(next)

	update := SettingsUpdate{Saved: next}

	if next.QualifierChanged(prev) {
		if err := e.hashes.Clear(); err != nil {
			log.Warn().Err(err).Msg("Hash-name cache invalidation failed")
		} else {
			update.HashCacheInvalidated = true
			log.Info().Msg("Hash-name cache invalidated by settings change")
		}
	}

	if next.FilterChanged(prev) {
		update.ReprocessTriggered = true
		go func() {
			if _, err := e.Reprocess(context.Background()); err != nil && !errors.Is(err, ErrGateBusy) {
				log.Warn().Err(err).Msg("Settings-triggered reprocess failed")
			}
		}()
	}

	log.Info().
		Bool("reprocess", update.ReprocessTriggered).
		Bool("cache_invalidated", update.HashCacheInvalidated).
		Msg("Settings updated")
	return update, nil
}

// applySpacing pushes the per-platform request delays into the shared
// spacing gate.
func (e *Engine) applySpacing(s domain.Settings) {
	if e.spacer == nil {
		return
	}
	e.spacer.SetInterval(domain.PlatformA, s.PlatformA.RequestDelay())
	e.spacer.SetInterval(domain.PlatformB, s.PlatformB.RequestDelay())
}

// primeResults seeds the last-results cache at startup: warm tier first,
// then disk. Both are best-effort.
func (e *Engine) primeResults() {
	if e.warm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		list, found, err := e.warm.Opportunities(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Warm cache unavailable at startup")
		} else if found {
			e.gate.PrimeResults(list)
			e.metrics.SetOpportunities(len(list.Items))
			log.Info().Int("count", len(list.Items)).Msg("Primed results from warm cache")
			return
		}
	}

	list, err := e.store.Opportunities()
	if err != nil {
		log.Warn().Err(err).Msg("No prior opportunity list available at startup")
		return
	}
	e.gate.PrimeResults(list)
	e.metrics.SetOpportunities(len(list.Items))
}

// publish replaces the opportunity list everywhere it lives: disk, the
// last-results cache, the gauge, and the optional warm mirror. Called only
// at the commit point of a successful run.
func (e *Engine) publish(ctx context.Context, runID string, list *domain.OpportunityList) error {
	if err := e.store.SaveOpportunities(list); err != nil {
		return fmt.Errorf("persist opportunities: %w", err)
	}
	e.gate.Finish(runID, list)
	e.metrics.SetOpportunities(len(list.Items))

	if e.warm != nil {
		if err := e.warm.StoreOpportunities(ctx, list); err != nil {
			log.Warn().Err(err).Msg("Warm cache mirror failed")
		}
		if err := e.warm.StoreStatus(ctx, e.Status()); err != nil {
			log.Warn().Err(err).Msg("Warm status mirror failed")
		}
	}
	return nil
}

// archive records a completed run in the optional history sink. It runs on
// its own context so runs cancelled mid-shutdown still get archived, and
// failures never fail the run.
func (e *Engine) archive(runID string, kind Kind, started time.Time, result string, list *domain.OpportunityList, processed int) {
	if e.history == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	finished := e.now()
	run := &persistence.AnalysisRun{
		RunID:          runID,
		Kind:           string(kind),
		StartedAt:      started,
		FinishedAt:     finished,
		DurationMS:     finished.Sub(started).Milliseconds(),
		Result:         result,
		TotalProcessed: processed,
		Filter:         e.settings.get().Filter(),
	}
	if list != nil {
		run.TotalFound = len(list.Items)
		run.Opportunities = list.Items
	}

	if err := e.history.Insert(ctx, run); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("Failed to archive analysis run")
	}
}

// newOpportunityList stamps a list with the filter that produced it.
func (e *Engine) newOpportunityList(items []domain.Opportunity) *domain.OpportunityList {
	if items == nil {
		items = []domain.Opportunity{}
	}
	return &domain.OpportunityList{
		Metadata: domain.OpportunityMetadata{
			TotalCount:  len(items),
			GeneratedAt: e.now(),
			Filter:      e.settings.get().Filter(),
		},
		Items: items,
	}
}

// listingURLB builds the B-side listing link for a display name.
func (e *Engine) listingURLB(displayName string) string {
	return provider.SearchURL(e.siteB, displayName)
}

// crawlOptions derives per-platform crawl bounds from the active settings,
// with stop observation tied to the given run id.
func (e *Engine) crawlOptions(ps domain.PlatformSettings, runID string) provider.CrawlOptions {
	return provider.CrawlOptions{
		PageSize:   ps.PageSize,
		MaxPages:   ps.MaxPages,
		ShouldStop: func() bool { return e.gate.ShouldStop(runID) },
	}
}

// evaluate runs the filter chain for one matched pair.
func (e *Engine) evaluate(item domain.Item, priceB float64, kind domain.MatchKind, s domain.Settings) (domain.Opportunity, bool) {
	c := rank.Candidate{
		ItemA:  item,
		PriceB: priceB,
		URLB:   e.listingURLB(item.Name),
		Kind:   kind,
	}
	return rank.Evaluate(c, s, e.now())
}
