package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/match"
	"github.com/valros/skinarb/internal/rank"
)

// RunFull executes one full two-platform refresh: crawl both catalogs,
// persist the snapshot pair, match, rank, publish, and rebuild the
// hash-name cache. force displaces a running analysis; the scheduler's
// periodic tick runs with force=true so the hourly refresh takes
// precedence.
func (e *Engine) RunFull(ctx context.Context, force bool) (*domain.OpportunityList, error) {
	return e.runCatalog(ctx, KindFull, force)
}

// RunManual is the API-triggered synchronous run. Same pipeline as RunFull
// but it never displaces: a busy gate returns ErrGateBusy.
func (e *Engine) RunManual(ctx context.Context) (*domain.OpportunityList, error) {
	return e.runCatalog(ctx, KindManual, false)
}

func (e *Engine) runCatalog(ctx context.Context, kind Kind, force bool) (*domain.OpportunityList, error) {
	runID := newRunID(kind)
	if !e.gate.TryStart(kind, runID, force) {
		return nil, ErrGateBusy
	}

	started := e.now()
	timer := e.metrics.StartAnalysisTimer(string(kind))
	log.Info().
		Str("run_id", runID).
		Str("kind", string(kind)).
		Bool("force", force).
		Msg("Catalog analysis started")

	list, processed, err := e.fullPass(ctx, runID)
	if err == nil && e.gate.ShouldStop(runID) {
		err = ErrCancelled
	}
	if err != nil {
		e.gate.Finish(runID, nil)
		result := resultLabel(err)
		timer.Stop(result)
		e.archive(runID, kind, started, result, nil, processed)
		if errors.Is(err, ErrCancelled) {
			log.Info().Str("run_id", runID).Msg("Catalog analysis cancelled")
		} else {
			log.Error().Str("run_id", runID).Err(err).Msg("Catalog analysis failed")
		}
		return nil, err
	}

	if err := e.publish(ctx, runID, list); err != nil {
		e.gate.Finish(runID, nil)
		timer.Stop("error")
		e.archive(runID, kind, started, "error", nil, processed)
		return nil, err
	}
	timer.Stop("ok")
	e.archive(runID, kind, started, "ok", list, processed)

	if err := e.hashes.Rebuild(list.Items, e.settings.get().IncrementalCacheSize); err != nil {
		log.Warn().Err(err).Msg("Hash-name cache rebuild failed")
	}

	log.Info().
		Str("run_id", runID).
		Int("opportunities", len(list.Items)).
		Int("processed", processed).
		Dur("took", e.now().Sub(started)).
		Msg("Catalog analysis completed")
	return list, nil
}

// fullPass crawls both platforms concurrently, persists the snapshots, and
// produces the ranked list. processed counts the A-side items that passed
// pre-filtering and were probed against the B index.
func (e *Engine) fullPass(ctx context.Context, runID string) (*domain.OpportunityList, int, error) {
	s := e.settings.get()

	var (
		wg    sync.WaitGroup
		snapA *domain.Snapshot
		snapB *domain.Snapshot
		errA  error
		errB  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		snapA, errA = e.clientA.FetchAll(ctx, e.crawlOptions(s.PlatformA, runID))
	}()
	go func() {
		defer wg.Done()
		snapB, errB = e.clientB.FetchAll(ctx, e.crawlOptions(s.PlatformB, runID))
	}()
	wg.Wait()

	if isCancelled(errA) || isCancelled(errB) || e.gate.ShouldStop(runID) {
		return nil, 0, ErrCancelled
	}
	if errA != nil {
		return nil, 0, fmt.Errorf("%w: platform %s: %v", ErrPartialSnapshot, domain.PlatformA, errA)
	}
	if errB != nil {
		return nil, 0, fmt.Errorf("%w: platform %s: %v", ErrPartialSnapshot, domain.PlatformB, errB)
	}

	// Snapshots land on disk only as a generation-consistent pair, so a
	// later reprocess never compares catalogs captured hours apart.
	if err := e.store.SaveSnapshot(snapA); err != nil {
		return nil, 0, err
	}
	if err := e.store.SaveSnapshot(snapB); err != nil {
		return nil, 0, err
	}

	list, processed := e.matchAndRank(snapA, snapB, s)
	return list, processed, nil
}

// matchAndRank probes every qualifying A item against the B price index and
// builds the ranked list. Shared by full runs and reprocess.
func (e *Engine) matchAndRank(snapA, snapB *domain.Snapshot, s domain.Settings) (*domain.OpportunityList, int) {
	index := match.NewIndex(snapB, e.metrics)

	candidates := make([]rank.Candidate, 0, 64)
	processed := 0
	for _, item := range snapA.Items {
		if !rank.Qualifies(item, s) {
			continue
		}
		processed++
		priceB, kind, ok := index.Probe(item.CanonicalName)
		if !ok {
			continue
		}
		candidates = append(candidates, rank.Candidate{
			ItemA:  item,
			PriceB: priceB,
			URLB:   e.listingURLB(item.Name),
			Kind:   kind,
		})
	}

	items := rank.BuildList(candidates, s, e.now())

	stats := index.Stats()
	log.Info().
		Int("indexed", index.Len()).
		Int64("exact", stats.Exact).
		Int64("normalized", stats.Normalized).
		Int64("unmatched", stats.None).
		Int("probed", processed).
		Int("opportunities", len(items)).
		Msg("Match and rank completed")

	return e.newOpportunityList(items), processed
}

// isCancelled folds the two shapes cancellation arrives in: a context
// cancellation surfaced by the client, or a stop observed between pages.
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}

// resultLabel maps a run error to the metrics result label.
func resultLabel(err error) string {
	if errors.Is(err, ErrCancelled) {
		return "cancelled"
	}
	return "error"
}
