package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/rank"
)

const (
	incrementalWorkers    = 5
	incrementalBatchSize  = 10
	incrementalBatchPause = time.Second
)

// RunIncremental re-queries the cached best names on both platforms and
// folds the refreshed prices into the current list. Scheduler ticks pass
// force=false so a busy gate skips the tick; it never queues. The pipeline
// touches neither snapshots nor the hash-name cache.
func (e *Engine) RunIncremental(ctx context.Context, force bool) (*domain.OpportunityList, error) {
	runID := newRunID(KindIncremental)
	if !e.gate.TryStart(KindIncremental, runID, force) {
		return nil, ErrGateBusy
	}

	names := e.hashes.Names()
	if len(names) == 0 {
		e.gate.Finish(runID, nil)
		log.Debug().Msg("Incremental analysis skipped: hash-name cache is empty")
		return nil, ErrEmptyCache
	}

	started := e.now()
	timer := e.metrics.StartAnalysisTimer(string(KindIncremental))
	log.Info().Str("run_id", runID).Int("names", len(names)).Msg("Incremental analysis started")

	updates, processed, err := e.refreshNames(ctx, runID, names)
	if err == nil && e.gate.ShouldStop(runID) {
		err = ErrCancelled
	}
	if err != nil {
		e.gate.Finish(runID, nil)
		result := resultLabel(err)
		timer.Stop(result)
		e.archive(runID, KindIncremental, started, result, nil, processed)
		if errors.Is(err, ErrCancelled) {
			log.Info().Str("run_id", runID).Msg("Incremental analysis cancelled")
		} else {
			log.Error().Str("run_id", runID).Err(err).Msg("Incremental analysis failed")
		}
		return nil, err
	}

	list := e.mergeIncremental(updates)
	if err := e.publish(ctx, runID, list); err != nil {
		e.gate.Finish(runID, nil)
		timer.Stop("error")
		e.archive(runID, KindIncremental, started, "error", nil, processed)
		return nil, err
	}
	timer.Stop("ok")
	e.archive(runID, KindIncremental, started, "ok", list, processed)

	log.Info().
		Str("run_id", runID).
		Int("refreshed", len(updates)).
		Int("published", len(list.Items)).
		Dur("took", e.now().Sub(started)).
		Msg("Incremental analysis completed")
	return list, nil
}

// refreshNames walks the cached names in batches, searching both platforms
// for each name with bounded concurrency and pausing between batches. Stops
// are observed at batch boundaries. Results keep batch order so reruns are
// deterministic.
func (e *Engine) refreshNames(ctx context.Context, runID string, names []string) ([]domain.Opportunity, int, error) {
	s := e.settings.get()
	sem := make(chan struct{}, incrementalWorkers)

	var updates []domain.Opportunity
	processed := 0

	for start := 0; start < len(names); start += incrementalBatchSize {
		if e.gate.ShouldStop(runID) || ctx.Err() != nil {
			return nil, processed, ErrCancelled
		}

		end := start + incrementalBatchSize
		if end > len(names) {
			end = len(names)
		}
		batch := names[start:end]
		processed += len(batch)

		results := make([][]domain.Opportunity, len(batch))
		var wg sync.WaitGroup
		for i, name := range batch {
			wg.Add(1)
			go func(i int, name string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[i] = e.refreshName(ctx, name, s)
			}(i, name)
		}
		wg.Wait()

		for _, found := range results {
			updates = append(updates, found...)
		}

		if end < len(names) {
			select {
			case <-ctx.Done():
				return nil, processed, ErrCancelled
			case <-time.After(incrementalBatchPause):
			}
		}
	}

	return updates, processed, nil
}

// refreshName searches one canonical name on both platforms concurrently
// and pairs the hits by canonical name, exact tier only. Per-name failures
// skip the name; the pass carries on.
func (e *Engine) refreshName(ctx context.Context, name string, s domain.Settings) []domain.Opportunity {
	var (
		wg    sync.WaitGroup
		hitsA []domain.Item
		hitsB []domain.Item
		errA  error
		errB  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		hitsA, errA = e.clientA.Search(ctx, name)
	}()
	go func() {
		defer wg.Done()
		hitsB, errB = e.clientB.Search(ctx, name)
	}()
	wg.Wait()

	if errA != nil || errB != nil {
		log.Debug().
			Str("name", name).
			AnErr("platform_a", errA).
			AnErr("platform_b", errB).
			Msg("Search failed during incremental refresh")
		return nil
	}
	if len(hitsA) == 0 || len(hitsB) == 0 {
		return nil
	}

	// Lowest price wins on duplicate canonical names, same as the full
	// matcher's index policy.
	bestB := make(map[string]domain.Item, len(hitsB))
	for _, hit := range hitsB {
		if hit.CanonicalName == "" || hit.Price <= 0 {
			continue
		}
		if existing, ok := bestB[hit.CanonicalName]; !ok || hit.Price < existing.Price {
			bestB[hit.CanonicalName] = hit
		}
	}

	var found []domain.Opportunity
	now := e.now()
	for _, itemA := range hitsA {
		hitB, ok := bestB[itemA.CanonicalName]
		if !ok {
			continue
		}
		urlB := hitB.URL
		if urlB == "" {
			urlB = e.listingURLB(itemA.Name)
		}
		c := rank.Candidate{
			ItemA:  itemA,
			PriceB: hitB.Price,
			URLB:   urlB,
			Kind:   domain.MatchExact,
		}
		if opportunity, ok := rank.Evaluate(c, s, now); ok {
			found = append(found, opportunity)
		}
	}
	return found
}

// mergeIncremental folds refreshed opportunities into the current list:
// matching keys are replaced in place, new keys appended, and items not
// seen in this pass keep their prior values. The merged list is re-sorted
// by diff and capped.
func (e *Engine) mergeIncremental(updates []domain.Opportunity) *domain.OpportunityList {
	s := e.settings.get()

	var prior []domain.Opportunity
	if cached := e.gate.CachedResults(); cached != nil {
		prior = cached.Items
	}

	merged := make([]domain.Opportunity, len(prior))
	copy(merged, prior)

	position := make(map[string]int, len(merged))
	for i, opportunity := range merged {
		position[mergeKey(opportunity)] = i
	}

	for _, opportunity := range updates {
		key := mergeKey(opportunity)
		if i, ok := position[key]; ok {
			merged[i] = opportunity
			continue
		}
		position[key] = len(merged)
		merged = append(merged, opportunity)
	}

	rank.SortByDiff(merged)
	merged = rank.Cap(merged, s.MaxOutputItems)
	return e.newOpportunityList(merged)
}

// mergeKey identifies an opportunity across refreshes. Display name plus id
// keeps distinct listings of the same skin separate.
func mergeKey(opportunity domain.Opportunity) string {
	if opportunity.ID == "" {
		return opportunity.Name
	}
	return opportunity.Name + "_" + opportunity.ID
}
