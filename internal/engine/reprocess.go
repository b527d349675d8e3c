package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/data/store"
	"github.com/valros/skinarb/internal/domain"
)

// Reprocess re-runs matching and ranking over the snapshots already on disk
// without touching the network. Unchanged snapshots and settings produce the
// same list every time. When either snapshot is missing it falls back to an
// incremental refresh instead.
func (e *Engine) Reprocess(ctx context.Context) (*domain.OpportunityList, error) {
	runID := newRunID(KindReprocess)
	if !e.gate.TryStart(KindReprocess, runID, false) {
		return nil, ErrGateBusy
	}

	// Snapshots load after the gate is held so a full run committing in
	// parallel cannot slip newer files under this pass.
	snapA, errA := e.store.Snapshot(domain.PlatformA)
	snapB, errB := e.store.Snapshot(domain.PlatformB)
	if errors.Is(errA, store.ErrNoSnapshot) || errors.Is(errB, store.ErrNoSnapshot) {
		e.gate.Finish(runID, nil)
		log.Info().Msg("Reprocess found no snapshot pair, falling back to incremental")
		return e.RunIncremental(ctx, false)
	}
	if errA != nil {
		e.gate.Finish(runID, nil)
		return nil, fmt.Errorf("load snapshot %s: %w", domain.PlatformA, errA)
	}
	if errB != nil {
		e.gate.Finish(runID, nil)
		return nil, fmt.Errorf("load snapshot %s: %w", domain.PlatformB, errB)
	}

	started := e.now()
	timer := e.metrics.StartAnalysisTimer(string(KindReprocess))
	log.Info().
		Str("run_id", runID).
		Int("items_a", len(snapA.Items)).
		Int("items_b", len(snapB.Items)).
		Msg("Reprocess started")

	list, processed := e.matchAndRank(snapA, snapB, e.settings.get())

	if e.gate.ShouldStop(runID) {
		e.gate.Finish(runID, nil)
		timer.Stop("cancelled")
		e.archive(runID, KindReprocess, started, "cancelled", nil, processed)
		log.Info().Str("run_id", runID).Msg("Reprocess cancelled")
		return nil, ErrCancelled
	}

	if err := e.publish(ctx, runID, list); err != nil {
		e.gate.Finish(runID, nil)
		timer.Stop("error")
		e.archive(runID, KindReprocess, started, "error", nil, processed)
		return nil, err
	}
	timer.Stop("ok")
	e.archive(runID, KindReprocess, started, "ok", list, processed)

	log.Info().
		Str("run_id", runID).
		Int("opportunities", len(list.Items)).
		Int("processed", processed).
		Dur("took", e.now().Sub(started)).
		Msg("Reprocess completed")
	return list, nil
}
