package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/match"
	"github.com/valros/skinarb/internal/rank"
)

// Frame types. The consumer sees cached_data first, then progress,
// mapping_ready and incremental_results in any number, then exactly one of
// completed, cancelled or error. data_batch frames stay internal: the page
// producer hands raw platform-A listings to the analyzer with them.
const (
	FrameCachedData         = "cached_data"
	FrameProgress           = "progress"
	FrameMappingReady       = "mapping_ready"
	FrameDataBatch          = "data_batch"
	FrameIncrementalResults = "incremental_results"
	FrameCompleted          = "completed"
	FrameCancelled          = "cancelled"
	FrameError              = "error"
)

const (
	streamBuffer        = 16
	streamProgressEvery = 10 // pages between progress frames

	stageFetching = "data_fetching"
	stageIndexB   = "platform_b_index"
	stageScanA    = "platform_a_scan"
)

// Frame is one streaming envelope. Fields are filled per type; zero-valued
// ones are omitted from the wire form.
type Frame struct {
	Type           string               `json:"type"`
	Message        string               `json:"message,omitempty"`
	Error          string               `json:"error,omitempty"`
	Stage          string               `json:"stage,omitempty"`
	Progress       float64              `json:"progress,omitempty"`
	CurrentPage    int                  `json:"current_page,omitempty"`
	TotalPages     int                  `json:"total_pages,omitempty"`
	HashCount      int                  `json:"hash_count,omitempty"`
	NameCount      int                  `json:"name_count,omitempty"`
	BatchSize      int                  `json:"batch_size,omitempty"`
	TotalFound     int                  `json:"total_found,omitempty"`
	TotalProcessed int                  `json:"total_processed,omitempty"`
	Cached         bool                 `json:"cached,omitempty"`
	Data           []domain.Opportunity `json:"data,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`

	// items carries raw platform-A listings on internal data_batch frames.
	// Unexported so it never serializes.
	items []domain.Item
}

// Stream starts a streaming analysis and returns its frame channel. The
// channel closes after the terminal frame. The gate holds kind=streaming
// without force, so a busy gate produces a single error frame; a second
// subscriber is rejected the same way.
func (e *Engine) Stream(ctx context.Context) <-chan Frame {
	out := make(chan Frame, streamBuffer)
	go e.stream(ctx, out)
	return out
}

// emit stamps and delivers one frame, returning false when the consumer is
// gone.
func (e *Engine) emit(ctx context.Context, out chan<- Frame, f Frame) bool {
	f.Timestamp = e.now()
	select {
	case out <- f:
		e.metrics.RecordStreamFrame(f.Type)
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) stream(ctx context.Context, out chan<- Frame) {
	defer close(out)

	// Unblocks the page producer the moment this consumer returns.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := newRunID(KindStreaming)
	if !e.gate.TryStart(KindStreaming, runID, false) {
		st := e.gate.Status()
		e.emit(ctx, out, Frame{
			Type:    FrameError,
			Error:   "analysis already running",
			Message: fmt.Sprintf("a %s analysis holds the gate", st.Kind),
		})
		return
	}

	started := e.now()
	timer := e.metrics.StartAnalysisTimer(string(KindStreaming))
	s := e.settings.get()
	log.Info().Str("run_id", runID).Msg("Streaming analysis started")

	processed := 0
	fail := func(result string) {
		e.gate.Finish(runID, nil)
		timer.Stop(result)
		e.archive(runID, KindStreaming, started, result, nil, processed)
	}
	cancelled := func() {
		e.emit(ctx, out, Frame{Type: FrameCancelled, Message: "analysis cancelled"})
		fail("cancelled")
		log.Info().Str("run_id", runID).Msg("Streaming analysis cancelled")
	}

	// Last published results go out first so the consumer renders
	// immediately.
	if cached := e.gate.CachedResults(); cached != nil && len(cached.Items) > 0 {
		ok := e.emit(ctx, out, Frame{
			Type:    FrameCachedData,
			Data:    cached.Items,
			Cached:  true,
			Message: fmt.Sprintf("returning %d cached opportunities", len(cached.Items)),
		})
		if !ok {
			fail("cancelled")
			return
		}
	}
	if e.gate.ShouldStop(runID) {
		cancelled()
		return
	}

	if !e.emit(ctx, out, Frame{Type: FrameProgress, Stage: stageFetching, Message: "starting marketplace data collection"}) {
		fail("cancelled")
		return
	}

	index, err := e.streamIndexB(ctx, runID, out, s)
	if err != nil {
		if isCancelled(err) {
			cancelled()
			return
		}
		e.emit(ctx, out, Frame{Type: FrameError, Error: err.Error(), Message: "platform B index build failed"})
		fail("error")
		log.Error().Str("run_id", runID).Err(err).Msg("Streaming analysis failed")
		return
	}

	// Platform A pages arrive as internal data_batch frames; each page is
	// matched against the B index and its hits go out as
	// incremental_results.
	var results []domain.Opportunity
	for frame := range e.streamPagesA(ctx, runID, s) {
		if e.gate.ShouldStop(runID) {
			cancelled()
			return
		}

		switch frame.Type {
		case FrameError:
			e.emit(ctx, out, frame)
			fail("error")
			log.Error().Str("run_id", runID).Str("error", frame.Error).Msg("Streaming analysis failed")
			return

		case FrameProgress:
			if !e.emit(ctx, out, frame) {
				fail("cancelled")
				return
			}

		case FrameDataBatch:
			processed += len(frame.items)
			found := e.matchPage(frame.items, index, s)
			if len(found) == 0 {
				continue
			}
			results = append(results, found...)
			ok := e.emit(ctx, out, Frame{
				Type:           FrameIncrementalResults,
				Data:           found,
				BatchSize:      len(found),
				TotalFound:     len(results),
				TotalProcessed: processed,
				CurrentPage:    frame.CurrentPage,
				TotalPages:     frame.TotalPages,
				Message:        fmt.Sprintf("found %d new opportunities", len(found)),
			})
			if !ok {
				fail("cancelled")
				return
			}
		}
	}

	if e.gate.ShouldStop(runID) {
		cancelled()
		return
	}

	// Publish the final list under the same ordering contract as a full
	// run: profit rate descending, capped.
	final := make([]domain.Opportunity, len(results))
	copy(final, results)
	rank.SortByProfitRate(final)
	final = rank.Cap(final, s.MaxOutputItems)
	list := e.newOpportunityList(final)

	if err := e.publish(ctx, runID, list); err != nil {
		e.emit(ctx, out, Frame{Type: FrameError, Error: err.Error(), Message: "failed to persist results"})
		fail("error")
		return
	}
	timer.Stop("ok")
	e.archive(runID, KindStreaming, started, "ok", list, processed)

	e.emit(ctx, out, Frame{
		Type:           FrameCompleted,
		Data:           list.Items,
		TotalFound:     len(list.Items),
		TotalProcessed: processed,
		Message:        fmt.Sprintf("analysis complete: %d opportunities", len(list.Items)),
	})
	log.Info().
		Str("run_id", runID).
		Int("opportunities", len(list.Items)).
		Int("processed", processed).
		Msg("Streaming analysis completed")
}

// streamIndexB crawls platform B page by page, reporting index growth, and
// returns the price index. Only a strictly empty page ends the catalog.
func (e *Engine) streamIndexB(ctx context.Context, runID string, out chan<- Frame, s domain.Settings) (*match.Index, error) {
	var items []domain.Item
	canonicals := make(map[string]struct{})
	names := make(map[string]struct{})

	for page := 1; page <= s.PlatformB.MaxPages; page++ {
		if e.gate.ShouldStop(runID) || ctx.Err() != nil {
			return nil, ErrCancelled
		}

		p, err := e.clientB.FetchPage(ctx, page, s.PlatformB.PageSize)
		if err != nil {
			return nil, err
		}
		if len(p.Items) == 0 {
			break
		}

		for _, item := range p.Items {
			items = append(items, item)
			if item.CanonicalName != "" && item.Price > 0 {
				canonicals[item.CanonicalName] = struct{}{}
			}
			if item.Name != "" {
				names[item.Name] = struct{}{}
			}
		}

		if page%streamProgressEvery == 0 {
			ok := e.emit(ctx, out, Frame{
				Type:        FrameProgress,
				Stage:       stageIndexB,
				Progress:    float64(page) / float64(s.PlatformB.MaxPages) * 100,
				CurrentPage: page,
				HashCount:   len(canonicals),
				NameCount:   len(names),
				Message:     fmt.Sprintf("platform B index: %d pages, %d names", page, len(canonicals)),
			})
			if !ok {
				return nil, ErrCancelled
			}
		}
	}

	index := match.NewIndex(&domain.Snapshot{
		Metadata: domain.SnapshotMetadata{Platform: domain.PlatformB, GeneratedAt: e.now()},
		Items:    items,
	}, e.metrics)

	ok := e.emit(ctx, out, Frame{
		Type:      FrameMappingReady,
		HashCount: index.Len(),
		NameCount: len(names),
		Message:   fmt.Sprintf("platform B index ready: %d canonical names", index.Len()),
	})
	if !ok {
		return nil, ErrCancelled
	}
	return index, nil
}

// streamPagesA fetches platform A catalog pages and forwards them as
// internal data_batch frames, with a progress frame every tenth page. The
// channel closes at end of catalog, on stop, or on error (after an error
// frame).
func (e *Engine) streamPagesA(ctx context.Context, runID string, s domain.Settings) <-chan Frame {
	frames := make(chan Frame) // unbuffered: fetching paces on the analyzer

	send := func(f Frame) bool {
		select {
		case frames <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(frames)

		first, err := e.clientA.FetchPage(ctx, 1, s.PlatformA.PageSize)
		if err != nil {
			send(Frame{Type: FrameError, Error: fmt.Sprintf("platform A page 1: %v", err)})
			return
		}

		totalPages := first.TotalPages
		if totalPages <= 0 || totalPages > s.PlatformA.MaxPages {
			totalPages = s.PlatformA.MaxPages
		}

		if !send(Frame{
			Type:        FrameProgress,
			Stage:       stageScanA,
			TotalPages:  totalPages,
			CurrentPage: 1,
			Message:     fmt.Sprintf("platform A: scanning %d pages", totalPages),
		}) {
			return
		}
		if len(first.Items) > 0 {
			if !send(Frame{Type: FrameDataBatch, items: first.Items, CurrentPage: 1, TotalPages: totalPages}) {
				return
			}
		}

		for page := 2; page <= totalPages; page++ {
			if e.gate.ShouldStop(runID) || ctx.Err() != nil {
				return
			}

			p, err := e.clientA.FetchPage(ctx, page, s.PlatformA.PageSize)
			if err != nil {
				send(Frame{Type: FrameError, Error: fmt.Sprintf("platform A page %d: %v", page, err)})
				return
			}
			if len(p.Items) == 0 {
				return
			}
			if !send(Frame{Type: FrameDataBatch, items: p.Items, CurrentPage: page, TotalPages: totalPages}) {
				return
			}

			if page%streamProgressEvery == 0 {
				ok := send(Frame{
					Type:        FrameProgress,
					Stage:       stageScanA,
					Progress:    float64(page) / float64(totalPages) * 100,
					CurrentPage: page,
					TotalPages:  totalPages,
					Message:     fmt.Sprintf("platform A scan: page %d of %d", page, totalPages),
				})
				if !ok {
					return
				}
			}
		}
	}()

	return frames
}

// matchPage runs one platform-A page through qualify, probe and the filter
// chain.
func (e *Engine) matchPage(items []domain.Item, index *match.Index, s domain.Settings) []domain.Opportunity {
	var found []domain.Opportunity
	for _, item := range items {
		if !rank.Qualifies(item, s) {
			continue
		}
		priceB, kind, ok := index.Probe(item.CanonicalName)
		if !ok {
			continue
		}
		if opportunity, ok := e.evaluate(item, priceB, kind, s); ok {
			found = append(found, opportunity)
		}
	}
	return found
}
