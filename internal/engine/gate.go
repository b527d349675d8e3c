package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/domain"
)

// Kind identifies what sort of analysis holds the gate.
type Kind string

const (
	KindNone        Kind = ""
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
	KindStreaming   Kind = "streaming"
	KindManual      Kind = "manual"
	KindReprocess   Kind = "reprocess"
)

// GateStatus is a point-in-time snapshot of the gate for /status.
type GateStatus struct {
	Running          bool      `json:"running"`
	Kind             Kind      `json:"kind,omitempty"`
	RunID            string    `json:"run_id,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	DurationSec      float64   `json:"duration_sec,omitempty"`
	StopRequested    bool      `json:"stop_requested"`
	LastResultsCount int       `json:"last_results_count"`
	LastFinishedAt   time.Time `json:"last_finished_at,omitempty"`
}

// Gate serializes analysis work: at most one run holds it at any instant.
// A force start displaces the current holder; the displaced run discovers
// this because ShouldStop compares against its own run id, so a takeover
// that immediately clears stopRequested for the new holder still stops the
// old one. The gate also owns the last-results cache so every surface
// (HTTP, streaming, scheduler) reads the same list. It never performs I/O
// while holding its mutex.
type Gate struct {
	mu            sync.Mutex
	kind          Kind
	id            string
	startedAt     time.Time
	stopRequested bool

	lastResults  *domain.OpportunityList
	lastFinished time.Time
}

// NewGate returns an idle gate.
func NewGate() *Gate {
	return &Gate{}
}

// newRunID mints a unique id tagged with the run kind.
func newRunID(kind Kind) string {
	return string(kind) + "_" + strings.Split(uuid.New().String(), "-")[0]
}

// TryStart attempts to acquire the gate for a run. When the gate is busy and
// force is false it returns false and the caller skips this tick. When force
// is true, the current holder is displaced: its id stops matching, so its
// next ShouldStop poll unwinds it.
func (g *Gate) TryStart(kind Kind, id string, force bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.kind != KindNone {
		if !force {
			return false
		}
		log.Warn().
			Str("displaced_kind", string(g.kind)).
			Str("displaced_id", g.id).
			Str("kind", string(kind)).
			Str("id", id).
			Msg("Force start is displacing a running analysis")
	}

	g.kind = kind
	g.id = id
	g.startedAt = time.Now()
	g.stopRequested = false
	return true
}

// ShouldStop reports whether the run identified by id must unwind. True when
// the run no longer holds the gate (displaced or finished elsewhere) or a
// stop was requested.
func (g *Gate) ShouldStop(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.id != id || g.stopRequested
}

// Finish releases the gate if id still holds it and, when results are
// non-nil, replaces the last-results cache. A displaced run's Finish is a
// no-op: its results are discarded and the new holder keeps the gate.
func (g *Gate) Finish(id string, results *domain.OpportunityList) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.id != id {
		log.Debug().
			Str("id", id).
			Str("holder", g.id).
			Msg("Discarding finish from a displaced analysis")
		return false
	}

	if results != nil {
		g.lastResults = results
	}
	g.kind = KindNone
	g.id = ""
	g.startedAt = time.Time{}
	g.stopRequested = false
	g.lastFinished = time.Now()
	return true
}

// ForceStopAll clears the holder and raises the stop flag so every in-flight
// run unwinds at its next poll. It starts nothing.
func (g *Gate) ForceStopAll() Kind {
	g.mu.Lock()
	defer g.mu.Unlock()

	stopped := g.kind
	g.kind = KindNone
	g.id = ""
	g.startedAt = time.Time{}
	g.stopRequested = true
	if stopped != KindNone {
		log.Info().Str("kind", string(stopped)).Msg("Force stop requested for running analysis")
	}
	return stopped
}

// Status returns a snapshot of the gate state.
func (g *Gate) Status() GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := GateStatus{
		Running:        g.kind != KindNone,
		Kind:           g.kind,
		RunID:          g.id,
		StartedAt:      g.startedAt,
		StopRequested:  g.stopRequested,
		LastFinishedAt: g.lastFinished,
	}
	if st.Running {
		st.DurationSec = time.Since(g.startedAt).Seconds()
	}
	if g.lastResults != nil {
		st.LastResultsCount = len(g.lastResults.Items)
	}
	return st
}

// CachedResults returns the last published opportunity list, or nil when no
// run has finished yet. Callers must treat the list as read-only.
func (g *Gate) CachedResults() *domain.OpportunityList {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastResults
}

// PrimeResults seeds the last-results cache, typically from disk at startup.
// An already-populated cache is left alone.
func (g *Gate) PrimeResults(list *domain.OpportunityList) {
	if list == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastResults == nil {
		g.lastResults = list
	}
}
