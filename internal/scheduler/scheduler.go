// Package scheduler drives the periodic analysis loops: an hourly full
// catalog pass that forces its way past whatever is running, and a
// per-minute incremental refresh that yields to a busy gate. A startup full
// run fires when the hash-name cache cannot support incremental work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/engine"
)

// JobOverride tunes one loop from the overrides file. Enabled nil keeps the
// loop on; Interval, when set, pins the cadence instead of tracking the
// runtime settings.
type JobOverride struct {
	Enabled  *bool  `yaml:"enabled"`
	Interval string `yaml:"interval"` // Go duration string, e.g. "30m"
}

func (o JobOverride) enabled() bool {
	return o.Enabled == nil || *o.Enabled
}

func (o JobOverride) interval(fallback time.Duration) time.Duration {
	if o.Interval == "" {
		return fallback
	}
	d, err := time.ParseDuration(o.Interval)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Overrides is the optional YAML job-overrides file.
type Overrides struct {
	Full        JobOverride `yaml:"full"`
	Incremental JobOverride `yaml:"incremental"`
}

// LoadOverrides reads the job-overrides file. An empty path or a missing
// file means no overrides; a present file must parse cleanly.
func LoadOverrides(path string) (Overrides, error) {
	var o Overrides
	if path == "" {
		return o, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return o, fmt.Errorf("read job overrides: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("parse job overrides: %w", err)
	}

	for name, job := range map[string]JobOverride{"full": o.Full, "incremental": o.Incremental} {
		if job.Interval == "" {
			continue
		}
		d, err := time.ParseDuration(job.Interval)
		if err != nil {
			return Overrides{}, fmt.Errorf("job %s: bad interval %q: %w", name, job.Interval, err)
		}
		if d <= 0 {
			return Overrides{}, fmt.Errorf("job %s: interval must be positive", name)
		}
	}
	return o, nil
}

// Status is the scheduler slice of the status endpoint.
type Status struct {
	Running             bool      `json:"running"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	FullEnabled         bool      `json:"full_enabled"`
	FullInterval        string    `json:"full_interval"`
	IncrementalEnabled  bool      `json:"incremental_enabled"`
	IncrementalInterval string    `json:"incremental_interval"`
	LastFullRun         time.Time `json:"last_full_run,omitempty"`
	LastIncrementalRun  time.Time `json:"last_incremental_run,omitempty"`
}

// Scheduler owns the two analysis loops.
type Scheduler struct {
	engine    *engine.Engine
	overrides Overrides

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	lastFull  time.Time
	lastIncr  time.Time
}

// New builds a scheduler over the given engine.
func New(e *engine.Engine, overrides Overrides) *Scheduler {
	return &Scheduler{engine: e, overrides: overrides}
}

// Run drives both loops until ctx is cancelled. Interval edits through the
// settings surface take effect on each loop's next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	settings := s.engine.Settings()
	log.Info().
		Bool("full_enabled", s.overrides.Full.enabled()).
		Bool("incremental_enabled", s.overrides.Incremental.enabled()).
		Dur("full_interval", s.fullInterval(settings)).
		Dur("incremental_interval", s.incrementalInterval(settings)).
		Msg("Scheduler starting")

	if !s.overrides.Full.enabled() && !s.overrides.Incremental.enabled() {
		log.Warn().Msg("All scheduler jobs are disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	s.startupFull(ctx)

	var wg sync.WaitGroup
	if s.overrides.Full.enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.fullLoop(ctx)
		}()
	}
	if s.overrides.Incremental.enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.incrementalLoop(ctx)
		}()
	}
	wg.Wait()

	log.Info().Msg("Scheduler stopped")
	return ctx.Err()
}

// Status returns a point-in-time view for the status endpoint.
func (s *Scheduler) Status() Status {
	settings := s.engine.Settings()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:             s.running,
		StartedAt:           s.startedAt,
		FullEnabled:         s.overrides.Full.enabled(),
		FullInterval:        s.fullInterval(settings).String(),
		IncrementalEnabled:  s.overrides.Incremental.enabled(),
		IncrementalInterval: s.incrementalInterval(settings).String(),
		LastFullRun:         s.lastFull,
		LastIncrementalRun:  s.lastIncr,
	}
}

// startupFull runs a full analysis at boot when the hash-name cache is empty
// or older than one full interval, so incremental ticks have names to work
// with.
func (s *Scheduler) startupFull(ctx context.Context) {
	if !s.overrides.Full.enabled() {
		return
	}
	settings := s.engine.Settings()
	if !s.engine.HashCache().IsStale(settings.FullInterval()) {
		log.Info().
			Time("last_full", s.engine.HashCache().LastFullUpdate()).
			Msg("Hash-name cache is fresh, skipping startup full analysis")
		return
	}

	log.Info().Msg("Hash-name cache is empty or stale, running startup full analysis")
	s.runFull(ctx)
}

func (s *Scheduler) fullLoop(ctx context.Context) {
	timer := time.NewTimer(s.fullInterval(s.engine.Settings()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runFull(ctx)
			timer.Reset(s.fullInterval(s.engine.Settings()))
		}
	}
}

func (s *Scheduler) incrementalLoop(ctx context.Context) {
	timer := time.NewTimer(s.incrementalInterval(s.engine.Settings()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runIncremental(ctx)
			timer.Reset(s.incrementalInterval(s.engine.Settings()))
		}
	}
}

// runFull executes one scheduled full pass. Scheduled fulls force: a stale
// catalog sweep outranks whatever holds the gate.
func (s *Scheduler) runFull(ctx context.Context) {
	list, err := s.engine.RunFull(ctx, true)
	switch {
	case err == nil:
		s.mu.Lock()
		s.lastFull = time.Now()
		s.mu.Unlock()
		log.Info().Int("opportunities", len(list.Items)).Msg("Scheduled full analysis completed")
	case errors.Is(err, engine.ErrCancelled) || errors.Is(err, context.Canceled):
		log.Info().Msg("Scheduled full analysis cancelled")
	default:
		log.Error().Err(err).Msg("Scheduled full analysis failed")
	}
}

// runIncremental executes one scheduled incremental tick. Ticks never force;
// a busy gate or an empty cache just means this minute does nothing.
func (s *Scheduler) runIncremental(ctx context.Context) {
	list, err := s.engine.RunIncremental(ctx, false)
	switch {
	case err == nil:
		s.mu.Lock()
		s.lastIncr = time.Now()
		s.mu.Unlock()
		log.Debug().Int("opportunities", len(list.Items)).Msg("Scheduled incremental analysis completed")
	case errors.Is(err, engine.ErrGateBusy):
		log.Debug().Msg("Incremental tick skipped: analysis already running")
	case errors.Is(err, engine.ErrEmptyCache):
		log.Debug().Msg("Incremental tick skipped: hash-name cache is empty")
	case errors.Is(err, engine.ErrCancelled) || errors.Is(err, context.Canceled):
		log.Info().Msg("Scheduled incremental analysis cancelled")
	default:
		log.Error().Err(err).Msg("Scheduled incremental analysis failed")
	}
}

func (s *Scheduler) fullInterval(settings domain.Settings) time.Duration {
	return s.overrides.Full.interval(settings.FullInterval())
}

func (s *Scheduler) incrementalInterval(settings domain.Settings) time.Duration {
	return s.overrides.Incremental.interval(settings.IncrementalInterval())
}
