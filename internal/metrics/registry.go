package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"

	"github.com/valros/skinarb/internal/domain"
)

// Cache type labels used on the cache hit/miss counters.
const (
	CacheHashName   = "hashname"
	CacheValidation = "validation"
	CacheWarm       = "warm"
)

var cacheTypes = []string{CacheHashName, CacheValidation, CacheWarm}

// Registry holds all Prometheus metrics for the monitor. Every Record helper
// is nil-safe so components can run without metrics wired in.
type Registry struct {
	registry *prometheus.Registry

	// Ingestion metrics
	PagesFetched   *prometheus.CounterVec
	RequestRetries *prometheus.CounterVec

	// Analysis metrics
	AnalysisRuns     *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec

	// Result metrics
	OpportunitiesCurrent prometheus.Gauge
	MatchProbes          *prometheus.CounterVec

	// Cache performance metrics
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	// Credential and stream metrics
	CredentialsValid *prometheus.GaugeVec
	StreamFrames     *prometheus.CounterVec
}

// NewRegistry creates a registry with all monitor metrics registered on a
// private Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		PagesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skinarb_pages_fetched_total",
				Help: "Total catalog pages fetched by platform and result",
			},
			[]string{"platform", "result"},
		),

		RequestRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skinarb_request_retries_total",
				Help: "Total request retries by platform and reason",
			},
			[]string{"platform", "reason"},
		),

		AnalysisRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skinarb_analysis_runs_total",
				Help: "Total analysis runs by kind and result",
			},
			[]string{"kind", "result"},
		),

		AnalysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skinarb_analysis_duration_seconds",
				Help:    "Duration of analysis runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"kind"},
		),

		OpportunitiesCurrent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "skinarb_opportunities_current",
				Help: "Number of opportunities in the current published list",
			},
		),

		MatchProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skinarb_match_probes_total",
				Help: "Total match probes by resolution tier",
			},
			[]string{"tier"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skinarb_cache_hits_total",
				Help: "Total cache hits by cache type",
			},
			[]string{"cache"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skinarb_cache_misses_total",
				Help: "Total cache misses by cache type",
			},
			[]string{"cache"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "skinarb_cache_hit_ratio",
				Help: "Overall cache hit ratio (0.0 to 1.0)",
			},
		),

		CredentialsValid: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "skinarb_credentials_valid",
				Help: "Whether the platform credentials passed their last validation (1/0)",
			},
			[]string{"platform"},
		),

		StreamFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skinarb_stream_frames_total",
				Help: "Total streaming frames emitted by frame type",
			},
			[]string{"type"},
		),
	}

	r.registry.MustRegister(
		r.PagesFetched,
		r.RequestRetries,
		r.AnalysisRuns,
		r.AnalysisDuration,
		r.OpportunitiesCurrent,
		r.MatchProbes,
		r.CacheHits,
		r.CacheMisses,
		r.CacheHitRatio,
		r.CredentialsValid,
		r.StreamFrames,
	)

	return r
}

// Handler returns the /metrics endpoint handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordPageFetch records one catalog page fetch outcome ("ok" or "error").
func (r *Registry) RecordPageFetch(platform domain.Platform, result string) {
	if r == nil {
		return
	}
	r.PagesFetched.WithLabelValues(string(platform), result).Inc()
}

// RecordRetry records one retry attempt with the error code that caused it.
func (r *Registry) RecordRetry(platform domain.Platform, reason string) {
	if r == nil {
		return
	}
	r.RequestRetries.WithLabelValues(string(platform), reason).Inc()
}

// AnalysisTimer tracks the wall time of one analysis run.
type AnalysisTimer struct {
	metrics *Registry
	kind    string
	start   time.Time
}

// StartAnalysisTimer begins timing an analysis run of the given kind.
func (r *Registry) StartAnalysisTimer(kind string) *AnalysisTimer {
	return &AnalysisTimer{metrics: r, kind: kind, start: time.Now()}
}

// Stop completes the timing and records the run outcome.
func (t *AnalysisTimer) Stop(result string) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.AnalysisDuration.WithLabelValues(t.kind).Observe(time.Since(t.start).Seconds())
	t.metrics.AnalysisRuns.WithLabelValues(t.kind, result).Inc()
}

// SetOpportunities updates the current published opportunity count.
func (r *Registry) SetOpportunities(n int) {
	if r == nil {
		return
	}
	r.OpportunitiesCurrent.Set(float64(n))
}

// RecordMatchProbe records one matcher probe at the given tier
// ("exact", "normalized" or "none").
func (r *Registry) RecordMatchProbe(tier string) {
	if r == nil {
		return
	}
	r.MatchProbes.WithLabelValues(tier).Inc()
}

// RecordCacheHit records a cache hit and refreshes the hit ratio gauge.
func (r *Registry) RecordCacheHit(cache string) {
	if r == nil {
		return
	}
	r.CacheHits.WithLabelValues(cache).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss and refreshes the hit ratio gauge.
func (r *Registry) RecordCacheMiss(cache string) {
	if r == nil {
		return
	}
	r.CacheMisses.WithLabelValues(cache).Inc()
	r.updateCacheHitRatio()
}

// SetCredentialsValid publishes the last validation verdict for a platform.
func (r *Registry) SetCredentialsValid(platform domain.Platform, valid bool) {
	if r == nil {
		return
	}
	v := 0.0
	if valid {
		v = 1.0
	}
	r.CredentialsValid.WithLabelValues(string(platform)).Set(v)
}

// RecordStreamFrame records one emitted streaming frame.
func (r *Registry) RecordStreamFrame(frameType string) {
	if r == nil {
		return
	}
	r.StreamFrames.WithLabelValues(frameType).Inc()
}

// updateCacheHitRatio recomputes the overall hit ratio from the counter
// values across all cache types.
func (r *Registry) updateCacheHitRatio() {
	totalHits := 0.0
	totalMisses := 0.0

	for _, cache := range cacheTypes {
		totalHits += counterValue(r.CacheHits, cache)
		totalMisses += counterValue(r.CacheMisses, cache)
	}

	if total := totalHits + totalMisses; total > 0 {
		r.CacheHitRatio.Set(totalHits / total)
	}
}

func counterValue(vec *prometheus.CounterVec, label string) float64 {
	counter, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		return 0
	}
	m := &io_prometheus_client.Metric{}
	if err := counter.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
