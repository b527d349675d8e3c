package domain

import (
	"errors"
	"fmt"
	"time"
)

// Platform identifies one of the two marketplaces being compared.
type Platform string

const (
	PlatformA Platform = "A"
	PlatformB Platform = "B"
)

// MatchKind records which matcher tier produced an opportunity.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchNormalized MatchKind = "normalized"
)

// ErrInvalidSettings is wrapped by all settings validation failures.
var ErrInvalidSettings = errors.New("invalid settings")

// Item is one marketplace listing row, normalized across platforms.
type Item struct {
	Platform      Platform  `json:"platform"`
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CanonicalName string    `json:"canonical_name"`
	Price         float64   `json:"price"`
	ListingCount  int       `json:"listing_count"`
	URL           string    `json:"url,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	Category      string    `json:"category,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// SnapshotMetadata describes how a snapshot was captured.
type SnapshotMetadata struct {
	Platform    Platform  `json:"platform"`
	TotalCount  int       `json:"total_count"`
	GeneratedAt time.Time `json:"generated_at"`
	PageSize    int       `json:"page_size"`
	MaxPages    int       `json:"max_pages"`
}

// Snapshot is a full-catalog capture of one platform.
type Snapshot struct {
	Metadata SnapshotMetadata `json:"metadata"`
	Items    []Item           `json:"items"`
}

// Opportunity is one cross-market price gap that passed all filters.
type Opportunity struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CanonicalName string    `json:"canonical_name"`
	PriceA        float64   `json:"price_a"`
	PriceB        float64   `json:"price_b"`
	Diff          float64   `json:"diff"`
	ProfitRate    float64   `json:"profit_rate"` // diff / price_a * 100
	URLA          string    `json:"url_a"`
	URLB          string    `json:"url_b"`
	ImageURL      string    `json:"image_url,omitempty"`
	Category      string    `json:"category,omitempty"`
	ListingCountA int       `json:"listing_count_a"`
	MatchKind     MatchKind `json:"match_kind"`
	LastUpdated   time.Time `json:"last_updated"`
}

// FilterConfig is the settings slice recorded alongside a generated list.
type FilterConfig struct {
	DiffMin         float64 `json:"diff_min"`
	DiffMax         float64 `json:"diff_max"`
	PriceMinA       float64 `json:"price_min_a"`
	PriceMaxA       float64 `json:"price_max_a"`
	ListingCountMin int     `json:"listing_count_min"`
	MaxOutputItems  int     `json:"max_output_items"`
}

// OpportunityMetadata describes a persisted opportunity list.
type OpportunityMetadata struct {
	TotalCount  int          `json:"total_count"`
	GeneratedAt time.Time    `json:"generated_at"`
	Filter      FilterConfig `json:"filter_config"`
}

// OpportunityList is the persisted analysis output.
type OpportunityList struct {
	Metadata OpportunityMetadata `json:"metadata"`
	Items    []Opportunity       `json:"items"`
}

// PlatformSettings holds the crawl knobs for one platform.
type PlatformSettings struct {
	RequestDelayMS int `json:"request_delay_ms"`
	PageSize       int `json:"page_size"`
	MaxPages       int `json:"max_pages"`
}

// RequestDelay converts the configured delay to a duration.
func (p PlatformSettings) RequestDelay() time.Duration {
	return time.Duration(p.RequestDelayMS) * time.Millisecond
}

// Settings is the runtime-mutable tuple that drives filtering and scheduling.
type Settings struct {
	DiffMin                float64          `json:"diff_min"`
	DiffMax                float64          `json:"diff_max"`
	PriceMinA              float64          `json:"price_min_a"`
	PriceMaxA              float64          `json:"price_max_a"`
	ListingCountMin        int              `json:"listing_count_min"`
	MaxOutputItems         int              `json:"max_output_items"`
	IncrementalCacheSize   int              `json:"incremental_cache_size"`
	FullIntervalSec        int              `json:"full_interval_sec"`
	IncrementalIntervalSec int              `json:"incremental_interval_sec"`
	PlatformA              PlatformSettings `json:"platform_a"`
	PlatformB              PlatformSettings `json:"platform_b"`
}

// DefaultSettings returns the stock configuration used when no settings
// file exists yet.
func DefaultSettings() Settings {
	return Settings{
		DiffMin:                3.0,
		DiffMax:                5.0,
		PriceMinA:              10.0,
		PriceMaxA:              1000.0,
		ListingCountMin:        1,
		MaxOutputItems:         300,
		IncrementalCacheSize:   1000,
		FullIntervalSec:        3600,
		IncrementalIntervalSec: 60,
		PlatformA: PlatformSettings{
			RequestDelayMS: 2000,
			PageSize:       80,
			MaxPages:       2000,
		},
		PlatformB: PlatformSettings{
			RequestDelayMS: 2000,
			PageSize:       100,
			MaxPages:       2000,
		},
	}
}

// FullInterval is the cadence of scheduled full analyses.
func (s Settings) FullInterval() time.Duration {
	return time.Duration(s.FullIntervalSec) * time.Second
}

// IncrementalInterval is the cadence of scheduled incremental analyses.
func (s Settings) IncrementalInterval() time.Duration {
	return time.Duration(s.IncrementalIntervalSec) * time.Second
}

// Filter extracts the filter slice recorded in opportunity metadata.
func (s Settings) Filter() FilterConfig {
	return FilterConfig{
		DiffMin:         s.DiffMin,
		DiffMax:         s.DiffMax,
		PriceMinA:       s.PriceMinA,
		PriceMaxA:       s.PriceMaxA,
		ListingCountMin: s.ListingCountMin,
		MaxOutputItems:  s.MaxOutputItems,
	}
}

// Validate rejects tuples that would make filtering meaningless. All
// violations wrap ErrInvalidSettings so callers can map them to one
// error class.
func (s Settings) Validate() error {
	// The diff window must be a real interval; a collapsed one filters on a
	// single exact float and is always operator error.
	if s.DiffMin >= s.DiffMax {
		return fmt.Errorf("%w: diff_min %.2f must be below diff_max %.2f", ErrInvalidSettings, s.DiffMin, s.DiffMax)
	}
	if s.PriceMinA > s.PriceMaxA {
		return fmt.Errorf("%w: price_min_a %.2f exceeds price_max_a %.2f", ErrInvalidSettings, s.PriceMinA, s.PriceMaxA)
	}
	if s.PriceMinA < 0 || s.PriceMaxA < 0 {
		return fmt.Errorf("%w: price window must be non-negative", ErrInvalidSettings)
	}
	if s.ListingCountMin < 0 {
		return fmt.Errorf("%w: listing_count_min must be non-negative", ErrInvalidSettings)
	}
	if s.MaxOutputItems < 1 {
		return fmt.Errorf("%w: max_output_items must be at least 1", ErrInvalidSettings)
	}
	if s.IncrementalCacheSize < 0 {
		return fmt.Errorf("%w: incremental_cache_size must be non-negative", ErrInvalidSettings)
	}
	if s.FullIntervalSec < 1 || s.IncrementalIntervalSec < 1 {
		return fmt.Errorf("%w: analysis intervals must be positive", ErrInvalidSettings)
	}
	for _, p := range []struct {
		name string
		ps   PlatformSettings
	}{{"platform_a", s.PlatformA}, {"platform_b", s.PlatformB}} {
		if p.ps.RequestDelayMS < 0 {
			return fmt.Errorf("%w: %s request_delay_ms must be non-negative", ErrInvalidSettings, p.name)
		}
		if p.ps.PageSize < 1 {
			return fmt.Errorf("%w: %s page_size must be at least 1", ErrInvalidSettings, p.name)
		}
		if p.ps.MaxPages < 1 {
			return fmt.Errorf("%w: %s max_pages must be at least 1", ErrInvalidSettings, p.name)
		}
	}
	return nil
}

// FilterChanged reports whether an edit moved any knob that affects which
// items appear in the output list.
func (s Settings) FilterChanged(prev Settings) bool {
	return s.Filter() != prev.Filter()
}

// QualifierChanged reports whether an edit moved a knob that changes which
// items can qualify at all. Diff-window edits only re-rank existing
// candidates, so they do not count.
func (s Settings) QualifierChanged(prev Settings) bool {
	return s.PriceMinA != prev.PriceMinA ||
		s.PriceMaxA != prev.PriceMaxA ||
		s.ListingCountMin != prev.ListingCountMin
}
