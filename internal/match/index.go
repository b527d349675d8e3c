// Package match builds the platform-B price index and resolves platform-A
// canonical names against it. Matching is tiered: an exact canonical-name hit
// wins, otherwise a whitespace/width-normalized lookup is tried. There is no
// fuzzy tier; names that survive neither lookup simply do not match.
package match

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/metrics"
)

// Stats counts probe outcomes per tier.
type Stats struct {
	Exact      int64 `json:"exact"`
	Normalized int64 `json:"normalized"`
	None       int64 `json:"none"`
}

// Total is the number of probes observed.
func (s Stats) Total() int64 {
	return s.Exact + s.Normalized + s.None
}

// candidate is one distinct B-side name reachable through the normalized
// index, carrying the lowest positive price seen for that name.
type candidate struct {
	name  string
	price float64
}

// Index is a read-only lookup over one platform-B snapshot. Build it once per
// analysis; probes are safe for concurrent use.
type Index struct {
	exact      map[string]float64
	normalized map[string][]candidate
	metrics    *metrics.Registry

	mu    sync.Mutex
	stats Stats
}

// NewIndex indexes snapshot items by canonical name. Items without a
// canonical name or a positive price cannot be matched and are skipped.
// Duplicate names keep the lowest price, so probes always see the best ask.
func NewIndex(snapshot *domain.Snapshot, m *metrics.Registry) *Index {
	idx := &Index{
		exact:      make(map[string]float64),
		normalized: make(map[string][]candidate),
		metrics:    m,
	}
	if snapshot == nil {
		return idx
	}

	skipped := 0
	for _, item := range snapshot.Items {
		if item.CanonicalName == "" || item.Price <= 0 {
			skipped++
			continue
		}
		idx.add(item.CanonicalName, item.Price)
	}

	log.Debug().
		Int("indexed", len(idx.exact)).
		Int("skipped", skipped).
		Msg("Built price index")
	return idx
}

func (idx *Index) add(name string, price float64) {
	if prev, ok := idx.exact[name]; !ok || price < prev {
		idx.exact[name] = price
	}

	key := Normalize(name)
	bucket := idx.normalized[key]
	for i, c := range bucket {
		if c.name == name {
			if price < c.price {
				bucket[i].price = price
			}
			return
		}
	}
	idx.normalized[key] = append(bucket, candidate{name: name, price: price})
}

// Probe resolves one platform-A canonical name. The exact tier is consulted
// first; on a miss the normalized tier is tried. When several distinct B-side
// names collapse onto the same normalized key, the lowest price wins.
func (idx *Index) Probe(canonical string) (price float64, kind domain.MatchKind, ok bool) {
	if canonical == "" {
		idx.record("none")
		return 0, "", false
	}

	if price, ok := idx.exact[canonical]; ok {
		idx.record("exact")
		return price, domain.MatchExact, true
	}

	bucket, ok := idx.normalized[Normalize(canonical)]
	if !ok || len(bucket) == 0 {
		idx.record("none")
		return 0, "", false
	}

	best := bucket[0].price
	for _, c := range bucket[1:] {
		if c.price < best {
			best = c.price
		}
	}
	idx.record("normalized")
	return best, domain.MatchNormalized, true
}

// Len is the number of distinct canonical names indexed.
func (idx *Index) Len() int {
	return len(idx.exact)
}

// Stats returns a copy of the probe counters.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.stats
}

func (idx *Index) record(tier string) {
	idx.mu.Lock()
	switch tier {
	case "exact":
		idx.stats.Exact++
	case "normalized":
		idx.stats.Normalized++
	default:
		idx.stats.None++
	}
	idx.mu.Unlock()

	idx.metrics.RecordMatchProbe(tier)
}

// widthFolds maps the full-width punctuation that appears in CN-market hash
// names onto the ASCII forms used elsewhere. Letter case is untouched: hash
// names are case-sensitive identifiers, not prose.
var widthFolds = strings.NewReplacer(
	"（", "(",
	"）", ")",
	"｜", "|",
)

// Normalize canonicalizes a name for the second-tier lookup: leading and
// trailing whitespace is dropped, runs of inner whitespace collapse to one
// space, and full-width punctuation folds to ASCII.
func Normalize(name string) string {
	folded := widthFolds.Replace(name)
	return strings.Join(strings.Fields(folded), " ")
}
