// Package rank turns matched price pairs into the published opportunity
// list: filter, score, order, cap. Everything here is pure over its inputs;
// the pipelines own when and how often a ranking pass runs.
package rank

import (
	"sort"
	"time"

	"github.com/valros/skinarb/internal/domain"
)

// Candidate pairs one platform-A listing with the B-side price its canonical
// name resolved to. URLB carries the link the opportunity should publish for
// the B side; pipelines fill it from the search result or the storefront.
type Candidate struct {
	ItemA  domain.Item
	PriceB float64
	URLB   string
	Kind   domain.MatchKind
}

// Qualifies reports whether an A-side listing can appear in any output under
// s: inside the A price window and at or above the listing floor, bounds
// inclusive. Pipelines use it to pre-filter before probing the price index.
func Qualifies(item domain.Item, s domain.Settings) bool {
	if item.Price < s.PriceMinA || item.Price > s.PriceMaxA {
		return false
	}
	return item.ListingCount >= s.ListingCountMin
}

// Evaluate runs the full filter chain over one matched pair and builds the
// opportunity on success. Filter order: A price window, listing floor,
// positive B price, then the diff window, all bounds inclusive.
func Evaluate(c Candidate, s domain.Settings, now time.Time) (domain.Opportunity, bool) {
	if !Qualifies(c.ItemA, s) {
		return domain.Opportunity{}, false
	}
	if c.PriceB <= 0 {
		return domain.Opportunity{}, false
	}
	diff := c.PriceB - c.ItemA.Price
	if diff < s.DiffMin || diff > s.DiffMax {
		return domain.Opportunity{}, false
	}

	rate := 0.0
	if c.ItemA.Price > 0 {
		rate = diff / c.ItemA.Price * 100
	}

	return domain.Opportunity{
		ID:            "A_" + c.ItemA.ID,
		Name:          c.ItemA.Name,
		CanonicalName: c.ItemA.CanonicalName,
		PriceA:        c.ItemA.Price,
		PriceB:        c.PriceB,
		Diff:          diff,
		ProfitRate:    rate,
		URLA:          c.ItemA.URL,
		URLB:          c.URLB,
		ImageURL:      c.ItemA.ImageURL,
		Category:      c.ItemA.Category,
		ListingCountA: c.ItemA.ListingCount,
		MatchKind:     c.Kind,
		LastUpdated:   now,
	}, true
}

// BuildList evaluates every candidate, orders survivors by profit rate and
// caps the result to the configured output size.
func BuildList(candidates []Candidate, s domain.Settings, now time.Time) []domain.Opportunity {
	opportunities := make([]domain.Opportunity, 0, len(candidates))
	for _, c := range candidates {
		if opportunity, ok := Evaluate(c, s, now); ok {
			opportunities = append(opportunities, opportunity)
		}
	}
	SortByProfitRate(opportunities)
	return Cap(opportunities, s.MaxOutputItems)
}

// SortByProfitRate orders the published list best margin first. The sort is
// stable so equal rates keep their input order.
func SortByProfitRate(opportunities []domain.Opportunity) {
	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].ProfitRate > opportunities[j].ProfitRate
	})
}

// SortByDiff orders by absolute price gap, the order incremental refreshes
// publish in.
func SortByDiff(opportunities []domain.Opportunity) {
	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].Diff > opportunities[j].Diff
	})
}

// Cap truncates the list to at most max items. A non-positive max means no
// cap.
func Cap(opportunities []domain.Opportunity, max int) []domain.Opportunity {
	if max > 0 && len(opportunities) > max {
		return opportunities[:max]
	}
	return opportunities
}
