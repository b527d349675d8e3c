package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/domain"
	skio "github.com/valros/skinarb/internal/io"
)

// HashNameCache keeps the canonical names of the best opportunities from the
// last full analysis. Incremental runs only re-check these names instead of
// crawling the whole catalog, so the cache is ordered by absolute price gap
// and truncated to the configured size on every rebuild.
type HashNameCache struct {
	mu             sync.RWMutex
	path           string
	names          []string
	lastFullUpdate time.Time
}

// hashNamePayload is the on-disk gob layout.
type hashNamePayload struct {
	Names          []string
	LastFullUpdate time.Time
}

// NewHashNameCache creates a cache persisted at path.
func NewHashNameCache(path string) *HashNameCache {
	return &HashNameCache{path: path}
}

// Load restores the cache from disk. A missing file is a cold start, not an
// error; a corrupt file is dropped with a warning so the next full run can
// rebuild it.
func (h *HashNameCache) Load() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read hash-name cache: %w", err)
	}

	var payload hashNamePayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		log.Warn().Err(err).Str("path", h.path).Msg("Hash-name cache is corrupt, starting empty")
		return nil
	}

	h.mu.Lock()
	h.names = payload.Names
	h.lastFullUpdate = payload.LastFullUpdate
	h.mu.Unlock()

	return nil
}

// Rebuild replaces the cache with the canonical names of the given
// opportunities, ordered by diff descending and truncated to size, then
// persists it. Called after every successful full analysis.
func (h *HashNameCache) Rebuild(opportunities []domain.Opportunity, size int) error {
	sorted := make([]domain.Opportunity, len(opportunities))
	copy(sorted, opportunities)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Diff > sorted[j].Diff
	})

	if size > 0 && len(sorted) > size {
		sorted = sorted[:size]
	}

	names := make([]string, 0, len(sorted))
	for _, opp := range sorted {
		names = append(names, opp.CanonicalName)
	}

	h.mu.Lock()
	h.names = names
	h.lastFullUpdate = time.Now()
	err := h.persistLocked()
	h.mu.Unlock()

	return err
}

// Clear empties the cache and persists the empty state. Used when a settings
// edit changes which items can qualify at all.
func (h *HashNameCache) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.names = nil
	h.lastFullUpdate = time.Time{}
	return h.persistLocked()
}

// Names returns a copy of the cached canonical names in rank order.
func (h *HashNameCache) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Len returns the number of cached names.
func (h *HashNameCache) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.names)
}

// LastFullUpdate returns when the cache was last rebuilt from a full run.
func (h *HashNameCache) LastFullUpdate() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastFullUpdate
}

// IsStale reports whether the cache is empty or older than maxAge. The
// scheduler uses this to decide whether a startup full run is needed.
func (h *HashNameCache) IsStale(maxAge time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.names) == 0 {
		return true
	}
	return time.Since(h.lastFullUpdate) > maxAge
}

// persistLocked writes the gob payload atomically. Caller must hold the lock.
func (h *HashNameCache) persistLocked() error {
	var buf bytes.Buffer
	payload := hashNamePayload{
		Names:          h.names,
		LastFullUpdate: h.lastFullUpdate,
	}
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return fmt.Errorf("encode hash-name cache: %w", err)
	}

	if err := skio.WriteFileAtomic(h.path, buf.Bytes()); err != nil {
		return fmt.Errorf("write hash-name cache: %w", err)
	}

	return nil
}
