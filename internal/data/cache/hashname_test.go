package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valros/skinarb/internal/domain"
)

func opp(name string, diff float64) domain.Opportunity {
	return domain.Opportunity{CanonicalName: name, Diff: diff}
}

func TestHashNameCacheRebuildOrdersByDiff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashname_cache.bin")
	h := NewHashNameCache(path)

	opportunities := []domain.Opportunity{
		opp("AWP | Asiimov (Field-Tested)", 4.1),
		opp("AK-47 | Redline (Field-Tested)", 9.3),
		opp("Glock-18 | Fade (Factory New)", 6.0),
	}

	require.NoError(t, h.Rebuild(opportunities, 10))

	assert.Equal(t, []string{
		"AK-47 | Redline (Field-Tested)",
		"Glock-18 | Fade (Factory New)",
		"AWP | Asiimov (Field-Tested)",
	}, h.Names())
}

func TestHashNameCacheRebuildTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashname_cache.bin")
	h := NewHashNameCache(path)

	opportunities := []domain.Opportunity{
		opp("a", 1), opp("b", 5), opp("c", 3), opp("d", 4),
	}

	require.NoError(t, h.Rebuild(opportunities, 2))
	assert.Equal(t, []string{"b", "d"}, h.Names())
	assert.Equal(t, 2, h.Len())
}

func TestHashNameCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashname_cache.bin")

	h := NewHashNameCache(path)
	require.NoError(t, h.Rebuild([]domain.Opportunity{opp("x", 3), opp("y", 7)}, 10))
	wantUpdate := h.LastFullUpdate()

	reloaded := NewHashNameCache(path)
	require.NoError(t, reloaded.Load())

	assert.Equal(t, []string{"y", "x"}, reloaded.Names())
	assert.WithinDuration(t, wantUpdate, reloaded.LastFullUpdate(), time.Second)
	assert.False(t, reloaded.IsStale(time.Hour))
}

func TestHashNameCacheLoadMissingFileIsColdStart(t *testing.T) {
	h := NewHashNameCache(filepath.Join(t.TempDir(), "absent.bin"))
	require.NoError(t, h.Load())
	assert.Zero(t, h.Len())
	assert.True(t, h.IsStale(time.Hour))
}

func TestHashNameCacheStaleness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashname_cache.bin")
	h := NewHashNameCache(path)

	require.NoError(t, h.Rebuild([]domain.Opportunity{opp("x", 3)}, 10))
	assert.False(t, h.IsStale(time.Hour))
	assert.True(t, h.IsStale(0), "anything older than the zero max age is stale")
}

func TestHashNameCacheClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashname_cache.bin")
	h := NewHashNameCache(path)

	require.NoError(t, h.Rebuild([]domain.Opportunity{opp("x", 3)}, 10))
	require.NoError(t, h.Clear())

	assert.Zero(t, h.Len())
	assert.True(t, h.IsStale(time.Hour))

	reloaded := NewHashNameCache(path)
	require.NoError(t, reloaded.Load())
	assert.Zero(t, reloaded.Len(), "cleared state must persist")
}
