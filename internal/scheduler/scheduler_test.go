package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valros/skinarb/internal/data/store"
	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/engine"
	"github.com/valros/skinarb/internal/provider"
)

// stubClient serves a fixed snapshot and search table.
type stubClient struct {
	platform domain.Platform
	snapshot *domain.Snapshot
	searches map[string][]domain.Item
}

func (c *stubClient) Platform() domain.Platform { return c.platform }

func (c *stubClient) FetchPage(ctx context.Context, pageIndex, pageSize int) (*provider.Page, error) {
	return &provider.Page{PageIndex: pageIndex}, nil
}

func (c *stubClient) FetchAll(ctx context.Context, opts provider.CrawlOptions) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.snapshot, nil
}

func (c *stubClient) Search(ctx context.Context, keyword string) ([]domain.Item, error) {
	return c.searches[keyword], nil
}

func (c *stubClient) ReloadCredentials() {}

const stubName = "AK-47 | Redline (Field-Tested)"

func newSchedulerEngine(t *testing.T) *engine.Engine {
	t.Helper()

	hitA := domain.Item{
		Platform: domain.PlatformA, ID: "1", Name: stubName, CanonicalName: stubName,
		Price: 100, ListingCount: 5,
	}
	hitB := domain.Item{
		Platform: domain.PlatformB, Name: stubName, CanonicalName: stubName,
		Price: 104.5,
	}

	a := &stubClient{
		platform: domain.PlatformA,
		snapshot: &domain.Snapshot{
			Metadata: domain.SnapshotMetadata{Platform: domain.PlatformA, TotalCount: 1},
			Items:    []domain.Item{hitA},
		},
		searches: map[string][]domain.Item{stubName: {hitA}},
	}
	b := &stubClient{
		platform: domain.PlatformB,
		snapshot: &domain.Snapshot{
			Metadata: domain.SnapshotMetadata{Platform: domain.PlatformB, TotalCount: 1},
			Items:    []domain.Item{hitB},
		},
		searches: map[string][]domain.Item{stubName: {hitB}},
	}

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	e, err := engine.New(engine.Options{
		Store:   st,
		ClientA: a,
		ClientB: b,
		SiteB:   "https://www.youpin898.com",
	})
	require.NoError(t, err)
	return e
}

func boolPtr(v bool) *bool { return &v }

func TestLoadOverridesMissingFile(t *testing.T) {
	o, err := LoadOverrides(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.True(t, o.Full.enabled())
	assert.True(t, o.Incremental.enabled())
}

func TestLoadOverridesParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	body := "full:\n  enabled: false\nincremental:\n  interval: 30s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	o, err := LoadOverrides(path)
	require.NoError(t, err)
	assert.False(t, o.Full.enabled())
	assert.True(t, o.Incremental.enabled())
	assert.Equal(t, 30*time.Second, o.Incremental.interval(time.Minute))
}

func TestLoadOverridesRejectsBadInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("full:\n  interval: soon\n"), 0o644))

	_, err := LoadOverrides(path)
	assert.Error(t, err)
}

func TestJobOverrideFallbacks(t *testing.T) {
	var o JobOverride
	assert.True(t, o.enabled())
	assert.Equal(t, time.Hour, o.interval(time.Hour))

	o = JobOverride{Enabled: boolPtr(false), Interval: "15m"}
	assert.False(t, o.enabled())
	assert.Equal(t, 15*time.Minute, o.interval(time.Hour))
}

func TestStartupFullRunsWhenCacheEmpty(t *testing.T) {
	e := newSchedulerEngine(t)
	s := New(e, Overrides{
		// Long loop intervals: only the startup pass can fire.
		Full:        JobOverride{Interval: "1h"},
		Incremental: JobOverride{Interval: "1h"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Len(t, e.Opportunities(context.Background()).Items, 1)
	assert.NotZero(t, e.HashCache().Len())
	assert.False(t, s.Status().LastFullRun.IsZero())
}

func TestStartupFullSkippedWhenCacheFresh(t *testing.T) {
	e := newSchedulerEngine(t)
	require.NoError(t, e.HashCache().Rebuild([]domain.Opportunity{
		{CanonicalName: stubName, Diff: 4.5},
	}, 10))

	s := New(e, Overrides{
		Full:        JobOverride{Interval: "1h"},
		Incremental: JobOverride{Enabled: boolPtr(false)},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	// Nothing ran, nothing was published.
	assert.Empty(t, e.Opportunities(context.Background()).Items)
	assert.True(t, s.Status().LastFullRun.IsZero())
}

func TestIncrementalLoopTicks(t *testing.T) {
	e := newSchedulerEngine(t)
	require.NoError(t, e.HashCache().Rebuild([]domain.Opportunity{
		{CanonicalName: stubName, Diff: 4.5},
	}, 10))

	s := New(e, Overrides{
		Full:        JobOverride{Enabled: boolPtr(false)},
		Incremental: JobOverride{Interval: "10ms"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.False(t, s.Status().LastIncrementalRun.IsZero())
	assert.Len(t, e.Opportunities(context.Background()).Items, 1)
}

func TestRunStopsPromptly(t *testing.T) {
	e := newSchedulerEngine(t)
	s := New(e, Overrides{
		Full:        JobOverride{Enabled: boolPtr(false)},
		Incremental: JobOverride{Enabled: boolPtr(false)},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().Running }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Status().Running)
}

func TestStatusReportsIntervals(t *testing.T) {
	e := newSchedulerEngine(t)
	s := New(e, Overrides{Incremental: JobOverride{Interval: "30s"}})

	status := s.Status()
	assert.True(t, status.FullEnabled)
	assert.Equal(t, time.Hour.String(), status.FullInterval)
	assert.Equal(t, (30 * time.Second).String(), status.IncrementalInterval)
}
