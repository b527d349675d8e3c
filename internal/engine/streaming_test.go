package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/provider"
)

func pageOf(totalPages int, items ...domain.Item) *provider.Page {
	return &provider.Page{Items: items, TotalPages: totalPages}
}

// streamFakes scripts a two-page A catalog against a one-page B catalog.
// Page one yields the AK (diff 4.5, in window) and the USP (diff 2, below);
// page two yields the Glock (diff 3, on the edge).
func streamFakes() (*fakeClient, *fakeClient) {
	a := &fakeClient{platform: domain.PlatformA, pages: map[int]*provider.Page{
		1: pageOf(2,
			itemA("1", "AK-47 | Redline (Field-Tested)", 100, 5),
			itemA("4", "USP-S | Kill Confirmed", 100, 5),
		),
		2: pageOf(2,
			itemA("2", "Glock-18 | Fade (Factory New)", 50, 3),
		),
	}}
	b := &fakeClient{platform: domain.PlatformB, pages: map[int]*provider.Page{
		1: pageOf(1,
			itemB("AK-47 | Redline (Field-Tested)", 104.5),
			itemB("USP-S | Kill Confirmed", 102),
			itemB("Glock-18 | Fade (Factory New)", 53),
		),
	}}
	return a, b
}

func collect(ch <-chan Frame) []Frame {
	var frames []Frame
	for f := range ch {
		frames = append(frames, f)
	}
	return frames
}

func frameTypes(frames []Frame) []string {
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	return types
}

func TestStreamFrameSequence(t *testing.T) {
	a, b := streamFakes()
	e := newTestEngine(t, a, b)

	frames := collect(e.Stream(context.Background()))

	require.Equal(t, []string{
		FrameProgress,           // data_fetching
		FrameMappingReady,       // B index built
		FrameProgress,           // platform A scan begins
		FrameIncrementalResults, // page one: the AK
		FrameIncrementalResults, // page two: the Glock
		FrameCompleted,
	}, frameTypes(frames))

	assert.Equal(t, stageFetching, frames[0].Stage)
	for _, f := range frames {
		assert.False(t, f.Timestamp.IsZero(), "frame %s missing timestamp", f.Type)
	}

	mapping := frames[1]
	assert.Equal(t, 3, mapping.HashCount)
	assert.Equal(t, 3, mapping.NameCount)

	scan := frames[2]
	assert.Equal(t, stageScanA, scan.Stage)
	assert.Equal(t, 2, scan.TotalPages)

	first := frames[3]
	require.Len(t, first.Data, 1)
	assert.Equal(t, "AK-47 | Redline (Field-Tested)", first.Data[0].Name)
	assert.Equal(t, 1, first.TotalFound)
	assert.Equal(t, 2, first.TotalProcessed)

	second := frames[4]
	require.Len(t, second.Data, 1)
	assert.Equal(t, "Glock-18 | Fade (Factory New)", second.Data[0].Name)
	assert.Equal(t, 2, second.TotalFound)
	assert.Equal(t, 3, second.TotalProcessed)

	// The terminal frame carries the final list, best margin first.
	done := frames[5]
	require.Len(t, done.Data, 2)
	assert.Equal(t, "Glock-18 | Fade (Factory New)", done.Data[0].Name)
	assert.Equal(t, "AK-47 | Redline (Field-Tested)", done.Data[1].Name)
	assert.Equal(t, 2, done.TotalFound)
	assert.Equal(t, 3, done.TotalProcessed)
}

func TestStreamPublishesFinalList(t *testing.T) {
	a, b := streamFakes()
	e := newTestEngine(t, a, b)

	collect(e.Stream(context.Background()))

	saved, err := e.store.Opportunities()
	require.NoError(t, err)
	require.Len(t, saved.Items, 2)
	assert.Equal(t, "Glock-18 | Fade (Factory New)", saved.Items[0].Name)

	require.NotNil(t, e.Gate().CachedResults())
	assert.Len(t, e.Gate().CachedResults().Items, 2)
	assert.False(t, e.Gate().Status().Running)

	// Streaming never rebuilds the hash-name cache; that stays a full-run
	// responsibility.
	assert.Zero(t, e.HashCache().Len())
}

func TestStreamStartsWithCachedData(t *testing.T) {
	a, b := streamFakes()
	e := newTestEngine(t, a, b)
	e.Gate().PrimeResults(&domain.OpportunityList{Items: []domain.Opportunity{
		{ID: "A_9", Name: "M4A4 | Howl (Minimal Wear)", Diff: 5, ProfitRate: 2.5},
	}})

	frames := collect(e.Stream(context.Background()))
	require.NotEmpty(t, frames)

	first := frames[0]
	assert.Equal(t, FrameCachedData, first.Type)
	assert.True(t, first.Cached)
	require.Len(t, first.Data, 1)
	assert.Equal(t, "M4A4 | Howl (Minimal Wear)", first.Data[0].Name)

	assert.Equal(t, FrameCompleted, frames[len(frames)-1].Type)
}

func TestStreamRejectsWhenGateHeld(t *testing.T) {
	a, b := streamFakes()
	e := newTestEngine(t, a, b)

	require.True(t, e.Gate().TryStart(KindFull, "full_hold", false))

	frames := collect(e.Stream(context.Background()))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameError, frames[0].Type)
	assert.Equal(t, "analysis already running", frames[0].Error)
	assert.Contains(t, frames[0].Message, "full")

	// The holder keeps the gate.
	assert.True(t, e.Gate().Status().Running)
}

func TestStreamPlatformBFailureIsTerminal(t *testing.T) {
	a, b := streamFakes()
	b.fetchErr = errors.New("auth expired")
	e := newTestEngine(t, a, b)

	frames := collect(e.Stream(context.Background()))
	require.Equal(t, []string{FrameProgress, FrameError}, frameTypes(frames))
	assert.Contains(t, frames[1].Error, "auth expired")

	assert.False(t, e.Gate().Status().Running)
	list, err := e.store.Opportunities()
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}

func TestStreamStopUnwindsWithCancelledFrame(t *testing.T) {
	a, b := streamFakes()
	e := newTestEngine(t, a, b)

	// Trip the stop while the producer is fetching page two; the batch in
	// flight is dropped and the consumer unwinds.
	a.onFetchPage = func(page int) {
		if page == 2 {
			e.ForceStopAll()
		}
	}

	frames := collect(e.Stream(context.Background()))
	require.NotEmpty(t, frames)
	assert.Equal(t, FrameCancelled, frames[len(frames)-1].Type)

	terminals := 0
	for _, f := range frames {
		switch f.Type {
		case FrameCompleted, FrameCancelled, FrameError:
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	assert.False(t, e.Gate().Status().Running)
	list, err := e.store.Opportunities()
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}

func TestStreamSecondSubscriberRejected(t *testing.T) {
	a, b := streamFakes()
	e := newTestEngine(t, a, b)

	// Park the first stream inside the B crawl so it holds the gate for
	// the whole assertion window.
	release := make(chan struct{})
	b.onFetchPage = func(page int) {
		if page == 1 {
			<-release
		}
	}

	firstCh := e.Stream(context.Background())
	f, ok := <-firstCh
	require.True(t, ok)
	require.Equal(t, FrameProgress, f.Type)

	second := collect(e.Stream(context.Background()))
	require.Len(t, second, 1)
	assert.Equal(t, FrameError, second[0].Type)

	close(release)
	rest := collect(firstCh)
	require.NotEmpty(t, rest)
	assert.Equal(t, FrameCompleted, rest[len(rest)-1].Type)
}
