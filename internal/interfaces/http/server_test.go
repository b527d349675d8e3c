package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valros/skinarb/internal/credentials"
	"github.com/valros/skinarb/internal/data/store"
	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/engine"
	"github.com/valros/skinarb/internal/metrics"
	"github.com/valros/skinarb/internal/persistence"
	"github.com/valros/skinarb/internal/provider"
	"github.com/valros/skinarb/internal/scheduler"
)

const (
	nameAK    = "AK-47 | Redline (Field-Tested)"
	nameGlock = "Glock-18 | Water Elemental (Minimal Wear)"
	nameUSP   = "USP-S | Cortex (Field-Tested)"
)

// stubClient serves fixed catalog pages, a fixed snapshot, and a search
// table, and counts credential reloads.
type stubClient struct {
	platform domain.Platform
	snapshot *domain.Snapshot
	pages    map[int]*provider.Page
	searches map[string][]domain.Item

	mu      sync.Mutex
	reloads int
}

func (c *stubClient) Platform() domain.Platform { return c.platform }

func (c *stubClient) FetchPage(ctx context.Context, pageIndex, pageSize int) (*provider.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page, ok := c.pages[pageIndex]; ok {
		return page, nil
	}
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

func (c *stubClient) ReloadCredentials() {
	c.mu.Lock()
	c.reloads++
	c.mu.Unlock()
}

func (c *stubClient) reloadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloads
}

func itemA(id, name string, price float64) domain.Item {
	return domain.Item{
		Platform: domain.PlatformA, ID: id, Name: name, CanonicalName: name,
		Price: price, ListingCount: 5,
		URL: "https://buff.example/goods/" + id,
	}
}

func itemB(name string, price float64) domain.Item {
	return domain.Item{Platform: domain.PlatformB, Name: name, CanonicalName: name, Price: price}
}

// testStack is a full API stack over stub marketplace clients. The fixture
// yields two opportunities: Glock (diff 3.0, 6%) ahead of AK (diff 4.5,
// 4.5%); the USP diff of 2.0 sits below the default window.
type testStack struct {
	srv   *httptest.Server
	eng   *engine.Engine
	creds *credentials.Store
	store *store.Store
	a, b  *stubClient
}

func newTestStack(t *testing.T, mods ...func(*HandlerDeps)) *testStack {
	t.Helper()

	akA, glockA, uspA := itemA("1", nameAK, 100), itemA("2", nameGlock, 50), itemA("3", nameUSP, 100)
	akB, glockB, uspB := itemB(nameAK, 104.5), itemB(nameGlock, 53), itemB(nameUSP, 102)

	a := &stubClient{
		platform: domain.PlatformA,
		snapshot: &domain.Snapshot{
			Metadata: domain.SnapshotMetadata{Platform: domain.PlatformA, TotalCount: 3},
			Items:    []domain.Item{akA, glockA, uspA},
		},
		pages: map[int]*provider.Page{
			1: {Items: []domain.Item{akA, uspA}, PageIndex: 1, TotalPages: 2},
			2: {Items: []domain.Item{glockA}, PageIndex: 2, TotalPages: 2},
		},
		searches: map[string][]domain.Item{nameAK: {akA}, nameGlock: {glockA}, nameUSP: {uspA}},
	}
	b := &stubClient{
		platform: domain.PlatformB,
		snapshot: &domain.Snapshot{
			Metadata: domain.SnapshotMetadata{Platform: domain.PlatformB, TotalCount: 3},
			Items:    []domain.Item{akB, glockB, uspB},
		},
		pages: map[int]*provider.Page{
			1: {Items: []domain.Item{akB, glockB, uspB}, PageIndex: 1, TotalPages: 1},
		},
		searches: map[string][]domain.Item{nameAK: {akB}, nameGlock: {glockB}, nameUSP: {uspB}},
	}

	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)

	creds, err := credentials.New(filepath.Join(dir, "credentials.json"), time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(creds.Close)

	reg := metrics.NewRegistry()
	eng, err := engine.New(engine.Options{
		Store:   st,
		ClientA: a,
		ClientB: b,
		Metrics: reg,
		SiteB:   "https://www.youpin898.com",
	})
	require.NoError(t, err)

	deps := HandlerDeps{
		Engine:      eng,
		Scheduler:   scheduler.New(eng, scheduler.Overrides{}),
		Credentials: creds,
		Store:       st,
		Metrics:     reg,
		Clients: map[domain.Platform]provider.Client{
			domain.PlatformA: a,
			domain.PlatformB: b,
		},
	}
	for _, mod := range mods {
		mod(&deps)
	}
	handlers := NewHandlers(deps)

	server, err := NewServer(ServerConfig{
		Host:        "127.0.0.1",
		Port:        0,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 5 * time.Second,
	}, handlers)
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testStack{srv: srv, eng: eng, creds: creds, store: st, a: a, b: b}
}

func (ts *testStack) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func (ts *testStack) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewServerRejectsBusyPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	_, err = NewServer(ServerConfig{Host: "127.0.0.1", Port: port}, NewHandlers(HandlerDeps{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("port %d is busy or unavailable", port))
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health HealthResponse
	decode(t, resp, &health)

	// The fresh credentials template has no secrets, so overall health is
	// degraded even though storage and the gate are fine.
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "ok", health.Components["storage"].Status)
	assert.Equal(t, "idle", health.Components["analysis"].Status)
	assert.Equal(t, "unconfigured", health.Components["credentials_a"].Status)
	assert.Equal(t, "unconfigured", health.Components["credentials_b"].Status)
}

// stubDBHealth reports a fixed repository state.
type stubDBHealth struct {
	healthy bool
}

func (s stubDBHealth) Health(ctx context.Context) persistence.HealthCheck {
	check := persistence.HealthCheck{Healthy: s.healthy, LastCheck: time.Now()}
	if !s.healthy {
		check.Errors = []string{"ping failed: connection refused"}
	}
	return check
}

func TestHealthEndpointReportsDatabase(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		ts := newTestStack(t, func(deps *HandlerDeps) {
			deps.DBHealth = stubDBHealth{healthy: true}
		})

		var health HealthResponse
		decode(t, ts.get(t, "/healthz"), &health)
		assert.Equal(t, "ok", health.Components["database"].Status)
	})

	t.Run("down", func(t *testing.T) {
		ts := newTestStack(t, func(deps *HandlerDeps) {
			deps.DBHealth = stubDBHealth{healthy: false}
		})

		var health HealthResponse
		decode(t, ts.get(t, "/healthz"), &health)
		assert.Equal(t, "degraded", health.Status)
		assert.Equal(t, "down", health.Components["database"].Status)
		assert.Contains(t, health.Components["database"].Message, "ping failed")
	})
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestStack(t)
	_, err := ts.eng.RunFull(context.Background(), true)
	require.NoError(t, err)

	resp := ts.get(t, "/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	decode(t, resp, &status)
	assert.False(t, status.Gate.Running)
	assert.Equal(t, 2, status.OpportunityCount)
	assert.Equal(t, 2, status.HashCacheSize)
	assert.InDelta(t, 3.0, status.Settings.DiffMin, 1e-9)
	require.NotNil(t, status.Scheduler)
	assert.False(t, status.Scheduler.Running)
}

func TestNotFoundRoute(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp ErrorResponse
	decode(t, resp, &errResp)
	assert.Equal(t, codeNotFound, errResp.Code)
	assert.NotEmpty(t, errResp.RequestID)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestStack(t)

	req, err := http.NewRequest(http.MethodOptions, ts.srv.URL+"/opportunities", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestStack(t)
	_, err := ts.eng.RunFull(context.Background(), true)
	require.NoError(t, err)

	resp := ts.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := readAll(t, resp)
	assert.Contains(t, body, "skinarb_opportunities_current")
	assert.Contains(t, body, `skinarb_analysis_runs_total{kind="full",result="ok"}`)
}
