package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valros/skinarb/internal/domain"
)

// staticCreds is a fixed credential bag for client tests.
type staticCreds struct {
	headers map[string]string
	cookies map[string]string
}

func (c staticCreds) RequestHeaders(domain.Platform) map[string]string { return c.headers }
func (c staticCreds) RequestCookies(domain.Platform) map[string]string { return c.cookies }

// instantSleep removes retry backoff from tests while still honoring
// cancellation.
func instantSleep(ctx context.Context, _ int) error { return ctx.Err() }

func testConfig(baseURL string, retries int) Config {
	return Config{BaseURL: baseURL, RequestTimeout: 2 * time.Second, MaxRetries: retries}
}

func newTestMarketA(t *testing.T, baseURL string, retries int, creds CredentialSource) *marketAClient {
	t.Helper()
	c := NewMarketA(testConfig(baseURL, retries), creds, nil, nil).(*marketAClient)
	c.transport.sleep = instantSleep
	return c
}

func newTestMarketB(t *testing.T, apiURL, siteURL string, retries int, creds CredentialSource) *marketBClient {
	t.Helper()
	c := NewMarketB(testConfig(apiURL, retries), siteURL, creds, nil, nil).(*marketBClient)
	c.transport.sleep = instantSleep
	return c
}

type failingSpacer struct{ err error }

func (s failingSpacer) Wait(context.Context, domain.Platform) error { return s.err }

func TestTransportBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTransport(domain.PlatformA, testConfig(srv.URL, 8), nil, nil)
	tr.sleep = instantSleep

	err := tr.do(context.Background(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, func([]byte) error { return nil })

	require.Error(t, err)
	assert.Equal(t, ErrCodeTransport, ErrorCode(err))
	// Five consecutive failures trip the breaker; the remaining attempts are
	// rejected without reaching the server.
	assert.EqualValues(t, breakerMaxFailures, requests.Load())
}

func TestTransportSpacerErrorAborts(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	boom := errors.New("spacing interrupted")
	tr := newTransport(domain.PlatformA, testConfig(srv.URL, 2), failingSpacer{err: boom}, nil)
	tr.sleep = instantSleep

	err := tr.do(context.Background(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, func([]byte) error { return nil })

	require.ErrorIs(t, err, boom)
	assert.EqualValues(t, 0, requests.Load())
}

func TestTransportStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		cancel()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTransport(domain.PlatformA, testConfig(srv.URL, 5), nil, nil)
	tr.sleep = instantSleep

	err := tr.do(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, func([]byte) error { return nil })

	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, requests.Load())
}

func TestSleepBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepBackoff(ctx, 3)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
