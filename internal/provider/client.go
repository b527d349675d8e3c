package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/metrics"
)

// Client is one marketplace's fetch surface. Both platform clients implement
// it so the analysis pipelines stay platform-agnostic.
type Client interface {
	Platform() domain.Platform

	// FetchPage returns one decoded catalog page. pageIndex starts at 1.
	// A pageSize of 0 uses the platform default.
	FetchPage(ctx context.Context, pageIndex, pageSize int) (*Page, error)

	// FetchAll crawls the catalog sequentially into a snapshot.
	FetchAll(ctx context.Context, opts CrawlOptions) (*domain.Snapshot, error)

	// Search returns listings matching keyword with a positive price.
	Search(ctx context.Context, keyword string) ([]domain.Item, error)

	// ReloadCredentials re-reads auth material from the credential source.
	// Clients copy the bag at construction and never consult the source
	// per request.
	ReloadCredentials()
}

// Page is one decoded catalog page.
type Page struct {
	Items      []domain.Item
	PageIndex  int
	TotalPages int // 0 when the platform does not report it
	TotalCount int // 0 when the platform does not report it
}

// CrawlOptions bound a full catalog crawl.
type CrawlOptions struct {
	PageSize int
	MaxPages int

	// ShouldStop is polled between pages; a true return aborts the crawl
	// with context.Canceled. Nil means never stop early.
	ShouldStop func() bool
}

// CredentialSource supplies per-platform auth material for outbound requests.
// Implemented by the credential store.
type CredentialSource interface {
	RequestHeaders(platform domain.Platform) map[string]string
	RequestCookies(platform domain.Platform) map[string]string
}

// Spacer enforces the process-wide per-platform request spacing. Implemented
// by ratelimit.Gate.
type Spacer interface {
	Wait(ctx context.Context, platform domain.Platform) error
}

// Config holds the knobs shared by both platform clients.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 10 * time.Second

	breakerMaxFailures = 5
	breakerOpenTimeout = 30 * time.Second
)

// transport performs authenticated marketplace requests with spacing,
// circuit breaking, retry with backoff, and error classification. Both
// platform clients embed one.
type transport struct {
	platform domain.Platform
	client   *http.Client
	spacer   Spacer
	breaker  *gobreaker.CircuitBreaker
	metrics  *metrics.Registry

	maxRetries int
	sleep      func(ctx context.Context, attempt int) error
}

func newTransport(platform domain.Platform, cfg Config, spacer Spacer, m *metrics.Registry) *transport {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("market-%s", platform),
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &transport{
		platform:   platform,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		spacer:     spacer,
		breaker:    breaker,
		metrics:    m,
		maxRetries: cfg.MaxRetries,
		sleep:      sleepBackoff,
	}
}

// do executes build() with retries. build constructs a fresh request per
// attempt so cache busters and body readers are not reused; decode consumes
// the response body and may reject it as malformed, which retries like any
// transport failure. Auth failures and non-retryable statuses return
// immediately; everything else backs off exponentially with jitter and
// retries up to maxRetries times.
func (t *transport) do(ctx context.Context, build func() (*http.Request, error), decode func([]byte) error) error {
	var lastErr error

	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			t.metrics.RecordRetry(t.platform, retryReason(lastErr))
			if err := t.sleep(ctx, attempt); err != nil {
				return err
			}
		}

		if t.spacer != nil {
			if err := t.spacer.Wait(ctx, t.platform); err != nil {
				return err
			}
		}

		body, err := t.attempt(ctx, build)
		if err == nil {
			if err = decode(body); err == nil {
				return nil
			}
		}
		lastErr = err

		if !IsTemporary(err) {
			return err
		}

		log.Debug().
			Str("platform", string(t.platform)).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Marketplace request failed, will retry")
	}

	return lastErr
}

func (t *transport) attempt(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		req, err := build()
		if err != nil {
			return nil, transportError(t.platform, 0, "build request", false, err)
		}

		resp, err := t.client.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, transportError(t.platform, 0, "request failed", true, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, transportError(t.platform, resp.StatusCode, "read body", true, err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, authError(t.platform, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, rateLimitError(t.platform, resp.StatusCode)
		case resp.StatusCode >= 500:
			return nil, transportError(t.platform, resp.StatusCode, "server error", true, nil)
		default:
			return nil, transportError(t.platform, resp.StatusCode, "unexpected status", false, nil)
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, transportError(t.platform, 0, "circuit open", true, err)
		}
		return nil, err
	}
	return result.([]byte), nil
}

// sleepBackoff waits 1s, 2s, 4s, ... capped at retryMaxDelay, plus up to 1s
// of jitter, honoring context cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	delay += time.Duration(rand.Int63n(int64(time.Second)))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryReason(err error) string {
	if code := ErrorCode(err); code != "" {
		return code
	}
	return ErrCodeTransport
}

func normalizePageSize(size, fallback int) int {
	if size <= 0 {
		return fallback
	}
	return size
}

func stopped(opts CrawlOptions) bool {
	return opts.ShouldStop != nil && opts.ShouldStop()
}
