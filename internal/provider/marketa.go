package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/metrics"
)

const defaultPageSizeA = 80

// marketAClient talks to platform A's goods listing API: a GET endpoint
// paged by page_num, with a string-typed ask price and rich nested metadata.
type marketAClient struct {
	baseURL   string
	creds     CredentialSource
	transport *transport

	mu      sync.RWMutex
	headers map[string]string
	cookies map[string]string
}

// NewMarketA builds the platform A client. Credentials are copied from the
// source immediately; call ReloadCredentials after the store changes.
func NewMarketA(cfg Config, creds CredentialSource, spacer Spacer, m *metrics.Registry) Client {
	cfg = cfg.withDefaults()
	c := &marketAClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		creds:     creds,
		transport: newTransport(domain.PlatformA, cfg, spacer, m),
	}
	c.ReloadCredentials()
	return c
}

func (c *marketAClient) Platform() domain.Platform { return domain.PlatformA }

func (c *marketAClient) ReloadCredentials() {
	if c.creds == nil {
		return
	}
	headers := c.creds.RequestHeaders(domain.PlatformA)
	cookies := c.creds.RequestCookies(domain.PlatformA)

	c.mu.Lock()
	c.headers = headers
	c.cookies = cookies
	c.mu.Unlock()
}

// Envelope of the goods listing endpoint. code is "OK" on success.
type marketAResponse struct {
	Code string      `json:"code"`
	Data marketAData `json:"data"`
}

type marketAData struct {
	Items      []marketAItem `json:"items"`
	TotalPage  int           `json:"total_page"`
	TotalCount int           `json:"total_count"`
}

type marketAItem struct {
	ID                 json.Number      `json:"id"`
	Name               string           `json:"name"`
	MarketHashName     string           `json:"market_hash_name"`
	SellMinPrice       string           `json:"sell_min_price"`
	SellReferencePrice string           `json:"sell_reference_price"`
	SellNum            int              `json:"sell_num"`
	GoodsInfo          marketAGoodsInfo `json:"goods_info"`
}

type marketAGoodsInfo struct {
	IconURL string `json:"icon_url"`
	Info    struct {
		Tags map[string]marketATag `json:"tags"`
	} `json:"info"`
}

type marketATag struct {
	LocalizedName string `json:"localized_name"`
}

func (c *marketAClient) FetchPage(ctx context.Context, pageIndex, pageSize int) (*Page, error) {
	pageSize = normalizePageSize(pageSize, defaultPageSizeA)

	var page *Page
	err := c.transport.do(ctx, func() (*http.Request, error) {
		return c.buildPageRequest(pageIndex, pageSize, "")
	}, func(body []byte) error {
		p, err := c.decodePage(body, pageIndex)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		c.transport.metrics.RecordPageFetch(domain.PlatformA, "error")
		return nil, err
	}
	c.transport.metrics.RecordPageFetch(domain.PlatformA, "ok")
	return page, nil
}

func (c *marketAClient) FetchAll(ctx context.Context, opts CrawlOptions) (*domain.Snapshot, error) {
	pageSize := normalizePageSize(opts.PageSize, defaultPageSizeA)

	first, err := c.FetchPage(ctx, 1, pageSize)
	if err != nil {
		return nil, err
	}

	totalPages := first.TotalPages
	if opts.MaxPages > 0 && totalPages > opts.MaxPages {
		log.Warn().
			Int("total_pages", totalPages).
			Int("max_pages", opts.MaxPages).
			Msg("Platform A catalog larger than page cap, truncating crawl")
		totalPages = opts.MaxPages
	}

	items := append([]domain.Item(nil), first.Items...)
	for page := 2; page <= totalPages; page++ {
		if stopped(opts) {
			return nil, context.Canceled
		}

		p, err := c.FetchPage(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}
		items = append(items, p.Items...)
	}

	log.Info().
		Int("items", len(items)).
		Int("pages", totalPages).
		Msg("Platform A crawl complete")

	return &domain.Snapshot{
		Metadata: domain.SnapshotMetadata{
			Platform:    domain.PlatformA,
			TotalCount:  len(items),
			GeneratedAt: time.Now().UTC(),
			PageSize:    pageSize,
			MaxPages:    opts.MaxPages,
		},
		Items: items,
	}, nil
}

// Search queries the same listing endpoint with a keyword filter. Results
// without a positive ask price are dropped.
func (c *marketAClient) Search(ctx context.Context, keyword string) ([]domain.Item, error) {
	var page *Page
	err := c.transport.do(ctx, func() (*http.Request, error) {
		return c.buildPageRequest(1, 0, keyword)
	}, func(body []byte) error {
		p, err := c.decodePage(body, 1)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := page.Items[:0]
	for _, item := range page.Items {
		if item.Price > 0 {
			results = append(results, item)
		}
	}
	return results, nil
}

func (c *marketAClient) buildPageRequest(pageIndex, pageSize int, keyword string) (*http.Request, error) {
	query := url.Values{}
	query.Set("game", "csgo")
	query.Set("page_num", strconv.Itoa(pageIndex))
	query.Set("tab", "selling")
	query.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if pageSize > 0 {
		query.Set("page_size", strconv.Itoa(pageSize))
	}
	if keyword != "" {
		query.Set("search", keyword)
	}

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/api/market/goods?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for name, value := range c.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return req, nil
}

func (c *marketAClient) decodePage(body []byte, pageIndex int) (*Page, error) {
	var resp marketAResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformedError(domain.PlatformA, "decode page", err)
	}
	if resp.Code != "OK" {
		return nil, malformedError(domain.PlatformA, fmt.Sprintf("api code %q", resp.Code), nil)
	}

	now := time.Now().UTC()
	items := make([]domain.Item, 0, len(resp.Data.Items))
	for _, raw := range resp.Data.Items {
		item, ok := c.parseItem(raw, now)
		if !ok {
			continue
		}
		items = append(items, item)
	}

	return &Page{
		Items:      items,
		PageIndex:  pageIndex,
		TotalPages: resp.Data.TotalPage,
		TotalCount: resp.Data.TotalCount,
	}, nil
}

func (c *marketAClient) parseItem(raw marketAItem, now time.Time) (domain.Item, bool) {
	id := raw.ID.String()
	if id == "" || raw.Name == "" {
		return domain.Item{}, false
	}

	price := parsePrice(raw.SellMinPrice)
	if price <= 0 {
		// Listings with no live ask fall back to the reference price.
		price = parsePrice(raw.SellReferencePrice)
	}

	return domain.Item{
		Platform:      domain.PlatformA,
		ID:            id,
		Name:          raw.Name,
		CanonicalName: raw.MarketHashName,
		Price:         price,
		ListingCount:  raw.SellNum,
		URL:           c.baseURL + "/goods/" + id,
		ImageURL:      raw.GoodsInfo.IconURL,
		Category:      categoryOf(raw.GoodsInfo.Info.Tags),
		CapturedAt:    now,
	}, true
}

// categoryOf prefers the weapon tag, falling back to the item type.
func categoryOf(tags map[string]marketATag) string {
	if tag, ok := tags["weapon"]; ok && tag.LocalizedName != "" {
		return tag.LocalizedName
	}
	if tag, ok := tags["type"]; ok {
		return tag.LocalizedName
	}
	return ""
}

func parsePrice(s string) float64 {
	if s == "" {
		return 0
	}
	price, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return price
}
