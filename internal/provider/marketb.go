package provider

import (
	"bytes"
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

const defaultPageSizeB = 100

// marketBClient talks to platform B's template listing API: a POST endpoint
// paged by pageIndex with no total-page count. The catalog end is signaled
// by a strictly empty page; short pages are platform quirks and the crawl
// continues past them.
type marketBClient struct {
	baseURL   string
	siteURL   string
	creds     CredentialSource
	transport *transport

	mu      sync.RWMutex
	headers map[string]string
}

// NewMarketB builds the platform B client. siteURL is the public storefront
// used for listing links; it differs from the API host.
func NewMarketB(cfg Config, siteURL string, creds CredentialSource, spacer Spacer, m *metrics.Registry) Client {
	cfg = cfg.withDefaults()
	c := &marketBClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		siteURL:   strings.TrimRight(siteURL, "/"),
		creds:     creds,
		transport: newTransport(domain.PlatformB, cfg, spacer, m),
	}
	c.ReloadCredentials()
	return c
}

func (c *marketBClient) Platform() domain.Platform { return domain.PlatformB }

func (c *marketBClient) ReloadCredentials() {
	if c.creds == nil {
		return
	}
	headers := c.creds.RequestHeaders(domain.PlatformB)

	c.mu.Lock()
	c.headers = headers
	c.mu.Unlock()
}

type marketBQuery struct {
	ListSortType int    `json:"listSortType"`
	SortType     int    `json:"sortType"`
	PageSize     int    `json:"pageSize"`
	PageIndex    int    `json:"pageIndex"`
	KeyWords     string `json:"keyWords,omitempty"`
}

// Catalog pages come back as {"Data": [...]}; keyword searches use a
// different envelope, {"code": 200, "data": {"dataList": [...]}}.
type marketBPageResponse struct {
	Data []marketBItem `json:"Data"`
}

type marketBSearchResponse struct {
	Code int `json:"code"`
	Data struct {
		DataList []marketBItem `json:"dataList"`
	} `json:"data"`
}

type marketBItem struct {
	CommodityID       json.Number `json:"commodityId"`
	CommodityName     string      `json:"commodityName"`
	CommodityHashName string      `json:"commodityHashName"`
	Price             bPrice      `json:"price"`
	CommodityURL      string      `json:"commodityUrl"`
}

// bPrice tolerates the platform serving price as a number or a quoted
// string. Unparsable values decode to zero and are filtered downstream.
type bPrice float64

func (p *bPrice) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*p = 0
		return nil
	}
	*p = bPrice(f)
	return nil
}

func (c *marketBClient) FetchPage(ctx context.Context, pageIndex, pageSize int) (*Page, error) {
	pageSize = normalizePageSize(pageSize, defaultPageSizeB)

	var page *Page
	err := c.transport.do(ctx, func() (*http.Request, error) {
		return c.buildRequest(marketBQuery{
			PageSize:  pageSize,
			PageIndex: pageIndex,
		})
	}, func(body []byte) error {
		var resp marketBPageResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return malformedError(domain.PlatformB, "decode page", err)
		}

		now := time.Now().UTC()
		items := make([]domain.Item, 0, len(resp.Data))
		for _, raw := range resp.Data {
			item, ok := c.parseItem(raw, now, false)
			if !ok {
				continue
			}
			items = append(items, item)
		}
		page = &Page{Items: items, PageIndex: pageIndex}
		return nil
	})
	if err != nil {
		c.transport.metrics.RecordPageFetch(domain.PlatformB, "error")
		return nil, err
	}

	c.transport.metrics.RecordPageFetch(domain.PlatformB, "ok")
	return page, nil
}

// FetchAll pages until a strictly empty page or the page cap. Duplicate
// display names are dropped so one template cannot shadow another during
// matching.
func (c *marketBClient) FetchAll(ctx context.Context, opts CrawlOptions) (*domain.Snapshot, error) {
	pageSize := normalizePageSize(opts.PageSize, defaultPageSizeB)
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 2000
	}

	var items []domain.Item
	seen := make(map[string]struct{})
	pages := 0

	for page := 1; page <= maxPages; page++ {
		if stopped(opts) {
			return nil, context.Canceled
		}

		p, err := c.FetchPage(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}

		if len(p.Items) == 0 {
			log.Info().Int("page", page).Msg("Platform B catalog exhausted")
			break
		}
		if len(p.Items) < pageSize {
			// Short pages happen mid-catalog; only an empty page ends it.
			log.Warn().
				Int("page", page).
				Int("items", len(p.Items)).
				Int("page_size", pageSize).
				Msg("Platform B returned a short page, continuing")
		}

		pages = page
		for _, item := range p.Items {
			if _, dup := seen[item.Name]; dup {
				continue
			}
			seen[item.Name] = struct{}{}
			items = append(items, item)
		}
	}

	log.Info().
		Int("items", len(items)).
		Int("pages", pages).
		Msg("Platform B crawl complete")

	return &domain.Snapshot{
		Metadata: domain.SnapshotMetadata{
			Platform:    domain.PlatformB,
			TotalCount:  len(items),
			GeneratedAt: time.Now().UTC(),
			PageSize:    pageSize,
			MaxPages:    opts.MaxPages,
		},
		Items: items,
	}, nil
}

// Search queries the templates matching keyword. Results without a positive
// price are dropped.
func (c *marketBClient) Search(ctx context.Context, keyword string) ([]domain.Item, error) {
	var items []domain.Item
	err := c.transport.do(ctx, func() (*http.Request, error) {
		return c.buildRequest(marketBQuery{
			KeyWords:  keyword,
			PageSize:  20,
			PageIndex: 1,
		})
	}, func(body []byte) error {
		var resp marketBSearchResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return malformedError(domain.PlatformB, "decode search", err)
		}
		if resp.Code != 200 {
			return malformedError(domain.PlatformB, fmt.Sprintf("api code %d", resp.Code), nil)
		}

		now := time.Now().UTC()
		items = make([]domain.Item, 0, len(resp.Data.DataList))
		for _, raw := range resp.Data.DataList {
			item, ok := c.parseItem(raw, now, true)
			if !ok || item.Price <= 0 {
				continue
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (c *marketBClient) buildRequest(query marketBQuery) (*http.Request, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost,
		c.baseURL+"/api/homepage/pc/goods/market/querySaleTemplate",
		bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// SearchURL links to the platform B storefront search for a display name.
// Catalog rows are sale templates without a stable listing URL, so search by
// name is the only durable link to them.
func SearchURL(siteURL, displayName string) string {
	return strings.TrimRight(siteURL, "/") + "/search?keyword=" + url.QueryEscape(displayName)
}

// parseItem maps one raw row. Search hits link straight to the listing
// detail page; catalog rows are templates, so their link goes through the
// storefront search instead.
func (c *marketBClient) parseItem(raw marketBItem, now time.Time, fromSearch bool) (domain.Item, bool) {
	id := raw.CommodityID.String()
	if id == "" || raw.CommodityName == "" {
		return domain.Item{}, false
	}

	itemURL := SearchURL(c.siteURL, raw.CommodityName)
	if fromSearch {
		itemURL = c.siteURL + "/goodsDetail?id=" + id
	}

	return domain.Item{
		Platform:      domain.PlatformB,
		ID:            id,
		Name:          raw.CommodityName,
		CanonicalName: raw.CommodityHashName,
		Price:         float64(raw.Price),
		URL:           itemURL,
		ImageURL:      raw.CommodityURL,
		CapturedAt:    now,
	}, true
}
