package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valros/skinarb/internal/domain"
)

const marketBSite = "https://store.example"

func TestMarketBFetchPageMapsTemplate(t *testing.T) {
	var (
		method string
		path   string
		header http.Header
		sent   marketBQuery
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		header = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &sent))
		io.WriteString(w, `{"Data":[
			{"commodityId":991,"commodityName":"AK-47 | 红线 (久经沙场)",
			 "commodityHashName":"AK-47 | Redline (Field-Tested)","price":"104.5",
			 "commodityUrl":"https://img.example/b.png"},
			{"commodityId":992,"commodityName":"Glock-18 | 水灵 (略有磨损)",
			 "commodityHashName":"Glock-18 | Water Elemental (Minimal Wear)","price":53,
			 "commodityUrl":""},
			{"commodityId":993,"commodityName":"USP-S | 黑水 (久经沙场)",
			 "commodityHashName":"USP-S | Blackwater (Field-Tested)","price":null,
			 "commodityUrl":""}]}`)
	}))
	defer srv.Close()

	client := newTestMarketB(t, srv.URL, marketBSite, 1, staticCreds{
		headers: map[string]string{"Authorization": "Bearer tok", "Uk": "u1"},
	})

	page, err := client.FetchPage(context.Background(), 4, 60)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/api/homepage/pc/goods/market/querySaleTemplate", path)
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "Bearer tok", header.Get("Authorization"))
	assert.Equal(t, "u1", header.Get("Uk"))
	assert.Equal(t, 4, sent.PageIndex)
	assert.Equal(t, 60, sent.PageSize)
	assert.Empty(t, sent.KeyWords)

	require.Len(t, page.Items, 3)
	first := page.Items[0]
	assert.Equal(t, domain.PlatformB, first.Platform)
	assert.Equal(t, "991", first.ID)
	assert.Equal(t, "AK-47 | 红线 (久经沙场)", first.Name)
	assert.Equal(t, "AK-47 | Redline (Field-Tested)", first.CanonicalName)
	assert.InDelta(t, 104.5, first.Price, 1e-9, "quoted price string parses")
	assert.Equal(t, marketBSite+"/search?keyword="+url.QueryEscape(first.Name), first.URL,
		"catalog rows link through storefront search")
	assert.Equal(t, "https://img.example/b.png", first.ImageURL)

	assert.InDelta(t, 53, page.Items[1].Price, 1e-9, "bare numeric price parses")
	assert.Zero(t, page.Items[2].Price, "null price decodes to zero and is kept")
}

// marketBScriptedServer serves pages from a script keyed by pageIndex, then
// empty pages.
func marketBScriptedServer(t *testing.T, script map[int][]string, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var q marketBQuery
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &q))

		rows := ""
		for i, name := range script[q.PageIndex] {
			if i > 0 {
				rows += ","
			}
			rows += fmt.Sprintf(`{"commodityId":%d,"commodityName":%q,"commodityHashName":%q,"price":10,"commodityUrl":""}`,
				q.PageIndex*1000+i, name, name)
		}
		fmt.Fprintf(w, `{"Data":[%s]}`, rows)
	}))
}

func TestMarketBFetchAllEndsOnEmptyPageAndDedupes(t *testing.T) {
	var requests atomic.Int64
	srv := marketBScriptedServer(t, map[int][]string{
		1: {"AK-47 | Redline", "Glock-18 | Water Elemental", "AK-47 | Redline"},
		2: {"USP-S | Cortex", "Glock-18 | Water Elemental"},
	}, &requests)
	defer srv.Close()

	client := newTestMarketB(t, srv.URL, marketBSite, 1, staticCreds{})
	snapshot, err := client.FetchAll(context.Background(), CrawlOptions{PageSize: 100})
	require.NoError(t, err)

	// Two data pages, then the empty page that ends the crawl. Page 2 is
	// short of the page size and the crawl still continued past it.
	assert.EqualValues(t, 3, requests.Load())

	names := make([]string, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		names = append(names, item.Name)
	}
	assert.Equal(t, []string{"AK-47 | Redline", "Glock-18 | Water Elemental", "USP-S | Cortex"}, names,
		"duplicate display names dropped, first sighting wins")
	assert.Equal(t, domain.PlatformB, snapshot.Metadata.Platform)
	assert.Equal(t, 3, snapshot.Metadata.TotalCount)
}

func TestMarketBFetchAllHonorsPageCap(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		fmt.Fprintf(w, `{"Data":[{"commodityId":%d,"commodityName":"Item %d","commodityHashName":"Item %d","price":10,"commodityUrl":""}]}`, n, n, n)
	}))
	defer srv.Close()

	client := newTestMarketB(t, srv.URL, marketBSite, 1, staticCreds{})
	snapshot, err := client.FetchAll(context.Background(), CrawlOptions{MaxPages: 3})
	require.NoError(t, err)

	assert.EqualValues(t, 3, requests.Load())
	assert.Len(t, snapshot.Items, 3)
}

func TestMarketBFetchAllHonorsStopSignal(t *testing.T) {
	var requests atomic.Int64
	srv := marketBScriptedServer(t, map[int][]string{1: {"X"}}, &requests)
	defer srv.Close()

	client := newTestMarketB(t, srv.URL, marketBSite, 1, staticCreds{})
	_, err := client.FetchAll(context.Background(), CrawlOptions{
		ShouldStop: func() bool { return true },
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, requests.Load(), "stop is checked before each page")
}

func TestMarketBSearchMapsDetailLinks(t *testing.T) {
	var sent marketBQuery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &sent))
		io.WriteString(w, `{"code":200,"data":{"dataList":[
			{"commodityId":771,"commodityName":"AWP | Asiimov (Field-Tested)",
			 "commodityHashName":"AWP | Asiimov (Field-Tested)","price":"92.3","commodityUrl":""},
			{"commodityId":772,"commodityName":"AWP | Phantom (Field-Tested)",
			 "commodityHashName":"AWP | Phantom (Field-Tested)","price":0,"commodityUrl":""}]}}`)
	}))
	defer srv.Close()

	client := newTestMarketB(t, srv.URL, marketBSite, 1, staticCreds{})
	items, err := client.Search(context.Background(), "AWP")
	require.NoError(t, err)

	assert.Equal(t, "AWP", sent.KeyWords)
	assert.Equal(t, 20, sent.PageSize)
	require.Len(t, items, 1, "zero-priced search hits dropped")
	assert.Equal(t, marketBSite+"/goodsDetail?id=771", items[0].URL,
		"search hits link straight to the listing")
}

func TestMarketBSearchSurfacesAPIError(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		io.WriteString(w, `{"code":84101,"data":{"dataList":[]}}`)
	}))
	defer srv.Close()

	client := newTestMarketB(t, srv.URL, marketBSite, 1, staticCreds{})
	_, err := client.Search(context.Background(), "AWP")

	require.Error(t, err)
	assert.Equal(t, ErrCodeMalformed, ErrorCode(err))
	assert.Contains(t, err.Error(), "api code")
	assert.EqualValues(t, 2, requests.Load(), "retried once before surfacing")
}

func TestSearchURLEscapesDisplayName(t *testing.T) {
	got := SearchURL("https://store.example/", "AK-47 | 红线 (久经沙场)")
	assert.Equal(t, "https://store.example/search?keyword="+url.QueryEscape("AK-47 | 红线 (久经沙场)"), got)
}
