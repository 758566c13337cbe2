package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
	"github.com/JakeFAU/seedprice-pipeline/internal/policy"
	"github.com/JakeFAU/seedprice-pipeline/internal/storage/memory"
)

type fakeFetcher struct {
	pages map[string]Page
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (Page, error) {
	f.calls = append(f.calls, url)
	if err, ok := f.errs[url]; ok {
		return Page{}, err
	}
	p, ok := f.pages[url]
	if !ok {
		return Page{}, &FetchError{URL: url, StatusCode: http.StatusNotFound, Err: errors.New("Not Found")}
	}
	if p.URL == "" {
		p.URL = url
	}
	if p.StatusCode == 0 {
		p.StatusCode = http.StatusOK
	}
	return p, nil
}

type fakeGate struct {
	deny     map[string]bool
	admitted []string
}

func (g *fakeGate) Admit(_ context.Context, url string) error {
	if g.deny[url] {
		return fmt.Errorf("%s: %w", url, policy.ErrDisallowed)
	}
	g.admitted = append(g.admitted, url)
	return nil
}

var vendor = pipeline.Vendor{ID: "v1", Name: "Seed Co", Active: true, BaseURLs: []string{"https://seeds.example/shop/"}}

func TestSelectorScraperScrapesAndSnapshots(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{pages: map[string]Page{
		"https://seeds.example/shop/?page=2": {Body: []byte(listingHTML)},
	}}
	gate := &fakeGate{}
	blobs := memory.NewBlobStore()
	s, err := NewSelectorScraper(ScraperOptions{Fetcher: fetcher, Gate: gate, Snapshots: blobs})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC) }

	page, err := s.ScrapeCatalogPage(context.Background(), vendor, 2)
	require.NoError(t, err)
	require.Len(t, page.Products, 3)
	require.True(t, page.HasNextPage)
	require.Equal(t, 10, page.MaxPage)
	require.Equal(t, []string{"https://seeds.example/shop/?page=2"}, gate.admitted)

	require.Equal(t, 1, blobs.Len())
	key := "snapshots/v1/2025-04-02/page-2-" + s.hasher.Hash([]byte(listingHTML)) + ".html"
	stored, ok := blobs.Object(key)
	require.True(t, ok)
	require.Equal(t, listingHTML, string(stored))
}

func TestSelectorScraperDisallowedIsSkip(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{}
	gate := &fakeGate{deny: map[string]bool{"https://seeds.example/shop/": true}}
	s, err := NewSelectorScraper(ScraperOptions{Fetcher: fetcher, Gate: gate})
	require.NoError(t, err)

	_, err = s.ScrapeCatalogPage(context.Background(), vendor, 1)
	require.ErrorIs(t, err, policy.ErrDisallowed)
	require.NotErrorIs(t, err, pipeline.ErrVendorUnreachable)
	require.Empty(t, fetcher.calls)
}

func TestSelectorScraperClassifiesFetchErrors(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{errs: map[string]error{
		"https://seeds.example/shop/":        &FetchError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("Service Unavailable")},
		"https://seeds.example/shop/?page=2": &FetchError{Err: errors.New("connection refused")},
	}}
	s, err := NewSelectorScraper(ScraperOptions{Fetcher: fetcher})
	require.NoError(t, err)

	_, err = s.ScrapeCatalogPage(context.Background(), vendor, 1)
	require.ErrorIs(t, err, pipeline.ErrVendorUnreachable)
	_, err = s.ScrapeCatalogPage(context.Background(), vendor, 2)
	require.ErrorIs(t, err, pipeline.ErrVendorUnreachable)

	_, err = s.ScrapeCatalogPage(context.Background(), vendor, 3)
	require.Error(t, err)
	require.NotErrorIs(t, err, pipeline.ErrVendorUnreachable)

	_, err = s.ScrapeCatalogPage(context.Background(), pipeline.Vendor{ID: "nourl"}, 1)
	require.ErrorIs(t, err, pipeline.ErrVendorUnreachable)
}

func TestSelectorScraperLastPage(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{pages: map[string]Page{
		"https://seeds.example/shop/": {Body: []byte(`<ul><li class="product"><h2>Okra</h2><span class="price">$3</span></li></ul>`)},
	}}
	s, err := NewSelectorScraper(ScraperOptions{Fetcher: fetcher})
	require.NoError(t, err)

	page, err := s.ScrapeCatalogPage(context.Background(), vendor, 1)
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	require.False(t, page.HasNextPage)
	require.Equal(t, 1, page.MaxPage)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	_, err := NewRegistry(ScraperOptions{}, nil)
	require.Error(t, err)

	reg, err := NewRegistry(ScraperOptions{Fetcher: &fakeFetcher{}}, map[string]Profile{"v1": {PageParam: "pg"}})
	require.NoError(t, err)

	s1, err := reg.ScraperFor(vendor)
	require.NoError(t, err)
	again, err := reg.ScraperFor(vendor)
	require.NoError(t, err)
	require.Same(t, s1, again)
	require.Equal(t, "pg", s1.(*SelectorScraper).profile.PageParam)

	other, err := reg.ScraperFor(pipeline.Vendor{ID: "v2", BaseURLs: []string{"https://b.example/"}})
	require.NoError(t, err)
	require.Equal(t, "page", other.(*SelectorScraper).profile.PageParam)

	custom := &SelectorScraper{}
	reg.Register("v3", custom)
	got, err := reg.ScraperFor(pipeline.Vendor{ID: "v3", BaseURLs: []string{"https://c.example/"}})
	require.NoError(t, err)
	require.Same(t, custom, got)

	_, err = reg.ScraperFor(pipeline.Vendor{ID: "v4"})
	require.ErrorIs(t, err, pipeline.ErrVendorUnreachable)
}

type pagePromoter bool

func (p pagePromoter) ShouldRender(Page, Listing) bool { return bool(p) }

type listingRecorder struct{ seen []Listing }

func (r *listingRecorder) ShouldRender(_ Page, l Listing) bool {
	r.seen = append(r.seen, l)
	return false
}

func TestSelectorScraperPassesListingToPromoter(t *testing.T) {
	t.Parallel()
	url := "https://seeds.example/shop/"
	// Cards are present but prices arrive from a script.
	plain := &fakeFetcher{pages: map[string]Page{url: {Body: []byte(`<ul><li class="product"><h2>Okra</h2></li><li class="product"><h2>Kale</h2></li></ul>`)}}}
	rec := &listingRecorder{}
	s, err := NewSelectorScraper(ScraperOptions{
		Fetcher:  plain,
		Renderer: &fakeFetcher{},
		Promoter: rec,
		Profile:  Profile{Render: RenderAuto},
	})
	require.NoError(t, err)

	_, err = s.ScrapeCatalogPage(context.Background(), vendor, 1)
	require.NoError(t, err)
	require.Equal(t, []Listing{{Containers: 2, Products: 0}}, rec.seen)
}

func TestSelectorScraperRenderModes(t *testing.T) {
	t.Parallel()
	const shell = `<div id="root"></div><script src="/app.js"></script>`
	const rendered = `<ul><li class="product"><h2>Okra</h2><span class="price">$3</span></li></ul>`
	url := "https://seeds.example/shop/"

	tests := []struct {
		name         string
		mode         RenderMode
		promoter     Promoter
		wantProducts int
		wantPlain    int
		wantRendered int
	}{
		{name: "never", mode: RenderNever, wantProducts: 0, wantPlain: 1},
		{name: "auto promotes", mode: RenderAuto, promoter: pagePromoter(true), wantProducts: 1, wantPlain: 1, wantRendered: 1},
		{name: "auto declined", mode: RenderAuto, promoter: pagePromoter(false), wantProducts: 0, wantPlain: 1},
		{name: "auto without promoter", mode: RenderAuto, wantProducts: 1, wantPlain: 1, wantRendered: 1},
		{name: "always", mode: RenderAlways, wantProducts: 1, wantRendered: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plain := &fakeFetcher{pages: map[string]Page{url: {Body: []byte(shell)}}}
			headless := &fakeFetcher{pages: map[string]Page{url: {Body: []byte(rendered)}}}
			s, err := NewSelectorScraper(ScraperOptions{
				Fetcher:  plain,
				Renderer: headless,
				Promoter: tt.promoter,
				Profile:  Profile{Render: tt.mode},
			})
			require.NoError(t, err)

			page, err := s.ScrapeCatalogPage(context.Background(), vendor, 1)
			require.NoError(t, err)
			require.Len(t, page.Products, tt.wantProducts)
			require.Len(t, plain.calls, tt.wantPlain)
			require.Len(t, headless.calls, tt.wantRendered)
		})
	}
}

func TestSelectorScraperRenderValidation(t *testing.T) {
	t.Parallel()
	_, err := NewSelectorScraper(ScraperOptions{Fetcher: &fakeFetcher{}, Profile: Profile{Render: RenderAlways}})
	require.ErrorContains(t, err, "requires a headless renderer")

	_, err = NewSelectorScraper(ScraperOptions{Fetcher: &fakeFetcher{}, Renderer: &fakeFetcher{}, Profile: Profile{Render: "sometimes"}})
	require.ErrorContains(t, err, "unknown render mode")

	_, err = NewSelectorScraper(ScraperOptions{Fetcher: &fakeFetcher{}, Profile: Profile{Render: "never"}})
	require.NoError(t, err)
}
