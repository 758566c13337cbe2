package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
	"github.com/JakeFAU/seedprice-pipeline/internal/policy"
)

// PageFetcher retrieves a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Admitter gates outbound requests. policy.Gate implements it.
type Admitter interface {
	Admit(ctx context.Context, url string) error
}

// Listing summarizes what the profile found on a parsed listing page.
type Listing struct {
	// Containers counts elements matching the profile's product selector.
	Containers int
	// Products counts containers that parsed into a named, priced product.
	Products int
}

// Promoter decides whether a plainly fetched page needs a headless render.
type Promoter interface {
	ShouldRender(page Page, listing Listing) bool
}

// SelectorScraper implements pipeline.CatalogScraper for one Profile.
type SelectorScraper struct {
	fetcher   PageFetcher
	renderer  PageFetcher
	promoter  Promoter
	gate      Admitter
	profile   Profile
	snapshots pipeline.BlobStore
	hasher    *sha256.Hasher
	logger    *zap.Logger
	now       func() time.Time
}

// ScraperOptions configures a SelectorScraper.
type ScraperOptions struct {
	Fetcher PageFetcher
	Gate    Admitter
	Profile Profile
	// Renderer fetches through a headless browser for profiles that render.
	Renderer PageFetcher
	// Promoter gates RenderAuto re-fetches; nil re-fetches every empty page.
	Promoter Promoter
	// Snapshots, when set, receives each fetched listing page.
	Snapshots pipeline.BlobStore
	Logger    *zap.Logger
}

// NewSelectorScraper builds a scraper.
func NewSelectorScraper(opts ScraperOptions) (*SelectorScraper, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	switch opts.Profile.Render {
	case RenderNever, "never":
	case RenderAuto, RenderAlways:
		if opts.Renderer == nil {
			return nil, fmt.Errorf("render mode %q requires a headless renderer", opts.Profile.Render)
		}
	default:
		return nil, fmt.Errorf("unknown render mode %q", opts.Profile.Render)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SelectorScraper{
		fetcher:   opts.Fetcher,
		renderer:  opts.Renderer,
		promoter:  opts.Promoter,
		gate:      opts.Gate,
		profile:   opts.Profile.withDefaults(),
		snapshots: opts.Snapshots,
		hasher:    sha256.New(16),
		logger:    logger.Named("catalog"),
		now:       time.Now,
	}, nil
}

// ScrapeCatalogPage fetches and parses one listing page. Network failures and
// 5xx responses wrap pipeline.ErrVendorUnreachable; a robots disallow is
// returned unchanged so the caller can treat it as a skip.
func (s *SelectorScraper) ScrapeCatalogPage(ctx context.Context, vendor pipeline.Vendor, page int) (pipeline.CatalogPage, error) {
	pageURL, err := s.profile.PageURL(vendor.CatalogURL(), page)
	if err != nil {
		return pipeline.CatalogPage{}, fmt.Errorf("vendor %s: %w: %v", vendor.ID, pipeline.ErrVendorUnreachable, err)
	}
	host := metrics.SanitizeSite(pageURL)

	if s.gate != nil {
		if err := s.gate.Admit(ctx, pageURL); err != nil {
			return pipeline.CatalogPage{}, err
		}
	}

	first := s.fetcher
	if s.profile.Render == RenderAlways {
		first = s.renderer
	}
	fetched, err := s.fetch(ctx, first, pageURL, host)
	if err != nil {
		return pipeline.CatalogPage{}, err
	}
	doc, products, err := s.parse(fetched, pageURL)
	if err != nil {
		return pipeline.CatalogPage{}, err
	}
	if listing := s.listing(doc, products); listing.Products == 0 && s.shouldPromote(fetched, listing) {
		s.logger.Info("promoting listing page to headless render",
			zap.String("vendor_id", vendor.ID), zap.String("url", pageURL))
		rendered, err := s.fetch(ctx, s.renderer, pageURL, host)
		if err != nil {
			return pipeline.CatalogPage{}, err
		}
		if doc, products, err = s.parse(rendered, pageURL); err != nil {
			return pipeline.CatalogPage{}, err
		}
		fetched = rendered
	}
	s.snapshot(ctx, vendor, page, fetched)
	info := policy.DetectPagination(doc, page, s.profile.Pagination)

	s.logger.Debug("catalog page parsed",
		zap.String("vendor_id", vendor.ID),
		zap.String("url", pageURL),
		zap.Int("page", page),
		zap.Int("products", len(products)),
		zap.String("pagination", string(info.Signal)),
		zap.Int("max_page", info.MaxPage),
	)
	return pipeline.CatalogPage{
		Products:    products,
		HasNextPage: info.HasNext,
		MaxPage:     info.MaxPage,
	}, nil
}

func (s *SelectorScraper) fetch(ctx context.Context, f PageFetcher, pageURL, host string) (Page, error) {
	fetched, err := f.Fetch(ctx, pageURL)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			metrics.ObservePage(host, fe.StatusCode)
			if fe.Unreachable() {
				return Page{}, fmt.Errorf("%w: %v", pipeline.ErrVendorUnreachable, err)
			}
		}
		return Page{}, err
	}
	metrics.ObservePage(host, fetched.StatusCode)
	return fetched, nil
}

func (s *SelectorScraper) parse(fetched Page, pageURL string) (*goquery.Document, []pipeline.RawProduct, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fetched.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return doc, ParseProducts(doc, fetched.URL, s.profile), nil
}

func (s *SelectorScraper) listing(doc *goquery.Document, products []pipeline.RawProduct) Listing {
	l := Listing{Containers: doc.Find(s.profile.Product).Length()}
	for _, p := range products {
		if strings.TrimSpace(p.Name) != "" && len(p.Prices) > 0 {
			l.Products++
		}
	}
	return l
}

func (s *SelectorScraper) shouldPromote(fetched Page, listing Listing) bool {
	if s.profile.Render != RenderAuto {
		return false
	}
	return s.promoter == nil || s.promoter.ShouldRender(fetched, listing)
}

func (s *SelectorScraper) snapshot(ctx context.Context, vendor pipeline.Vendor, page int, fetched Page) {
	if s.snapshots == nil {
		return
	}
	key := path.Join("snapshots", vendor.ID, s.now().UTC().Format("2006-01-02"),
		fmt.Sprintf("page-%d-%s.html", page, s.hasher.Hash(fetched.Body)))
	uri, err := s.snapshots.PutObject(ctx, key, "text/html", bytes.NewReader(fetched.Body))
	if err != nil {
		s.logger.Warn("snapshot failed", zap.String("vendor_id", vendor.ID), zap.Int("page", page), zap.Error(err))
		return
	}
	s.logger.Debug("snapshot stored", zap.String("uri", uri))
}
