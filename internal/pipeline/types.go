package pipeline

import (
	"math"
	"regexp"
	"strings"
	"time"
)

// JobMode records why a scrape was started.
type JobMode string

// Supported job modes.
const (
	ModeManual JobMode = "manual"
	ModeBatch  JobMode = "batch"
	ModeAuto   JobMode = "auto"
	ModeTest   JobMode = "test"
)

// Valid reports whether m is a known mode.
func (m JobMode) Valid() bool {
	switch m {
	case ModeManual, ModeBatch, ModeAuto, ModeTest:
		return true
	default:
		return false
	}
}

// PageRange bounds the catalog pages a scrape visits. EndPage zero means
// "until the vendor reports no further pages or the page cap is hit".
type PageRange struct {
	StartPage int `json:"startPage"`
	EndPage   int `json:"endPage"`
}

// Normalize clamps StartPage to 1 and drops an EndPage that precedes it.
func (r PageRange) Normalize() PageRange {
	if r.StartPage < 1 {
		r.StartPage = 1
	}
	if r.EndPage != 0 && r.EndPage < r.StartPage {
		r.EndPage = r.StartPage
	}
	return r
}

// ExpectedPages is the number of pages a fully consumed run visits. Open-ended
// ranges expect at least one page.
func (r PageRange) ExpectedPages() int {
	if r.EndPage > 0 && r.EndPage >= r.StartPage {
		return r.EndPage - r.StartPage + 1
	}
	return 1
}

// JobCounters tracks per-run item statistics. ProductsScraped counts entries seen;
// ProductsSaved and ProductsUpdated count rows actually written.
type JobCounters struct {
	ProductsScraped int `json:"productsScraped"`
	ProductsSaved   int `json:"productsSaved"`
	ProductsUpdated int `json:"productsUpdated"`
	Errors          int `json:"errors"`
}

// ScrapeJob is the persisted record of one crawl attempt.
type ScrapeJob struct {
	ID             string      `json:"id"`
	VendorID       string      `json:"vendorId"`
	Mode           JobMode     `json:"mode"`
	Status         JobStatus   `json:"status"`
	PageRange      PageRange   `json:"pageRange"`
	Counters       JobCounters `json:"counters"`
	PagesProcessed int         `json:"pagesProcessed"`
	CreatedAt      time.Time   `json:"createdAt"`
	StartedAt      *time.Time  `json:"startedAt,omitempty"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
	DurationMs     *int64      `json:"durationMs,omitempty"`
	ErrorText      string      `json:"error,omitempty"`
}

// Vendor is a third-party catalog source.
type Vendor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Active vendors are eligible for batch and auto scrapes.
	Active   bool     `json:"active"`
	BaseURLs []string `json:"baseUrls"`
	// AutoScrapeIntervalHours of zero disables auto-scrape.
	AutoScrapeIntervalHours int    `json:"autoScrapeInterval"`
	AffiliateTag            string `json:"affiliateTag,omitempty"`
	Priority                bool   `json:"priority"`
}

// CatalogURL returns the primary listing URL.
func (v Vendor) CatalogURL() string {
	if len(v.BaseURLs) == 0 {
		return ""
	}
	return v.BaseURLs[0]
}

// RawPrice is one pack offer as reported by a vendor page.
type RawPrice struct {
	PackSize   int     `json:"packSize"`
	TotalPrice float64 `json:"totalPrice"`
}

// RawProduct is an unvalidated catalog entry from a scraping collaborator.
type RawProduct struct {
	Name     string     `json:"name"`
	Slug     string     `json:"slug"`
	URL      string     `json:"url"`
	ImageURL string     `json:"imageUrl"`
	Prices   []RawPrice `json:"prices"`
}

// PackPrice is a validated pack offer. PricePerUnit is always derived.
type PackPrice struct {
	PackSize     int     `json:"packSize"`
	TotalPrice   float64 `json:"totalPrice"`
	PricePerUnit float64 `json:"pricePerUnit"`
}

// NewPackPrice derives the per-unit price for a pack.
func NewPackPrice(packSize int, total float64) PackPrice {
	return PackPrice{
		PackSize:     packSize,
		TotalPrice:   roundTo(total, 2),
		PricePerUnit: PricePerUnit(total, packSize),
	}
}

// PricePerUnit divides the total by the pack size, rounded to four places.
func PricePerUnit(total float64, packSize int) float64 {
	if packSize <= 0 {
		return 0
	}
	return roundTo(total/float64(packSize), 4)
}

// Product is a persisted catalog product keyed by (vendor, slug).
type Product struct {
	ID        string      `json:"id"`
	VendorID  string      `json:"vendorId"`
	Name      string      `json:"name"`
	Slug      string      `json:"slug"`
	URL       string      `json:"url"`
	ImageURL  string      `json:"imageUrl"`
	Pricings  []PackPrice `json:"pricings"`
	UpdatedAt time.Time   `json:"updatedAt"`
	// ScrapeJobID is the run that observed this version. It is stamped on
	// any pack price the upsert changes.
	ScrapeJobID string `json:"scrapeJobId,omitempty"`
}

// NormalizeProduct validates a raw catalog entry and derives its pack pricing.
// Offers with a non-positive pack size or price are dropped; a later offer for
// the same pack size replaces an earlier one.
func NormalizeProduct(vendorID string, raw RawProduct, now time.Time) (Product, error) {
	name := strings.Join(strings.Fields(raw.Name), " ")
	if name == "" {
		return Product{}, invalid("name", "required")
	}
	slug := Slugify(raw.Slug)
	if slug == "" {
		slug = Slugify(name)
	}
	if slug == "" {
		return Product{}, invalid("slug", "cannot derive from name")
	}

	bySize := make(map[int]int)
	var pricings []PackPrice
	for _, rp := range raw.Prices {
		if rp.PackSize <= 0 || rp.TotalPrice <= 0 || math.IsNaN(rp.TotalPrice) || math.IsInf(rp.TotalPrice, 0) {
			continue
		}
		pp := NewPackPrice(rp.PackSize, rp.TotalPrice)
		if i, ok := bySize[rp.PackSize]; ok {
			pricings[i] = pp
			continue
		}
		bySize[rp.PackSize] = len(pricings)
		pricings = append(pricings, pp)
	}
	if len(pricings) == 0 {
		return Product{}, invalid("prices", "no valid pack price")
	}
	return Product{
		VendorID:  vendorID,
		Name:      name,
		Slug:      slug,
		URL:       strings.TrimSpace(raw.URL),
		ImageURL:  strings.TrimSpace(raw.ImageURL),
		Pricings:  pricings,
		UpdatedAt: now,
	}, nil
}

// StoredPrice is the persisted pricing state for one pack size. Previous holds
// the per-unit price before the most recent change, when there was one, and
// ChangedByJob names the scrape job that made that change.
type StoredPrice struct {
	PackSize             int      `json:"packSize"`
	PricePerUnit         float64  `json:"pricePerUnit"`
	PreviousPricePerUnit *float64 `json:"previousPricePerUnit,omitempty"`
	ChangedByJob         string   `json:"changedByJob,omitempty"`
}

// UpsertOutcome reports what an upsert wrote.
type UpsertOutcome int

// Upsert outcomes.
const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertCreated
	UpsertUpdated
)

// UpsertResult identifies the product row an upsert touched.
type UpsertResult struct {
	ProductID string
	Outcome   UpsertOutcome
}

// Recipient is a user eligible for price alerts.
type Recipient struct {
	UserID             string `json:"userId"`
	Email              string `json:"email"`
	Name               string `json:"name"`
	ReceivePriceAlerts bool   `json:"receivePriceAlerts"`
}

var (
	slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)
)

// Slugify normalizes a product name or slug into the natural-key form.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugInvalid.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
