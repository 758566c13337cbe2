package pipeline

import (
	"context"
	"io"
	"time"
)

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	VendorID string
	Status   JobStatus
	Mode     JobMode
	Limit    int
	Offset   int
}

// Transition describes a guarded status change. The write applies only when the
// row is currently in one of From.
type Transition struct {
	To        JobStatus
	From      []JobStatus
	At        time.Time
	ErrorText string
	// Counters and PagesProcessed, when set, are written alongside the status.
	Counters       *JobCounters
	PagesProcessed *int
}

// JobStore persists ScrapeJob records.
type JobStore interface {
	// CreateJob inserts a job. A manual job returns *ConflictError when the
	// vendor already has a non-terminal manual job.
	CreateJob(ctx context.Context, job ScrapeJob) error
	GetJob(ctx context.Context, jobID string) (ScrapeJob, error)
	// TransitionJob applies t and reports whether the row changed.
	TransitionJob(ctx context.Context, jobID string, t Transition) (bool, error)
	RecordProgress(ctx context.Context, jobID string, counters JobCounters, pages int) error
	// FindActiveJob returns the newest non-terminal job for the vendor other than
	// excludeID, or nil.
	FindActiveJob(ctx context.Context, vendorID, excludeID string) (*ScrapeJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]ScrapeJob, int, error)
	// ListStale returns non-terminal jobs created before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]ScrapeJob, error)
	// DeleteFinishedBefore removes terminal jobs created before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (JobStats, error)
}

// VendorStore reads vendor configuration.
type VendorStore interface {
	GetVendor(ctx context.Context, vendorID string) (Vendor, error)
	ListActiveVendors(ctx context.Context) ([]Vendor, error)
}

// ProductStore persists products and pack pricing.
type ProductStore interface {
	// UpsertProduct writes a validated product keyed by (vendor, slug). When a
	// pack's per-unit price changes the old value is kept as the previous price
	// and the change is attributed to product.ScrapeJobID.
	UpsertProduct(ctx context.Context, product Product) (UpsertResult, error)
	// PriorPrices returns stored pricing keyed by product ID.
	PriorPrices(ctx context.Context, productIDs []string) (map[string][]StoredPrice, error)
}

// WishlistDirectory resolves who follows which products.
type WishlistDirectory interface {
	// UsersFavoriting maps product ID to the IDs of users who favorited it.
	UsersFavoriting(ctx context.Context, productIDs []string) (map[string][]string, error)
	AlertRecipient(ctx context.Context, userID string) (Recipient, error)
}

// RateLimitStore records API hits for the manual-scrape limiter.
type RateLimitStore interface {
	// Hit records one request for key and returns the count since windowStart.
	Hit(ctx context.Context, key string, at, windowStart time.Time) (int, error)
	// Count returns the hits for key since windowStart without recording one.
	Count(ctx context.Context, key string, windowStart time.Time) (int, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CatalogPage is one listing page as seen by a scraping collaborator.
type CatalogPage struct {
	Products    []RawProduct
	HasNextPage bool
	MaxPage     int
}

// CatalogScraper fetches one listing page. Errors wrapping ErrVendorUnreachable
// abort the run; anything else counts against the page.
type CatalogScraper interface {
	ScrapeCatalogPage(ctx context.Context, vendor Vendor, page int) (CatalogPage, error)
}

// ScraperRegistry resolves the collaborator for a vendor.
type ScraperRegistry interface {
	ScraperFor(vendor Vendor) (CatalogScraper, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
