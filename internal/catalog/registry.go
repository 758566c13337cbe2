package catalog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

// Registry resolves the scraping collaborator for a vendor. Vendors without a
// custom collaborator get a SelectorScraper built from their profile, or
// DefaultProfile.
type Registry struct {
	shared   ScraperOptions
	profiles map[string]Profile

	mu       sync.Mutex
	scrapers map[string]pipeline.CatalogScraper
}

// NewRegistry builds a Registry. shared supplies the fetcher, gate, snapshot
// store and logger for every selector scraper.
func NewRegistry(shared ScraperOptions, profiles map[string]Profile) (*Registry, error) {
	if shared.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	// Config keys arrive lowercased, so lookups are case-insensitive.
	byID := make(map[string]Profile, len(profiles))
	for id, p := range profiles {
		byID[strings.ToLower(id)] = p
	}
	return &Registry{
		shared:   shared,
		profiles: byID,
		scrapers: make(map[string]pipeline.CatalogScraper),
	}, nil
}

// Register installs a custom collaborator for vendorID.
func (r *Registry) Register(vendorID string, s pipeline.CatalogScraper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrapers[vendorID] = s
}

// ScraperFor implements pipeline.ScraperRegistry.
func (r *Registry) ScraperFor(vendor pipeline.Vendor) (pipeline.CatalogScraper, error) {
	if vendor.CatalogURL() == "" {
		return nil, fmt.Errorf("vendor %s has no catalog url: %w", vendor.ID, pipeline.ErrVendorUnreachable)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scrapers[vendor.ID]; ok {
		return s, nil
	}
	opts := r.shared
	opts.Profile = r.profiles[strings.ToLower(vendor.ID)]
	s, err := NewSelectorScraper(opts)
	if err != nil {
		return nil, err
	}
	r.scrapers[vendor.ID] = s
	return s, nil
}
