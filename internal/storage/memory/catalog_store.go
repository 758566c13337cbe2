package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

type priceRow struct {
	total     float64
	current   float64
	previous  *float64
	changedBy string
}

type productRow struct {
	product pipeline.Product
	prices  map[int]*priceRow
}

// CatalogStore holds vendors, products, pack pricing, users and wishlists. It
// implements pipeline.VendorStore, pipeline.ProductStore and
// pipeline.WishlistDirectory.
type CatalogStore struct {
	mu        sync.RWMutex
	vendors   map[string]pipeline.Vendor
	products  map[string]*productRow
	bySlug    map[string]string
	favorites map[string]map[string]struct{}
	users     map[string]pipeline.Recipient
}

// NewCatalogStore constructs an empty CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		vendors:   make(map[string]pipeline.Vendor),
		products:  make(map[string]*productRow),
		bySlug:    make(map[string]string),
		favorites: make(map[string]map[string]struct{}),
		users:     make(map[string]pipeline.Recipient),
	}
}

// PutVendor inserts or replaces a vendor.
func (s *CatalogStore) PutVendor(v pipeline.Vendor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vendors[v.ID] = v
}

// PutUser inserts or replaces a user.
func (s *CatalogStore) PutUser(r pipeline.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[r.UserID] = r
}

// AddFavorite records that userID follows productID.
func (s *CatalogStore) AddFavorite(userID, productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.favorites[productID] == nil {
		s.favorites[productID] = make(map[string]struct{})
	}
	s.favorites[productID][userID] = struct{}{}
}

// GetVendor implements pipeline.VendorStore.
func (s *CatalogStore) GetVendor(_ context.Context, vendorID string) (pipeline.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[vendorID]
	if !ok {
		return pipeline.Vendor{}, fmt.Errorf("vendor %s: %w", vendorID, pipeline.ErrNotFound)
	}
	return v, nil
}

// ListActiveVendors implements pipeline.VendorStore.
func (s *CatalogStore) ListActiveVendors(context.Context) ([]pipeline.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Vendor, 0, len(s.vendors))
	for _, v := range s.vendors {
		if v.Active {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertProduct implements pipeline.ProductStore.
func (s *CatalogStore) UpsertProduct(_ context.Context, p pipeline.Product) (pipeline.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.VendorID + "|" + p.Slug
	id, ok := s.bySlug[key]
	if !ok {
		id = uuid.NewString()
		p.ID = id
		row := &productRow{product: p, prices: make(map[int]*priceRow)}
		for _, pr := range p.Pricings {
			row.prices[pr.PackSize] = &priceRow{total: pr.TotalPrice, current: pr.PricePerUnit}
		}
		s.products[id] = row
		s.bySlug[key] = id
		return pipeline.UpsertResult{ProductID: id, Outcome: pipeline.UpsertCreated}, nil
	}

	row := s.products[id]
	changed := row.product.Name != p.Name || row.product.URL != p.URL || row.product.ImageURL != p.ImageURL
	for _, pr := range p.Pricings {
		existing, ok := row.prices[pr.PackSize]
		if !ok {
			row.prices[pr.PackSize] = &priceRow{total: pr.TotalPrice, current: pr.PricePerUnit}
			changed = true
			continue
		}
		if existing.current != pr.PricePerUnit {
			prev := existing.current
			existing.previous = &prev
			existing.current = pr.PricePerUnit
			existing.total = pr.TotalPrice
			existing.changedBy = p.ScrapeJobID
			changed = true
		}
	}
	if !changed {
		return pipeline.UpsertResult{ProductID: id, Outcome: pipeline.UpsertUnchanged}, nil
	}
	row.product.Name, row.product.URL, row.product.ImageURL = p.Name, p.URL, p.ImageURL
	row.product.UpdatedAt = p.UpdatedAt
	return pipeline.UpsertResult{ProductID: id, Outcome: pipeline.UpsertUpdated}, nil
}

// PriorPrices implements pipeline.ProductStore.
func (s *CatalogStore) PriorPrices(_ context.Context, productIDs []string) (map[string][]pipeline.StoredPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]pipeline.StoredPrice, len(productIDs))
	for _, id := range productIDs {
		row, ok := s.products[id]
		if !ok {
			continue
		}
		prices := make([]pipeline.StoredPrice, 0, len(row.prices))
		for size, pr := range row.prices {
			sp := pipeline.StoredPrice{PackSize: size, PricePerUnit: pr.current, ChangedByJob: pr.changedBy}
			if pr.previous != nil {
				prev := *pr.previous
				sp.PreviousPricePerUnit = &prev
			}
			prices = append(prices, sp)
		}
		sort.Slice(prices, func(i, j int) bool { return prices[i].PackSize < prices[j].PackSize })
		out[id] = prices
	}
	return out, nil
}

// ProductBySlug returns a stored product with its current pricing.
func (s *CatalogStore) ProductBySlug(vendorID, slug string) (pipeline.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySlug[vendorID+"|"+slug]
	if !ok {
		return pipeline.Product{}, false
	}
	row := s.products[id]
	p := row.product
	p.ID = id
	p.Pricings = nil
	for size, pr := range row.prices {
		p.Pricings = append(p.Pricings, pipeline.PackPrice{PackSize: size, TotalPrice: pr.total, PricePerUnit: pr.current})
	}
	sort.Slice(p.Pricings, func(i, j int) bool { return p.Pricings[i].PackSize < p.Pricings[j].PackSize })
	return p, true
}

// UsersFavoriting implements pipeline.WishlistDirectory.
func (s *CatalogStore) UsersFavoriting(_ context.Context, productIDs []string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string)
	for _, id := range productIDs {
		for user := range s.favorites[id] {
			out[id] = append(out[id], user)
		}
		sort.Strings(out[id])
	}
	return out, nil
}

// AlertRecipient implements pipeline.WishlistDirectory.
func (s *CatalogStore) AlertRecipient(_ context.Context, userID string) (pipeline.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.users[userID]
	if !ok {
		return pipeline.Recipient{}, fmt.Errorf("user %s: %w", userID, pipeline.ErrNotFound)
	}
	return r, nil
}

// RateLimitStore is an in-memory pipeline.RateLimitStore.
type RateLimitStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimitStore constructs a RateLimitStore.
func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{hits: make(map[string][]time.Time)}
}

// Hit records a request and counts those since windowStart.
func (s *RateLimitStore) Hit(_ context.Context, key string, at, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[key] = append(s.hits[key], at)
	return s.countLocked(key, windowStart), nil
}

// Count returns the hits for key since windowStart.
func (s *RateLimitStore) Count(_ context.Context, key string, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(key, windowStart), nil
}

func (s *RateLimitStore) countLocked(key string, windowStart time.Time) int {
	n := 0
	for _, t := range s.hits[key] {
		if !t.Before(windowStart) {
			n++
		}
	}
	return n
}

// PurgeBefore drops hits older than cutoff.
func (s *RateLimitStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for key, list := range s.hits {
		kept := list[:0]
		for _, t := range list {
			if t.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(s.hits, key)
		} else {
			s.hits[key] = kept
		}
	}
	return purged, nil
}
