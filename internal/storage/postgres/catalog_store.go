package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

const vendorColumns = `id, name, active, base_urls, auto_scrape_interval_hours, affiliate_tag, priority`

// CatalogStore reads vendors, writes products and pack pricing, and resolves
// wishlists.
type CatalogStore struct {
	db    DB
	newID func() string
}

// NewCatalogStore wraps db.
func NewCatalogStore(db DB) (*CatalogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CatalogStore{db: db, newID: uuid.NewString}, nil
}

// GetVendor implements pipeline.VendorStore.
func (s *CatalogStore) GetVendor(ctx context.Context, vendorID string) (pipeline.Vendor, error) {
	v, err := scanVendor(s.db.QueryRow(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE id = $1`, vendorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Vendor{}, fmt.Errorf("vendor %s: %w", vendorID, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Vendor{}, fmt.Errorf("get vendor: %w", err)
	}
	return v, nil
}

// ListActiveVendors implements pipeline.VendorStore.
func (s *CatalogStore) ListActiveVendors(ctx context.Context) ([]pipeline.Vendor, error) {
	rows, err := s.db.Query(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}
	defer rows.Close()
	var out []pipeline.Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vendor: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}
	return out, nil
}

func scanVendor(row scanner) (pipeline.Vendor, error) {
	var v pipeline.Vendor
	err := row.Scan(&v.ID, &v.Name, &v.Active, &v.BaseURLs, &v.AutoScrapeIntervalHours, &v.AffiliateTag, &v.Priority)
	return v, err
}

// UpsertProduct writes the product and its pack pricing in one transaction. A
// changed per-unit price moves the stored value into previous_price_per_unit
// and records the product's scrape job in changed_by_job.
func (s *CatalogStore) UpsertProduct(ctx context.Context, p pipeline.Product) (pipeline.UpsertResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return pipeline.UpsertResult{}, fmt.Errorf("begin upsert: %w", err)
	}
	res, err := s.upsert(ctx, tx, p)
	if err != nil {
		_ = tx.Rollback(ctx)
		return pipeline.UpsertResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return pipeline.UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

func (s *CatalogStore) upsert(ctx context.Context, tx pgx.Tx, p pipeline.Product) (pipeline.UpsertResult, error) {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var id, name, url, image string
	err := tx.QueryRow(ctx,
		`SELECT id, name, url, image_url FROM products WHERE vendor_id = $1 AND slug = $2 FOR UPDATE`,
		p.VendorID, p.Slug).Scan(&id, &name, &url, &image)
	if errors.Is(err, pgx.ErrNoRows) {
		id = s.newID()
		if _, err := tx.Exec(ctx, `
INSERT INTO products (id, vendor_id, name, slug, url, image_url, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, p.VendorID, p.Name, p.Slug, p.URL, p.ImageURL, updatedAt); err != nil {
			return pipeline.UpsertResult{}, fmt.Errorf("insert product: %w", err)
		}
		for _, pr := range p.Pricings {
			if err := insertPricing(ctx, tx, id, pr, p.ScrapeJobID); err != nil {
				return pipeline.UpsertResult{}, err
			}
		}
		return pipeline.UpsertResult{ProductID: id, Outcome: pipeline.UpsertCreated}, nil
	}
	if err != nil {
		return pipeline.UpsertResult{}, fmt.Errorf("lookup product: %w", err)
	}

	current, err := currentPrices(ctx, tx, id)
	if err != nil {
		return pipeline.UpsertResult{}, err
	}
	changed := name != p.Name || url != p.URL || image != p.ImageURL
	for _, pr := range p.Pricings {
		old, ok := current[pr.PackSize]
		switch {
		case !ok:
			if err := insertPricing(ctx, tx, id, pr, p.ScrapeJobID); err != nil {
				return pipeline.UpsertResult{}, err
			}
			changed = true
		case old != pr.PricePerUnit:
			if _, err := tx.Exec(ctx, `
UPDATE product_pricings
SET previous_price_per_unit = price_per_unit, price_per_unit = $3, total_price = $4, changed_by_job = $5
WHERE product_id = $1 AND pack_size = $2`,
				id, pr.PackSize, pr.PricePerUnit, pr.TotalPrice, p.ScrapeJobID); err != nil {
				return pipeline.UpsertResult{}, fmt.Errorf("update pricing: %w", err)
			}
			changed = true
		}
	}
	if !changed {
		return pipeline.UpsertResult{ProductID: id, Outcome: pipeline.UpsertUnchanged}, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE products SET name = $2, url = $3, image_url = $4, updated_at = $5 WHERE id = $1`,
		id, p.Name, p.URL, p.ImageURL, updatedAt); err != nil {
		return pipeline.UpsertResult{}, fmt.Errorf("update product: %w", err)
	}
	return pipeline.UpsertResult{ProductID: id, Outcome: pipeline.UpsertUpdated}, nil
}

func insertPricing(ctx context.Context, tx pgx.Tx, productID string, pr pipeline.PackPrice, jobID string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO product_pricings (product_id, pack_size, total_price, price_per_unit, changed_by_job)
VALUES ($1, $2, $3, $4, $5)`,
		productID, pr.PackSize, pr.TotalPrice, pr.PricePerUnit, jobID)
	if err != nil {
		return fmt.Errorf("insert pricing: %w", err)
	}
	return nil
}

func currentPrices(ctx context.Context, tx pgx.Tx, productID string) (map[int]float64, error) {
	rows, err := tx.Query(ctx,
		`SELECT pack_size, price_per_unit FROM product_pricings WHERE product_id = $1`, productID)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	defer rows.Close()
	out := make(map[int]float64)
	for rows.Next() {
		var (
			size int
			ppu  float64
		)
		if err := rows.Scan(&size, &ppu); err != nil {
			return nil, fmt.Errorf("scan pricing: %w", err)
		}
		out[size] = ppu
	}
	return out, rows.Err()
}

// PriorPrices implements pipeline.ProductStore.
func (s *CatalogStore) PriorPrices(ctx context.Context, productIDs []string) (map[string][]pipeline.StoredPrice, error) {
	out := make(map[string][]pipeline.StoredPrice, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT product_id, pack_size, price_per_unit, previous_price_per_unit, changed_by_job
FROM product_pricings
WHERE product_id = ANY($1::text[])
ORDER BY product_id, pack_size`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("prior prices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			productID string
			sp        pipeline.StoredPrice
		)
		if err := rows.Scan(&productID, &sp.PackSize, &sp.PricePerUnit, &sp.PreviousPricePerUnit, &sp.ChangedByJob); err != nil {
			return nil, fmt.Errorf("scan prior price: %w", err)
		}
		out[productID] = append(out[productID], sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prior prices: %w", err)
	}
	return out, nil
}

// UsersFavoriting implements pipeline.WishlistDirectory.
func (s *CatalogStore) UsersFavoriting(ctx context.Context, productIDs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT product_id, user_id FROM user_favorites
WHERE product_id = ANY($1::text[])
ORDER BY product_id, user_id`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var productID, userID string
		if err := rows.Scan(&productID, &userID); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		out[productID] = append(out[productID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	return out, nil
}

// AlertRecipient implements pipeline.WishlistDirectory.
func (s *CatalogStore) AlertRecipient(ctx context.Context, userID string) (pipeline.Recipient, error) {
	var r pipeline.Recipient
	err := s.db.QueryRow(ctx,
		`SELECT id, email, name, receive_price_alerts FROM users WHERE id = $1`, userID).
		Scan(&r.UserID, &r.Email, &r.Name, &r.ReceivePriceAlerts)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Recipient{}, fmt.Errorf("user %s: %w", userID, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Recipient{}, fmt.Errorf("get user: %w", err)
	}
	return r, nil
}

// RateLimitStore records API hits in api_rate_limits.
type RateLimitStore struct {
	db DB
}

// NewRateLimitStore wraps db.
func NewRateLimitStore(db DB) (*RateLimitStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RateLimitStore{db: db}, nil
}

// Hit records one request for key and counts those since windowStart.
func (s *RateLimitStore) Hit(ctx context.Context, key string, at, windowStart time.Time) (int, error) {
	if _, err := s.db.Exec(ctx, `INSERT INTO api_rate_limits (key, hit_at) VALUES ($1, $2)`, key, at); err != nil {
		return 0, fmt.Errorf("record hit: %w", err)
	}
	return s.Count(ctx, key, windowStart)
}

// Count returns the hits for key since windowStart.
func (s *RateLimitStore) Count(ctx context.Context, key string, windowStart time.Time) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_rate_limits WHERE key = $1 AND hit_at >= $2`, key, windowStart).Scan(&n); err != nil {
		return 0, fmt.Errorf("count hits: %w", err)
	}
	return n, nil
}

// PurgeBefore deletes hits older than cutoff.
func (s *RateLimitStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM api_rate_limits WHERE hit_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge rate limits: %w", err)
	}
	return tag.RowsAffected(), nil
}
