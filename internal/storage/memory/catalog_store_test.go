package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

func seedProduct(vendor, slug string, prices ...pipeline.PackPrice) pipeline.Product {
	return pipeline.Product{
		VendorID: vendor,
		Name:     "Cherokee Purple",
		Slug:     slug,
		URL:      "https://seeds.example/" + slug,
		Pricings: prices,
	}
}

func TestCatalogStoreVendors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCatalogStore()
	store.PutVendor(pipeline.Vendor{ID: "b", Name: "B", Active: true})
	store.PutVendor(pipeline.Vendor{ID: "a", Name: "A", Active: true})
	store.PutVendor(pipeline.Vendor{ID: "c", Name: "C"})

	v, err := store.GetVendor(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, "C", v.Name)
	_, err = store.GetVendor(ctx, "zzz")
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	active, err := store.ListActiveVendors(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "a", active[0].ID)
	require.Equal(t, "b", active[1].ID)
}

func TestCatalogStoreUpsertKeepsPreviousPrice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCatalogStore()

	res, err := store.UpsertProduct(ctx, seedProduct("v1", "cherokee", pipeline.NewPackPrice(25, 5), pipeline.NewPackPrice(100, 15)))
	require.NoError(t, err)
	require.Equal(t, pipeline.UpsertCreated, res.Outcome)
	id := res.ProductID
	require.NotEmpty(t, id)

	res, err = store.UpsertProduct(ctx, seedProduct("v1", "cherokee", pipeline.NewPackPrice(25, 5), pipeline.NewPackPrice(100, 15)))
	require.NoError(t, err)
	require.Equal(t, pipeline.UpsertUnchanged, res.Outcome)
	require.Equal(t, id, res.ProductID)

	lowered := seedProduct("v1", "cherokee", pipeline.NewPackPrice(25, 4), pipeline.NewPackPrice(100, 15))
	lowered.ScrapeJobID = "job-2"
	res, err = store.UpsertProduct(ctx, lowered)
	require.NoError(t, err)
	require.Equal(t, pipeline.UpsertUpdated, res.Outcome)

	// A later run that sees the same price leaves the attribution alone.
	lowered.ScrapeJobID = "job-3"
	res, err = store.UpsertProduct(ctx, lowered)
	require.NoError(t, err)
	require.Equal(t, pipeline.UpsertUnchanged, res.Outcome)

	prior, err := store.PriorPrices(ctx, []string{id, "unknown"})
	require.NoError(t, err)
	require.Len(t, prior, 1)
	prices := prior[id]
	require.Len(t, prices, 2)
	require.Equal(t, 25, prices[0].PackSize)
	require.InDelta(t, 0.16, prices[0].PricePerUnit, 1e-9)
	require.NotNil(t, prices[0].PreviousPricePerUnit)
	require.InDelta(t, 0.2, *prices[0].PreviousPricePerUnit, 1e-9)
	require.Equal(t, "job-2", prices[0].ChangedByJob)
	require.Nil(t, prices[1].PreviousPricePerUnit)

	p, ok := store.ProductBySlug("v1", "cherokee")
	require.True(t, ok)
	require.Equal(t, id, p.ID)
	require.InDelta(t, 4.0, p.Pricings[0].TotalPrice, 1e-9)

	// Same slug at another vendor is a different product.
	res, err = store.UpsertProduct(ctx, seedProduct("v2", "cherokee", pipeline.NewPackPrice(25, 5)))
	require.NoError(t, err)
	require.Equal(t, pipeline.UpsertCreated, res.Outcome)
	require.NotEqual(t, id, res.ProductID)
}

func TestCatalogStoreUpsertNewPackIsUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCatalogStore()
	_, err := store.UpsertProduct(ctx, seedProduct("v1", "brandywine", pipeline.NewPackPrice(25, 5)))
	require.NoError(t, err)
	res, err := store.UpsertProduct(ctx, seedProduct("v1", "brandywine", pipeline.NewPackPrice(25, 5), pipeline.NewPackPrice(50, 8)))
	require.NoError(t, err)
	require.Equal(t, pipeline.UpsertUpdated, res.Outcome)
}

func TestCatalogStoreWishlist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCatalogStore()
	store.PutUser(pipeline.Recipient{UserID: "u1", Email: "u1@example.com", ReceivePriceAlerts: true})
	store.AddFavorite("u2", "p1")
	store.AddFavorite("u1", "p1")
	store.AddFavorite("u1", "p2")

	fav, err := store.UsersFavoriting(ctx, []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, fav["p1"])
	require.Equal(t, []string{"u1"}, fav["p2"])
	require.Empty(t, fav["p3"])

	r, err := store.AlertRecipient(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "u1@example.com", r.Email)
	_, err = store.AlertRecipient(ctx, "u2")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestRateLimitStoreWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewRateLimitStore()

	n, err := store.Hit(ctx, "k", base, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = store.Hit(ctx, "k", base.Add(2*time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = store.Hit(ctx, "k", base.Add(2*time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = store.Hit(ctx, "other", base.Add(2*time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = store.Count(ctx, "k", base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n, "count does not record a hit")
	n, err = store.Count(ctx, "k", base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	purged, err := store.PurgeBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
	n, err = store.Hit(ctx, "k", base.Add(3*time.Hour), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
