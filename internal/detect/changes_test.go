package detect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

func ptr(v float64) *float64 { return &v }

func summary(id string, prices ...pipeline.PackPrice) pipeline.ProductSummary {
	return pipeline.ProductSummary{ID: id, Name: "Product " + id, Slug: id, Pricings: prices}
}

func TestComputeChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		products []pipeline.ProductSummary
		prior    map[string][]pipeline.StoredPrice
		want     []pipeline.PriceChange
	}{
		{
			name:     "stored current differs from observation",
			products: []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 9))},
			prior:    map[string][]pipeline.StoredPrice{"p1": {{PackSize: 1, PricePerUnit: 10}}},
			want: []pipeline.PriceChange{{
				ProductID: "p1", ProductName: "Product p1", ProductSlug: "p1",
				PackSize: 1, OldPricePerUnit: 10, NewPricePerUnit: 9, PercentDrop: 10,
			}},
		},
		{
			name:     "observation written by this run falls back to previous price",
			products: []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 9))},
			prior:    map[string][]pipeline.StoredPrice{"p1": {{PackSize: 1, PricePerUnit: 9, PreviousPricePerUnit: ptr(10), ChangedByJob: "job-1"}}},
			want: []pipeline.PriceChange{{
				ProductID: "p1", ProductName: "Product p1", ProductSlug: "p1",
				PackSize: 1, OldPricePerUnit: 10, NewPricePerUnit: 9, PercentDrop: 10,
			}},
		},
		{
			name:     "drop recorded by an earlier run",
			products: []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 9))},
			prior:    map[string][]pipeline.StoredPrice{"p1": {{PackSize: 1, PricePerUnit: 9, PreviousPricePerUnit: ptr(10), ChangedByJob: "job-0"}}},
		},
		{
			name:     "unattributed previous price",
			products: []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 9))},
			prior:    map[string][]pipeline.StoredPrice{"p1": {{PackSize: 1, PricePerUnit: 9, PreviousPricePerUnit: ptr(10)}}},
		},
		{
			name:     "no baseline",
			products: []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 9))},
			prior:    map[string][]pipeline.StoredPrice{"p1": {{PackSize: 1, PricePerUnit: 9}}},
		},
		{
			name:     "unknown product",
			products: []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 9))},
			prior:    map[string][]pipeline.StoredPrice{},
		},
		{
			name:     "below threshold",
			products: []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 9.6))},
			prior:    map[string][]pipeline.StoredPrice{"p1": {{PackSize: 1, PricePerUnit: 10}}},
		},
		{
			name:     "exactly at threshold",
			products: []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 9.5))},
			prior:    map[string][]pipeline.StoredPrice{"p1": {{PackSize: 1, PricePerUnit: 10}}},
			want: []pipeline.PriceChange{{
				ProductID: "p1", ProductName: "Product p1", ProductSlug: "p1",
				PackSize: 1, OldPricePerUnit: 10, NewPricePerUnit: 9.5, PercentDrop: 5,
			}},
		},
		{
			name:     "price increase",
			products: []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 12))},
			prior:    map[string][]pipeline.StoredPrice{"p1": {{PackSize: 1, PricePerUnit: 10}}},
		},
		{
			name: "largest pack drop wins",
			products: []pipeline.ProductSummary{summary("p1",
				pipeline.NewPackPrice(10, 9),
				pipeline.NewPackPrice(50, 30),
				pipeline.NewPackPrice(100, 100),
			)},
			prior: map[string][]pipeline.StoredPrice{"p1": {
				{PackSize: 10, PricePerUnit: 1},
				{PackSize: 50, PricePerUnit: 0.8},
				{PackSize: 100, PricePerUnit: 1},
			}},
			want: []pipeline.PriceChange{{
				ProductID: "p1", ProductName: "Product p1", ProductSlug: "p1",
				PackSize: 50, OldPricePerUnit: 0.8, NewPricePerUnit: 0.6, PercentDrop: 25,
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ComputeChanges(tt.products, tt.prior, "job-1", DefaultThresholdPercent))
		})
	}
}

func TestComputeChangesIsPure(t *testing.T) {
	t.Parallel()
	products := []pipeline.ProductSummary{summary("p1", pipeline.NewPackPrice(1, 9))}
	prior := map[string][]pipeline.StoredPrice{"p1": {{PackSize: 1, PricePerUnit: 9, PreviousPricePerUnit: ptr(10), ChangedByJob: "job-1"}}}
	first := ComputeChanges(products, prior, "job-1", 5)
	require.Len(t, first, 1)
	require.Equal(t, first, ComputeChanges(products, prior, "job-1", 5))
}

func TestPercentDrop(t *testing.T) {
	t.Parallel()
	require.InDelta(t, 33.33, PercentDrop(3, 2), 1e-9)
	require.Zero(t, PercentDrop(0, 1))
}

func TestGroupByUser(t *testing.T) {
	t.Parallel()
	changes := []pipeline.PriceChange{{ProductID: "p1"}, {ProductID: "p2"}, {ProductID: "p3"}}
	favorites := map[string][]string{
		"p1": {"bob", "ana"},
		"p2": {"ana", "ana"},
	}

	got := GroupByUser(changes, favorites)
	require.Equal(t, []UserChanges{
		{UserID: "ana", Changes: []pipeline.PriceChange{{ProductID: "p1"}, {ProductID: "p2"}}},
		{UserID: "bob", Changes: []pipeline.PriceChange{{ProductID: "p1"}}},
	}, got)
	require.Empty(t, GroupByUser(nil, favorites))
}
