package catalog

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const listingHTML = `<html><body>
<p class="woocommerce-result-count">Showing 1–16 of 154 results</p>
<ul class="products">
  <li class="product">
    <a href="/product/cherokee-purple-tomato/"><img data-src="/img/cp.jpg"></a>
    <h2 class="woocommerce-loop-product__title">Cherokee Purple
      Tomato</h2>
    <div data-pack-size="25" data-price="4.95"></div>
    <div data-pack-size="100"><span class="price">$14.50</span></div>
  </li>
  <li class="product">
    <a href="https://seeds.example/product/sugar-snap-pea"><img src="https://cdn.example/ss.jpg"></a>
    <h2 class="woocommerce-loop-product__title">Sugar Snap Pea (200 seeds)</h2>
    <span class="price"><del>$5.00</del> <ins>$4.00</ins></span>
  </li>
  <li class="product">
    <h2 class="woocommerce-loop-product__title">Mystery Packet</h2>
    <span class="price">$1,250.00</span>
  </li>
</ul>
</body></html>`

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestParseProductsDefaultProfile(t *testing.T) {
	t.Parallel()
	products := ParseProducts(mustDoc(t, listingHTML), "https://seeds.example/shop/", Profile{})
	require.Len(t, products, 3)

	cp := products[0]
	require.Equal(t, "Cherokee Purple Tomato", cp.Name)
	require.Equal(t, "cherokee-purple-tomato", cp.Slug)
	require.Equal(t, "https://seeds.example/product/cherokee-purple-tomato/", cp.URL)
	require.Equal(t, "https://seeds.example/img/cp.jpg", cp.ImageURL)
	require.Len(t, cp.Prices, 2)
	require.Equal(t, 25, cp.Prices[0].PackSize)
	require.InDelta(t, 4.95, cp.Prices[0].TotalPrice, 1e-9)
	require.Equal(t, 100, cp.Prices[1].PackSize)
	require.InDelta(t, 14.5, cp.Prices[1].TotalPrice, 1e-9)

	pea := products[1]
	require.Equal(t, "sugar-snap-pea", pea.Slug)
	require.Equal(t, "https://cdn.example/ss.jpg", pea.ImageURL)
	require.Len(t, pea.Prices, 1)
	require.Equal(t, 200, pea.Prices[0].PackSize)
	require.InDelta(t, 4.0, pea.Prices[0].TotalPrice, 1e-9)

	mystery := products[2]
	require.Equal(t, "mystery-packet", mystery.Slug)
	require.Empty(t, mystery.URL)
	require.Equal(t, 1, mystery.Prices[0].PackSize)
	require.InDelta(t, 1250.0, mystery.Prices[0].TotalPrice, 1e-9)
}

func TestParseProductsCustomProfile(t *testing.T) {
	t.Parallel()
	html := `<div class="card"><span class="t">Blue Lake Bean</span>
		<select><option class="opt" value="1">1 oz - $3.25</option><option class="opt">Packet (50 seeds) - $2.10</option></select></div>`
	products := ParseProducts(mustDoc(t, html), "https://beans.example/", Profile{
		Product:  ".card",
		Name:     ".t",
		Variant:  "option.opt",
		Price:    "span.none",
		PackSize: "span.none",
	})
	require.Len(t, products, 1)
	require.Equal(t, "blue-lake-bean", products[0].Slug)
	// Variants without a price element are skipped.
	require.Empty(t, products[0].Prices)
}

func TestParsePackSize(t *testing.T) {
	t.Parallel()
	require.Equal(t, 50, parsePackSize("Packet (50 seeds)", 0))
	require.Equal(t, 1000, parsePackSize("1,000 ct", 0))
	require.Equal(t, 25, parsePackSize("25", 0))
	require.Equal(t, 1, parsePackSize("Lettuce mix $3.95", 1))
	require.Equal(t, 0, parsePackSize("no numbers", 0))
}

func TestParseMoney(t *testing.T) {
	t.Parallel()
	v, ok := parseMoney("USD $1,299.50")
	require.True(t, ok)
	require.InDelta(t, 1299.5, v, 1e-9)
	_, ok = parseMoney("Sold out")
	require.False(t, ok)
}

func TestPageURL(t *testing.T) {
	t.Parallel()
	p := DefaultProfile

	u, err := p.PageURL("https://seeds.example/shop?sort=name", 1)
	require.NoError(t, err)
	require.Equal(t, "https://seeds.example/shop?sort=name", u)

	u, err = p.PageURL("https://seeds.example/shop?sort=name", 3)
	require.NoError(t, err)
	require.Equal(t, "https://seeds.example/shop?page=3&sort=name", u)

	p.PagePath = "page/%d/"
	u, err = p.PageURL("https://seeds.example/shop/", 2)
	require.NoError(t, err)
	require.Equal(t, "https://seeds.example/shop/page/2/", u)

	_, err = p.PageURL("not a url", 2)
	require.Error(t, err)
}
