package catalog

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/seedprice-pipeline/internal/policy"
)

// Profile holds the CSS selectors for one storefront layout. Empty fields fall
// back to DefaultProfile.
type Profile struct {
	// PageParam is the query parameter carrying the page number.
	PageParam string `mapstructure:"page_param"`
	// PagePath, when set, formats later pages as a path suffix such as "page/%d/".
	PagePath string `mapstructure:"page_path"`

	Product string `mapstructure:"product"`
	Name    string `mapstructure:"name"`
	Link    string `mapstructure:"link"`
	Image   string `mapstructure:"image"`
	// Variant selects each pack option inside a product; a product without
	// matches is treated as a single pack.
	Variant      string `mapstructure:"variant"`
	PackSize     string `mapstructure:"pack_size"`
	PackSizeAttr string `mapstructure:"pack_size_attr"`
	Price        string `mapstructure:"price"`
	PriceAttr    string `mapstructure:"price_attr"`

	Pagination policy.PaginationSelectors `mapstructure:"pagination"`

	// Render selects when listing pages go through the headless renderer.
	Render RenderMode `mapstructure:"render"`
}

// RenderMode controls headless rendering for a profile.
type RenderMode string

const (
	// RenderNever fetches with plain HTTP only. It is the zero value.
	RenderNever RenderMode = ""
	// RenderAuto re-fetches through the renderer when a plain fetch yields no
	// priced products and the page looks script-built.
	RenderAuto RenderMode = "auto"
	// RenderAlways fetches every page through the renderer.
	RenderAlways RenderMode = "always"
)

// DefaultProfile matches WooCommerce and Shopify-style listing grids.
var DefaultProfile = Profile{
	PageParam:    "page",
	Product:      "li.product, .product-item, .product-card, .grid-product",
	Name:         ".woocommerce-loop-product__title, .product-title, .product-name, .product-card__title, h2, h3",
	Link:         "a[href]",
	Image:        "img",
	Variant:      "[data-pack-size]",
	PackSize:     ".pack-size, .variant-title",
	PackSizeAttr: "data-pack-size",
	Price:        ".price, .product-price, .money",
	PriceAttr:    "data-price",
	Pagination:   policy.DefaultPaginationSelectors,
}

// withDefaults fills unset selectors from DefaultProfile.
func (p Profile) withDefaults() Profile {
	d := DefaultProfile
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&p.PageParam, d.PageParam)
	fill(&p.Product, d.Product)
	fill(&p.Name, d.Name)
	fill(&p.Link, d.Link)
	fill(&p.Image, d.Image)
	fill(&p.Variant, d.Variant)
	fill(&p.PackSize, d.PackSize)
	fill(&p.PackSizeAttr, d.PackSizeAttr)
	fill(&p.Price, d.Price)
	fill(&p.PriceAttr, d.PriceAttr)
	if p.Pagination.NextLink == "" {
		p.Pagination = d.Pagination
	}
	return p
}

// PageURL builds the listing URL for page. Page 1 is the catalog URL itself.
func (p Profile) PageURL(catalogURL string, page int) (string, error) {
	u, err := url.Parse(catalogURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid catalog url %q", catalogURL)
	}
	if page <= 1 {
		return u.String(), nil
	}
	if p.PagePath != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(fmt.Sprintf(p.PagePath, page), "/")
		return u.String(), nil
	}
	param := p.PageParam
	if param == "" {
		param = DefaultProfile.PageParam
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
