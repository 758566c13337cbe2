package catalog

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

var (
	packPattern   = regexp.MustCompile(`(?i)(\d[\d,]*)\s*(?:seeds?|ct\b|count|pk\b|pack|pcs)`)
	numberPattern = regexp.MustCompile(`\d[\d,]*`)
	moneyPattern  = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
)

// ParseProducts extracts raw products from a listing document. Entries are
// returned even when incomplete; validation happens in the scrape worker.
func ParseProducts(doc *goquery.Document, pageURL string, profile Profile) []pipeline.RawProduct {
	p := profile.withDefaults()
	base, _ := url.Parse(pageURL)

	var out []pipeline.RawProduct
	doc.Find(p.Product).Each(func(_ int, item *goquery.Selection) {
		name := strings.Join(strings.Fields(item.Find(p.Name).First().Text()), " ")
		link := resolve(base, attrOf(item.Find(p.Link).First(), "href"))
		image := resolve(base, firstAttr(item.Find(p.Image).First(), "src", "data-src", "data-srcset"))

		raw := pipeline.RawProduct{
			Name:     name,
			Slug:     slugFromLink(link, name),
			URL:      link,
			ImageURL: image,
		}
		variants := item.Find(p.Variant)
		if variants.Length() == 0 {
			if price, ok := parsePrice(item, p); ok {
				raw.Prices = append(raw.Prices, pipeline.RawPrice{
					PackSize:   parsePackSize(item.Text(), 1),
					TotalPrice: price,
				})
			}
		} else {
			variants.Each(func(_ int, v *goquery.Selection) {
				price, ok := parsePrice(v, p)
				if !ok {
					return
				}
				size := 0
				if attr, exists := v.Attr(p.PackSizeAttr); exists {
					size = parsePackSize(attr, 0)
				}
				if size == 0 {
					size = parsePackSize(v.Find(p.PackSize).First().Text(), 0)
				}
				if size == 0 {
					size = parsePackSize(v.Text(), 0)
				}
				raw.Prices = append(raw.Prices, pipeline.RawPrice{PackSize: size, TotalPrice: price})
			})
		}
		out = append(out, raw)
	})
	return out
}

func parsePrice(s *goquery.Selection, p Profile) (float64, bool) {
	if v, ok := s.Attr(p.PriceAttr); ok {
		if f, ok := parseMoney(v); ok {
			return f, true
		}
	}
	el := s.Find(p.Price).First()
	if el.Length() == 0 {
		return 0, false
	}
	// Sale markup puts the current price in <ins>.
	if ins := el.Find("ins"); ins.Length() > 0 {
		el = ins.First()
	}
	if v, ok := el.Attr(p.PriceAttr); ok {
		if f, ok := parseMoney(v); ok {
			return f, true
		}
	}
	return parseMoney(el.Text())
}

func parseMoney(text string) (float64, bool) {
	m := moneyPattern.FindString(text)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// parsePackSize prefers an explicit "<n> seeds" phrase, then the first number.
func parsePackSize(text string, fallback int) int {
	if m := packPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil && n > 0 {
			return n
		}
	}
	if m := numberPattern.FindString(text); m != "" && fallback == 0 {
		if n, err := strconv.Atoi(strings.ReplaceAll(m, ",", "")); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func slugFromLink(link, name string) string {
	if u, err := url.Parse(link); err == nil && u.Path != "" && u.Path != "/" {
		if s := pipeline.Slugify(path.Base(strings.TrimSuffix(u.Path, "/"))); s != "" {
			return s
		}
	}
	return pipeline.Slugify(name)
}

func attrOf(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, n := range names {
		if v := attrOf(s, n); v != "" {
			return strings.Fields(v)[0]
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}
