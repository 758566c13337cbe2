package policy

import (
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageSignal names the evidence pagination was derived from.
type PageSignal string

// Pagination signals in order of preference.
const (
	SignalNextLink  PageSignal = "next_link"
	SignalNumbered  PageSignal = "numbered_links"
	SignalItemCount PageSignal = "item_count"
	SignalNone      PageSignal = "none"
)

// PaginationSelectors overrides the default selectors.
type PaginationSelectors struct {
	NextLink    string `mapstructure:"next_link"`
	PageLinks   string `mapstructure:"page_links"`
	ResultCount string `mapstructure:"result_count"`
}

// DefaultPaginationSelectors cover the common storefront themes.
var DefaultPaginationSelectors = PaginationSelectors{
	NextLink:    `a[rel="next"], link[rel="next"], a.next, .next a, .pagination-next a, li.next a`,
	PageLinks:   `.pagination a, .page-numbers a, a.page-numbers, nav.woocommerce-pagination a, .pager a`,
	ResultCount: `.woocommerce-result-count, .result-count, .toolbar-amount, .results-count`,
}

// PageInfo summarizes the pagination of a listing page.
type PageInfo struct {
	HasNext bool
	NextURL string
	MaxPage int
	Signal  PageSignal
}

var (
	pageParam  = regexp.MustCompile(`(?i)(?:[?&](?:page|p|pg)=|/page/)(\d+)`)
	countRange = regexp.MustCompile(`(?i)(\d[\d,]*)\s*(?:[-–—]|to)\s*(\d[\d,]*)\s+of\s+(\d[\d,]*)`)
)

// DetectPagination inspects a listing page. Next-page existence prefers an
// explicit next link, then numbered links, then ceil(total/perPage) from a
// result-count text; any one signal may be missing.
func DetectPagination(doc *goquery.Document, currentPage int, sel PaginationSelectors) PageInfo {
	if sel.NextLink == "" {
		sel = DefaultPaginationSelectors
	}
	if currentPage < 1 {
		currentPage = 1
	}

	numbered := maxNumberedPage(doc, sel.PageLinks)
	counted := pagesFromCount(doc, sel.ResultCount)

	maxPage := numbered
	if maxPage == 0 {
		maxPage = counted
	}

	if next := doc.Find(sel.NextLink).First(); next.Length() > 0 {
		href, _ := next.Attr("href")
		if maxPage < currentPage+1 {
			maxPage = currentPage + 1
		}
		return PageInfo{HasNext: true, NextURL: href, MaxPage: maxPage, Signal: SignalNextLink}
	}
	if numbered > 0 {
		return PageInfo{HasNext: numbered > currentPage, MaxPage: numbered, Signal: SignalNumbered}
	}
	if counted > 0 {
		return PageInfo{HasNext: counted > currentPage, MaxPage: counted, Signal: SignalItemCount}
	}
	return PageInfo{MaxPage: currentPage, Signal: SignalNone}
}

// DetectMaxPage returns only the highest page number found.
func DetectMaxPage(doc *goquery.Document, currentPage int) int {
	return DetectPagination(doc, currentPage, DefaultPaginationSelectors).MaxPage
}

func maxNumberedPage(doc *goquery.Document, selector string) int {
	best := 0
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(s.Text())); err == nil && n > best {
			best = n
		}
		if href, ok := s.Attr("href"); ok {
			if n := pageFromHref(href); n > best {
				best = n
			}
		}
	})
	return best
}

func pageFromHref(href string) int {
	if u, err := url.Parse(href); err == nil {
		href = u.RequestURI()
	}
	m := pageParam.FindStringSubmatch(href)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func pagesFromCount(doc *goquery.Document, selector string) int {
	text := doc.Find(selector).First().Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Find("body").Text()
	}
	return PagesFromCountText(text)
}

// PagesFromCountText parses texts like "Showing 1–16 of 154 results".
func PagesFromCountText(text string) int {
	m := countRange.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	first := atoiCommas(m[1])
	last := atoiCommas(m[2])
	total := atoiCommas(m[3])
	perPage := last - first + 1
	if perPage <= 0 || total <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(perPage)))
}

func atoiCommas(s string) int {
	n, _ := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	return n
}
