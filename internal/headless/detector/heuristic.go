// Package detector decides when a plainly fetched listing page should be
// re-fetched through the headless renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/seedprice-pipeline/internal/catalog"
)

// Heuristic implements catalog.Promoter for storefront listing pages.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("window.__initial_state__"),
	[]byte("ng-app"),
}

// Storefront themes that fill the product grid from a script.
var gridLoaderMarkers = [][]byte{
	[]byte("data-block-name=\"woocommerce/"),
	[]byte("wc-block-grid"),
	[]byte("shopify.theme"),
	[]byte("data-product-grid"),
	[]byte("collection-products-loading"),
}

// Category pages that really are empty render these without any script.
var emptyCategoryPhrases = [][]byte{
	[]byte("no products were found"),
	[]byte("no products found"),
	[]byte("this collection is empty"),
}

// ShouldRender reports whether page looks like a listing whose products are
// built client-side. A page that already yielded priced products, or that
// states its category is empty, is never re-rendered.
func (h *Heuristic) ShouldRender(page catalog.Page, listing catalog.Listing) bool {
	if page.StatusCode != http.StatusOK || listing.Products > 0 {
		return false
	}
	body := bytes.ToLower(page.Body)
	if len(body) == 0 {
		return true
	}
	for _, phrase := range emptyCategoryPhrases {
		if bytes.Contains(body, phrase) {
			return false
		}
	}
	// Product cards without names or prices are placeholders awaiting a script.
	if listing.Containers > 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range gridLoaderMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(lowerBody []byte) bool {
	lower := string(lowerBody)
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
