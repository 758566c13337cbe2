// Package catalog is the default vendor scraping collaborator. A
// SelectorScraper fetches listing pages through the polite crawler gate with a
// colly collector, extracts products with per-vendor CSS selector profiles and
// derives pagination from the page markup.
package catalog
