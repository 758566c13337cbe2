package pipeline

import (
	"strconv"
	"strings"
)

// Queue names.
const (
	QueueScrape = "scrape"
	QueueDetect = "detect-price-changes"
	QueueAlert  = "send-price-alert"
)

// ScrapePayload is the body of a scrape queue job. The job's broker ID is the
// ScrapeJob ID.
type ScrapePayload struct {
	VendorID  string    `json:"vendorId"`
	Mode      JobMode   `json:"mode"`
	PageRange PageRange `json:"pageRange"`
}

// Validate checks required fields.
func (p ScrapePayload) Validate() error {
	if strings.TrimSpace(p.VendorID) == "" {
		return invalid("vendorId", "required")
	}
	if !p.Mode.Valid() {
		return invalid("mode", "unknown mode "+string(p.Mode))
	}
	if p.PageRange.StartPage < 0 || p.PageRange.EndPage < 0 {
		return invalid("pageRange", "pages must be >= 0")
	}
	return nil
}

// ProductSummary is the hand-off from scraper to detector: what the run observed.
type ProductSummary struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Slug     string      `json:"slug"`
	Pricings []PackPrice `json:"pricings"`
}

// DetectPayload is the body of a detect-price-changes job.
type DetectPayload struct {
	ScrapeJobID string           `json:"scrapeJobId"`
	VendorID    string           `json:"vendorId"`
	VendorName  string           `json:"vendorName"`
	Products    []ProductSummary `json:"products"`
}

// Validate checks required fields.
func (p DetectPayload) Validate() error {
	if p.ScrapeJobID == "" {
		return invalid("scrapeJobId", "required")
	}
	if p.VendorID == "" {
		return invalid("vendorId", "required")
	}
	for i, prod := range p.Products {
		if prod.ID == "" {
			return invalid("products", "entry "+strconv.Itoa(i)+" has no id")
		}
	}
	return nil
}

// PriceChange is a significant per-unit drop on one product.
type PriceChange struct {
	ProductID       string  `json:"productId"`
	ProductName     string  `json:"productName"`
	ProductSlug     string  `json:"productSlug"`
	PackSize        int     `json:"packSize"`
	OldPricePerUnit float64 `json:"oldPricePerUnit"`
	NewPricePerUnit float64 `json:"newPricePerUnit"`
	PercentDrop     float64 `json:"percentDrop"`
}

// AlertPayload is the body of a send-price-alert job: one user, many changes.
type AlertPayload struct {
	UserID       string        `json:"userId"`
	Email        string        `json:"email"`
	UserName     string        `json:"userName"`
	VendorName   string        `json:"vendorName"`
	PriceChanges []PriceChange `json:"priceChanges"`
}

// Validate checks required fields.
func (p AlertPayload) Validate() error {
	if p.UserID == "" {
		return invalid("userId", "required")
	}
	if !strings.Contains(p.Email, "@") {
		return invalid("email", "must be an address")
	}
	if len(p.PriceChanges) == 0 {
		return invalid("priceChanges", "at least one change required")
	}
	return nil
}

// ScrapeResult is returned by the scrape handler.
type ScrapeResult struct {
	Counters       JobCounters `json:"counters"`
	PagesProcessed int         `json:"pagesProcessed"`
	Cancelled      bool        `json:"cancelled,omitempty"`
	Skipped        string      `json:"skipped,omitempty"`
	DetectJobID    string      `json:"detectJobId,omitempty"`
}

// DetectResult is returned by the detect handler.
type DetectResult struct {
	PriceChangesDetected int `json:"priceChangesDetected"`
	UsersToNotify        int `json:"usersToNotify"`
	EmailJobsCreated     int `json:"emailJobsCreated"`
}

// AlertResult is returned by the alert handler.
type AlertResult struct {
	EmailSent bool   `json:"emailSent"`
	MessageID string `json:"messageId,omitempty"`
}
