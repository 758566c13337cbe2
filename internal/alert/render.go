package alert

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strconv"
	"strings"
	texttemplate "text/template"

	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var funcs = map[string]any{
	"money":   formatMoney,
	"percent": formatPercent,
}

var (
	htmlTemplate = htmltemplate.Must(htmltemplate.New("price_alert.html.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/price_alert.html.tmpl"))
	textTemplate = texttemplate.Must(texttemplate.New("price_alert.txt.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/price_alert.txt.tmpl"))
)

// Message is a rendered notification ready for a Mailer.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type changeView struct {
	pipeline.PriceChange
	URL string
}

type view struct {
	Name       string
	VendorName string
	Changes    []changeView
}

// Render builds the price alert email for one user. baseURL, when set, links
// each product to /products/<slug> on the storefront.
func Render(p pipeline.AlertPayload, baseURL string) (Message, error) {
	if err := p.Validate(); err != nil {
		return Message{}, err
	}
	v := view{Name: strings.TrimSpace(p.UserName), VendorName: p.VendorName}
	if v.Name == "" {
		v.Name = "there"
	}
	if v.VendorName == "" {
		v.VendorName = "one of our vendors"
	}
	for _, c := range p.PriceChanges {
		v.Changes = append(v.Changes, changeView{PriceChange: c, URL: productURL(baseURL, c.ProductSlug)})
	}

	var html, text bytes.Buffer
	if err := htmlTemplate.Execute(&html, v); err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}
	if err := textTemplate.Execute(&text, v); err != nil {
		return Message{}, fmt.Errorf("render text: %w", err)
	}
	return Message{To: p.Email, Subject: subject(p), HTML: html.String(), Text: text.String()}, nil
}

func subject(p pipeline.AlertPayload) string {
	if len(p.PriceChanges) == 1 {
		c := p.PriceChanges[0]
		return fmt.Sprintf("Price drop: %s is %s cheaper", c.ProductName, formatPercent(c.PercentDrop))
	}
	return fmt.Sprintf("Price drops on %d seeds you follow", len(p.PriceChanges))
}

func productURL(baseURL, slug string) string {
	if baseURL == "" || slug == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.JoinPath("products", slug).String()
}

func formatMoney(v float64) string {
	if v < 0.1 {
		return "$" + strconv.FormatFloat(v, 'f', 4, 64)
	}
	return "$" + strconv.FormatFloat(v, 'f', 2, 64)
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}
