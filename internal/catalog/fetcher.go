package catalog

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// FetcherConfig controls collector behavior.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Page is a fetched listing page.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// FetchError reports a failed fetch. StatusCode is zero when no response
// arrived.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Unreachable reports whether the vendor itself is failing rather than the page.
func (e *FetchError) Unreachable() bool {
	return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError
}

// Fetcher performs single GETs with a colly collector. Robots and rate limits
// are enforced by the caller's gate, not by colly.
type Fetcher struct {
	cfg  FetcherConfig
	base *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewFetcher builds a Fetcher. transport may be nil.
func NewFetcher(cfg FetcherConfig, transport http.RoundTripper) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Fetcher{cfg: cfg, base: c}
}

// Fetch retrieves url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Page, error) {
	var (
		page     Page
		fetchErr *FetchError
	)
	collector := f.base.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	configureHooks(collector, time.Now(), &page, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			fetchErr.URL = url
			return Page{}, fetchErr
		}
		if err != nil {
			return Page{}, &FetchError{URL: url, Err: err}
		}
		return page, nil
	}
}

func configureHooks(hooks collectorHooks, start time.Time, page *Page, fetchErr **FetchError) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			page.Header = r.Headers.Clone()
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		fe := &FetchError{Err: err}
		if r != nil {
			fe.StatusCode = r.StatusCode
		}
		*fetchErr = fe
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
