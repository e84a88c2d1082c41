package types

import (
	"net/http"
	"net/url"
	"time"
)

// CrawlRequest models a work item submitted to the crawl frontier.
type CrawlRequest struct {
	URL *url.URL

	// Shop identifies the storefront a Shopify request belongs to;
	// empty for generic crawls.
	Shop string

	// Strategy names the pagination strategy that produced the request.
	// Spiders use it to pick a fallback when a page comes back unusable.
	Strategy string

	// Page and Offset are the pagination cursor for the request.
	Page   int
	Offset int

	// Force bypasses the frontier's seen-URL filter. Pagination strategy
	// fallbacks reuse URLs already requested under another strategy.
	Force bool

	Render     bool
	EnqueuedAt time.Time
}

// Page represents the fetched content.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
}

// Availability summarises variant stock state for a product.
type Availability struct {
	InStock           bool `json:"in_stock"`
	FullyOutOfStock   bool `json:"fully_out_of_stock"`
	VariantOutOfStock bool `json:"variant_out_of_stock"`
}

// Product is a single extracted record. Records are flat, written to the
// output sink as soon as they are emitted, and never mutated afterwards.
type Product struct {
	Shop         string       `json:"shop,omitempty"`
	ProductID    int64        `json:"product_id,omitempty"`
	Title        string       `json:"title"`
	Price        string       `json:"price,omitempty"`
	Currency     string       `json:"currency,omitempty"`
	URL          string       `json:"url"`
	ImageURL     string       `json:"image_url,omitempty"`
	Availability Availability `json:"availability"`
	Tags         []string     `json:"tags,omitempty"`
	ProductType  string       `json:"product_type,omitempty"`
	FetchedAt    time.Time    `json:"fetched_at"`
}

// CrawlStatus is the terminal status of a run.
type CrawlStatus string

const (
	StatusSuccess CrawlStatus = "success"
	StatusPartial CrawlStatus = "partial"
	StatusFailed  CrawlStatus = "failed"
)

// CrawlStats aggregates counters across a single run.
type CrawlStats struct {
	PagesFetched   int64
	FailedRequests int64
	Items          int64
	DroppedItems   int64

	// PerShop counts items per shop domain for multi-shop runs.
	PerShop map[string]int64
}

// Status derives the aggregate run status from the counters.
func (s CrawlStats) Status() CrawlStatus {
	switch {
	case s.FailedRequests == 0:
		return StatusSuccess
	case s.Items > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
