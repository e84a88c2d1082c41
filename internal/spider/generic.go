package spider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"shopcrawler/internal/config"
	"shopcrawler/pkg/types"
)

// Defaults covering common product-card markup. Every selector can be
// overridden via config or -a arguments.
var defaultSelectors = config.SelectorConfig{
	Item:  ".product-card, .product-item, li.product, [class*='product-grid'] > *",
	Title: ".product-title, .product-name, h2, h3",
	Price: ".price, [class*='price']",
	Image: "img",
	Link:  "a[href]",
	Next:  "a[rel='next'], .pagination__next a, a.next",
}

const strategyList = "list"

var priceAmountRe = regexp.MustCompile(`\d+(?:[.,]\d{3})*(?:[.,]\d{2})?`)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
	"₩": "KRW",
}

var currencyCodeRe = regexp.MustCompile(`\b[A-Z]{3}\b`)

// GenericSpider extracts product records from arbitrary listing pages using
// CSS selectors, following "next" pagination up to a page limit.
type GenericSpider struct {
	cfg       config.SpiderConfig
	selectors config.SelectorConfig
	logger    *slog.Logger
	start     *url.URL

	mu       sync.Mutex
	pages    int
	seenURLs map[string]struct{}
}

// NewGeneric constructs the generic_product spider.
func NewGeneric(cfg config.SpiderConfig, logger *slog.Logger) (Spider, error) {
	if cfg.StartURL == "" {
		return nil, config.Errorf("spider %s requires a start_url", config.SpiderGenericProduct)
	}
	start, err := url.Parse(cfg.StartURL)
	if err != nil || start.Host == "" {
		return nil, config.Errorf("start_url %q is not an absolute url", cfg.StartURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	sel := cfg.Selectors
	if sel.Item == "" {
		sel.Item = defaultSelectors.Item
	}
	if sel.Title == "" {
		sel.Title = defaultSelectors.Title
	}
	if sel.Price == "" {
		sel.Price = defaultSelectors.Price
	}
	if sel.Image == "" {
		sel.Image = defaultSelectors.Image
	}
	if sel.Link == "" {
		sel.Link = defaultSelectors.Link
	}
	if sel.Next == "" {
		sel.Next = defaultSelectors.Next
	}

	return &GenericSpider{
		cfg:       cfg,
		selectors: sel,
		logger:    logger.With("spider", config.SpiderGenericProduct),
		start:     start,
		seenURLs:  make(map[string]struct{}),
	}, nil
}

func (g *GenericSpider) Name() string { return config.SpiderGenericProduct }

func (g *GenericSpider) StartRequests() ([]types.CrawlRequest, error) {
	return []types.CrawlRequest{{
		URL:      g.start,
		Strategy: strategyList,
		Page:     1,
	}}, nil
}

// Parse extracts one record per matched item and follows pagination.
func (g *GenericSpider) Parse(ctx context.Context, req types.CrawlRequest, page *types.Page, emit Emitter) ([]types.CrawlRequest, error) {
	if page == nil {
		return nil, fmt.Errorf("nil page for %s", req.URL)
	}
	if page.StatusCode != 200 {
		return nil, fmt.Errorf("listing page %s returned status %d", page.URL, page.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	base := page.FinalURL
	if base == nil {
		base = page.URL
	}

	count := 0
	doc.Find(g.selectors.Item).Each(func(_ int, item *goquery.Selection) {
		record, ok := g.extractItem(item, base, page)
		if !ok {
			return
		}

		g.mu.Lock()
		if record.URL != "" {
			if _, dup := g.seenURLs[record.URL]; dup {
				g.mu.Unlock()
				return
			}
			g.seenURLs[record.URL] = struct{}{}
		}
		g.mu.Unlock()

		emit(record)
		count++
	})

	g.logger.Debug("parsed listing page", "url", page.URL.String(), "items", count)

	g.mu.Lock()
	g.pages++
	atLimit := g.pages >= g.cfg.MaxListPages
	g.mu.Unlock()
	if atLimit {
		return nil, nil
	}

	next := g.nextPage(doc, base)
	if next == nil {
		return nil, nil
	}
	return []types.CrawlRequest{{
		URL:      next,
		Strategy: strategyList,
		Page:     req.Page + 1,
		Render:   req.Render,
	}}, nil
}

func (g *GenericSpider) extractItem(item *goquery.Selection, base *url.URL, page *types.Page) (types.Product, bool) {
	title := strings.TrimSpace(item.Find(g.selectors.Title).First().Text())
	if title == "" {
		return types.Product{}, false
	}

	var link string
	if href, ok := item.Find(g.selectors.Link).First().Attr("href"); ok {
		link = resolveURL(base, href)
	}

	price, currency := parsePrice(item.Find(g.selectors.Price).First().Text())

	var image string
	img := item.Find(g.selectors.Image).First()
	for _, attr := range []string{"src", "data-src", "data-srcset"} {
		if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" {
			image = resolveURL(base, strings.Fields(v)[0])
			break
		}
	}

	return types.Product{
		Title:    title,
		Price:    price,
		Currency: currency,
		URL:      link,
		ImageURL: image,
		Availability: types.Availability{
			// Listing pages rarely carry stock state; assume sellable
			// unless the card says otherwise.
			InStock: !itemMarkedSoldOut(item),
		},
		FetchedAt: page.FetchedAt,
	}, true
}

func itemMarkedSoldOut(item *goquery.Selection) bool {
	text := strings.ToLower(item.Text())
	return strings.Contains(text, "sold out") || strings.Contains(text, "out of stock")
}

func (g *GenericSpider) nextPage(doc *goquery.Document, base *url.URL) *url.URL {
	href, ok := doc.Find(g.selectors.Next).First().Attr("href")
	if !ok {
		return nil
	}
	resolved := resolveURL(base, href)
	if resolved == "" {
		return nil
	}
	u, err := url.Parse(resolved)
	if err != nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	key := u.String()
	if _, visited := g.seenURLs[key]; visited {
		return nil
	}
	g.seenURLs[key] = struct{}{}
	return u
}

// parsePrice splits a display price like "€ 1.299,00" or "$24.99 USD" into
// an amount string and a currency code.
func parsePrice(raw string) (amount, currency string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}

	for symbol, code := range currencySymbols {
		if strings.Contains(raw, symbol) {
			currency = code
			break
		}
	}
	if currency == "" {
		if m := currencyCodeRe.FindString(raw); m != "" {
			currency = m
		}
	}

	amount = priceAmountRe.FindString(raw)
	return amount, currency
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	if base == nil {
		return href
	}
	u, err := base.Parse(href)
	if err != nil {
		return ""
	}
	u.Fragment = ""
	return u.String()
}
