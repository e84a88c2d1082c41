package spider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"shopcrawler/internal/config"
	"shopcrawler/pkg/types"
)

// Pagination strategies for the Shopify products.json endpoint. Shops front
// the endpoint with different CDN/app configurations; when one strategy
// starts returning 404/406 or HTML, the spider switches to the next.
const (
	strategyCurrency  = "currency"
	strategyStandard  = "standard"
	strategyOffset    = "offset"
	strategyAlternate = "alternate"
)

const shopifyPageSize = 250

var currencyRe = regexp.MustCompile(`Shopify\.currency\s*=\s*(\{.*?\});`)

// ShopifySpider pages through the JSON product listings of one or more
// Shopify storefronts.
type ShopifySpider struct {
	cfg    config.SpiderConfig
	logger *slog.Logger
	shops  []string

	mu    sync.Mutex
	state map[string]*shopState
}

type shopState struct {
	currency     string
	seenIDs      map[int64]struct{}
	pagesCrawled int
	emptyPages   int
	tried        map[string]struct{}
	stopped      bool
}

// NewShopify constructs the shopify_products spider.
func NewShopify(cfg config.SpiderConfig, logger *slog.Logger) (Spider, error) {
	if len(cfg.Shops) == 0 {
		return nil, config.Errorf("spider %s requires at least one shop", config.SpiderShopifyProducts)
	}
	if logger == nil {
		logger = slog.Default()
	}

	shops := make([]string, 0, len(cfg.Shops))
	state := make(map[string]*shopState, len(cfg.Shops))
	for _, raw := range cfg.Shops {
		shop := normaliseShop(raw)
		if shop == "" {
			return nil, config.Errorf("shop %q is not a usable domain", raw)
		}
		if _, dup := state[shop]; dup {
			continue
		}
		shops = append(shops, shop)
		state[shop] = &shopState{
			seenIDs: make(map[int64]struct{}),
			tried:   make(map[string]struct{}),
		}
	}

	return &ShopifySpider{
		cfg:    cfg,
		logger: logger.With("spider", config.SpiderShopifyProducts),
		shops:  shops,
		state:  state,
	}, nil
}

func (s *ShopifySpider) Name() string { return config.SpiderShopifyProducts }

// StartRequests probes each shop's storefront for its active currency before
// paging products; the probe response chains into the first products page.
func (s *ShopifySpider) StartRequests() ([]types.CrawlRequest, error) {
	reqs := make([]types.CrawlRequest, 0, len(s.shops))
	for _, shop := range s.shops {
		u, err := url.Parse(fmt.Sprintf("https://%s/collections/all", shop))
		if err != nil {
			return nil, config.Errorf("shop %q does not form a valid url: %v", shop, err)
		}
		reqs = append(reqs, types.CrawlRequest{
			URL:      u,
			Shop:     shop,
			Strategy: strategyCurrency,
		})
	}
	return reqs, nil
}

// Parse dispatches on the request's strategy.
func (s *ShopifySpider) Parse(ctx context.Context, req types.CrawlRequest, page *types.Page, emit Emitter) ([]types.CrawlRequest, error) {
	if page == nil {
		return nil, fmt.Errorf("nil page for %s", req.Shop)
	}
	if req.Strategy == strategyCurrency {
		return s.parseCurrency(req, page)
	}
	return s.parseProducts(req, page, emit)
}

// HandleFailure keeps a shop alive when its currency probe dies at the
// transport level: products still page, records just carry no currency.
func (s *ShopifySpider) HandleFailure(req types.CrawlRequest) []types.CrawlRequest {
	if req.Strategy != strategyCurrency {
		return nil
	}
	next, err := s.buildProductsRequest(req.Shop, strategyStandard, 1, 0)
	if err != nil {
		return nil
	}
	return []types.CrawlRequest{next}
}

func (s *ShopifySpider) parseCurrency(req types.CrawlRequest, page *types.Page) ([]types.CrawlRequest, error) {
	code := extractShopCurrency(page.Body)
	if code != "" {
		s.mu.Lock()
		if st := s.state[req.Shop]; st != nil {
			st.currency = code
		}
		s.mu.Unlock()
		s.logger.Info("detected shop currency", "shop", req.Shop, "currency", code)
	} else {
		s.logger.Debug("no currency detected", "shop", req.Shop)
	}

	next, err := s.buildProductsRequest(req.Shop, strategyStandard, 1, 0)
	if err != nil {
		return nil, err
	}
	return []types.CrawlRequest{next}, nil
}

func (s *ShopifySpider) parseProducts(req types.CrawlRequest, page *types.Page, emit Emitter) ([]types.CrawlRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state[req.Shop]
	if st == nil || st.stopped {
		return nil, nil
	}

	st.pagesCrawled++
	if st.pagesCrawled > s.cfg.MaxPagesPerShop {
		s.logger.Warn("reached max pages for shop", "shop", req.Shop, "page", req.Page)
		st.stopped = true
		return nil, nil
	}

	if page.StatusCode != 200 {
		s.logger.Warn("unexpected status", "shop", req.Shop, "status", page.StatusCode, "url", page.URL.String())
		if page.StatusCode == 404 || page.StatusCode == 406 {
			return s.tryAlternativeLocked(req.Shop, st, req.Strategy)
		}
		return nil, nil
	}

	var payload struct {
		Products []shopifyProduct `json:"products"`
	}
	if err := json.Unmarshal(page.Body, &payload); err != nil {
		return s.tryAlternativeLocked(req.Shop, st, req.Strategy)
	}
	if len(payload.Products) == 0 && bytes.Contains(bytes.ToLower(page.Body), []byte("<html")) {
		return s.tryAlternativeLocked(req.Shop, st, req.Strategy)
	}

	if len(payload.Products) == 0 {
		st.emptyPages++
		if st.emptyPages >= s.cfg.EmptyPageLimit {
			s.logger.Info("stopping shop after consecutive empty pages",
				"shop", req.Shop, "empty_pages", st.emptyPages)
			st.stopped = true
			return nil, nil
		}
	} else {
		st.emptyPages = 0
	}

	for i := range payload.Products {
		prod := &payload.Products[i]
		if prod.ID == 0 {
			continue
		}
		if _, seen := st.seenIDs[prod.ID]; seen {
			continue
		}
		st.seenIDs[prod.ID] = struct{}{}
		if !s.matchesFilters(prod) {
			continue
		}
		emit(s.buildRecord(req.Shop, st.currency, prod, page))
	}

	next, err := s.nextRequestLocked(req, len(payload.Products))
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *ShopifySpider) nextRequestLocked(req types.CrawlRequest, productCount int) ([]types.CrawlRequest, error) {
	switch req.Strategy {
	case strategyOffset:
		// Offset paging has no page counter; a short page means the end.
		if productCount < shopifyPageSize {
			return nil, nil
		}
		next, err := s.buildProductsRequest(req.Shop, strategyOffset, 1, req.Offset+shopifyPageSize)
		if err != nil {
			return nil, err
		}
		return []types.CrawlRequest{next}, nil
	default:
		next, err := s.buildProductsRequest(req.Shop, req.Strategy, req.Page+1, 0)
		if err != nil {
			return nil, err
		}
		return []types.CrawlRequest{next}, nil
	}
}

func (s *ShopifySpider) tryAlternativeLocked(shop string, st *shopState, current string) ([]types.CrawlRequest, error) {
	st.tried[current] = struct{}{}
	for _, candidate := range []string{strategyStandard, strategyOffset, strategyAlternate} {
		if candidate == current {
			continue
		}
		if _, done := st.tried[candidate]; done {
			continue
		}
		s.logger.Info("switching pagination strategy",
			"shop", shop, "from", current, "to", candidate)
		next, err := s.buildProductsRequest(shop, candidate, 1, 0)
		if err != nil {
			return nil, err
		}
		// Without a collection prefix, alternate and standard page 1 share a
		// URL; the fallback must get past the engine's seen-URL filter.
		next.Force = true
		return []types.CrawlRequest{next}, nil
	}
	s.logger.Warn("all pagination strategies failed", "shop", shop)
	st.stopped = true
	return nil, nil
}

func (s *ShopifySpider) buildProductsRequest(shop, strategy string, page, offset int) (types.CrawlRequest, error) {
	base := fmt.Sprintf("https://%s/products.json", shop)
	if c := s.cfg.Collection; c != "" {
		base = fmt.Sprintf("https://%s/collections/%s/products.json", shop, url.PathEscape(c))
		if strategy == strategyAlternate {
			base = fmt.Sprintf("https://%s/collections/%s", shop, url.PathEscape(c))
		}
	}

	u, err := url.Parse(base)
	if err != nil {
		return types.CrawlRequest{}, fmt.Errorf("build products url for %s: %w", shop, err)
	}

	q := u.Query()
	switch {
	case strategy == strategyAlternate && s.cfg.Collection != "":
		q.Set("page", fmt.Sprint(page))
		q.Set("view", "json")
	case strategy == strategyOffset:
		q.Set("limit", fmt.Sprint(shopifyPageSize))
		q.Set("offset", fmt.Sprint(offset))
	default:
		q.Set("limit", fmt.Sprint(shopifyPageSize))
		q.Set("page", fmt.Sprint(page))
	}
	u.RawQuery = q.Encode()

	return types.CrawlRequest{
		URL:      u,
		Shop:     shop,
		Strategy: strategy,
		Page:     page,
		Offset:   offset,
	}, nil
}

func (s *ShopifySpider) matchesFilters(prod *shopifyProduct) bool {
	if tag := s.cfg.Tag; tag != "" {
		found := false
		for _, t := range prod.Tags {
			if strings.EqualFold(strings.TrimSpace(t), tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if pt := s.cfg.ProductType; pt != "" {
		if !strings.EqualFold(strings.TrimSpace(prod.ProductType), pt) {
			return false
		}
	}
	return true
}

func (s *ShopifySpider) buildRecord(shop, currency string, prod *shopifyProduct, page *types.Page) types.Product {
	var price string
	if len(prod.Variants) > 0 {
		price = prod.Variants[0].Price
	}

	var imageURL string
	if len(prod.Images) > 0 {
		imageURL = prod.Images[0].Src
	}

	var productURL string
	if prod.Handle != "" {
		productURL = fmt.Sprintf("https://%s/products/%s", shop, prod.Handle)
	}

	fullyOut := len(prod.Variants) > 0
	variantOut := false
	for _, v := range prod.Variants {
		unavailable := v.Available != nil && !*v.Available
		if unavailable {
			variantOut = true
		} else {
			fullyOut = false
		}
	}

	return types.Product{
		Shop:      shop,
		ProductID: prod.ID,
		Title:     prod.Title,
		Price:     price,
		Currency:  currency,
		URL:       productURL,
		ImageURL:  imageURL,
		Availability: types.Availability{
			InStock:           len(prod.Variants) > 0 && !fullyOut,
			FullyOutOfStock:   fullyOut,
			VariantOutOfStock: variantOut,
		},
		Tags:        prod.Tags,
		ProductType: prod.ProductType,
		FetchedAt:   page.FetchedAt,
	}
}

// shopifyProduct mirrors the slice of the products.json payload the spider
// cares about. Tags and images vary across storefront versions, hence the
// lenient decoders below.
type shopifyProduct struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Handle      string         `json:"handle"`
	ProductType string         `json:"product_type"`
	Tags        tagList        `json:"tags"`
	Variants    []shopVariant  `json:"variants"`
	Images      []productImage `json:"images"`
}

type shopVariant struct {
	Price     string `json:"price"`
	Available *bool  `json:"available"`
}

// tagList accepts both the array form and the comma-joined string form.
type tagList []string

func (t *tagList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var joined string
		if err := json.Unmarshal(b, &joined); err != nil {
			return err
		}
		parts := strings.Split(joined, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*t = out
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	*t = arr
	return nil
}

// productImage accepts both {"src": "..."} objects and bare URL strings.
type productImage struct {
	Src string `json:"src"`
}

func (p *productImage) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.Src)
	}
	type alias productImage
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	p.Src = a.Src
	return nil
}

// extractShopCurrency scans script elements for the Shopify.currency global
// and returns the active currency code.
func extractShopCurrency(body []byte) string {
	match := func(text string) string {
		m := currencyRe.FindStringSubmatch(text)
		if m == nil {
			return ""
		}
		var payload struct {
			Active string `json:"active"`
		}
		if err := json.Unmarshal([]byte(m[1]), &payload); err != nil {
			return ""
		}
		return payload.Active
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return match(string(body))
	}

	var walk func(*html.Node) string
	walk = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.Data == "script" {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.TextNode {
					continue
				}
				if code := match(c.Data); code != "" {
					return code
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if code := walk(c); code != "" {
				return code
			}
		}
		return ""
	}
	return walk(root)
}

func normaliseShop(raw string) string {
	shop := strings.TrimSpace(raw)
	shop = strings.TrimPrefix(shop, "https://")
	shop = strings.TrimPrefix(shop, "http://")
	shop = strings.TrimSuffix(shop, "/")
	return strings.ToLower(shop)
}
