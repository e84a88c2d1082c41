package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Spider names understood by the launcher.
const (
	SpiderShopifyProducts = "shopify_products"
	SpiderGenericProduct  = "generic_product"
)

// Config captures the full configuration required to initialise the crawl engine.
type Config struct {
	Spider    SpiderConfig    `yaml:"spider"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Worker    WorkerConfig    `yaml:"worker"`
	Robots    RobotsConfig    `yaml:"robots"`
	Rendering RenderingConfig `yaml:"rendering"`
	Output    OutputConfig    `yaml:"output"`
	DB        SQLConfig       `yaml:"db"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SpiderConfig selects the extraction strategy and its arguments.
type SpiderConfig struct {
	Name string `yaml:"name"`

	// Shopify strategy arguments.
	Shops       []string `yaml:"shops"`
	Collection  string   `yaml:"collection"`
	Tag         string   `yaml:"tag"`
	ProductType string   `yaml:"product_type"`

	// Generic strategy arguments.
	StartURL  string         `yaml:"start_url"`
	Selectors SelectorConfig `yaml:"selectors"`

	MaxPagesPerShop int `yaml:"max_pages_per_shop"`
	EmptyPageLimit  int `yaml:"empty_page_limit"`
	MaxListPages    int `yaml:"max_list_pages"`
}

// SelectorConfig drives the generic HTML strategy. Empty fields fall back
// to defaults covering common product-card markup.
type SelectorConfig struct {
	Item  string `yaml:"item"`
	Title string `yaml:"title"`
	Price string `yaml:"price"`
	Image string `yaml:"image"`
	Link  string `yaml:"link"`
	Next  string `yaml:"next"`
}

// CrawlConfig controls fetching, politeness, and throttling.
type CrawlConfig struct {
	UserAgent      string             `yaml:"user_agent"`
	UserAgents     []string           `yaml:"user_agents"`
	Headers        map[string]string  `yaml:"headers"`
	DownloadDelay  Duration           `yaml:"download_delay"`
	AutoThrottle   AutoThrottleConfig `yaml:"autothrottle"`
	RateLimit      RateLimitConfig    `yaml:"rate_limit_per_domain"`
	RequestTimeout Duration           `yaml:"request_timeout"`
	MaxPages       int                `yaml:"max_pages"`
	MaxBodyBytes   int64              `yaml:"max_body_bytes"`
	Proxies        []string           `yaml:"proxies"`
	Retry          RetryConfig        `yaml:"retry"`
}

// AutoThrottleConfig adapts the per-domain delay to observed latency.
type AutoThrottleConfig struct {
	Enabled           bool     `yaml:"enabled"`
	StartDelay        Duration `yaml:"start_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	TargetConcurrency float64  `yaml:"target_concurrency"`
}

// RateLimitConfig applies a token bucket per domain.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// RetryConfig controls backoff for retryable fetch failures.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`
	RetryStatuses  []int    `yaml:"retry_statuses"`
}

// WorkerConfig controls concurrency and queue sizing.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	QueueSize   int `yaml:"queue_size"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// RenderingConfig controls optional JavaScript rendering.
type RenderingConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Engine             string   `yaml:"engine"`
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
}

// OutputConfig names the sink the crawl writes records to.
type OutputConfig struct {
	Path string `yaml:"path"`

	// Format is "json" (one array) or "jsonl" (one object per line).
	// Empty means infer from the path extension, defaulting to json.
	Format string `yaml:"format"`
}

// SQLConfig describes an optional relational sink for extracted products.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults. The politeness
// defaults mirror responsible-scraping practice: obey robots.txt, one second
// between requests to the same domain, bounded retries on throttling statuses.
func Default() Config {
	return Config{
		Spider: SpiderConfig{
			MaxPagesPerShop: 500,
			EmptyPageLimit:  3,
			MaxListPages:    50,
		},
		Crawl: CrawlConfig{
			UserAgent:     "shopcrawler-bot/1.0",
			Headers:       map[string]string{},
			DownloadDelay: DurationFrom(1 * time.Second),
			AutoThrottle: AutoThrottleConfig{
				Enabled:           false,
				StartDelay:        DurationFrom(1 * time.Second),
				MaxDelay:          DurationFrom(10 * time.Second),
				TargetConcurrency: 1.0,
			},
			RequestTimeout: DurationFrom(30 * time.Second),
			MaxPages:       5000,
			MaxBodyBytes:   6 * 1024 * 1024,
			Retry: RetryConfig{
				MaxAttempts:    3,
				BackoffInitial: DurationFrom(500 * time.Millisecond),
				BackoffMax:     DurationFrom(5 * time.Second),
				RetryStatuses:  []int{429, 500, 502, 503, 504},
			},
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			QueueSize:   1024,
		},
		Robots: RobotsConfig{
			Respect:   true,
			Overrides: []string{},
			UserAgent: "shopcrawler-bot/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Rendering: RenderingConfig{
			Enabled:            false,
			Engine:             "chromedp",
			Timeout:            DurationFrom(30 * time.Second),
			ConcurrentSessions: 2,
		},
		Output: OutputConfig{
			Path: "products.json",
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads configuration from a YAML file, merged over defaults.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader. The result
// is normalised but not validated: the launcher layers CLI flags and spider
// arguments on top before calling Validate.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalise()
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplySpiderArg applies a single `-a key=value` launcher argument on top of
// the file configuration. Unknown keys are a configuration error.
func (c *Config) ApplySpiderArg(key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	switch key {
	case "shop", "shops":
		c.Spider.Shops = append(c.Spider.Shops, splitList(value)...)
	case "start_url":
		c.Spider.StartURL = value
	case "collection":
		c.Spider.Collection = value
	case "tag":
		c.Spider.Tag = value
	case "product_type":
		c.Spider.ProductType = value
	case "item":
		c.Spider.Selectors.Item = value
	case "title":
		c.Spider.Selectors.Title = value
	case "price":
		c.Spider.Selectors.Price = value
	case "image":
		c.Spider.Selectors.Image = value
	case "link":
		c.Spider.Selectors.Link = value
	case "next":
		c.Spider.Selectors.Next = value
	default:
		return Errorf("unknown spider argument %q", key)
	}
	return nil
}

// Validate enforces required invariants for the crawl. Every violation is a
// ConfigError so the launcher can fail fast with the right exit code.
func (c Config) Validate() error {
	switch c.Spider.Name {
	case SpiderShopifyProducts:
		if len(c.Spider.Shops) == 0 {
			return Errorf("spider %s requires -a shop=<domain>", SpiderShopifyProducts)
		}
		for i, shop := range c.Spider.Shops {
			if shop == "" {
				return Errorf("shop %d is empty", i)
			}
		}
	case SpiderGenericProduct:
		if c.Spider.StartURL == "" {
			return Errorf("spider %s requires -a start_url=<url>", SpiderGenericProduct)
		}
		u, err := url.Parse(c.Spider.StartURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return Errorf("start_url %q is not an absolute http(s) url", c.Spider.StartURL)
		}
	case "":
		return Errorf("spider name must be set")
	default:
		return Errorf("unknown spider %q (want %s or %s)",
			c.Spider.Name, SpiderShopifyProducts, SpiderGenericProduct)
	}

	if c.Spider.MaxPagesPerShop <= 0 {
		return Errorf("spider.max_pages_per_shop must be > 0 (got %d)", c.Spider.MaxPagesPerShop)
	}
	if c.Spider.EmptyPageLimit <= 0 {
		return Errorf("spider.empty_page_limit must be > 0 (got %d)", c.Spider.EmptyPageLimit)
	}
	if c.Spider.MaxListPages <= 0 {
		return Errorf("spider.max_list_pages must be > 0 (got %d)", c.Spider.MaxListPages)
	}

	if strings.TrimSpace(c.Output.Path) == "" {
		return Errorf("output path must be set (use -o)")
	}
	switch c.Output.Format {
	case "", "json", "jsonl":
	default:
		return Errorf("output.format %q unsupported (want json or jsonl)", c.Output.Format)
	}

	if c.Worker.Concurrency <= 0 {
		return Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize <= 0 {
		return Errorf("worker.queue_size must be > 0 (got %d)", c.Worker.QueueSize)
	}
	if c.Crawl.MaxPages <= 0 {
		return Errorf("crawl.max_pages must be > 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if c.Crawl.DownloadDelay.Duration < 0 {
		return Errorf("crawl.download_delay must be >= 0")
	}
	if c.Crawl.Retry.MaxAttempts < 1 {
		return Errorf("crawl.retry.max_attempts must be >= 1 (got %d)", c.Crawl.Retry.MaxAttempts)
	}
	if at := c.Crawl.AutoThrottle; at.Enabled {
		if at.StartDelay.Duration <= 0 || at.MaxDelay.Duration <= 0 {
			return Errorf("autothrottle delays must be > 0 when enabled")
		}
		if at.MaxDelay.Duration < at.StartDelay.Duration {
			return Errorf("autothrottle max_delay %s is below start_delay %s",
				at.MaxDelay, at.StartDelay)
		}
		if at.TargetConcurrency <= 0 {
			return Errorf("autothrottle target_concurrency must be > 0 (got %g)", at.TargetConcurrency)
		}
	}
	if rl := c.Crawl.RateLimit; rl.Requests < 0 {
		return Errorf("crawl.rate_limit_per_domain.requests must be >= 0 (got %d)", rl.Requests)
	}
	for _, raw := range c.Crawl.Proxies {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return Errorf("proxy %q is not a valid url", raw)
		}
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return Errorf("crawl.user_agent must be set")
	}
	if strings.TrimSpace(c.Robots.UserAgent) == "" {
		return Errorf("robots.user_agent must be set")
	}
	if c.DB.Driver != "" && c.DB.DSN == "" {
		return Errorf("db.dsn must be set when db.driver is set")
	}
	if c.Rendering.Enabled {
		switch strings.ToLower(c.Rendering.Engine) {
		case "chromedp", "chrome", "none":
		default:
			return Errorf("unsupported rendering engine %q", c.Rendering.Engine)
		}
	}
	return nil
}

// Normalise trims and de-duplicates user-supplied values in place.
func (c *Config) Normalise() {
	c.Spider.Name = strings.ToLower(strings.TrimSpace(c.Spider.Name))
	c.Spider.Collection = strings.TrimSpace(c.Spider.Collection)
	c.Spider.Tag = strings.ToLower(strings.TrimSpace(c.Spider.Tag))
	c.Spider.ProductType = strings.ToLower(strings.TrimSpace(c.Spider.ProductType))
	c.Spider.StartURL = strings.TrimSpace(c.Spider.StartURL)

	if len(c.Spider.Shops) > 0 {
		c.Spider.Shops = dedupeLower(c.Spider.Shops)
	}

	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Output.Path = strings.TrimSpace(c.Output.Path)
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	if c.Output.Format == "" && strings.HasSuffix(strings.ToLower(c.Output.Path), ".jsonl") {
		c.Output.Format = "jsonl"
	}
	if c.Output.Format == "" {
		c.Output.Format = "json"
	}

	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}

	cleaned := make([]string, 0, len(c.Crawl.Proxies))
	for _, p := range c.Crawl.Proxies {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	c.Crawl.Proxies = cleaned
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, exists := unique[v]; exists {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
