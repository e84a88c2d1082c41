package robots

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"shopcrawler/internal/config"
)

// Agent answers whether a URL may be crawled under the host's robots.txt.
// It resolves the rule group for the configured user agent once per host and
// caches the result, including fetch failures, until the TTL expires.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool

	mu        sync.RWMutex
	cache     map[string]hostEntry
	overrides map[string]struct{}
}

// hostEntry holds the rule group resolved for one host. A nil group means
// the host has no readable robots.txt; such hosts stay crawlable until the
// entry expires.
type hostEntry struct {
	fetched time.Time
	group   *robotstxt.Group
}

// NewAgent constructs a robots agent from configuration.
func NewAgent(cfg config.RobotsConfig, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		overrides[host] = struct{}{}
	}

	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		cache:     make(map[string]hostEntry),
		overrides: overrides,
	}
}

// Allowed reports whether the target URL is permitted.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if !a.respect {
		return true
	}
	if _, ok := a.overrides[strings.ToLower(target.Hostname())]; ok {
		return true
	}

	group := a.groupFor(ctx, target)
	if group == nil {
		return true
	}
	return group.Test(target.Path)
}

func (a *Agent) groupFor(ctx context.Context, target *url.URL) *robotstxt.Group {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	a.mu.RUnlock()
	if ok && time.Since(entry.fetched) < a.ttl {
		return entry.group
	}

	group := a.fetchGroup(ctx, target.Scheme, target.Host)
	a.mu.Lock()
	a.cache[host] = hostEntry{fetched: time.Now(), group: group}
	a.mu.Unlock()
	return group
}

// fetchGroup downloads and parses robots.txt. Any failure yields a nil
// group: a missing or broken robots.txt never blocks the crawl, and the
// result is cached either way so one check per host per TTL suffices.
func (a *Agent) fetchGroup(ctx context.Context, scheme, host string) *robotstxt.Group {
	robotsURL := scheme + "://" + host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil
	}
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}

	group := data.FindGroup(a.userAgent)
	if group == nil {
		group = data.FindGroup("*")
	}
	return group
}
