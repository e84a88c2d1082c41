package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"

	"shopcrawler/pkg/types"
)

// Fetcher retrieves a web page for the crawl engine.
type Fetcher interface {
	Fetch(ctx context.Context, req types.CrawlRequest) (*types.Page, error)
}

// RetryPolicy controls backoff for retryable fetch failures.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RetryStatuses  []int
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	UserAgents   []string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	Proxies      []string
	Retry        RetryPolicy
}

// HTTPFetcher implements Fetcher via the Go http.Client.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	userAgents   []string
	extraHeaders map[string]string
	maxBodyBytes int64
	retry        RetryPolicy
	retryable    map[int]struct{}
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024 // 5MB cap
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.BackoffInitial <= 0 {
		opts.Retry.BackoffInitial = 500 * time.Millisecond
	}
	if opts.Retry.BackoffMax <= 0 {
		opts.Retry.BackoffMax = 5 * time.Second
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if len(opts.Proxies) > 0 {
		pool, err := newProxyPool(opts.Proxies)
		if err != nil {
			return nil, err
		}
		transport.Proxy = pool.proxyFor
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	retryable := make(map[int]struct{}, len(opts.Retry.RetryStatuses))
	for _, code := range opts.Retry.RetryStatuses {
		retryable[code] = struct{}{}
	}

	return &HTTPFetcher{
		client:       client,
		userAgent:    opts.UserAgent,
		userAgents:   opts.UserAgents,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
		retry:        opts.Retry,
		retryable:    retryable,
	}, nil
}

// statusError signals a retryable HTTP status while keeping the page so the
// last response can still be surfaced once retries are exhausted.
type statusError struct {
	page *types.Page
}

func (e *statusError) Error() string {
	return fmt.Sprintf("retryable status %d", e.page.StatusCode)
}

// Fetch downloads a single URL, retrying transport errors and throttling
// statuses with exponential backoff. Non-retryable statuses (404, 406, ...)
// are returned as pages; spiders interpret those for strategy fallback.
func (f *HTTPFetcher) Fetch(ctx context.Context, req types.CrawlRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, errors.New("request URL is nil")
	}

	var page *types.Page
	op := func() error {
		p, err := f.fetchOnce(ctx, req)
		if err != nil {
			return err
		}
		if _, retry := f.retryable[p.StatusCode]; retry {
			return &statusError{page: p}
		}
		page = p
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retry.BackoffInitial
	bo.MaxInterval = f.retry.BackoffMax
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(f.retry.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			// Retries exhausted on a throttling status; hand the last
			// response to the caller instead of dropping it.
			return se.page, nil
		}
		return nil, err
	}
	return page, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, req types.CrawlRequest) (*types.Page, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if ua := f.pickUserAgent(); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, err
	}

	var finalURL *url.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	} else {
		finalURL = req.URL
	}

	return &types.Page{
		URL:             req.URL,
		FinalURL:        finalURL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		Rendered:        req.Render,
		ResponseLatency: time.Since(start),
	}, nil
}

// pickUserAgent rotates through the configured pool, falling back to the
// single static agent.
func (f *HTTPFetcher) pickUserAgent() string {
	if len(f.userAgents) > 0 {
		return f.userAgents[rand.Intn(len(f.userAgents))]
	}
	return f.userAgent
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.maxBodyBytes)
	}
	return body, nil
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

// proxyPool rotates outbound requests across a configured proxy list.
type proxyPool struct {
	proxies []*url.URL
	next    atomic.Uint64
}

func newProxyPool(raw []string) (*proxyPool, error) {
	proxies := make([]*url.URL, 0, len(raw))
	for _, p := range raw {
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %q: %w", p, err)
		}
		proxies = append(proxies, u)
	}
	return &proxyPool{proxies: proxies}, nil
}

func (p *proxyPool) proxyFor(*http.Request) (*url.URL, error) {
	if len(p.proxies) == 0 {
		return nil, nil
	}
	idx := p.next.Add(1) - 1
	return p.proxies[idx%uint64(len(p.proxies))], nil
}

// Composite chooses between raw HTTP and a renderer per request.
type Composite struct {
	defaultFetcher Fetcher
	renderer       Renderer
}

// Renderer executes JavaScript and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req types.CrawlRequest) (*types.Page, error)
}

// NewComposite builds a composite fetcher from HTTP and optional renderer components.
func NewComposite(httpFetcher Fetcher, renderer Renderer) *Composite {
	return &Composite{defaultFetcher: httpFetcher, renderer: renderer}
}

// Fetch delegates to either the renderer (if requested) or the HTTP fetcher.
func (c *Composite) Fetch(ctx context.Context, req types.CrawlRequest) (*types.Page, error) {
	if req.Render && c.renderer != nil {
		page, err := c.renderer.Render(ctx, req)
		if err == nil {
			return page, nil
		}
		// fall back to HTTP fetch on renderer errors.
		slog.With("url", req.URL.String(), "error", err).
			Warn("renderer failed, falling back to HTTP fetch")
	}
	if req.Render {
		req.Render = false
	}
	return c.defaultFetcher.Fetch(ctx, req)
}
