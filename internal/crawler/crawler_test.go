package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shopcrawler/internal/config"
	robotsclient "shopcrawler/internal/robots"
	"shopcrawler/internal/spider"
	"shopcrawler/internal/storage"
	"shopcrawler/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Crawl.DownloadDelay = config.DurationFrom(0)
	cfg.Crawl.Retry.BackoffInitial = config.DurationFrom(time.Millisecond)
	cfg.Crawl.Retry.BackoffMax = config.DurationFrom(5 * time.Millisecond)
	cfg.Output.Path = filepath.Join(t.TempDir(), "products.json")
	cfg.Output.Format = "json"
	return cfg
}

func listingHandler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	mux.HandleFunc("/shop", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch page {
		case "", "1":
			fmt.Fprint(w, `<html><body>
              <div class="product-card"><h3>Walnut Desk</h3>
                <span class="price">$129.00</span>
                <a href="/products/desk"><img src="/img/desk.jpg"></a></div>
              <div class="product-card"><h3>Oak Chair</h3>
                <span class="price">$89.00</span>
                <a href="/products/chair"><img src="/img/chair.jpg"></a></div>
              <a rel="next" href="/shop?page=2">Next</a>
            </body></html>`)
		case "2":
			fmt.Fprint(w, `<html><body>
              <div class="product-card"><h3>Pine Stool</h3>
                <span class="price">$35.00</span>
                <a href="/products/stool"><img src="/img/stool.jpg"></a></div>
            </body></html>`)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func TestEngineCrawlsGenericListing(t *testing.T) {
	server := httptest.NewServer(listingHandler(t))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Spider.Name = config.SpiderGenericProduct
	cfg.Spider.StartURL = server.URL + "/shop"

	engine, err := NewEngine(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	stats, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Items != 3 {
		t.Fatalf("expected 3 items, got %d", stats.Items)
	}
	if stats.PagesFetched != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", stats.PagesFetched)
	}
	if stats.FailedRequests != 0 {
		t.Fatalf("expected no failed requests, got %d", stats.FailedRequests)
	}
	if got := stats.Status(); got != types.StatusSuccess {
		t.Fatalf("expected success status, got %s", got)
	}

	data, err := os.ReadFile(cfg.Output.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var records []types.Product
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("expected valid JSON array: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records in output, got %d", len(records))
	}
	titles := map[string]bool{}
	for _, r := range records {
		titles[r.Title] = true
	}
	for _, want := range []string{"Walnut Desk", "Oak Chair", "Pine Stool"} {
		if !titles[want] {
			t.Fatalf("missing record %q in %v", want, titles)
		}
	}
}

func TestEngineCountsFailedRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Spider.Name = config.SpiderGenericProduct
	cfg.Spider.StartURL = server.URL + "/shop"
	cfg.Crawl.Retry.MaxAttempts = 1

	engine, err := NewEngine(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	stats, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Items != 0 {
		t.Fatalf("expected no items, got %d", stats.Items)
	}
	if stats.FailedRequests == 0 {
		t.Fatal("expected failed request counted")
	}
	if got := stats.Status(); got != types.StatusFailed {
		t.Fatalf("expected failed status, got %s", got)
	}

	data, err := os.ReadFile(cfg.Output.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var records []types.Product
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("expected valid empty array: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty output, got %d records", len(records))
	}
}

func TestEngineRespectsRobots(t *testing.T) {
	var listingHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		listingHits.Add(1)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Spider.Name = config.SpiderGenericProduct
	cfg.Spider.StartURL = server.URL + "/shop"

	engine, err := NewEngine(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	stats, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if listingHits.Load() != 0 {
		t.Fatalf("expected listing never fetched, got %d hits", listingHits.Load())
	}
	if stats.PagesFetched != 0 {
		t.Fatalf("expected no pages fetched, got %d", stats.PagesFetched)
	}
}

func TestEngineHonoursMaxPages(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		n := hits.Add(1)
		fmt.Fprintf(w, `<html><body>
          <div class="product-card"><h3>Item %d</h3><span class="price">$1.00</span>
            <a href="/products/item-%d"></a></div>
          <a rel="next" href="/shop?page=%d">Next</a>
        </body></html>`, n, n, n+1)
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Spider.Name = config.SpiderGenericProduct
	cfg.Spider.StartURL = server.URL + "/shop"
	cfg.Crawl.MaxPages = 3

	engine, err := NewEngine(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	stats, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.PagesFetched != 3 {
		t.Fatalf("expected page cap of 3, got %d", stats.PagesFetched)
	}
}

// recordingFetcher stands in for the HTTP stack and captures the requests
// the engine hands to it.
type recordingFetcher struct {
	mu     sync.Mutex
	urls   []string
	render []bool
}

func (f *recordingFetcher) Fetch(_ context.Context, req types.CrawlRequest) (*types.Page, error) {
	f.mu.Lock()
	f.urls = append(f.urls, req.URL.String())
	f.render = append(f.render, req.Render)
	f.mu.Unlock()
	return &types.Page{
		URL:        req.URL,
		FinalURL:   req.URL,
		StatusCode: 200,
		Body:       []byte("<html></html>"),
		FetchedAt:  time.Now(),
	}, nil
}

func TestEngineStampsRenderOnRequests(t *testing.T) {
	cfg := testConfig(t)
	cfg.Spider.Name = config.SpiderGenericProduct
	cfg.Spider.StartURL = "http://shop.example/list"
	cfg.Rendering.Enabled = true
	cfg.Rendering.Engine = "none"
	cfg.Robots.Respect = false

	engine, err := NewEngine(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	fake := &recordingFetcher{}
	engine.fetcher = fake

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fake.render) == 0 {
		t.Fatal("expected at least one request fetched")
	}
	for i, rendered := range fake.render {
		if !rendered {
			t.Fatalf("expected request %d (%s) marked for rendering", i, fake.urls[i])
		}
	}
}

func TestEngineRunReturnsAfterCancel(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		n := hits.Add(1)
		time.Sleep(10 * time.Millisecond)
		fmt.Fprintf(w, `<html><body>
          <div class="product-card"><h3>Item %d</h3><span class="price">$1.00</span>
            <a href="/products/item-%d"></a></div>
          <a rel="next" href="/shop?page=%d">Next</a>
        </body></html>`, n, n, n+1)
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Spider.Name = config.SpiderGenericProduct
	cfg.Spider.StartURL = server.URL + "/shop"
	cfg.Crawl.MaxPages = 1000

	engine, err := NewEngine(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, runErr := engine.Run(ctx)
		errc <- runErr
	}()

	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never received a request")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case runErr := <-errc:
		if !errors.Is(runErr, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", runErr)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	// The sinks were closed on the way out, so the output file is final.
	if _, err := os.Stat(cfg.Output.Path); err != nil {
		t.Fatalf("expected output flushed after cancel: %v", err)
	}
}

// revisitSpider asks for the same URL twice, the second time flagged to get
// past the seen-URL filter, the way pagination strategy fallbacks do.
type revisitSpider struct {
	start *url.URL

	mu        sync.Mutex
	revisited bool
}

func (s *revisitSpider) Name() string { return "revisit" }

func (s *revisitSpider) StartRequests() ([]types.CrawlRequest, error) {
	return []types.CrawlRequest{{URL: s.start}}, nil
}

func (s *revisitSpider) Parse(_ context.Context, _ types.CrawlRequest, _ *types.Page, _ spider.Emitter) ([]types.CrawlRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revisited {
		return nil, nil
	}
	s.revisited = true
	return []types.CrawlRequest{{URL: s.start, Force: true}}, nil
}

func TestEngineAllowsForcedRevisit(t *testing.T) {
	start := mustParse(t, "http://shop.example/products.json?limit=250&page=1")
	fake := &recordingFetcher{}

	e := &Engine{
		cfg:      testConfig(t),
		fetcher:  fake,
		spider:   &revisitSpider{start: start},
		robots:   robotsclient.NewAgent(config.RobotsConfig{Respect: false}, nil),
		sink:     storage.NewPipeline(),
		limiter:  NewDomainLimiter(0, RateLimiterSettings{}, AutoThrottleSettings{}),
		frontier: newFrontier(100),
		logger:   testLogger(),
		maxPages: 100,
		perShop:  make(map[string]int64),
	}

	stats, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.PagesFetched != 2 {
		t.Fatalf("expected the forced revisit fetched, got %d pages", stats.PagesFetched)
	}
	if len(fake.urls) != 2 || fake.urls[0] != fake.urls[1] {
		t.Fatalf("expected the same url fetched twice, got %v", fake.urls)
	}
}

func TestEngineRejectsUnknownSpider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Spider.Name = "mystery"
	_, err := NewEngine(cfg, testLogger())
	if err == nil {
		t.Fatal("expected error for unknown spider")
	}
	if !config.IsConfigError(err) {
		t.Fatalf("expected config error, got %T: %v", err, err)
	}
}

func TestWorkerPoolRunsSubmittedJobs(t *testing.T) {
	pool, err := NewWorkerPool(context.Background(), 4, 16)
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		if err := pool.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			count.Add(1)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	pool.Close()

	if got := count.Load(); got != 20 {
		t.Fatalf("expected 20 jobs executed, got %d", got)
	}
}

func TestWorkerPoolRejectsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := NewWorkerPool(ctx, 1, 1)
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	cancel()

	err = pool.Submit(context.Background(), func(context.Context) {})
	if err == nil {
		t.Fatal("expected submit to fail after cancellation")
	}
}

func TestWorkerPoolDrainsQueueAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := NewWorkerPool(ctx, 1, 8)
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}

	var wg sync.WaitGroup
	block := make(chan struct{})
	started := make(chan struct{})
	wg.Add(1)
	if err := pool.Submit(context.Background(), func(context.Context) {
		defer wg.Done()
		close(started)
		<-block
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	// The single worker is busy; these queue up behind it.
	var drained atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		if err := pool.Submit(context.Background(), func(taskCtx context.Context) {
			defer wg.Done()
			if taskCtx.Err() != nil {
				drained.Add(1)
			}
		}); err != nil {
			wg.Done()
			t.Fatalf("Submit queued task: %v", err)
		}
	}

	cancel()
	close(block)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued tasks never completed after cancellation")
	}
	if got := drained.Load(); got != 8 {
		t.Fatalf("expected all 8 queued tasks run with a cancelled context, got %d", got)
	}
	pool.Close()
}

func TestWorkerPoolValidatesArguments(t *testing.T) {
	if _, err := NewWorkerPool(context.Background(), 0, 1); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
	if _, err := NewWorkerPool(context.Background(), 1, 0); err == nil {
		t.Fatal("expected error for zero queue size")
	}
}

func TestDomainLimiterEnforcesDelay(t *testing.T) {
	limiter := NewDomainLimiter(40*time.Millisecond, RateLimiterSettings{}, AutoThrottleSettings{})
	ctx := context.Background()

	if err := limiter.Wait(ctx, "shop.example"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := limiter.Wait(ctx, "shop.example"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected second request delayed, waited only %s", elapsed)
	}

	// A different host is not delayed.
	start = time.Now()
	if err := limiter.Wait(ctx, "other.example"); err != nil {
		t.Fatalf("other host wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("expected no delay for fresh host, waited %s", elapsed)
	}
}

func TestDomainLimiterHonoursCancellation(t *testing.T) {
	limiter := NewDomainLimiter(time.Second, RateLimiterSettings{}, AutoThrottleSettings{})
	if err := limiter.Wait(context.Background(), "shop.example"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "shop.example"); err == nil {
		t.Fatal("expected wait interrupted by context")
	}
}

func TestAutoThrottleAdaptsDelay(t *testing.T) {
	throttle := AutoThrottleSettings{
		Enabled:           true,
		StartDelay:        100 * time.Millisecond,
		MaxDelay:          400 * time.Millisecond,
		TargetConcurrency: 1.0,
	}
	limiter := NewDomainLimiter(0, RateLimiterSettings{}, throttle)

	if got := limiter.Delay("shop.example"); got != 100*time.Millisecond {
		t.Fatalf("expected start delay before observations, got %s", got)
	}

	// Slow responses push the delay up.
	for i := 0; i < 10; i++ {
		limiter.Observe("shop.example", 2*time.Second, false)
	}
	if got := limiter.Delay("shop.example"); got != 400*time.Millisecond {
		t.Fatalf("expected delay clamped at max, got %s", got)
	}

	// Fast responses pull it back toward the start delay.
	for i := 0; i < 20; i++ {
		limiter.Observe("shop.example", time.Millisecond, false)
	}
	if got := limiter.Delay("shop.example"); got != 100*time.Millisecond {
		t.Fatalf("expected delay back at start, got %s", got)
	}
}

func TestAutoThrottleNeverSpeedsUpWhenThrottled(t *testing.T) {
	throttle := AutoThrottleSettings{
		Enabled:           true,
		StartDelay:        100 * time.Millisecond,
		MaxDelay:          time.Second,
		TargetConcurrency: 1.0,
	}
	limiter := NewDomainLimiter(0, RateLimiterSettings{}, throttle)

	limiter.Observe("shop.example", 800*time.Millisecond, false)
	before := limiter.Delay("shop.example")

	limiter.Observe("shop.example", time.Millisecond, true)
	after := limiter.Delay("shop.example")
	if after < before {
		t.Fatalf("expected throttled response not to lower delay, %s -> %s", before, after)
	}
}

func TestFrontierAdmitsEachURLOnce(t *testing.T) {
	f := newFrontier(10)

	first := mustParse(t, "https://shop.example/products.json?limit=250&page=1")
	dup := mustParse(t, "HTTPS://SHOP.EXAMPLE/products.json?limit=250&page=1")
	other := mustParse(t, "https://shop.example/products.json?limit=250&page=2")

	if !f.Admit(first) {
		t.Fatal("expected first url admitted")
	}
	if f.Admit(dup) {
		t.Fatal("expected case-insensitive host duplicate rejected")
	}
	if !f.Admit(other) {
		t.Fatal("expected distinct query admitted")
	}
}

func TestFrontierCapsEntries(t *testing.T) {
	f := newFrontier(2)
	for i := 0; i < 2; i++ {
		if !f.Admit(mustParse(t, fmt.Sprintf("https://shop.example/p/%d", i))) {
			t.Fatalf("expected url %d admitted", i)
		}
	}
	if f.Admit(mustParse(t, "https://shop.example/p/overflow")) {
		t.Fatal("expected url rejected once the set is full")
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}
