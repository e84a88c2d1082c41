package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shopcrawler/internal/config"
	"shopcrawler/internal/fetcher"
	robotsclient "shopcrawler/internal/robots"
	"shopcrawler/internal/spider"
	"shopcrawler/internal/storage"
	"shopcrawler/pkg/types"
)

// Engine orchestrates fetching, politeness, extraction, and persistence for
// a single crawl run. The spider decides what pages mean; the engine owns
// everything around it.
type Engine struct {
	cfg     config.Config
	fetcher fetcher.Fetcher
	spider  spider.Spider
	robots  *robotsclient.Agent
	sink    *storage.Pipeline

	limiter  *DomainLimiter
	frontier *frontier

	logger *slog.Logger

	maxPages int64
	enqueued atomic.Int64

	pagesFetched atomic.Int64
	failed       atomic.Int64
	items        atomic.Int64
	dropped      atomic.Int64

	shopMu  sync.Mutex
	perShop map[string]int64

	pool *WorkerPool
	wg   sync.WaitGroup

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine builds a crawl engine from validated configuration. It wires the
// configured spider, the HTTP fetcher (plus renderer when enabled), robots
// handling, the domain limiter, and the output sinks.
func NewEngine(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sp, err := spider.New(cfg.Spider, logger)
	if err != nil {
		return nil, err
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		UserAgents:   cfg.Crawl.UserAgents,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		Proxies:      cfg.Crawl.Proxies,
		Retry: fetcher.RetryPolicy{
			MaxAttempts:    cfg.Crawl.Retry.MaxAttempts,
			BackoffInitial: cfg.Crawl.Retry.BackoffInitial.Duration,
			BackoffMax:     cfg.Crawl.Retry.BackoffMax.Duration,
			RetryStatuses:  cfg.Crawl.Retry.RetryStatuses,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}

	var renderer fetcher.Renderer
	if cfg.Rendering.Enabled {
		switch strings.ToLower(cfg.Rendering.Engine) {
		case "chromedp", "chrome":
			renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
				Timeout:            cfg.Rendering.Timeout.Duration,
				WaitForSelector:    cfg.Rendering.WaitForSelector,
				UserAgent:          cfg.Crawl.UserAgent,
				MaxBodyBytes:       cfg.Crawl.MaxBodyBytes,
				DisableHeadless:    cfg.Rendering.DisableHeadless,
				ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
			})
		case "none":
			// Explicit opt-out even if enabled flag toggled.
		default:
			return nil, fmt.Errorf("unsupported rendering engine %q", cfg.Rendering.Engine)
		}
	}

	composite := fetcher.NewComposite(httpFetcher, renderer)
	robots := robotsclient.NewAgent(cfg.Robots, httpFetcher.Client())

	var sinks []storage.ItemSink
	var closers []func() error

	jsonWriter, err := storage.NewJSONWriter(cfg.Output.Path, cfg.Output.Format)
	if err != nil {
		return nil, fmt.Errorf("output writer: %w", err)
	}
	sinks = append(sinks, jsonWriter)

	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sqlSink, err := storage.NewSQLSink(cfg.DB)
		if err != nil {
			_ = jsonWriter.Abort()
			return nil, err
		}
		sinks = append(sinks, sqlSink)
	}

	pipeline := storage.NewPipeline(sinks...)
	closers = append(closers, pipeline.Close)

	limiter := NewDomainLimiter(
		cfg.Crawl.DownloadDelay.Duration,
		RateLimiterSettings{
			Requests: cfg.Crawl.RateLimit.Requests,
			Window:   cfg.Crawl.RateLimit.Window.Duration,
		},
		AutoThrottleSettings{
			Enabled:           cfg.Crawl.AutoThrottle.Enabled,
			StartDelay:        cfg.Crawl.AutoThrottle.StartDelay.Duration,
			MaxDelay:          cfg.Crawl.AutoThrottle.MaxDelay.Duration,
			TargetConcurrency: cfg.Crawl.AutoThrottle.TargetConcurrency,
		},
	)

	maxPages := int64(cfg.Crawl.MaxPages)
	if maxPages <= 0 {
		maxPages = math.MaxInt64
	}

	return &Engine{
		cfg:      cfg,
		fetcher:  composite,
		spider:   sp,
		robots:   robots,
		sink:     pipeline,
		limiter:  limiter,
		frontier: newFrontier(cfg.Crawl.MaxPages * 4),
		logger:   logger,
		maxPages: maxPages,
		perShop:  make(map[string]int64),
		closers:  closers,
	}, nil
}

// Run executes the crawl until the frontier drains or the context cancels,
// then closes the sinks and returns the aggregate counters. The counters are
// returned even on error so the caller can report partial progress.
func (e *Engine) Run(ctx context.Context) (types.CrawlStats, error) {
	pool, err := NewWorkerPool(ctx, e.cfg.Worker.Concurrency, e.cfg.Worker.QueueSize)
	if err != nil {
		return e.Stats(), err
	}
	e.pool = pool
	defer pool.Close()

	seeds, err := e.spider.StartRequests()
	if err != nil {
		e.abortClose()
		return e.Stats(), err
	}
	for _, req := range seeds {
		e.enqueue(ctx, req)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		e.logger.Warn("context cancelled, shutting down")
		<-done
		if err := e.Close(); err != nil {
			e.logger.Error("sink close failed", "error", err)
		}
		return e.Stats(), ctx.Err()
	case <-done:
	}

	if err := e.Close(); err != nil {
		return e.Stats(), err
	}
	return e.Stats(), nil
}

// Stats returns a snapshot of the run counters.
func (e *Engine) Stats() types.CrawlStats {
	e.shopMu.Lock()
	perShop := make(map[string]int64, len(e.perShop))
	for shop, n := range e.perShop {
		perShop[shop] = n
	}
	e.shopMu.Unlock()

	return types.CrawlStats{
		PagesFetched:   e.pagesFetched.Load(),
		FailedRequests: e.failed.Load(),
		Items:          e.items.Load(),
		DroppedItems:   e.dropped.Load(),
		PerShop:        perShop,
	}
}

// Close flushes and closes the output sinks. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

// abortClose tears sinks down without flushing a (possibly empty) output
// file over whatever a previous run left behind.
func (e *Engine) abortClose() {
	e.closeOnce.Do(func() {
		if err := e.sink.Abort(); err != nil {
			e.logger.Error("sink abort failed", "error", err)
		}
	})
}

func (e *Engine) enqueue(ctx context.Context, req types.CrawlRequest) {
	if req.URL == nil {
		return
	}
	if admitted := e.frontier.Admit(req.URL); !admitted && !req.Force {
		return
	}
	if e.enqueued.Load() >= e.maxPages {
		return
	}
	if e.enqueued.Add(1) > e.maxPages {
		e.enqueued.Add(-1)
		return
	}

	req.Render = e.cfg.Rendering.Enabled
	req.EnqueuedAt = time.Now()
	e.wg.Add(1)
	if err := e.pool.Submit(ctx, func(workerCtx context.Context) {
		defer e.wg.Done()
		e.handleRequest(workerCtx, req)
	}); err != nil {
		e.wg.Done()
		e.enqueued.Add(-1)
		e.logger.Error("enqueue failed", "url", req.URL.String(), "error", err)
	}
}

func (e *Engine) handleRequest(ctx context.Context, req types.CrawlRequest) {
	if ctx.Err() != nil {
		return
	}

	if !e.robots.Allowed(ctx, req.URL) {
		e.logger.Debug("blocked by robots", "url", req.URL.String())
		return
	}

	if err := e.limiter.Wait(ctx, req.URL.Hostname()); err != nil {
		e.logger.Warn("domain limiter interrupted", "url", req.URL.String(), "error", err)
		return
	}

	page, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.failed.Add(1)
		e.logger.Warn("fetch failed", "url", req.URL.String(), "error", err)
		if handler, ok := e.spider.(spider.FailureHandler); ok {
			for _, next := range handler.HandleFailure(req) {
				e.enqueue(ctx, next)
			}
		}
		return
	}

	e.pagesFetched.Add(1)
	e.limiter.Observe(req.URL.Hostname(), page.ResponseLatency, page.StatusCode == 429)
	if page.StatusCode >= 400 {
		// Spiders still see the page: some statuses drive strategy
		// fallback rather than ending the shop.
		e.failed.Add(1)
		e.logger.Debug("non-success status", "url", req.URL.String(), "status", page.StatusCode)
	}

	emit := func(record types.Product) {
		if err := e.sink.Write(ctx, record); err != nil {
			if errors.Is(err, storage.ErrMissingURL) {
				e.dropped.Add(1)
				e.logger.Debug("record dropped", "shop", record.Shop, "title", record.Title)
				return
			}
			e.failed.Add(1)
			e.logger.Error("persist failed", "url", record.URL, "error", err)
			return
		}
		e.items.Add(1)
		if record.Shop != "" {
			e.shopMu.Lock()
			e.perShop[record.Shop]++
			e.shopMu.Unlock()
		}
	}

	next, err := e.spider.Parse(ctx, req, page, emit)
	if err != nil {
		e.logger.Warn("parse failed", "url", req.URL.String(), "error", err)
		return
	}
	for _, child := range next {
		e.enqueue(ctx, child)
	}
}

// NewLogger builds the process logger from logging configuration.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
