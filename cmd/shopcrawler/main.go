package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"shopcrawler/internal/config"
	"shopcrawler/internal/crawler"
	"shopcrawler/internal/spider"
	"shopcrawler/pkg/types"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// spiderArgs collects repeatable -a key=value flags.
type spiderArgs []string

func (a *spiderArgs) String() string { return strings.Join(*a, ",") }

func (a *spiderArgs) Set(value string) error {
	if !strings.Contains(value, "=") {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	*a = append(*a, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 || args[0] != "run" {
		usage()
		return exitConfig
	}
	args = args[1:]
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintf(os.Stderr, "missing spider name (known: %s)\n", strings.Join(spider.Names(), ", "))
		return exitConfig
	}
	spiderName := args[0]

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var extra spiderArgs
	fs.Var(&extra, "a", "spider argument key=value (repeatable)")
	output := fs.String("o", "", "output file path (.json or .jsonl)")
	cfgPath := fs.String("config", "", "path to crawler configuration file")
	delay := fs.Duration("delay", 0, "override download delay between requests to a domain")
	autothrottle := fs.Bool("autothrottle", false, "adapt the per-domain delay to observed latency")
	render := fs.Bool("render", false, "render pages with headless Chrome before parsing")
	proxies := fs.String("proxies", "", "comma separated proxy urls to rotate through")
	maxPages := fs.Int("max-pages", 0, "override the total page cap for the run")
	verbose := fs.Bool("v", false, "enable debug logging")
	if err := fs.Parse(args[1:]); err != nil {
		return exitConfig
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return exitConfig
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	cfg.Spider.Name = spiderName
	if *output != "" {
		cfg.Output.Path = *output
		cfg.Output.Format = ""
	}
	if *delay > 0 {
		cfg.Crawl.DownloadDelay = config.DurationFrom(*delay)
	}
	if *autothrottle {
		cfg.Crawl.AutoThrottle.Enabled = true
	}
	if *render {
		cfg.Rendering.Enabled = true
	}
	if *proxies != "" {
		cfg.Crawl.Proxies = strings.Split(*proxies, ",")
	}
	if *maxPages > 0 {
		cfg.Crawl.MaxPages = *maxPages
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	for _, kv := range extra {
		key, value, _ := strings.Cut(kv, "=")
		if err := cfg.ApplySpiderArg(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "invalid spider argument: %v\n", err)
			return exitConfig
		}
	}

	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	logger, err := crawler.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	engine, err := crawler.NewEngine(*cfg, logger)
	if err != nil {
		if config.IsConfigError(err) {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			return exitConfig
		}
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		return exitFailed
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats, runErr := engine.Run(ctx)
	logger.Info("crawl finished",
		"spider", cfg.Spider.Name,
		"status", string(stats.Status()),
		"items", stats.Items,
		"dropped", stats.DroppedItems,
		"pages", stats.PagesFetched,
		"failed_requests", stats.FailedRequests,
	)
	for shop, n := range stats.PerShop {
		logger.Info("shop summary", "shop", shop, "items", n)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "crawl stopped with error: %v\n", runErr)
		return exitFailed
	}
	if stats.Status() == types.StatusFailed {
		return exitFailed
	}
	return exitOK
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(path)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: shopcrawler run <spider> [flags]

spiders:
  shopify_products   crawl one or more Shopify storefront product catalogues
  generic_product    scrape a generic HTML listing page via CSS selectors

flags:
  -a key=value   spider argument, repeatable (shop=, start_url=, tag=, ...)
  -o path        output file (.json array, .jsonl lines)
  -config path   YAML configuration file
  -delay d       download delay between requests to a domain
  -autothrottle  adapt the delay to observed latency
  -render        render pages with headless Chrome
  -proxies list  comma separated proxy urls
  -max-pages n   total page cap for the run
  -v             debug logging
`)
}
