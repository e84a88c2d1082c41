package spider

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"shopcrawler/internal/config"
	"shopcrawler/pkg/types"
)

// Emitter receives extracted records as soon as a spider yields them.
type Emitter func(types.Product)

// Spider turns fetched pages into records and follow-up requests. The
// engine owns fetching, scheduling, and politeness; spiders only decide
// where to start, what a page means, and what to request next.
type Spider interface {
	Name() string
	StartRequests() ([]types.CrawlRequest, error)
	Parse(ctx context.Context, req types.CrawlRequest, page *types.Page, emit Emitter) ([]types.CrawlRequest, error)
}

// FailureHandler lets a spider react to requests that failed at the
// transport level (the engine already counts the failure).
type FailureHandler interface {
	HandleFailure(req types.CrawlRequest) []types.CrawlRequest
}

// Constructor builds a spider from the spider section of the config.
type Constructor func(cfg config.SpiderConfig, logger *slog.Logger) (Spider, error)

var (
	mu       sync.RWMutex
	registry = map[string]Constructor{}
)

// Register installs a named spider constructor. Later registrations for the
// same name overwrite earlier ones.
func Register(name string, ctor Constructor) {
	if name == "" || ctor == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(name)] = ctor
}

// New constructs the configured spider. An unknown name is a configuration
// error, not a crawl error.
func New(cfg config.SpiderConfig, logger *slog.Logger) (Spider, error) {
	mu.RLock()
	ctor, ok := registry[strings.ToLower(cfg.Name)]
	mu.RUnlock()
	if !ok {
		return nil, config.Errorf("unknown spider %q (registered: %s)",
			cfg.Name, strings.Join(Names(), ", "))
	}
	return ctor(cfg, logger)
}

// Names returns the registered spider names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(config.SpiderShopifyProducts, NewShopify)
	Register(config.SpiderGenericProduct, NewGeneric)
}
