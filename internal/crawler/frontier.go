package crawler

import (
	"net/url"
	"strings"
	"sync"
)

// frontier tracks URLs already scheduled in this run so that re-discovered
// pagination links and product links are requested at most once.
type frontier struct {
	mu         sync.Mutex
	seen       map[string]struct{}
	maxEntries int
}

func newFrontier(maxEntries int) *frontier {
	if maxEntries <= 0 {
		maxEntries = 200000
	}
	return &frontier{
		seen:       make(map[string]struct{}),
		maxEntries: maxEntries,
	}
}

// Admit records the URL and reports whether it was new. Once the set is
// full, unseen URLs are rejected rather than evicting older entries; a run
// that large has already hit the page cap.
func (f *frontier) Admit(u *url.URL) bool {
	if u == nil {
		return false
	}
	key := canonicalKey(u)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[key]; ok {
		return false
	}
	if len(f.seen) >= f.maxEntries {
		return false
	}
	f.seen[key] = struct{}{}
	return true
}

func canonicalKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPortForScheme(scheme) {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + host + path
	if q := u.RawQuery; q != "" {
		key += "?" + q
	}
	return key
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
