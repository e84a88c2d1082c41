package crawler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// AutoThrottleSettings adapts the per-host delay to observed response
// latency, easing off when the server slows down.
type AutoThrottleSettings struct {
	Enabled           bool
	StartDelay        time.Duration
	MaxDelay          time.Duration
	TargetConcurrency float64
}

// DomainLimiter enforces per-domain politeness rules combining a fixed or
// adaptive delay with optional rate limiting.
type DomainLimiter struct {
	delay       time.Duration
	rate        RateLimiterSettings
	rateEnabled bool
	throttle    AutoThrottleSettings

	mu       sync.Mutex
	last     map[string]time.Time
	delays   map[string]time.Duration
	limiters map[string]*rate.Limiter
}

// NewDomainLimiter creates a limiter with per-domain delay, optional rate
// limiting, and optional latency-based autothrottling.
func NewDomainLimiter(delay time.Duration, rateCfg RateLimiterSettings, throttle AutoThrottleSettings) *DomainLimiter {
	limiter := &DomainLimiter{delay: delay, throttle: throttle}
	if delay > 0 || throttle.Enabled {
		limiter.last = make(map[string]time.Time)
	}
	if throttle.Enabled {
		if throttle.TargetConcurrency <= 0 {
			limiter.throttle.TargetConcurrency = 1.0
		}
		limiter.delays = make(map[string]time.Duration)
	}
	if rateCfg.Requests > 0 && rateCfg.Window > 0 {
		limiter.rateEnabled = true
		limiter.rate = rateCfg
		limiter.limiters = make(map[string]*rate.Limiter)
		if limiter.last == nil {
			limiter.last = make(map[string]time.Time)
		}
	}
	return limiter
}

// Wait blocks until politeness constraints for the host are satisfied.
func (d *DomainLimiter) Wait(ctx context.Context, host string) error {
	if d == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	if d.delay <= 0 && !d.rateEnabled && !d.throttle.Enabled {
		return nil
	}

	var sleep time.Duration
	var limiter *rate.Limiter
	now := time.Now()

	d.mu.Lock()
	delay := d.effectiveDelayLocked(host)
	if delay > 0 {
		if last, ok := d.last[host]; ok {
			rest := last.Add(delay).Sub(now)
			if rest > 0 {
				sleep = rest
			}
		}
	}
	if d.rateEnabled {
		limiter = d.ensureLimiterLocked(host)
	}
	d.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if d.last != nil {
		d.last[host] = time.Now()
	}
	d.mu.Unlock()
	return nil
}

// Observe feeds a response latency back into the adaptive delay for the
// host. The new delay converges on latency/target_concurrency, clamped to
// [start_delay, max_delay], and a throttled response never lowers it.
func (d *DomainLimiter) Observe(host string, latency time.Duration, throttled bool) {
	if d == nil || !d.throttle.Enabled || host == "" || latency <= 0 {
		return
	}
	host = strings.ToLower(host)

	target := time.Duration(float64(latency) / d.throttle.TargetConcurrency)

	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.delays[host]
	if !ok {
		current = d.throttle.StartDelay
	}
	next := (current + target) / 2
	if throttled && next < current {
		next = current
	}
	if next < d.throttle.StartDelay {
		next = d.throttle.StartDelay
	}
	if d.throttle.MaxDelay > 0 && next > d.throttle.MaxDelay {
		next = d.throttle.MaxDelay
	}
	d.delays[host] = next
}

// Delay reports the delay currently applied to the host.
func (d *DomainLimiter) Delay(host string) time.Duration {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.effectiveDelayLocked(strings.ToLower(host))
}

func (d *DomainLimiter) effectiveDelayLocked(host string) time.Duration {
	if d.throttle.Enabled {
		if delay, ok := d.delays[host]; ok {
			return delay
		}
		if d.throttle.StartDelay > d.delay {
			return d.throttle.StartDelay
		}
	}
	return d.delay
}

func (d *DomainLimiter) ensureLimiterLocked(host string) *rate.Limiter {
	limiter, ok := d.limiters[host]
	if ok {
		return limiter
	}
	interval := d.rate.Window / time.Duration(d.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	burst := d.rate.Requests
	if burst <= 0 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Every(interval), burst)
	d.limiters[host] = limiter
	return limiter
}
