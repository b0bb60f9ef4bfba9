package jobs

import (
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"
)

// DomainLimiterConfig controls per-domain admission.
type DomainLimiterConfig struct {
	// MaxActive is the number of items a single process will work
	// concurrently against one domain.
	MaxActive int
	// ThrottleDelay is how long an item over the limit is pushed back
	// before redelivery. A small jitter is added so deferred items for
	// the same domain do not return in lockstep.
	ThrottleDelay  time.Duration
	ThrottleJitter time.Duration
}

func defaultDomainLimiterConfig() DomainLimiterConfig {
	cfg := DomainLimiterConfig{
		MaxActive:      3,
		ThrottleDelay:  2 * time.Second,
		ThrottleJitter: 500 * time.Millisecond,
	}

	if v, ok := os.LookupEnv("BULK_DOMAIN_MAX_ACTIVE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxActive = n
		}
	}
	if v, ok := os.LookupEnv("BULK_DOMAIN_THROTTLE_DELAY_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.ThrottleDelay = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg
}

// DomainLimiter caps how many items a process works concurrently per domain.
// Counters are process-local: with P worker processes a domain can see up to
// P*MaxActive items in flight, which keeps admission cheap at the cost of a
// looser global bound.
type DomainLimiter struct {
	cfg DomainLimiterConfig

	mu     sync.Mutex
	active map[string]int
}

// NewDomainLimiter returns a limiter with the given config; zero values fall
// back to defaults.
func NewDomainLimiter(cfg DomainLimiterConfig) *DomainLimiter {
	def := defaultDomainLimiterConfig()
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = def.MaxActive
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = def.ThrottleDelay
	}
	if cfg.ThrottleJitter <= 0 {
		cfg.ThrottleJitter = def.ThrottleJitter
	}
	return &DomainLimiter{
		cfg:    cfg,
		active: make(map[string]int),
	}
}

// TryAcquire reserves a slot for the domain. It never blocks; callers that
// miss out defer the item instead of waiting.
func (dl *DomainLimiter) TryAcquire(domain string) bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.active[domain] >= dl.cfg.MaxActive {
		return false
	}
	dl.active[domain]++
	return true
}

// Release returns a slot for the domain.
func (dl *DomainLimiter) Release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.active[domain] <= 1 {
		delete(dl.active, domain)
		return
	}
	dl.active[domain]--
}

// Active reports current in-flight items for a domain.
func (dl *DomainLimiter) Active(domain string) int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.active[domain]
}

// ThrottleDelay returns the deferral delay with jitter applied.
func (dl *DomainLimiter) ThrottleDelay() time.Duration {
	jitter := dl.cfg.ThrottleJitter
	if jitter <= 0 {
		return dl.cfg.ThrottleDelay
	}
	offset := time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	return dl.cfg.ThrottleDelay + offset
}
