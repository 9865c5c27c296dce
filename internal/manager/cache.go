package manager

import (
	"sync"
	"time"

	"proxybroker/internal/domain"

	"github.com/charmbracelet/log"
)

type cacheEntry struct {
	acquired  *domain.AcquiredProxy
	result    domain.CheckResult
	checkedAt time.Time
	expiresAt time.Time
	failures  int
}

// CacheStatus describes one cached source for dashboards.
type CacheStatus struct {
	Source    domain.SourceType `json:"source"`
	Healthy   bool              `json:"healthy"`
	Failures  int               `json:"failures"`
	CheckedAt time.Time         `json:"checked_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	LastError string            `json:"last_error,omitempty"`
}

// proxyCache keeps the last validation of each cached source. A failed
// validation is remembered for failureTTL so callers are not flooded with
// checks, until maxFailures failures in a row force an immediate recheck.
type proxyCache struct {
	ttl         time.Duration
	failureTTL  time.Duration
	maxFailures int
	now         func() time.Time

	mu      sync.Mutex
	entries map[domain.SourceType]*cacheEntry
}

func newProxyCache(ttl, failureTTL time.Duration, maxFailures int, now func() time.Time) *proxyCache {
	return &proxyCache{
		ttl:         ttl,
		failureTTL:  failureTTL,
		maxFailures: maxFailures,
		now:         now,
		entries:     make(map[domain.SourceType]*cacheEntry),
	}
}

// lookup returns the live entry for source. ok is false when the source must
// be validated again.
func (c *proxyCache) lookup(source domain.SourceType) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[source]
	if !found || !c.now().Before(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return *entry, true
}

func (c *proxyCache) storeSuccess(source domain.SourceType, acquired domain.AcquiredProxy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[source] = &cacheEntry{
		acquired:  &acquired,
		result:    acquired.Result,
		checkedAt: now,
		expiresAt: now.Add(c.ttl),
	}
	log.Debug("proxy cache updated", "source", source, "ttl", c.ttl)
}

func (c *proxyCache) storeFailure(source domain.SourceType, result domain.CheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := c.entry(source)
	entry.acquired = nil
	entry.result = result
	entry.checkedAt = now
	entry.failures++

	if entry.failures >= c.maxFailures {
		entry.expiresAt = time.Time{}
		log.Warn("cached source keeps failing, next call rechecks", "source", source, "failures", entry.failures)
		return
	}
	entry.expiresAt = now.Add(c.failureTTL)
}

// expire forces the next lookup to miss. With failed set the expiry also
// counts as a failure of the source.
func (c *proxyCache) expire(source domain.SourceType, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entry(source)
	entry.expiresAt = time.Time{}
	if failed {
		entry.failures++
		entry.acquired = nil
	}
}

func (c *proxyCache) status() []CacheStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CacheStatus, 0, len(c.entries))
	for _, source := range []domain.SourceType{domain.SourceDirect, domain.SourceFixed} {
		entry, ok := c.entries[source]
		if !ok {
			continue
		}
		out = append(out, CacheStatus{
			Source:    source,
			Healthy:   entry.acquired != nil,
			Failures:  entry.failures,
			CheckedAt: entry.checkedAt,
			ExpiresAt: entry.expiresAt,
			LastError: entry.result.Error,
		})
	}
	return out
}

func (c *proxyCache) entry(source domain.SourceType) *cacheEntry {
	entry, ok := c.entries[source]
	if !ok {
		entry = &cacheEntry{}
		c.entries[source] = entry
	}
	return entry
}
