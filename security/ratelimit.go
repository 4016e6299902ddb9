package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier rate limiting using a token bucket,
// with LRU eviction to prevent unbounded memory growth. The engine uses it to
// bound token-endpoint calls per client identity; a rejected call surfaces as
// an error to the caller, never as an internal wait-and-retry.
type RateLimiter struct {
	limiters        map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.Mutex
	rate            int
	burst           int
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter creates a new rate limiter with automatic cleanup and LRU
// eviction. Default max entries is 10,000.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, 10000, logger)
}

// NewRateLimiterWithConfig creates a new rate limiter with custom max entries.
// maxEntries controls the maximum number of unique identifiers tracked
// simultaneously; when the limit is reached, least recently used entries are
// evicted. Set maxEntries to 0 for unlimited.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = 10000
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks if a request from the given identifier is allowed.
// Implements LRU eviction when the max entries limit is reached.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry. Caller must hold the lock.
func (rl *RateLimiter) evictLRU() {
	oldest := rl.lruList.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*rateLimiterEntry)
	rl.lruList.Remove(oldest)
	delete(rl.limiters, entry.identifier)
	rl.logger.Debug("Evicted rate limiter entry", "identifier", entry.identifier)
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// Size returns the number of identifiers currently tracked.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes entries idle for longer than the cleanup interval.
func (rl *RateLimiter) cleanup() {
	threshold := time.Now().Add(-rl.cleanupInterval)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if entry.lastAccess.After(threshold) {
			// List is LRU-ordered; everything further forward is newer.
			break
		}
		prev := elem.Prev()
		rl.lruList.Remove(elem)
		delete(rl.limiters, entry.identifier)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Cleaned up idle rate limiters", "count", removed)
	}
}
