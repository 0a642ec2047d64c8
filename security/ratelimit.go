package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxTrackedIPs   = 10000
	limiterCleanupInterval = 5 * time.Minute
	limiterMaxIdle         = 30 * time.Minute
)

// RateLimiter applies a token-bucket limit per identifier (normally a client
// IP). Tracked identifiers are capped; when the cap is reached the least
// recently seen identifier is evicted so memory stays bounded under
// address-spraying.
type RateLimiter struct {
	mu       sync.Mutex
	byID     map[string]*list.Element
	lru      *list.List // front = most recently seen *limiterEntry
	rps      rate.Limit
	burst    int
	maxIDs   int
	logger   *slog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
}

type limiterEntry struct {
	id       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond sustained with
// the given burst, tracking at most maxIdentifiers (0 uses the default cap).
// A background goroutine drops idle entries; call Stop to terminate it.
func NewRateLimiter(requestsPerSecond float64, burst, maxIdentifiers int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIdentifiers <= 0 {
		maxIdentifiers = defaultMaxTrackedIPs
	}
	rl := &RateLimiter{
		byID:   make(map[string]*list.Element),
		lru:    list.New(),
		rps:    rate.Limit(requestsPerSecond),
		burst:  burst,
		maxIDs: maxIdentifiers,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from the identifier may proceed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.byID[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastSeen = now
		return entry.limiter.Allow()
	}

	if len(rl.byID) >= rl.maxIDs {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		id:       identifier,
		limiter:  rate.NewLimiter(rl.rps, rl.burst),
		lastSeen: now,
	}
	rl.byID[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// evictOldest drops the least recently seen entry. Caller holds the mutex.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.byID, entry.id)
	rl.lru.Remove(elem)
	rl.logger.Debug("rate limiter evicted identifier",
		"identifier", entry.id,
		"tracked", len(rl.byID))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.dropIdle(limiterMaxIdle)
		case <-rl.stopCh:
			return
		}
	}
}

// dropIdle removes entries not seen within maxIdle.
func (rl *RateLimiter) dropIdle(maxIdle time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(rl.byID, entry.id)
			rl.lru.Remove(elem)
		}
	}
}

// Len returns the number of identifiers currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.byID)
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}
