package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool keeps one token bucket per caller key. Idle entries are
// evicted so the map does not grow with every credential ever seen.
type limiterPool struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleEviction = 10 * time.Minute

// newLimiterPool creates a pool allowing perMinute requests per key, with
// a burst of the same size.
func newLimiterPool(perMinute int) *limiterPool {
	return &limiterPool{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
	}
}

// Allow reports whether the caller identified by key may proceed.
func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	entry, ok := p.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[key] = entry
	}
	entry.lastSeen = now

	// Opportunistic eviction keeps the pool bounded without a janitor
	// goroutine.
	if len(p.entries) > 1024 {
		for k, e := range p.entries {
			if now.Sub(e.lastSeen) > limiterIdleEviction {
				delete(p.entries, k)
			}
		}
	}

	return entry.limiter.Allow()
}

// limiterKey derives the rate-limit key from the request: a hash of the
// bearer token when present, else the remote address.
func limiterKey(r *http.Request) string {
	if token := r.Header.Get(headerAPIToken); token != "" {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:8])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
