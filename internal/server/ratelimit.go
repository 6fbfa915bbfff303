package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyLimiter rate-limits inbound webhook deliveries per remote key (platform
// account or client IP). rpm <= 0 disables limiting.
type keyLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newKeyLimiter(rpm, burst int) *keyLimiter {
	return &keyLimiter{
		rpm:     rpm,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

func (k *keyLimiter) enabled() bool { return k.rpm > 0 }

// allow reports whether a delivery for key may proceed now.
func (k *keyLimiter) allow(key string) bool {
	if !k.enabled() {
		return true
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(float64(k.rpm)/60.0), k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = time.Now()

	// Opportunistic prune keeps the map bounded without a background
	// goroutine.
	if len(k.entries) > 1024 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for id, entry := range k.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(k.entries, id)
			}
		}
	}

	return e.lim.Allow()
}
