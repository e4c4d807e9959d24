package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerHost applies an independent token bucket per source host, so one
// aggressive source list cannot hammer a single provider.
type PerHost struct {
	mu         sync.Mutex
	m          map[string]*limitEntry
	perSecond  float64
	burst      int
	maxEntries int
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func New(perSecond float64, burst int) *PerHost {
	ph := &PerHost{
		m:          make(map[string]*limitEntry),
		perSecond:  perSecond,
		burst:      burst,
		maxEntries: 10000, // prevent unlimited growth
	}

	go ph.cleanup()
	return ph
}

func (p *PerHost) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		if len(p.m) > p.maxEntries {
			// Remove entries older than 1 hour
			cutoff := time.Now().Add(-1 * time.Hour)
			for host, entry := range p.m {
				if entry.lastUsed.Before(cutoff) {
					delete(p.m, host)
				}
			}
		}
		p.mu.Unlock()
	}
}

func (p *PerHost) get(host string) *limitEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.m[host]
	if !ok {
		entry = &limitEntry{
			limiter:  rate.NewLimiter(rate.Limit(p.perSecond), p.burst),
			lastUsed: time.Now(),
		}
		p.m[host] = entry
	} else {
		entry.lastUsed = time.Now()
	}
	return entry
}

// Allow reports whether an event may happen now for host.
func (p *PerHost) Allow(host string) bool {
	return p.get(host).limiter.Allow()
}

// Wait blocks until the host's limiter admits an event or ctx is done.
func (p *PerHost) Wait(ctx context.Context, host string) error {
	return p.get(host).limiter.Wait(ctx)
}
