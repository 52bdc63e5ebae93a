package services

import (
	"log"
	"sync"
	"time"
)

const (
	// PendingAuthTTL bounds how long an issued authorization URL stays
	// redeemable
	PendingAuthTTL = 10 * time.Minute
	// pendingSweepInterval is how often abandoned entries are removed,
	// independent of any request lifecycle
	pendingSweepInterval = time.Minute
)

// PendingAuthorization holds the PKCE verifier and initiating identity for
// one in-flight authorization round-trip, keyed by the state token.
type PendingAuthorization struct {
	Verifier  string
	UserID    uint
	Email     string
	CreatedAt time.Time
}

// PendingAuthStore is the contract the OAuth flow uses to correlate a
// callback with the request that issued its state. The in-memory
// implementation below is per-instance; a horizontally scaled deployment
// swaps in a shared TTL-capable store behind the same interface.
type PendingAuthStore interface {
	Put(state string, entry PendingAuthorization)
	TakeIfValid(state string) (PendingAuthorization, bool)
}

// PendingAuthCache is the in-memory PendingAuthStore with a background
// sweep. Safe for concurrent use.
type PendingAuthCache struct {
	mu       sync.Mutex
	entries  map[string]PendingAuthorization
	ttl      time.Duration
	now      func() time.Time
	stopChan chan struct{}
	running  bool
}

// NewPendingAuthCache creates a new PendingAuthCache instance
func NewPendingAuthCache() *PendingAuthCache {
	return &PendingAuthCache{
		entries:  make(map[string]PendingAuthorization),
		ttl:      PendingAuthTTL,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Put stores an entry under the given state token, stamping it with the
// current time. At most one live entry exists per state value.
func (c *PendingAuthCache) Put(state string, entry PendingAuthorization) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.CreatedAt = c.now()
	c.entries[state] = entry
}

// TakeIfValid atomically removes and returns the entry for state.
// Consumption is single-use: a second call with the same state misses.
// Entries older than the TTL are treated as absent even if the sweep has
// not removed them yet.
func (c *PendingAuthCache) TakeIfValid(state string) (PendingAuthorization, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[state]
	if !ok {
		return PendingAuthorization{}, false
	}
	delete(c.entries, state)

	if c.now().Sub(entry.CreatedAt) > c.ttl {
		return PendingAuthorization{}, false
	}
	return entry, true
}

// Start begins the background sweep
func (c *PendingAuthCache) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run()
	log.Printf("[PendingAuth] Sweep started with interval %v", pendingSweepInterval)
}

// Stop stops the background sweep
func (c *PendingAuthCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	close(c.stopChan)
	c.running = false
}

func (c *PendingAuthCache) run() {
	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopChan:
			return
		}
	}
}

// sweep removes entries past the TTL, bounding memory under abandoned flows
func (c *PendingAuthCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	for state, entry := range c.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(c.entries, state)
		}
	}
}
