package chain

import (
	"math/big"
	"sync"
	"time"

	"github.com/offchan/offchan/internal/channel"
)

// DefaultCachePeriod is how long a cached channel fact is trusted before the
// manager re-reads it from the ledger.
const DefaultCachePeriod = 30 * time.Minute

// Cache holds the time-boxed, per-channel view of ledger truth. Entries are
// populated only after a successful ledger read.
type Cache struct {
	mu      sync.Mutex
	period  time.Duration
	entries map[channel.ID]*Entry
	now     func() time.Time
}

// NewCache creates a cache with the given staleness period. A zero period
// uses DefaultCachePeriod.
func NewCache(period time.Duration) *Cache {
	if period <= 0 {
		period = DefaultCachePeriod
	}
	return &Cache{
		period:  period,
		entries: make(map[channel.ID]*Entry),
		now:     time.Now,
	}
}

// Cached returns the entry for a channel, creating an empty one if absent.
func (c *Cache) Cached(id channel.ID) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[id]
	if !exists {
		entry = &Entry{
			cache: c,
			state: channel.Impossible,
		}
		c.entries[id] = entry
	}
	return entry
}

// Entry is the cached (state, value, settlementPeriod) tuple for one channel.
type Entry struct {
	mu               sync.Mutex
	cache            *Cache
	state            channel.State
	value            *big.Int
	settlementPeriod *big.Int
	refreshedAt      time.Time
}

// IsStale reports whether the entry has never been set or the cache period
// has elapsed since the last SetData.
func (e *Entry) IsStale() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == channel.Impossible {
		return true
	}
	return e.cache.now().Sub(e.refreshedAt) > e.cache.period
}

// SetData overwrites the entry and resets the staleness clock.
func (e *Entry) SetData(state channel.State, value, settlementPeriod *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = state
	e.value = new(big.Int).Set(value)
	e.settlementPeriod = new(big.Int).Set(settlementPeriod)
	e.refreshedAt = e.cache.now()
}

// State returns the last cached state, Impossible if never set.
func (e *Entry) State() channel.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Value returns the last cached value, nil if never set.
func (e *Entry) Value() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.value == nil {
		return nil
	}
	return new(big.Int).Set(e.value)
}

// SettlementPeriod returns the last cached settlement period, nil if never set.
func (e *Entry) SettlementPeriod() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settlementPeriod == nil {
		return nil
	}
	return new(big.Int).Set(e.settlementPeriod)
}
