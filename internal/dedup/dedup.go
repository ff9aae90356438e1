// Package dedup is a time-windowed membership test used to suppress
// duplicate and looped deliveries. It is deliberately not a lock: the first
// caller to test a key claims the window, every later caller inside the
// window is told "seen".
package dedup

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	logx "relaybot/pkg/logx"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Cache answers "have I seen this key inside the TTL window?".
//
// The window is anchored at the FIRST sighting: repeated hits do not refresh
// the entry, so continuous duplicate traffic cannot keep a key alive past
// one TTL. Expired entries are removed by a background janitor on the sweep
// interval; sweeping never blocks lookups. Nothing is persisted, the cache
// only guards short-window duplication.
type Cache struct {
	ttl   time.Duration
	cache *gocache.Cache
	log   logx.Logger
}

func New(ttl, sweepInterval time.Duration, log logx.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		ttl:   ttl,
		cache: gocache.New(ttl, sweepInterval),
		log:   log,
	}
}

// IsDuplicate records key on first sight and reports whether it was already
// live. Add fails only when a non-expired entry exists, and it leaves that
// entry's expiry untouched.
func (c *Cache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	if err := c.cache.Add(key, struct{}{}, c.ttl); err != nil {
		c.log.Debug("dedup hit", logx.String("key", key))
		return true
	}
	return false
}

// IsMessageDuplicate composes the (messageID, sourceRoom) key used for
// inbound message suppression.
func (c *Cache) IsMessageDuplicate(msgID, sourceRoom string) bool {
	return c.IsDuplicate(msgID + ":" + sourceRoom)
}

// Len reports live plus not-yet-swept entries.
func (c *Cache) Len() int { return c.cache.ItemCount() }

// Flush drops every entry.
func (c *Cache) Flush() { c.cache.Flush() }
