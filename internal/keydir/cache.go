package keydir

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	keys Keys
	exp  time.Time
}

// Cached is a read-through TTL cache in front of a shared directory.
// Writes through this node update the cache at once; writes made on other
// nodes become visible after at most ttl.
type Cached struct {
	Directory
	ttl time.Duration
	now func() time.Time

	mu        sync.RWMutex
	m         map[string]entry
	nextSweep time.Time
}

func NewCached(d Directory, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{Directory: d, ttl: ttl, now: time.Now, m: make(map[string]entry)}
}

func (c *Cached) Put(ctx context.Context, uid string, k Keys) error {
	if err := c.Directory.Put(ctx, uid, k); err != nil {
		c.mu.Lock()
		delete(c.m, uid)
		c.mu.Unlock()
		return err
	}
	c.set(uid, k)
	return nil
}

func (c *Cached) Get(ctx context.Context, uid string) (Keys, error) {
	c.mu.RLock()
	e, ok := c.m[uid]
	c.mu.RUnlock()
	if ok && c.now().Before(e.exp) {
		return e.keys, nil
	}
	k, err := c.Directory.Get(ctx, uid)
	if err != nil {
		if ok {
			c.mu.Lock()
			if cur, still := c.m[uid]; still && !c.now().Before(cur.exp) {
				delete(c.m, uid)
			}
			c.mu.Unlock()
		}
		return Keys{}, err
	}
	c.set(uid, k)
	return k, nil
}

// set stores k and, at most once per ttl, drops every expired entry so
// uids that are never read again do not pile up.
func (c *Cached) set(uid string, k Keys) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[uid] = entry{keys: k, exp: now.Add(c.ttl)}
	if now.Before(c.nextSweep) {
		return
	}
	for id, e := range c.m {
		if !now.Before(e.exp) {
			delete(c.m, id)
		}
	}
	c.nextSweep = now.Add(c.ttl)
}

func (c *Cached) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
