// Package dedup implements the Dedup Cache (§4.3): a process-wide,
// persistent key→timestamp store with cooldown and TTL, namespaced per
// tenant (§4.9: "tenant_id:fingerprint"). The on-disk format and
// temp-then-rename write discipline follow the teacher's internal/audit
// failover spool convention (plain JSON, atomic replace); the in-memory
// side additionally mirrors every write into a bounded hashicorp/golang-lru
// cache. Lookups read the map only; the mirror is never consulted.
package dedup

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one dedup record: the last time a fingerprint was seen and what
// kind of incident it was.
type Entry struct {
	LastSeenAt   time.Time `json:"last_seen_at"`
	IncidentKind string    `json:"incident_kind"`
}

type diskEntry struct {
	LastSeenAt   float64 `json:"last_seen_at"`
	IncidentKind string  `json:"incident_kind"`
}

// Cache is safe for concurrent use. The zero value is not usable;
// construct with New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	path    string
	hot     *lru.Cache[string, Entry]

	flushPending bool
	flushTimer   *time.Timer
	flushDelay   time.Duration
}

// New builds a Cache that persists to path. hotSize bounds the LRU mirror;
// 0 disables it. The map is authoritative for lookups either way.
func New(path string, hotSize int) *Cache {
	c := &Cache{
		entries:    make(map[string]Entry),
		path:       path,
		flushDelay: 2 * time.Second,
	}
	if hotSize > 0 {
		hot, err := lru.New[string, Entry](hotSize)
		if err == nil {
			c.hot = hot
		}
	}
	return c
}

// Namespace builds the tenant-scoped dedup key: "<tenant_id>:<hex>" (§4.9).
func Namespace(tenantID, hexKey string) string {
	return tenantID + ":" + hexKey
}

// Load reads the persisted cache from disk. A missing or corrupt file is
// not fatal: the cache starts empty and the condition is logged, per §4.3.
func (c *Cache) Load() {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[dedup] cache load failed, starting empty: %v", err)
		}
		return
	}

	var raw map[string]diskEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("[dedup] cache file corrupt, starting empty: %v", err)
		return
	}

	for k, v := range raw {
		e := Entry{LastSeenAt: time.Unix(0, int64(v.LastSeenAt*float64(time.Second))), IncidentKind: v.IncidentKind}
		c.entries[k] = e
		if c.hot != nil {
			c.hot.Add(k, e)
		}
	}
}

// IsDuplicate reports whether key was seen within cooldown of now. The
// second return value is the number of seconds since the last sighting, or
// nil if the key is unknown or past cooldown.
func (c *Cache) IsDuplicate(key string, cooldown time.Duration, now time.Time) (bool, *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	elapsed := now.Sub(e.LastSeenAt)
	if elapsed >= cooldown {
		return false, nil
	}
	s := elapsed.Seconds()
	return true, &s
}

// Record updates last_seen_at for key and schedules a debounced persist.
func (c *Cache) Record(key, incidentKind string, now time.Time) {
	c.mu.Lock()
	e := Entry{LastSeenAt: now, IncidentKind: incidentKind}
	c.entries[key] = e
	if c.hot != nil {
		c.hot.Add(key, e)
	}
	c.scheduleFlushLocked()
	c.mu.Unlock()
}

// Prune removes entries whose last sighting is older than ttl.
func (c *Cache) Prune(ttl time.Duration, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.LastSeenAt) > ttl {
			delete(c.entries, k)
			if c.hot != nil {
				c.hot.Remove(k)
			}
			removed++
		}
	}
	if removed > 0 {
		c.scheduleFlushLocked()
	}
	return removed
}

// scheduleFlushLocked coalesces concurrent Record/Prune calls into at most
// one pending Save — callers never block on disk I/O. Caller must hold c.mu.
func (c *Cache) scheduleFlushLocked() {
	if c.flushPending {
		return
	}
	c.flushPending = true
	c.flushTimer = time.AfterFunc(c.flushDelay, func() {
		c.mu.Lock()
		c.flushPending = false
		c.mu.Unlock()
		if err := c.Save(); err != nil {
			log.Printf("[dedup] cache save failed, continuing in-memory-only: %v", err)
		}
	})
}

// Save writes the cache to disk atomically (write-temp-then-rename).
func (c *Cache) Save() error {
	c.mu.Lock()
	raw := make(map[string]diskEntry, len(c.entries))
	for k, e := range c.entries {
		raw[k] = diskEntry{LastSeenAt: float64(e.LastSeenAt.UnixNano()) / float64(time.Second), IncidentKind: e.IncidentKind}
	}
	c.mu.Unlock()

	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".dedup-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, c.path)
}

// FlushNow forces a synchronous save, bypassing the debounce — used on
// graceful shutdown.
func (c *Cache) FlushNow() error {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushPending = false
	c.mu.Unlock()
	return c.Save()
}
