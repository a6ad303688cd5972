package watch

import (
	"sync"
	"syscall"

	"github.com/golang/groupcache/lru"
)

// cacheEntry is the value stored in the LRU and indexed by id, holding
// enough to reverse an incoming DirEvent back to a path and to unwatch on
// eviction.
type cacheEntry struct {
	path string
	id   ID
}

// watchCache is the bounded directory-watch cache from spec §4.8: a
// path→entry map and a watch-id→entry map sharing one LRU ordering, with a
// single mutex serializing all access. It reuses groupcache/lru for the
// path-keyed LRU half (as the teacher's inotify watcher does) and layers an
// id-keyed map on top, since incoming directory events carry only the
// watch id, not the path.
type watchCache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	byID   map[ID]*cacheEntry
	dir    DirSource
	errors chan<- error
}

func newWatchCache(maxWatches int, dir DirSource, errors chan<- error) *watchCache {
	c := &watchCache{
		lru:    lru.New(maxWatches),
		byID:   make(map[ID]*cacheEntry),
		dir:    dir,
		errors: errors,
	}
	c.lru.OnEvicted = func(key lru.Key, value interface{}) {
		entry := value.(*cacheEntry)
		delete(c.byID, entry.id)
		if err := dir.Unwatch(entry.id); err != nil {
			trySend(c.errors, err)
		}
	}
	return c
}

// touch adds a watch for path if absent, or marks it most-recently-used if
// already present. On ENOSPC it evicts the LRU tail and retries once,
// matching spec §4.8's "on cache pressure or ENOSPC, the LRU tail is
// evicted" rule.
func (c *watchCache) touch(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Get(path); ok {
		return
	}

	id, err := c.dir.Watch(path)
	if err == syscall.ENOSPC {
		c.lru.RemoveOldest()
		id, err = c.dir.Watch(path)
	}
	if err != nil {
		trySend(c.errors, err)
		return
	}

	entry := &cacheEntry{path: path, id: id}
	c.byID[id] = entry
	c.lru.Add(path, entry)
}

// pathFor resolves a watch id to its path.
func (c *watchCache) pathFor(id ID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byID[id]
	if !ok {
		return "", false
	}
	return entry.path, true
}

// remove unconditionally drops the entry for id (spec's DELETE_SELF /
// MOVE_SELF handling). This goes through the normal eviction path, which
// calls dir.Unwatch again on an id the kernel has already torn down;
// DirSource implementations are required to tolerate that.
func (c *watchCache) remove(id ID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byID[id]
	if !ok {
		return "", false
	}
	c.lru.Remove(entry.path)
	return entry.path, true
}
