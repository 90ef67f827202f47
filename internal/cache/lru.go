// internal/cache/lru.go
//
// Tiny LRU over loaded manifests, so repeat reads of a hot
// (route, fingerprint) key skip the manifest.json decode.  Entries are
// added on Lookup and Commit and dropped on Quarantine; manifests are
// immutable once loaded, so a cached pointer is always safe to share.
package cache

import (
	"container/list"
	"sync"
)

// manifestLRU is a mutex-guarded least-recently-used cache keyed by
// "<route_id>/<fingerprint>".
type manifestLRU struct {
	mu   sync.Mutex
	cap  int
	ll   *list.List
	dict map[string]*list.Element
}

type manifestPair struct {
	key string
	m   *Manifest
}

// newManifestLRU returns an LRU with the given capacity.  Panics on
// cap < 1.
func newManifestLRU(capacity int) *manifestLRU {
	if capacity < 1 {
		panic("cache: capacity must be ≥1")
	}
	return &manifestLRU{
		cap:  capacity,
		ll:   list.New(),
		dict: make(map[string]*list.Element, capacity),
	}
}

// get retrieves a manifest and marks it MRU.
func (c *manifestLRU) get(key string) (*Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, hit := c.dict[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.Value.(manifestPair).m, true
	}
	return nil, false
}

// add inserts or refreshes a manifest, evicting the LRU entry when the
// cache is full.
func (c *manifestLRU) add(key string, m *Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, hit := c.dict[key]; hit {
		ele.Value = manifestPair{key, m}
		c.ll.MoveToFront(ele)
		return
	}
	ele := c.ll.PushFront(manifestPair{key, m})
	c.dict[key] = ele
	if c.ll.Len() > c.cap {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.dict, last.Value.(manifestPair).key)
	}
}

// remove drops a key, if present.
func (c *manifestLRU) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, hit := c.dict[key]; hit {
		c.ll.Remove(ele)
		delete(c.dict, key)
	}
}
