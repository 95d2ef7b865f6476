package enrich

import "hash/fnv"

// cache maps content fingerprints to results. It is deliberately simple:
// a bounded map that is wiped in full when it overflows, not an LRU. The
// service's mutex guards all access.
type cache struct {
	max     int
	entries map[uint64]Result
}

func newCache(max int) *cache {
	if max <= 0 {
		max = 1
	}
	return &cache{
		max:     max,
		entries: make(map[uint64]Result),
	}
}

func (c *cache) get(key uint64) (Result, bool) {
	res, ok := c.entries[key]
	return res, ok
}

// put inserts a result, wiping the whole cache first when it is full.
func (c *cache) put(key uint64, res Result) {
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.clear()
	}
	c.entries[key] = res
}

func (c *cache) clear() {
	c.entries = make(map[uint64]Result)
}

func (c *cache) len() int {
	return len(c.entries)
}

// fingerprint hashes a rendered prompt into a cache key. FNV-1a is cheap and
// non-cryptographic; distinct prompts can collide and the cache will then
// serve the wrong result. Accepted: entries are short-lived and a collision
// costs one stale enrichment, not data loss.
func fingerprint(system, user string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(system))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(user))
	return h.Sum64()
}

// fingerprintBytes hashes binary content under a kind marker.
func fingerprintBytes(kind string, data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	return h.Sum64()
}
