package sqlstore

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// ResponseCache is an LRU cache of engine responses keyed by the canonical
// request object. Payloads are held zstd-compressed.
type ResponseCache struct {
	capacity   int
	ttl        time.Duration
	compressor *Compressor
	mu         sync.Mutex
	cache      map[string]*cacheEntry
	lru        *list.List
	hits       uint64
	misses     uint64
	generation uint64
}

// cacheEntry represents a cached response
type cacheEntry struct {
	key       string
	data      []byte
	size      int
	timestamp time.Time
	element   *list.Element
}

// NewResponseCache creates a new response cache
func NewResponseCache(capacity int, ttl time.Duration, compressor *Compressor) *ResponseCache {
	return &ResponseCache{
		capacity:   capacity,
		ttl:        ttl,
		compressor: compressor,
		cache:      make(map[string]*cacheEntry),
		lru:        list.New(),
	}
}

// Get retrieves a cached response
func (rc *ResponseCache) Get(params []byte) ([]byte, bool) {
	key := cacheKey(params)

	rc.mu.Lock()
	entry, exists := rc.cache[key]
	if !exists {
		rc.misses++
		rc.mu.Unlock()
		return nil, false
	}

	if rc.ttl > 0 && time.Since(entry.timestamp) > rc.ttl {
		rc.removeLocked(key)
		rc.misses++
		rc.mu.Unlock()
		return nil, false
	}

	rc.lru.MoveToFront(entry.element)
	rc.hits++
	data, size := entry.data, entry.size
	rc.mu.Unlock()

	payload, err := rc.compressor.Decompress(data, size)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Generation identifies the current cache contents; Clear advances it
func (rc *ResponseCache) Generation() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.generation
}

// Put stores a response in the cache
func (rc *ResponseCache) Put(params, payload []byte) {
	rc.PutAt(rc.Generation(), params, payload)
}

// PutAt stores a response read at generation gen. It is dropped if the cache
// has been cleared since, so rows read before an insert never outlive it.
func (rc *ResponseCache) PutAt(gen uint64, params, payload []byte) {
	key := cacheKey(params)
	data := rc.compressor.Compress(payload)

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if gen != rc.generation {
		return
	}

	if entry, exists := rc.cache[key]; exists {
		entry.data = data
		entry.size = len(payload)
		entry.timestamp = time.Now()
		rc.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:       key,
		data:      data,
		size:      len(payload),
		timestamp: time.Now(),
	}
	entry.element = rc.lru.PushFront(entry)
	rc.cache[key] = entry

	if rc.lru.Len() > rc.capacity {
		if oldest := rc.lru.Back(); oldest != nil {
			rc.removeLocked(oldest.Value.(*cacheEntry).key)
		}
	}
}

// removeLocked removes an entry from the cache (must hold lock)
func (rc *ResponseCache) removeLocked(key string) {
	if entry, exists := rc.cache[key]; exists {
		rc.lru.Remove(entry.element)
		delete(rc.cache, key)
	}
}

// Clear drops every entry; called whenever rows change
func (rc *ResponseCache) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.cache = make(map[string]*cacheEntry)
	rc.lru = list.New()
	rc.generation++
}

// CacheStats contains cache statistics
type CacheStats struct {
	Size            int
	Capacity        int
	Hits            uint64
	Misses          uint64
	CompressedBytes int
	RawBytes        int
}

// Stats returns cache statistics
func (rc *ResponseCache) Stats() CacheStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	s := CacheStats{
		Size:     len(rc.cache),
		Capacity: rc.capacity,
		Hits:     rc.hits,
		Misses:   rc.misses,
	}
	for _, e := range rc.cache {
		s.CompressedBytes += len(e.data)
		s.RawBytes += e.size
	}
	return s
}

func cacheKey(params []byte) string {
	sum := sha256.Sum256(params)
	return hex.EncodeToString(sum[:])
}
