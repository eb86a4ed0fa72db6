package hostcall

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CanonicalKey builds a stable cache key from a capability id, the calling
// namespace and the JSON payload. Field ordering in the payload must not
// change the key, so the payload is decoded and re-marshalled with sorted
// object keys before hashing.
func CanonicalKey(capability, namespace string, payload json.RawMessage) string {
	normalized := canonicalizeJSON(payload)
	h := sha256.New()
	h.Write([]byte(capability))
	h.Write([]byte{0})
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalizeJSON(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not valid JSON (or empty): hash the raw bytes verbatim.
		return raw
	}
	out, err := json.Marshal(canonicalizeValue(v))
	if err != nil {
		return raw
	}
	return out
}

// canonicalizeValue rewrites maps as sorted-key slices of pairs so
// json.Marshal (which does sort map[string]interface{} keys already, but we
// don't want to depend on that implementation detail) produces a
// deterministic byte stream regardless of decoding order.
func canonicalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]interface{}, 0, len(keys)*2)
		for _, k := range keys {
			ordered = append(ordered, k, canonicalizeValue(t[k]))
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return t
	}
}

type cacheEntry struct {
	key        string
	value      json.RawMessage
	errText    string
	expiresAt  time.Time
	isNegative bool
}

// TTLCache is a bounded LRU cache with a positive and a (shorter) negative
// TTL, guarded by a mutex so it is safe across the worker pool. It also owns
// the singleflight.Group that collapses concurrent identical misses into one
// delegate call.
type TTLCache struct {
	mu         sync.Mutex
	ll         *list.List
	items      map[string]*list.Element
	maxEntries int
	ttl        time.Duration
	negTTL     time.Duration
	now        func() time.Time

	group singleflight.Group
}

// NewTTLCache builds a cache bounded at maxEntries with the given positive
// and negative TTLs. maxEntries <= 0 means "unbounded"; the kubernetes and
// oci capability groups substitute a bound of 1000 when their caller passes
// no bound of its own.
func NewTTLCache(maxEntries int, ttl, negativeTTL time.Duration) *TTLCache {
	return &TTLCache{
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: maxEntries,
		ttl:        ttl,
		negTTL:     negativeTTL,
		now:        time.Now,
	}
}

// Get returns the cached value for key if present and not expired. A cached
// negative result (a prior failed lookup) is reported via negative=true with
// errText carrying the original failure's message, so Dispatch can return it
// directly instead of re-running the handler until the negative TTL expires.
func (c *TTLCache) Get(key string) (value json.RawMessage, found, negative bool, errText string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false, false, ""
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeElement(el)
		return nil, false, false, ""
	}
	c.ll.MoveToFront(el)
	if entry.isNegative {
		return nil, true, true, entry.errText
	}
	return entry.value, true, false, ""
}

// Put stores a positive result under the cache's configured TTL.
func (c *TTLCache) Put(key string, value json.RawMessage) {
	c.set(key, value, "", c.ttl, false)
}

// PutNegative records that key failed with err, so repeated misses in the
// negative TTL window return the same error instead of hammering the
// handler.
func (c *TTLCache) PutNegative(key string, err error) {
	c.set(key, nil, err.Error(), c.negTTL, true)
}

func (c *TTLCache) set(key string, value json.RawMessage, errText string, ttl time.Duration, negative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		e := el.Value.(*cacheEntry)
		e.value, e.errText, e.expiresAt, e.isNegative = value, errText, c.now().Add(ttl), negative
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, value: value, errText: errText, expiresAt: c.now().Add(ttl), isNegative: negative})
	c.items[key] = el

	if c.maxEntries > 0 {
		for c.ll.Len() > c.maxEntries {
			c.removeOldest()
		}
	}
}

func (c *TTLCache) removeOldest() {
	el := c.ll.Back()
	if el != nil {
		c.removeElement(el)
	}
}

func (c *TTLCache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}

// Len reports the current number of cached entries (including negatives),
// for test assertions.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
