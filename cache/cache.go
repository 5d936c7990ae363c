// Package cache implements the per-topic bounded message store (spec.md
// §4.1, component C1): the authoritative answer to "do we already have
// this?" and the source Plumtree serves IWANT requests from.
//
// The eviction structure follows the same hand-rolled, no-dependency shape
// babble/src/common/rolling_index.go uses for its own bounded history
// buffers: a doubly linked list for recency order plus a map for O(1)
// lookup, rather than reaching for a generic third-party LRU. Unlike
// RollingIndex (which rolls by insertion order with no removal), C1 needs
// true least-recently-used touch-ordering and TTL sweep, so it is built
// directly on container/list instead.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/duskmesh/overlay/wire"
)

// Result is the outcome of an insert attempt.
type Result int

const (
	// Fresh means the message was not previously present and has been
	// recorded.
	Fresh Result = iota
	// Duplicate means the message was already present; the existing entry's
	// recency was bumped but nothing else changed.
	Duplicate
)

// Cached is one retained message. Spec.md §3 defines the cached record as
// {payload, header, inserted_at}; the signer identity, pubkey, epoch, and
// signature are carried alongside so a later IWANT can forward the exact
// original signed envelope rather than one re-signed by the serving node
// (which would change msg_id and break cross-node cache-key agreement).
type Cached struct {
	Header       wire.Header
	Payload      []byte
	Epoch        uint64
	SignerPeerID wire.PeerID
	SignerPubKey []byte
	Signature    []byte
	InsertedAt   time.Time
}

// Message reconstructs the original signed wire.Message from a cached
// entry, re-encoding the payload into an EagerBody.
func (c Cached) Message() (*wire.Message, error) {
	body, err := wire.EncodeBody(wire.EagerBody{Payload: c.Payload})
	if err != nil {
		return nil, err
	}
	return &wire.Message{
		Header:       c.Header,
		Epoch:        c.Epoch,
		SignerPeerID: c.SignerPeerID,
		SignerPubKey: c.SignerPubKey,
		Body:         body,
		Signature:    c.Signature,
	}, nil
}

type entry struct {
	topic wire.TopicID
	id    wire.MessageID
	value Cached
}

// topicCache is the per-topic LRU+TTL store. Capacity and touch-ordering
// are the responsibility of this type; Cache only routes by topic.
type topicCache struct {
	mu       sync.Mutex
	cap      int
	ttl      time.Duration
	ll       *list.List
	elements map[wire.MessageID]*list.Element
}

func newTopicCache(cap int, ttl time.Duration) *topicCache {
	return &topicCache{
		cap:      cap,
		ttl:      ttl,
		ll:       list.New(),
		elements: make(map[wire.MessageID]*list.Element),
	}
}

func (tc *topicCache) insert(id wire.MessageID, value Cached) Result {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if el, ok := tc.elements[id]; ok {
		tc.ll.MoveToFront(el)
		return Duplicate
	}

	el := tc.ll.PushFront(&entry{id: id, value: value})
	tc.elements[id] = el

	for tc.ll.Len() > tc.cap {
		tc.evictOldest()
	}

	return Fresh
}

// evictOldest removes the least-recently-touched entry. Callers hold mu.
func (tc *topicCache) evictOldest() {
	back := tc.ll.Back()
	if back == nil {
		return
	}
	tc.ll.Remove(back)
	delete(tc.elements, back.Value.(*entry).id)
}

func (tc *topicCache) contains(id wire.MessageID) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	el, ok := tc.elements[id]
	if !ok {
		return false
	}
	tc.ll.MoveToFront(el)
	return true
}

func (tc *topicCache) get(id wire.MessageID) (Cached, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	el, ok := tc.elements[id]
	if !ok {
		return Cached{}, false
	}
	tc.ll.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// sweep removes entries older than ttl. It does not rely on LRU order
// (which reflects touches, not insertion time), so it walks the full list,
// starting at the most recently touched end; C1 sweeps run on a slow periodic timer, never on
// the hot path, so this is not latency sensitive.
func (tc *topicCache) sweep(now time.Time) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	removed := 0
	for el := tc.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if now.Sub(e.value.InsertedAt) > tc.ttl {
			tc.ll.Remove(el)
			delete(tc.elements, e.id)
			removed++
		}
		el = next
	}
	return removed
}

func (tc *topicCache) ids() []wire.MessageID {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]wire.MessageID, 0, tc.ll.Len())
	for el := tc.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).id)
	}
	return out
}

// idsSince returns ids inserted after cutoff, without disturbing recency
// order (anti-entropy sketches are read-only snapshots, not touches).
func (tc *topicCache) idsSince(cutoff time.Time) []wire.MessageID {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var out []wire.MessageID
	for el := tc.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.value.InsertedAt.After(cutoff) {
			out = append(out, e.id)
		}
	}
	return out
}

func (tc *topicCache) len() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.ll.Len()
}

// Cache is the top-level, per-topic-sharded message cache (spec.md §4.1).
// Each topic gets its own topicCache so a hot topic's churn never takes a
// lock shared with a quiet one (spec.md §5's per-topic coarse lock design).
type Cache struct {
	cap int
	ttl time.Duration

	mu     sync.Mutex
	topics map[wire.TopicID]*topicCache
}

// Default bounds per spec.md §3 ("Cached message").
const (
	DefaultCacheCap = 10000
	DefaultCacheTTL = 5 * time.Minute
)

// Config holds the per-topic capacity and TTL, tagged for embedding by an
// external config-loading collaborator even though config loading itself
// is out of scope for this module.
type Config struct {
	Cap int           `mapstructure:"cap"`
	TTL time.Duration `mapstructure:"ttl"`
}

// DefaultConfig returns the bounds spec.md §3 states.
func DefaultConfig() Config {
	return Config{Cap: DefaultCacheCap, TTL: DefaultCacheTTL}
}

// NewFromConfig creates a Cache from cfg.
func NewFromConfig(cfg Config) *Cache {
	return New(cfg.Cap, cfg.TTL)
}

// New creates a Cache with the given per-topic capacity and TTL.
func New(cap int, ttl time.Duration) *Cache {
	if cap <= 0 {
		cap = DefaultCacheCap
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{cap: cap, ttl: ttl, topics: make(map[wire.TopicID]*topicCache)}
}

func (c *Cache) topic(topic wire.TopicID) *topicCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.topics[topic]
	if !ok {
		tc = newTopicCache(c.cap, c.ttl)
		c.topics[topic] = tc
	}
	return tc
}

// Insert records a message, returning Fresh on first sight or Duplicate if
// already present. All fields of value are stored atomically with the
// entry.
func (c *Cache) Insert(topic wire.TopicID, id wire.MessageID, value Cached) Result {
	return c.topic(topic).insert(id, value)
}

// InsertMessage caches msg (an already-verified EAGER message) under id,
// decoding its payload from Body.
func (c *Cache) InsertMessage(topic wire.TopicID, id wire.MessageID, msg *wire.Message, payload []byte, now time.Time) Result {
	return c.Insert(topic, id, Cached{
		Header:       msg.Header,
		Payload:      payload,
		Epoch:        msg.Epoch,
		SignerPeerID: msg.SignerPeerID,
		SignerPubKey: msg.SignerPubKey,
		Signature:    msg.Signature,
		InsertedAt:   now,
	})
}

// Contains reports whether id is present for topic, bumping its recency.
func (c *Cache) Contains(topic wire.TopicID, id wire.MessageID) bool {
	c.mu.Lock()
	tc, ok := c.topics[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return tc.contains(id)
}

// Get returns the cached entry for id under topic, if present, bumping its
// recency.
func (c *Cache) Get(topic wire.TopicID, id wire.MessageID) (Cached, bool) {
	c.mu.Lock()
	tc, ok := c.topics[topic]
	c.mu.Unlock()
	if !ok {
		return Cached{}, false
	}
	return tc.get(id)
}

// Sweep removes entries older than the configured TTL for topic, returning
// the number removed. It is a no-op for unknown topics.
func (c *Cache) Sweep(topic wire.TopicID, now time.Time) int {
	c.mu.Lock()
	tc, ok := c.topics[topic]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return tc.sweep(now)
}

// SweepAll sweeps every known topic, for the background task described in
// spec.md §4.5 that runs every CACHE_SWEEP.
func (c *Cache) SweepAll(now time.Time) int {
	c.mu.Lock()
	tcs := make([]*topicCache, 0, len(c.topics))
	for _, tc := range c.topics {
		tcs = append(tcs, tc)
	}
	c.mu.Unlock()

	total := 0
	for _, tc := range tcs {
		total += tc.sweep(now)
	}
	return total
}

// IDs returns the MessageIds currently retained for topic, in
// most-recently-touched-first order. Used by anti-entropy (C5) to build a
// reconciliation sketch.
func (c *Cache) IDs(topic wire.TopicID) []wire.MessageID {
	c.mu.Lock()
	tc, ok := c.topics[topic]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return tc.ids()
}

// IDsSince returns the MessageIds for topic inserted after cutoff, without
// bumping their recency. Used by anti-entropy (C5) to build a sketch
// bounded to spec.md §4.5's AE_WINDOW.
func (c *Cache) IDsSince(topic wire.TopicID, cutoff time.Time) []wire.MessageID {
	c.mu.Lock()
	tc, ok := c.topics[topic]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return tc.idsSince(cutoff)
}

// Len returns the number of entries currently retained for topic.
func (c *Cache) Len(topic wire.TopicID) int {
	c.mu.Lock()
	tc, ok := c.topics[topic]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return tc.len()
}

// Topics returns the set of topics with at least one tracked entry (or an
// established cache, even if currently empty).
func (c *Cache) Topics() []wire.TopicID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.TopicID, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}
