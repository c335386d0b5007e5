// Copyright 2025 James Ross

// Package dedup implements the non-streaming response cache: an LRU keyed by
// a content hash of (model_id, normalised prompt, normalised params),
// applicable only to deterministic requests (temperature == 0, top_k in
// {0,1}). Entries are compressed at rest with zstd, the same compressor the
// teacher stack reaches for when caching response payloads.
package dedup

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/inferd/inferd/internal/obs"
)

// Key identifies a cacheable, deterministic request.
func Key(modelID, normalisedPrompt, normalisedParams string) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(normalisedPrompt))
	h.Write([]byte{0})
	h.Write([]byte(normalisedParams))
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	key        string
	compressed []byte
	elem       *list.Element
}

// Cache is an LRU cache of finished, deterministic outputs. Safe for
// concurrent callers.
type Cache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*entry
	order    *list.List // front = most recently used

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New builds a cache with the given entry capacity.
func New(capacity int) (*Cache, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("dedup: build zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("dedup: build zstd decoder: %w", err)
	}
	return &Cache{
		capacity: capacity,
		index:    make(map[string]*entry),
		order:    list.New(),
		encoder:  enc,
		decoder:  dec,
	}, nil
}

// Get returns the cached output for key, if present, moving it to
// most-recently-used.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	e, ok := c.index[key]
	if ok {
		c.order.MoveToFront(e.elem)
	}
	c.mu.Unlock()

	if !ok {
		obs.DedupMisses.Inc()
		return "", false
	}
	obs.DedupHits.Inc()
	raw, err := c.decoder.DecodeAll(e.compressed, nil)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// Put inserts or refreshes an entry, evicting the least-recently-used entry
// if the cache is at capacity.
func (c *Cache) Put(key, output string) {
	compressed := c.encoder.EncodeAll([]byte(output), nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[key]; ok {
		e.compressed = compressed
		c.order.MoveToFront(e.elem)
		return
	}
	e := &entry{key: key, compressed: compressed}
	e.elem = c.order.PushFront(e)
	c.index[key] = e

	for len(c.index) > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		lru := back.Value.(*entry)
		c.order.Remove(back)
		delete(c.index, lru.key)
	}
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
