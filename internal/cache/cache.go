// Package cache implements the gateway's response cache (spec §4.5):
// a bounded LRU keyed by a fingerprint of {prompt, system,
// effective_model, options}, backed by hashicorp/golang-lru so eviction
// and concurrency are handled by a library instead of hand-rolled.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Key is an opaque cache fingerprint.
type Key string

// Entry is one cached response.
type Entry struct {
	Body []byte
}

// ResponseCache is a bounded LRU of prompt fingerprint -> backend response.
type ResponseCache struct {
	inner *lru.Cache[Key, Entry]
}

// New builds a ResponseCache with the given capacity (spec default 128).
func New(capacity int) (*ResponseCache, error) {
	if capacity < 1 {
		capacity = 1
	}
	c, err := lru.New[Key, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &ResponseCache{inner: c}, nil
}

// fingerprintInput is the exact shape hashed into a cache key. Field
// order doesn't matter for correctness since json.Marshal on a struct
// is already field-order-stable, but options is a map and must be
// normalized by sorted key order before hashing (spec §4.5 note:
// option order must not affect the cache key).
type fingerprintInput struct {
	Prompt         string `json:"prompt"`
	System         string `json:"system"`
	EffectiveModel string `json:"effective_model"`
	Options        string `json:"options"` // canonicalized options JSON
}

// Fingerprint computes the deterministic cache key for a request
// against a specific effective model. Options are re-marshaled with
// sorted keys so {"a":1,"b":2} and {"b":2,"a":1} collide intentionally.
func Fingerprint(prompt, system, effectiveModel string, options map[string]any) Key {
	canon := canonicalizeOptions(options)
	in := fingerprintInput{
		Prompt:         prompt,
		System:         system,
		EffectiveModel: effectiveModel,
		Options:        canon,
	}
	// json.Marshal errors only on unmarshalable types (channels, funcs),
	// which cannot appear in a request decoded from JSON.
	data, _ := json.Marshal(in)
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}

func canonicalizeOptions(options map[string]any) string {
	if len(options) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	b = append(b, '{')
	for i, k := range keys {
		if i > 0 {
			b = append(b, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(options[k])
		b = append(b, kb...)
		b = append(b, ':')
		b = append(b, vb...)
	}
	b = append(b, '}')
	return string(b)
}

// Get returns the cached entry for key, if present. A hit refreshes
// recency in the underlying LRU.
func (c *ResponseCache) Get(key Key) (Entry, bool) {
	return c.inner.Get(key)
}

// Set stores body under key, evicting the least-recently-used entry
// if the cache is at capacity.
func (c *ResponseCache) Set(key Key, body []byte) {
	c.inner.Add(key, Entry{Body: body})
}

// Len returns the current number of cached entries.
func (c *ResponseCache) Len() int {
	return c.inner.Len()
}
