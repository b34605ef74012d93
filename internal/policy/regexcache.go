package policy

import (
	"regexp"
	"sync"
)

const (
	defaultRegexCacheSize = 500
	// fraction of entries dropped when the cache fills.
	regexEvictFraction = 0.20
)

type regexEntry struct {
	re       *regexp.Regexp // nil means the pattern failed to compile
	lastUsed uint64
}

// RegexCache is a bounded LRU of compiled regexes. Compile failures are
// remembered so repeated bad patterns cost a single map lookup, and are
// reported as non-matching predicates.
type RegexCache struct {
	mu      sync.Mutex
	entries map[string]*regexEntry
	clock   uint64
	maxSize int
}

// NewRegexCache creates a cache holding up to maxSize patterns. A maxSize
// of zero or less uses the default (500).
func NewRegexCache(maxSize int) *RegexCache {
	if maxSize <= 0 {
		maxSize = defaultRegexCacheSize
	}
	return &RegexCache{
		entries: make(map[string]*regexEntry),
		maxSize: maxSize,
	}
}

// Get returns the compiled regex for pattern, compiling and caching it on
// first use. ok is false when the pattern does not compile.
func (c *RegexCache) Get(pattern string) (re *regexp.Regexp, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock++
	if e, hit := c.entries[pattern]; hit {
		e.lastUsed = c.clock
		return e.re, e.re != nil
	}

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		compiled = nil
	}
	c.entries[pattern] = &regexEntry{re: compiled, lastUsed: c.clock}
	return compiled, compiled != nil
}

// evictLocked drops the least-recently-used ~20% of entries in bulk.
func (c *RegexCache) evictLocked() {
	drop := int(float64(c.maxSize) * regexEvictFraction)
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop; i++ {
		var oldestKey string
		var oldest uint64
		first := true
		for k, e := range c.entries {
			if first || e.lastUsed < oldest {
				oldestKey, oldest = k, e.lastUsed
				first = false
			}
		}
		if first {
			return
		}
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of cached patterns (including remembered failures).
func (c *RegexCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
