package policy

import (
	"fmt"
	"testing"
)

func TestRegexCacheHitAndFailure(t *testing.T) {
	c := NewRegexCache(10)

	re, ok := c.Get(`ab+c`)
	if !ok || re == nil {
		t.Fatal("valid pattern did not compile")
	}
	if !re.MatchString("abbc") {
		t.Error("compiled regex does not match")
	}

	// Compile failures are remembered and stay non-matching.
	if _, ok := c.Get("("); ok {
		t.Error("bad pattern reported ok")
	}
	if _, ok := c.Get("("); ok {
		t.Error("remembered bad pattern reported ok")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2 (failure entries count)", c.Len())
	}
}

func TestRegexCacheBulkEviction(t *testing.T) {
	c := NewRegexCache(10)
	for i := 0; i < 10; i++ {
		c.Get(fmt.Sprintf("pattern-%d", i))
	}
	if c.Len() != 10 {
		t.Fatalf("Len = %d, want 10", c.Len())
	}

	// Touch the newest half so the oldest half is the eviction victim set.
	for i := 5; i < 10; i++ {
		c.Get(fmt.Sprintf("pattern-%d", i))
	}

	// The 11th insert evicts ~20% (2 entries) in bulk, then adds one.
	c.Get("pattern-10")
	if c.Len() != 9 {
		t.Errorf("Len after eviction = %d, want 9", c.Len())
	}

	// The most recently used entries survived.
	for i := 5; i < 10; i++ {
		p := fmt.Sprintf("pattern-%d", i)
		c.mu.Lock()
		_, hit := c.entries[p]
		c.mu.Unlock()
		if !hit {
			t.Errorf("recently used %s was evicted", p)
		}
	}
}

func TestRegexCacheDefaultSize(t *testing.T) {
	c := NewRegexCache(0)
	if c.maxSize != defaultRegexCacheSize {
		t.Errorf("maxSize = %d, want %d", c.maxSize, defaultRegexCacheSize)
	}
}
