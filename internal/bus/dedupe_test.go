package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)

	if c.IsDuplicate("discord:1|m1") {
		t.Error("first sight reported as duplicate")
	}
	if !c.IsDuplicate("discord:1|m1") {
		t.Error("second sight not reported as duplicate")
	}
	if c.IsDuplicate("discord:1|m2") {
		t.Error("distinct key reported as duplicate")
	}
}

func TestDedupeCache_TTLExpiry(t *testing.T) {
	c := NewDedupeCache(20*time.Millisecond, 100)

	c.IsDuplicate("k")
	time.Sleep(40 * time.Millisecond)
	if c.IsDuplicate("k") {
		t.Error("expired key still reported as duplicate")
	}
}

func TestDedupeCache_SizeBounded(t *testing.T) {
	c := NewDedupeCache(time.Hour, 10)

	for i := 0; i < 50; i++ {
		c.IsDuplicate(fmt.Sprintf("k%d", i))
	}

	c.mu.Lock()
	size := len(c.seen)
	c.mu.Unlock()
	if size > 10 {
		t.Errorf("cache size = %d, want bounded at 10", size)
	}
}
