package core

import (
	"testing"
	"time"
)

func TestMemoryCacheGetSet(t *testing.T) {
	cache := NewMemoryCache[string, int](time.Minute, 10)

	if _, ok := cache.Get("missing"); ok {
		t.Fatal("hit on empty cache")
	}

	cache.Set("k", 7)
	if v, ok := cache.Get("k"); !ok || v != 7 {
		t.Fatalf("Get = (%d, %v)", v, ok)
	}

	cache.Delete("k")
	if _, ok := cache.Get("k"); ok {
		t.Fatal("hit after delete")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	cache := NewMemoryCache[string, string](time.Minute, 10)

	cache.SetWithTTL("short", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := cache.Get("short"); ok {
		t.Fatal("expired entry still served")
	}

	cache.RemoveExpired()
	_, _, size := cache.Stats()
	if size != 0 {
		t.Errorf("size after sweep = %d", size)
	}
}

func TestMemoryCacheEviction(t *testing.T) {
	cache := NewMemoryCache[int, int](time.Minute, 2)

	cache.Set(1, 1)
	cache.Set(2, 2)
	cache.Set(3, 3)

	_, _, size := cache.Stats()
	if size != 2 {
		t.Errorf("size = %d, want capped at 2", size)
	}
	if _, ok := cache.Get(3); !ok {
		t.Error("newest entry evicted")
	}
}
