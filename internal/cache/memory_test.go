package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newMemCache(t *testing.T, capacity int) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(context.Background(), capacity)
	t.Cleanup(c.Close)
	return c
}

func TestMemorySetAndGet(t *testing.T) {
	c := newMemCache(t, 0)

	want := []byte(`{"content":"hi"}`)
	if err := c.Set(context.Background(), "k", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != string(want) {
		t.Fatalf("Get = %q, want %q", got, want)
	}
}

func TestMemoryGetMiss(t *testing.T) {
	c := newMemCache(t, 0)

	if _, ok := c.Get(context.Background(), "absent"); ok {
		t.Fatal("expected miss")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	c := newMemCache(t, 0)

	if err := c.Set(context.Background(), "short", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get(context.Background(), "short"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed on access, Len = %d", c.Len())
	}
}

// TestMemoryCapacityEviction verifies LRU behaviour: filling past capacity
// evicts the least recently used key, and a Get refreshes recency.
func TestMemoryCapacityEviction(t *testing.T) {
	c := newMemCache(t, 3)

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := c.Set(context.Background(), key, []byte(key), time.Hour); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	// Touch k0 so k1 becomes the LRU victim.
	if _, ok := c.Get(context.Background(), "k0"); !ok {
		t.Fatal("k0 should be present")
	}

	if err := c.Set(context.Background(), "k3", []byte("k3"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := c.Get(context.Background(), "k1"); ok {
		t.Fatal("k1 should have been evicted as least recently used")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(context.Background(), key); !ok {
			t.Fatalf("%s should have survived eviction", key)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
}

// TestMemoryHitDoesNotMutate verifies that repeated hits return the same
// payload and only advance the hit counter.
func TestMemoryHitDoesNotMutate(t *testing.T) {
	c := newMemCache(t, 0)

	want := []byte("stable")
	if err := c.Set(context.Background(), "k", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for i := 0; i < 5; i++ {
		got, ok := c.Get(context.Background(), "k")
		if !ok || string(got) != string(want) {
			t.Fatalf("hit %d returned %q, want %q", i, got, want)
		}
	}
	if hits := c.Hits("k"); hits != 5 {
		t.Fatalf("Hits = %d, want 5", hits)
	}
}

func TestMemoryReplaceIsAtomic(t *testing.T) {
	c := newMemCache(t, 0)

	if err := c.Set(context.Background(), "k", []byte("old"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(context.Background(), "k", []byte("new"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), "k")
	if !ok || string(got) != "new" {
		t.Fatalf("Get = %q, want new", got)
	}
	if c.Len() != 1 {
		t.Fatalf("replace must not duplicate the entry, Len = %d", c.Len())
	}
}

// TestMemoryConcurrentAccess exercises the cache under parallel readers
// and writers; run with -race.
func TestMemoryConcurrentAccess(t *testing.T) {
	c := newMemCache(t, 128)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%32)
				if i%3 == 0 {
					_ = c.Set(context.Background(), key, []byte(key), time.Hour)
				} else {
					c.Get(context.Background(), key)
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 32 {
		t.Fatalf("Len = %d, want at most 32 distinct keys", c.Len())
	}
}
