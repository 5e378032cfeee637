package mccache

import (
	"sync"
	"testing"
	"time"
)

func newTestCache(opts ...CacheOption) *LocalCache {
	return newLocalCache("test", opts...)
}

func TestSetAndGet(t *testing.T) {
	c := newTestCache()

	if err := c.Set("a", []byte("b"), 0, false); err != nil {
		t.Fatalf("set: %v", err)
	}

	val, err := c.Get("a")
	if err != nil {
		t.Fatalf("expected key to be found, got %v", err)
	}
	if string(val) != "b" {
		t.Fatalf("expected 'b', got %q", val)
	}
}

func TestExpiration(t *testing.T) {
	c := newTestCache(WithTTL(1 * time.Millisecond))

	if err := c.Set("a", []byte("b"), 0, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := c.Get("a"); err != ErrKeyMissing {
		t.Fatalf("expected key to be expired, got err=%v", err)
	}
}

func TestNoExpiration(t *testing.T) {
	c := newTestCache()

	if err := c.Set("a", []byte("b"), 0, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	val, err := c.Get("a")
	if err != nil || string(val) != "b" {
		t.Fatalf("expected key to persist without TTL, got val=%q err=%v", val, err)
	}
}

func TestDelete(t *testing.T) {
	c := newTestCache()

	_ = c.Set("a", []byte("b"), 0, false)
	if err := c.Delete("a", 0, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := c.Get("a"); err != ErrKeyMissing {
		t.Fatalf("expected key to be deleted, got err=%v", err)
	}
}

func TestDeleteMissingKeyFails(t *testing.T) {
	c := newTestCache()
	if err := c.Delete("nope", 0, false); err != ErrKeyMissing {
		t.Fatalf("expected ErrKeyMissing, got %v", err)
	}
}

func TestFIFOEvictionOnCapacity(t *testing.T) {
	c := newTestCache(WithMaxEntries(2))

	_ = c.Set("a", []byte("1"), 0, false)
	_ = c.Set("b", []byte("2"), 0, false)
	_ = c.Set("c", []byte("3"), 0, false)

	if _, err := c.Get("a"); err != ErrKeyMissing {
		t.Fatal("expected oldest key 'a' to be evicted FIFO")
	}
	if v, err := c.Get("c"); err != nil || string(v) != "3" {
		t.Fatalf("expected newest key 'c' to survive, err=%v", err)
	}
}

func TestGetDoesNotReorderFIFO(t *testing.T) {
	c := newTestCache(WithMaxEntries(2))

	_ = c.Set("a", []byte("1"), 0, false)
	_ = c.Set("b", []byte("2"), 0, false)
	_, _ = c.Get("a") // teacher's LRU would move 'a' to the back here; FIFO must not.
	_ = c.Set("c", []byte("3"), 0, false)

	if _, err := c.Get("a"); err != ErrKeyMissing {
		t.Fatal("Get must not protect a key from FIFO eviction (spec requires strict insertion order)")
	}
}

func TestValueTooLarge(t *testing.T) {
	c := newTestCache(WithMaxBytes(4))
	if err := c.Set("a", []byte("toolong"), 0, false); err != ErrValueTooLarge {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Set("key", []byte{byte(i)}, 0, false)
			_, _ = c.Get("key")
		}(i)
	}

	wg.Wait()
}

func TestStatsTracking(t *testing.T) {
	c := newTestCache()

	_ = c.Set("a", []byte("1"), 0, false)
	_, _ = c.Get("a") // hit
	_, _ = c.Get("b") // miss

	stats := c.Stats()
	if stats.Lookups != 2 {
		t.Fatalf("expected 2 lookups, got %d", stats.Lookups)
	}
	if stats.Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.Inserts != 1 {
		t.Fatalf("expected 1 insert, got %d", stats.Inserts)
	}
}

func TestCallbackFiresWithinWindow(t *testing.T) {
	var got ChangeEvent
	c := newTestCache(WithCallback(func(ev ChangeEvent) { got = ev }, time.Hour))

	_ = c.Set("a", []byte("1"), 0, false)
	_, _ = c.Get("a")
	_ = c.Set("a", []byte("2"), 0, false)

	if got.Kind != ChangeUpdate || got.Key != "a" {
		t.Fatalf("expected update callback for key 'a', got %+v", got)
	}
}

func TestCallbackSkippedOutsideWindow(t *testing.T) {
	var fired bool
	c := newTestCache(WithCallback(func(ev ChangeEvent) { fired = true }, time.Nanosecond))

	_ = c.Set("a", []byte("1"), 0, false)
	_, _ = c.Get("a")
	time.Sleep(2 * time.Millisecond)
	_ = c.Set("a", []byte("2"), 0, false)

	if fired {
		t.Fatal("callback should not fire once the window has elapsed")
	}
}
