package mccache

import (
	"strconv"
	"testing"
)

// BenchmarkSet measures the write-path cost of repeatedly overwriting
// the same key: mutex lock/unlock, MD5 digest, FIFO list bookkeeping.
func BenchmarkSet(b *testing.B) {
	c := newTestCache()
	value := []byte("value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set("key", value, 0, false)
	}
}

// BenchmarkSetUniqueKeys exercises map growth and FIFO eviction under
// a bounded cache, unlike BenchmarkSet's single-key overwrite.
func BenchmarkSetUniqueKeys(b *testing.B) {
	c := newTestCache(WithMaxEntries(1000))
	value := []byte("value")

	keys := make([]string, 4096)
	for i := range keys {
		keys[i] = strconv.Itoa(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(keys[i%len(keys)], value, 0, false)
	}
}

// BenchmarkGet measures lookup cost on a populated cache.
func BenchmarkGet(b *testing.B) {
	c := newTestCache()
	_ = c.Set("key", []byte("value"), 0, false)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Get("key")
	}
}
