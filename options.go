package mccache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheOption configures a LocalCache at construction time, following
// a functional-options pattern: Engine.GetCache accepts a variadic
// list of CacheOption instead of growing a fixed parameter list every time a
// new knob is added.
type CacheOption func(*LocalCache)

// WithTTL sets the cache-wide time-to-live; 0 disables TTL eviction
// entirely.
func WithTTL(d time.Duration) CacheOption {
	return func(c *LocalCache) { c.ttl = d }
}

// WithMaxEntries bounds the number of entries kept before FIFO
// eviction kicks in. 0 means unbounded.
func WithMaxEntries(n int) CacheOption {
	return func(c *LocalCache) { c.maxEntries = n }
}

// WithMaxBytes bounds the aggregate serialized value size kept before
// FIFO eviction kicks in. 0 means unbounded.
func WithMaxBytes(n int64) CacheOption {
	return func(c *LocalCache) { c.maxBytes = n }
}

// Callback is invoked for an update, deletion or conflict eviction that
// lands within the callback window of the same key's last successful
// Get (or, for a key never read, of its insertion). It must not block:
// the cache lock is held across the call.
type Callback func(ChangeEvent)

// ChangeKind classifies a ChangeEvent.
type ChangeKind int

const (
	// ChangeUpdate is an update of a previously-looked-up key.
	ChangeUpdate ChangeKind = iota
	// ChangeDeletion is a delete of a previously-looked-up key. TTL and
	// capacity evictions fire no callback.
	ChangeDeletion
	// ChangeIncoherence marks a conflict: an inbound mutation lost to
	// a newer local value and the local entry was evicted to force
	// reconciliation against the backing store.
	ChangeIncoherence
)

// ChangeEvent is delivered to a registered Callback.
type ChangeEvent struct {
	Kind      ChangeKind
	Namespace string
	Key       string
	LastLookup time.Time
	TSM       int64
	Elapsed   time.Duration
	PrevCRC   string
	NewCRC    string
}

// WithCallback registers a change-notification callback and the
// recent-lookup window within which it fires.
func WithCallback(cb Callback, window time.Duration) CacheOption {
	return func(c *LocalCache) {
		c.callback = cb
		c.callbackWin = window
	}
}

// withQueueOut wires the cache's outbound queue; set internally by the
// owning Engine so application code never has to construct one.
func withQueueOut(q chan<- Operation) CacheOption {
	return func(c *LocalCache) { c.queueOut = q }
}

// withRegisterer wires the Prometheus registerer used for this cache's
// metrics; nil disables Prometheus registration (used by tests that
// construct many short-lived caches under the same name).
func withRegisterer(reg prometheus.Registerer) CacheOption {
	return func(c *LocalCache) { c.registerer = reg }
}
