package mccache

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCacheName is the cache handle name used when application code
// does not supply one.
const DefaultCacheName = "mccache"

// LocalCache is a capacity- and byte-bounded, optionally TTL-bounded,
// insertion-ordered mapping. It is the in-process half of the
// coherence engine: application code reads and writes it like an
// ordinary map, and every successful mutation is optionally queued
// for multicast to peers.
//
// Structurally it follows a hash map of *list.Element plus a doubly
// linked list, one mutex guarding both. Eviction is strict FIFO on
// insertion order rather than LRU-on-access (so Get never reorders the
// list), and a single whole-cache TTL is swept against the oldest
// entry rather than a per-key expiration stamp.
type LocalCache struct {
	mu sync.Mutex

	name  string
	order *list.List // front = oldest, back = newest
	index map[string]*list.Element

	ttl         time.Duration
	maxEntries  int
	maxBytes    int64
	byteSize    int64

	callback    Callback
	callbackWin time.Duration

	queueOut   chan<- Operation
	registerer prometheus.Registerer
	metrics    *cacheMetrics

	closed bool
}

func newLocalCache(name string, opts ...CacheOption) *LocalCache {
	c := &LocalCache{
		name:  name,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newCacheMetrics(name, c.registerer)
	return c
}

// Name returns the cache handle's identifier.
func (c *LocalCache) Name() string { return c.name }

// Get returns the value stored under key. It performs a TTL sweep
// first and updates lkp on hit. Get never fires the callback itself;
// lkp is the anchor point that later Set/Delete calls measure the
// callback window from.
func (c *LocalCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCacheClosed
	}
	c.sweepLocked(time.Now())

	c.metrics.lookups++
	c.metrics.promLookups.Inc()

	el, ok := c.index[key]
	if !ok {
		c.metrics.misses++
		c.metrics.promMisses.Inc()
		return nil, ErrKeyMissing
	}
	e := el.Value.(*entry)
	e.lkp = time.Now().UnixNano()
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set inserts or updates key with value, queuing an outbound INS/UPD
// event unless queueOut is false (the opcode handler applies inbound
// mutations with queueOut=false to guarantee invariant 5: no echo).
// tsm, if zero, is assigned from the wall clock.
func (c *LocalCache) Set(key string, value []byte, tsm int64, queueOut bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(key, value, tsm, queueOut)
}

// SetIfNewer applies an inbound mutation atomically: it compares tsm
// against the current entry's tsm under the same critical section that
// performs the write, so a concurrent Set on the same key can never be
// observed, compared against, and then overwritten by a stale remote
// value arriving out of order. It reports whether the write was
// applied, plus the entry's tsm/crc as seen at comparison time (zero
// values if the key was absent), so the caller can tell "applied"
// apart from "conflict" or "duplicate" without a second, separately
// locked lookup racing against the one used to decide.
func (c *LocalCache) SetIfNewer(key string, value []byte, tsm int64) (applied bool, prevTSM int64, prevCRC string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		prevTSM, prevCRC = e.tsm, e.crc
	}
	if prevTSM >= tsm {
		return false, prevTSM, prevCRC
	}
	if err := c.setLocked(key, value, tsm, false); err != nil {
		return false, prevTSM, prevCRC
	}
	return true, prevTSM, prevCRC
}

func (c *LocalCache) setLocked(key string, value []byte, tsm int64, queueOut bool) error {
	if c.closed {
		return ErrCacheClosed
	}
	if c.maxBytes > 0 && int64(len(value)) > c.maxBytes {
		return ErrValueTooLarge
	}
	now := time.Now()
	if tsm == 0 {
		tsm = now.UnixNano()
	}

	sum := md5.Sum(value)
	crc := hex.EncodeToString(sum[:])

	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		prevCRC := e.crc
		c.byteSize += int64(len(value)) - e.size
		e.value = value
		e.size = int64(len(value))
		e.crc = crc
		e.tsm = tsm
		if e.lkp == 0 {
			e.lkp = tsm
		}
		c.order.MoveToBack(el)
		c.metrics.updates++
		c.metrics.promUpdates.Inc()
		c.metrics.recordMutation(now)
		c.fireCallback(ChangeUpdate, key, e.lkp, tsm, prevCRC, crc)
		c.evictToBudgetLocked()
		if queueOut {
			c.enqueue(Operation{Opcode: OpUpd, TSM: tsm, Namespace: c.name, Key: key, CRC: crc, Value: value})
		}
		return nil
	}

	c.evictToMakeRoomLocked(int64(len(value)))

	e := &entry{key: key, value: value, size: int64(len(value)), tsm: tsm, crc: crc, lkp: tsm}
	el := c.order.PushBack(e)
	c.index[key] = el
	c.byteSize += e.size
	c.metrics.inserts++
	c.metrics.promInserts.Inc()
	c.metrics.recordMutation(now)
	if queueOut {
		c.enqueue(Operation{Opcode: OpIns, TSM: tsm, Namespace: c.name, Key: key, CRC: crc, Value: value})
	}
	return nil
}

// Delete removes key from the cache, queuing an outbound DEL event
// unless queueOut is false.
func (c *LocalCache) Delete(key string, tsm int64, queueOut bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key, tsm, queueOut)
}

func (c *LocalCache) deleteLocked(key string, tsm int64, queueOut bool) error {
	if c.closed {
		return ErrCacheClosed
	}
	el, ok := c.index[key]
	if !ok {
		return ErrKeyMissing
	}
	e := el.Value.(*entry)
	if tsm == 0 {
		tsm = time.Now().UnixNano()
	}
	c.removeElementLocked(el)
	c.metrics.deletes++
	c.metrics.promDeletes.Inc()
	c.fireCallback(ChangeDeletion, key, e.lkp, tsm, e.crc, "")
	if queueOut {
		c.enqueue(Operation{Opcode: OpDel, TSM: tsm, Namespace: c.name, Key: key, CRC: e.crc})
	}
	return nil
}

// evictLocal forcibly drops key without queuing anything and without
// firing a deletion callback kind — used by the opcode handler on a
// losing conflict, which marks the local value as potentially stale
// rather than actually gone.
func (c *LocalCache) evictLocal(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	c.removeElementLocked(el)
	c.metrics.evicts++
	c.metrics.promEvicts.Inc()
	c.fireCallback(ChangeIncoherence, key, e.lkp, time.Now().UnixNano(), e.crc, "")
}

// Clear empties the cache without queuing anything (used by RST).
func (c *LocalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = list.New()
	c.index = make(map[string]*list.Element)
	c.byteSize = 0
}

// Pop removes and returns the value for key, like Delete but value-returning.
func (c *LocalCache) Pop(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(time.Now())
	el, ok := c.index[key]
	if !ok {
		return nil, ErrKeyMissing
	}
	e := el.Value.(*entry)
	val := e.value
	tsm := time.Now().UnixNano()
	c.removeElementLocked(el)
	c.metrics.deletes++
	c.metrics.promDeletes.Inc()
	c.enqueue(Operation{Opcode: OpDel, TSM: tsm, Namespace: c.name, Key: key, CRC: e.crc})
	return val, nil
}

// PopItem removes and returns the oldest (key, value) pair, FIFO order.
func (c *LocalCache) PopItem() (string, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(time.Now())
	el := c.order.Front()
	if el == nil {
		return "", nil, ErrKeyMissing
	}
	e := el.Value.(*entry)
	tsm := time.Now().UnixNano()
	c.removeElementLocked(el)
	c.metrics.deletes++
	c.metrics.promDeletes.Inc()
	c.enqueue(Operation{Opcode: OpDel, TSM: tsm, Namespace: c.name, Key: e.key, CRC: e.crc})
	return e.key, e.value, nil
}

// Keys returns every live key in FIFO (insertion) order.
func (c *LocalCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(time.Now())
	out := make([]string, 0, len(c.index))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

// Values returns every live value in FIFO (insertion) order.
func (c *LocalCache) Values() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(time.Now())
	out := make([][]byte, 0, len(c.index))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).value)
	}
	return out
}

// Items returns a snapshot copy of the whole cache.
func (c *LocalCache) Items() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(time.Now())
	out := make(map[string][]byte, len(c.index))
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		out[e.key] = e.value
	}
	return out
}

// Len returns the current live entry count.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(time.Now())
	return c.order.Len()
}

// Stats returns a snapshot of the cache's operational counters.
func (c *LocalCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics.snapshot(c.byteSize)
}

// digestEntry is the {crc, tsm} pair returned per key by INQ.
type digestEntry struct {
	CRC string
	TSM int64
}

// digest returns a key -> {crc, tsm} view of the cache, for the INQ
// opcode and for Engine.ClusterChecksum.
func (c *LocalCache) digest() map[string]digestEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(time.Now())
	out := make(map[string]digestEntry, len(c.index))
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		out[e.key] = digestEntry{CRC: e.crc, TSM: e.tsm}
	}
	return out
}

// lookup returns the live entry for key without touching lkp or
// metrics, for internal use by the opcode handler (which needs lts/lcs
// without counting as an application-visible Get).
func (c *LocalCache) lookup(key string) (tsm int64, crc string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.index[key]
	if !found {
		return 0, "", false
	}
	e := el.Value.(*entry)
	return e.tsm, e.crc, true
}

func (c *LocalCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *LocalCache) enqueue(op Operation) {
	if c.queueOut == nil {
		return
	}
	select {
	case c.queueOut <- op:
	default:
		// A full buffered channel here means the Sender has fallen far
		// behind. Drop rather than block the caller holding the lock.
	}
}

func (c *LocalCache) fireCallback(kind ChangeKind, key string, lkp, tsm int64, prevCRC, newCRC string) {
	if c.callback == nil || c.callbackWin <= 0 {
		return
	}
	lookupAt := time.Unix(0, lkp)
	elapsed := time.Duration(tsm - lkp)
	if elapsed < 0 || elapsed > c.callbackWin {
		return
	}
	c.callback(ChangeEvent{
		Kind: kind, Namespace: c.name, Key: key,
		LastLookup: lookupAt, TSM: tsm, Elapsed: elapsed,
		PrevCRC: prevCRC, NewCRC: newCRC,
	})
}

// sweepLocked performs the TTL sweep ahead of any access. Caller must
// hold c.mu.
func (c *LocalCache) sweepLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	deadline := now.Add(-c.ttl).UnixNano()
	for {
		el := c.order.Front()
		if el == nil {
			break
		}
		e := el.Value.(*entry)
		if e.tsm > deadline {
			break
		}
		c.removeElementLocked(el)
		c.metrics.evicts++
		c.metrics.promEvicts.Inc()
		c.enqueue(Operation{Opcode: OpEvt, TSM: now.UnixNano(), Namespace: c.name, Key: e.key, CRC: e.crc})
	}
}

// evictToBudgetLocked drops oldest entries, FIFO, until both capacity
// and byte budgets hold. Used after an in-place update grows the
// aggregate size.
func (c *LocalCache) evictToBudgetLocked() {
	for c.overBudgetLocked() {
		el := c.order.Front()
		if el == nil {
			return
		}
		c.evictOldestLocked(el)
	}
}

// evictToMakeRoomLocked evicts oldest entries, FIFO, until inserting
// incoming bytes would not exceed the configured budgets.
func (c *LocalCache) evictToMakeRoomLocked(incoming int64) {
	for {
		overCount := c.maxEntries > 0 && c.order.Len() >= c.maxEntries
		overBytes := c.maxBytes > 0 && c.byteSize+incoming > c.maxBytes
		if !overCount && !overBytes {
			return
		}
		el := c.order.Front()
		if el == nil {
			return
		}
		c.evictOldestLocked(el)
	}
}

func (c *LocalCache) overBudgetLocked() bool {
	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		return true
	}
	if c.maxBytes > 0 && c.byteSize > c.maxBytes {
		return true
	}
	return false
}

func (c *LocalCache) evictOldestLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.removeElementLocked(el)
	c.metrics.evicts++
	c.metrics.promEvicts.Inc()
	c.enqueue(Operation{Opcode: OpEvt, TSM: time.Now().UnixNano(), Namespace: c.name, Key: e.key, CRC: e.crc})
}

// removeElementLocked removes el from both the order list and the
// index map. Caller already holds the lock, no re-synchronization here.
func (c *LocalCache) removeElementLocked(el *list.Element) {
	c.order.Remove(el)
	e := el.Value.(*entry)
	delete(c.index, e.key)
	c.byteSize -= e.size
}
