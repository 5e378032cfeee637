package mccache

// entry is one (key, value) pair plus its coherence metadata: tsm
// (last-mutation timestamp, nanoseconds), crc (MD5 digest of the
// serialized value) and lkp (last-lookup timestamp).
//
// entry carries no per-key expiration of its own: TTL is a whole-cache
// property, swept against the single oldest entry, not a per-entry
// deadline.
type entry struct {
	key   string
	value []byte
	tsm   int64
	crc   string
	lkp   int64
	size  int64 // len(value), cached so sweeps don't re-measure
}
