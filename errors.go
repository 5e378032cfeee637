package mccache

import "errors"

// Sentinel errors surfaced to application code. Network-level failures
// (malformed datagrams, bad magic, failed decryption) are never
// returned from the public API — they are logged and dropped inside
// the listener, per the propagation policy: recover locally inside
// worker loops, surface caller-facing errors only for API misuse.
var (
	// ErrKeyMissing is returned by Get/Delete when the key is absent
	// (or has expired) from the named cache.
	ErrKeyMissing = errors.New("mccache: key missing")

	// ErrValueTooLarge is returned by Set when a single serialized
	// value exceeds the cache's configured byte budget.
	ErrValueTooLarge = errors.New("mccache: value too large for cache budget")

	// ErrMessageTooLarge is returned when a serialized key or value
	// exceeds 65535 bytes and cannot be framed on the wire.
	ErrMessageTooLarge = errors.New("mccache: message exceeds wire size limit")

	// ErrMalformedDatagram marks an inbound datagram too short to
	// contain a fragment header.
	ErrMalformedDatagram = errors.New("mccache: malformed datagram")

	// ErrBadMagic marks an inbound fragment whose magic/version byte
	// does not match the compiled wire version.
	ErrBadMagic = errors.New("mccache: bad magic or unsupported wire version")

	// ErrBadDecrypt marks an inbound payload that failed authenticated
	// decryption (wrong key or corrupt ciphertext). Tokens carry no
	// expiry check.
	ErrBadDecrypt = errors.New("mccache: payload decryption failed")

	// ErrCacheClosed is returned by any LocalCache operation after the
	// owning Engine has been shut down.
	ErrCacheClosed = errors.New("mccache: cache closed")

	// ErrUnknownNamespace is returned by cluster-wide queries that
	// name a cache the engine never created.
	ErrUnknownNamespace = errors.New("mccache: unknown cache namespace")
)
