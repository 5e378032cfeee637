package mccache

import (
	"time"

	"github.com/sirupsen/logrus"
)

// dispatch interprets one reassembled message and applies the
// coherence rule for its opcode. Called with e.mu already held by the
// listener's collect(); it must never call back into a method that
// re-acquires e.mu.
func (e *Engine) dispatch(sender string, kt KeyTuple, vt ValueTuple) {
	switch vt.Opcode {
	case OpIns, OpUpd:
		e.handleMutation(sender, kt, vt)
	case OpDel, OpEvt:
		e.handleDelete(sender, kt, vt)
	case OpAck:
		e.handleAck(sender, kt, vt)
	case OpRak:
		e.handleRak(sender, kt, vt)
	case OpReq:
		e.handleReq(sender, kt, vt)
	case OpRst:
		e.handleRst(kt)
	case OpInq:
		e.handleInq(sender, kt)
	case OpMet:
		e.handleMet(sender)
	case OpNew:
		e.members.touch(sender, time.Now())
	case OpBye:
		e.members.remove(sender)
	case OpErr, OpNop, OpFyi, OpWrn, OpSyc:
		e.log.WithFields(logrus.Fields{"op": vt.Opcode.String(), "peer": sender}).Debug("informational message")
	default:
		e.log.WithFields(logrus.Fields{"op": vt.Opcode, "peer": sender}).Warn("unknown opcode")
	}
}

// handleMutation implements last-writer-wins on tsm: a strictly newer
// remote tsm always wins and applies; an older remote tsm with a
// different value means the local copy and the remote copy diverged
// concurrently, so the (newer) local entry is evicted to force a
// reconciliation read rather than silently keeping either side; an
// older remote tsm with the same value is a harmless replay.
//
// The compare and the apply happen inside one call to
// LocalCache.SetIfNewer so a concurrent application-side Set on the
// same key can't be observed between a separate lookup and a separate
// Set, which would let a stale remote write silently overwrite a
// value newer than the one it was compared against.
func (e *Engine) handleMutation(sender string, kt KeyTuple, vt ValueTuple) {
	c := e.getOrCreateCacheLocked(kt.Namespace)

	applied, lts, lcs := c.SetIfNewer(kt.Key, vt.Value, kt.TSM)
	switch {
	case applied:
		e.invalidateOlderPendingLocked(kt.Namespace, kt.Key, kt.TSM)
	case lts > kt.TSM && lcs != vt.CRC:
		// Our value is newer. Evict rather than re-broadcast a DEL: a
		// losing-side DEL could otherwise race the winning side's UPD.
		c.evictLocal(kt.Key)
		e.log.WithFields(logrus.Fields{
			"namespace": kt.Namespace, "key": kt.Key, "local_tsm": lts, "remote_tsm": kt.TSM,
		}).Info("conflicting concurrent update, evicted local entry")
	default:
		// Duplicate or older replay of the same value, or an equal tsm:
		// ignore.
	}

	e.enqueueOutbound(Operation{
		Opcode: OpAck, TSM: kt.TSM, Namespace: kt.Namespace, Key: kt.Key, CRC: vt.CRC, Target: sender,
	})
}

// handleDelete applies an inbound DEL or EVT, then acknowledges it.
func (e *Engine) handleDelete(sender string, kt KeyTuple, vt ValueTuple) {
	if c, ok := e.caches[kt.Namespace]; ok {
		_ = c.Delete(kt.Key, kt.TSM, false)
	}
	e.enqueueOutbound(Operation{
		Opcode: OpAck, TSM: kt.TSM, Namespace: kt.Namespace, Key: kt.Key, CRC: vt.CRC, Target: sender,
	})
}

// handleAck records a peer's acknowledgement against the matching
// pending-ack record, dropping the record once every peer has acked.
func (e *Engine) handleAck(sender string, kt KeyTuple, vt ValueTuple) {
	pk := pendingKey{Namespace: kt.Namespace, Key: kt.Key, TSM: kt.TSM}
	rec, ok := e.pending[pk]
	if !ok {
		e.log.WithFields(logrus.Fields{"peer": sender, "key": kt.Key}).Debug("unexpected ack, ignoring")
		return
	}
	if len(vt.FragSeqs) == 0 {
		rec.ackAll(sender)
	} else {
		for _, seq := range vt.FragSeqs {
			rec.ackFragment(sender, seq)
		}
	}
	if rec.done() {
		delete(e.pending, pk)
	}
}

// handleRak re-sends an ack the peer claims never arrived, if we can
// still prove we applied the mutation it was for.
func (e *Engine) handleRak(sender string, kt KeyTuple, vt ValueTuple) {
	c, ok := e.caches[kt.Namespace]
	if !ok {
		return
	}
	tsm, crc, found := c.lookup(kt.Key)
	if found && tsm == kt.TSM && crc == vt.CRC {
		e.enqueueOutbound(Operation{
			Opcode: OpAck, TSM: kt.TSM, Namespace: kt.Namespace, Key: kt.Key, CRC: crc, Target: sender,
		})
	}
}

// handleReq resends the missing fragments directly to the requester if
// our pending record still has them. The requester has not finished
// reassembly, so it can only identify the message by the originator's
// tsm, not by the full pendingKey.
func (e *Engine) handleReq(sender string, kt KeyTuple, vt ValueTuple) {
	var rec *pendingRecord
	for pk, r := range e.pending {
		if pk.TSM == kt.TSM {
			rec = r
			break
		}
	}
	if rec == nil {
		return
	}
	for _, seq := range vt.FragSeqs {
		e.retransmitFragment(rec, seq, sender)
	}
}

// handleRst clears a named cache (or every cache) locally, without
// re-broadcasting.
func (e *Engine) handleRst(kt KeyTuple) {
	if kt.Namespace == "" {
		for _, c := range e.caches {
			c.Clear()
		}
		return
	}
	if c, ok := e.caches[kt.Namespace]; ok {
		c.Clear()
	}
}

// handleInq emits a digest view of a named cache (or one key within
// it) to the log sink; there is no structured reply opcode for it.
func (e *Engine) handleInq(sender string, kt KeyTuple) {
	c, ok := e.caches[kt.Namespace]
	if !ok {
		return
	}
	d := c.digest()
	if kt.Key != "" {
		if de, ok := d[kt.Key]; ok {
			e.log.WithFields(logrus.Fields{
				"namespace": kt.Namespace, "key": kt.Key, "crc": de.CRC, "tsm": de.TSM, "peer": sender,
			}).Info("checksum inquiry")
		}
		return
	}
	e.log.WithFields(logrus.Fields{"namespace": kt.Namespace, "entries": len(d), "peer": sender}).Info("checksum inquiry")
}

// handleMet emits local per-cache metrics to the log sink.
func (e *Engine) handleMet(sender string) {
	for name, c := range e.caches {
		s := c.Stats()
		e.log.WithFields(logrus.Fields{
			"namespace": name, "peer": sender, "inserts": s.Inserts, "updates": s.Updates,
			"deletes": s.Deletes, "evicts": s.Evicts, "lookups": s.Lookups, "misses": s.Misses,
			"byte_size": s.ByteSize,
		}).Info("metrics report")
	}
}

// getOrCreateCacheLocked mirrors GetCache but assumes e.mu is already
// held (called from the listener's dispatch path) — a peer may
// receive a mutation for a namespace this node has not called
// GetCache on yet.
func (e *Engine) getOrCreateCacheLocked(name string) *LocalCache {
	if c, ok := e.caches[name]; ok {
		return c
	}
	c := newLocalCache(name,
		WithTTL(e.cfg.CacheTTL),
		WithMaxEntries(e.cfg.CacheMax),
		WithMaxBytes(e.cfg.CacheSize),
		withQueueOut(e.outbound),
		withRegisterer(e.registerer),
	)
	e.caches[name] = c
	return c
}

// invalidateOlderPendingLocked drops any pending-ack record for an
// older version of key once a newer mutation supersedes it locally —
// no peer will ever ack a version that has already been overwritten.
func (e *Engine) invalidateOlderPendingLocked(namespace, key string, tsm int64) {
	for pk := range e.pending {
		if pk.Namespace == namespace && pk.Key == key && pk.TSM < tsm {
			delete(e.pending, pk)
		}
	}
}
