package mccache

import (
	"time"

	"github.com/sirupsen/logrus"
)

// runHousekeeper ticks on the configured daemon-sleep interval,
// driving retry, gap-repair, and abandonment over the pending-ack and
// arrival tables.
func (e *Engine) runHousekeeper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.DaemonSleep)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			e.retrySweepLocked(now)
			e.gapSweepLocked(now)
			e.pruneMembersLocked(now)
			e.mu.Unlock()
		}
	}
}

// retrySweepLocked re-sends RAK probes (or proactively retransmits)
// for mutations still awaiting acknowledgement. Caller holds e.mu.
func (e *Engine) retrySweepLocked(now time.Time) {
	season := e.cfg.DaemonSleep
	for pk, rec := range e.pending {
		if now.Sub(rec.createdAt) < seasoningPeriod(season, e.cfg.MulticastHops) {
			continue
		}
		for peer, st := range rec.peers {
			if len(st.unacked) == 0 {
				continue
			}
			if st.backoffIdx >= len(backoffSequence) {
				// Back-off exhausted: assume the original multicast was
				// lost at the sender, proactively resend every fragment.
				e.retransmit(rec, peer)
				st.backoffIdx = 0
				continue
			}
			if !st.anyAcked {
				e.enqueueOutbound(Operation{Opcode: OpRak, TSM: pk.TSM, Namespace: pk.Namespace, Key: pk.Key, CRC: rec.crc, Target: peer})
			} else {
				seqs := make([]uint8, 0, len(st.unacked))
				for seq := range st.unacked {
					seqs = append(seqs, seq)
				}
				e.enqueueOutbound(Operation{
					Opcode: OpRak, TSM: pk.TSM, Namespace: pk.Namespace, Key: pk.Key, CRC: rec.crc,
					Target: peer, FragSeqs: seqs,
				})
			}
			st.backoffIdx++
		}
	}
}

// gapSweepLocked requests retransmission of missing fragments for
// arrivals stuck incomplete, abandoning ones whose backoff is
// exhausted. Caller holds e.mu.
func (e *Engine) gapSweepLocked(now time.Time) {
	season := e.cfg.DaemonSleep
	for ak, rec := range e.arrivals {
		if now.Sub(rec.createdAt) < seasoningPeriod(season, e.cfg.MulticastHops) {
			continue
		}
		missing := rec.missing()
		if len(missing) == 0 {
			continue
		}
		if rec.backoffIdx >= len(backoffSequence) {
			e.abandonArrivalLocked(ak, rec)
			continue
		}
		e.enqueueOutbound(Operation{
			Opcode: OpReq, TSM: ak.TSM, Target: ak.Sender, FragSeqs: missing,
		})
		rec.backoffIdx++
	}
}

// abandonArrivalLocked drops an arrival record that could not be
// completed even after repeated gap requests.
func (e *Engine) abandonArrivalLocked(ak arrivalKey, rec *arrivalRecord) {
	delete(e.arrivals, ak)
	e.log.WithFields(logrus.Fields{
		"sender": ak.Sender, "count": ak.Count, "tsm": ak.TSM,
	}).Warn("abandoning partially assembled message")
	// The key is not known until reassembly completes, so there is no
	// single cache entry to target defensively; peers that hold the
	// stale value will still converge once a fresh mutation arrives.
}

// pruneMembersLocked drops peers silent for more than a handful of
// heartbeats.
func (e *Engine) pruneMembersLocked(now time.Time) {
	cutoff := now.Add(-8 * e.cfg.DaemonSleep)
	for _, addr := range e.members.pruneSilent(cutoff) {
		e.log.WithFields(logrus.Fields{"peer": addr}).Info("member silent, pruned")
	}
}
