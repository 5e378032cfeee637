package mccache

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// runSender is the multicaster loop. It owns no state of its own
// beyond what it reads off Engine.outbound; all shared bookkeeping
// (the pending-ack table) is mutated under e.mu.
func (e *Engine) runSender() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PacketPace)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case op := <-e.outbound:
			<-ticker.C // pace: at most one operation's fragments per tick
			e.send(op)
		}
	}
}

func (e *Engine) send(op Operation) {
	var receiver byte
	if op.Target != "" {
		receiver = lastOctet(op.Target)
	}

	kt := KeyTuple{Namespace: op.Namespace, Key: op.Key, TSM: op.TSM}
	vt := ValueTuple{Opcode: op.Opcode, CRC: op.CRC, Value: op.Value, FragSeqs: op.FragSeqs}

	frags, err := e.codec.Encode(kt, vt, op.TSM, receiver)
	if err != nil {
		e.log.WithFields(logrus.Fields{"op": op.Opcode.String(), "key": op.Key, "err": err}).
			Warn("failed to encode outbound operation")
		return
	}

	if op.Opcode.reliable() {
		e.mu.Lock()
		pk := pendingKey{Namespace: op.Namespace, Key: op.Key, TSM: op.TSM}
		rec := newPendingRecord(pk, op.CRC, frags, e.members.peers())
		if !rec.done() {
			e.pending[pk] = rec
		}
		e.mu.Unlock()
	}

	for _, f := range frags {
		e.emit(f, op.Target)
	}
}

// emit writes one fragment to the multicast group, still addressed to
// the whole group at the transport level (multicast has no unicast
// delivery), but with the header's Receiver octet set to target's last
// IP octet so uninterested peers can drop it cheaply — this is what
// lets retransmit/retransmitFragment redirect an already-encoded
// fragment to a specific peer instead of replaying whatever Receiver
// value the fragment was first broadcast with. Chaos injection
// ("tantrum") probabilistically drops the datagram instead of sending
// it, to exercise loss-resilience in tests.
func (e *Engine) emit(f fragment, target string) {
	if e.cfg.MonkeyTantrum > 0 && e.rng.Intn(100) < e.cfg.MonkeyTantrum {
		e.log.WithFields(logrus.Fields{"seq": f.header.Sequence}).Debug("tantrum: dropped outbound fragment")
		return
	}
	h := f.header
	if target != "" {
		h.Receiver = uint16(lastOctet(target))
	}
	datagram := append(h.pack(), f.payload...)
	if _, err := e.pconn.WriteTo(datagram, nil, e.groupAddr); err != nil {
		e.log.WithFields(logrus.Fields{"err": err}).Warn("multicast send failed")
	}
}

// retransmit resends every fragment of a pending record to one peer,
// used by the housekeeper's retry sweep once that peer's back-off is
// exhausted.
func (e *Engine) retransmit(rec *pendingRecord, peer string) {
	for _, f := range rec.fragments {
		e.emit(f, peer)
	}
}

// retransmitFragment resends a single fragment by sequence number, for
// a targeted REQ reply.
func (e *Engine) retransmitFragment(rec *pendingRecord, seq uint8, peer string) {
	for _, f := range rec.fragments {
		if f.header.Sequence == seq {
			e.emit(f, peer)
			return
		}
	}
}

func lastOctet(addr string) byte {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return 0
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return ip4[3]
}
