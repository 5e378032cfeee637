package mccache

import (
	"time"

	"github.com/sirupsen/logrus"
)

const maxDatagramSize = 65535

// runListener is a single UDP receiver bound to the multicast
// group/port, reassembling fragments and dispatching completed
// messages to the opcode handler.
func (e *Engine) runListener() {
	defer e.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := e.conn.ReadFrom(buf)
		if err != nil {
			continue // deadline trip or transient error; loop re-checks stopCh
		}

		srcAddr := src.String()
		srcHost := hostOf(srcAddr)
		if e.selfAddrs[srcHost] {
			continue // step 1: drop our own loopback multicast echo
		}

		h, err := unpackHeader(buf[:n])
		if err != nil {
			e.log.WithFields(logrus.Fields{"peer": srcAddr, "err": err}).Warn("dropping malformed fragment")
			continue
		}
		if h.Receiver != 0 && h.Receiver != uint16(lastOctet(e.selfAddr)) {
			continue // step 1: addressed to a different peer
		}

		now := time.Now()
		e.mu.Lock()
		e.members.touch(srcHost, now)
		e.mu.Unlock()

		payload := make([]byte, n-headerSize)
		copy(payload, buf[headerSize:n])

		e.collect(srcHost, h, payload)
	}
}

// collect finds or creates the arrival record for an inbound fragment,
// stores it, and on completion decodes and dispatches the reassembled
// message under the Engine lock.
func (e *Engine) collect(sender string, h fragHeader, payload []byte) {
	ak := arrivalKey{Sender: sender, Count: h.FragmentCount, KeyLen: h.KeyLen, TSM: h.Timestamp}

	e.mu.Lock()
	rec, ok := e.arrivals[ak]
	if !ok {
		rec = newArrivalRecord(ak, h.FragmentCount)
		e.arrivals[ak] = rec
	}
	complete := rec.store(h, payload)
	if !complete {
		e.mu.Unlock()
		return
	}
	delete(e.arrivals, ak)
	blob := rec.assemble()
	keyLen, valLen := rec.keyLen, rec.valLen
	e.mu.Unlock()

	kt, vt, err := e.codec.Decode(blob, keyLen, valLen)
	if err != nil {
		e.log.WithFields(logrus.Fields{"peer": sender, "err": err}).Warn("dropping undecodable message")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatch(sender, kt, vt)
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
