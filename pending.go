package mccache

import "time"

// backoffSequence is the fixed Fibonacci-like back-off series. Its
// length bounds the retry attempts per peer and the gap requests per
// arrival, and its first element is the head used by seasoningPeriod;
// the later elements do not space the attempts out: once a record is
// past its seasoning period, one attempt is made on every housekeeper
// tick.
// Deliberately hand-rolled rather than drawn from cenkalti/backoff/v4:
// no general exponential/constant policy produces this exact sequence.
var backoffSequence = []int{0, 1, 2, 3, 5, 8, 13}

// pendingKey identifies an outbound mutation awaiting acknowledgement.
type pendingKey struct {
	Namespace string
	Key       string
	TSM       int64
}

// peerAckState is one peer's outstanding acknowledgement state within
// a pendingRecord.
type peerAckState struct {
	unacked    map[uint8]bool // fragment index -> still outstanding
	backoffIdx int
	anyAcked   bool
}

// pendingRecord is an outbound mutation's acknowledgement bookkeeping.
type pendingRecord struct {
	key       pendingKey
	createdAt time.Time
	crc       string
	fragments []fragment
	peers     map[string]*peerAckState // peer address -> state
}

func newPendingRecord(key pendingKey, crc string, frags []fragment, peers []string) *pendingRecord {
	r := &pendingRecord{
		key:       key,
		createdAt: time.Now(),
		crc:       crc,
		fragments: frags,
		peers:     make(map[string]*peerAckState, len(peers)),
	}
	for _, p := range peers {
		r.addPeer(p)
	}
	return r
}

func (r *pendingRecord) addPeer(addr string) {
	if _, ok := r.peers[addr]; ok {
		return
	}
	unacked := make(map[uint8]bool, len(r.fragments))
	for _, f := range r.fragments {
		unacked[f.header.Sequence] = true
	}
	r.peers[addr] = &peerAckState{unacked: unacked}
}

// ackFragment records a peer's acknowledgement of one fragment. It
// returns true once the peer has acknowledged every fragment.
func (r *pendingRecord) ackFragment(peer string, seq uint8) bool {
	st, ok := r.peers[peer]
	if !ok {
		return false
	}
	st.anyAcked = true
	delete(st.unacked, seq)
	return len(st.unacked) == 0
}

// ackAll marks every fragment acknowledged for peer, used when a
// single ACK covers the whole message rather than per-fragment.
func (r *pendingRecord) ackAll(peer string) {
	st, ok := r.peers[peer]
	if !ok {
		return
	}
	st.anyAcked = true
	st.unacked = map[uint8]bool{}
	delete(r.peers, peer)
}

func (r *pendingRecord) removePeer(peer string) {
	delete(r.peers, peer)
}

// done reports whether every peer has acknowledged (or been dropped).
func (r *pendingRecord) done() bool { return len(r.peers) == 0 }

// seasoningPeriod is the minimum wait before a pending record is
// considered for retry: max(season*hops, season+head-of-backoff), where
// the head is always backoffSequence[0] (0s), not a per-peer position.
func seasoningPeriod(season time.Duration, hops int) time.Duration {
	byHops := time.Duration(hops) * season
	byHead := season + time.Duration(backoffSequence[0])*time.Second
	if byHops > byHead {
		return byHops
	}
	return byHead
}
