package mccache

import "time"

// arrivalKey uniquely identifies an inbound message in reassembly:
// (sender, fragment-count, key-size, tsm). It carries no namespace or
// key, since those live inside the payload being reassembled and are
// not known until every fragment has arrived.
type arrivalKey struct {
	Sender  string
	Count   uint8
	KeyLen  uint16
	TSM     int64
}

// arrivalRecord tracks the fragments received so far for one inbound
// message.
type arrivalRecord struct {
	key        arrivalKey
	createdAt  time.Time
	keyLen     uint16
	valLen     uint16
	slots      [][]byte // fixed-length, indexed by Sequence
	have       int
	backoffIdx int
}

func newArrivalRecord(key arrivalKey, count uint8) *arrivalRecord {
	return &arrivalRecord{
		key:       key,
		createdAt: time.Now(),
		slots:     make([][]byte, count),
	}
}

// store places one fragment's payload at its sequence slot. It
// returns true once every slot is populated.
func (a *arrivalRecord) store(h fragHeader, payload []byte) bool {
	if int(h.Sequence) >= len(a.slots) {
		return false
	}
	if a.slots[h.Sequence] == nil {
		a.have++
	}
	a.slots[h.Sequence] = payload
	a.keyLen = h.KeyLen
	a.valLen = h.ValLen
	return a.have == len(a.slots)
}

// complete reports whether every fragment has arrived.
func (a *arrivalRecord) complete() bool { return a.have == len(a.slots) }

// missing returns the sequence numbers still outstanding.
func (a *arrivalRecord) missing() []uint8 {
	var out []uint8
	for i, s := range a.slots {
		if s == nil {
			out = append(out, uint8(i))
		}
	}
	return out
}

// assemble concatenates every fragment's payload in sequence order;
// assembly is order-invariant because slots are indexed by sequence,
// not insertion order, so out-of-order delivery never corrupts the
// reassembled payload.
func (a *arrivalRecord) assemble() []byte {
	total := 0
	for _, s := range a.slots {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range a.slots {
		out = append(out, s...)
	}
	return out
}
