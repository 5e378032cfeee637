package mccache

import "time"

// memberTable maps peer address to last-observed activity timestamp.
// It is populated lazily as packets arrive and pruned on explicit BYE
// or prolonged silence.
type memberTable struct {
	seen map[string]time.Time
}

func newMemberTable() *memberTable {
	return &memberTable{seen: make(map[string]time.Time)}
}

// touch records activity from addr, implicitly joining it to the
// cluster view if it was not already known.
func (m *memberTable) touch(addr string, at time.Time) {
	m.seen[addr] = at
}

func (m *memberTable) remove(addr string) {
	delete(m.seen, addr)
}

// peers returns a stable snapshot of every known member address, so
// callers always range over a copy, never the live map.
func (m *memberTable) peers() []string {
	out := make([]string, 0, len(m.seen))
	for addr := range m.seen {
		out = append(out, addr)
	}
	return out
}

// pruneSilent drops members whose last activity predates cutoff,
// returning the addresses removed so the caller can log/emit BYE
// handling for them.
func (m *memberTable) pruneSilent(cutoff time.Time) []string {
	var dropped []string
	for addr, last := range m.seen {
		if last.Before(cutoff) {
			dropped = append(dropped, addr)
		}
	}
	for _, addr := range dropped {
		delete(m.seen, addr)
	}
	return dropped
}
