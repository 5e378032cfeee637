package mccache

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mccache/mccache-go/internal/config"
)

// newTestEngine builds an Engine with no socket, no goroutines: enough
// state for dispatch() and its handlers to run synchronously, which is
// how this file exercises the opcode table without a real multicast
// group.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := logrus.New()
	log.SetOutput(logrusDiscard{})
	cfg := config.Default()
	// The tests use small synthetic tsm values (100, 200, ...), which the
	// TTL sweep would read as wall-clock times from 1970 and expire on
	// the first Get; TTL is disabled so only the coherence rule is tested.
	cfg.CacheTTL = 0
	return &Engine{
		cfg:      cfg,
		log:      log,
		caches:   make(map[string]*LocalCache),
		pending:  make(map[pendingKey]*pendingRecord),
		arrivals: make(map[arrivalKey]*arrivalRecord),
		members:  newMemberTable(),
		outbound: make(chan Operation, 64),
		stopCh:   make(chan struct{}),
	}
}

type logrusDiscard struct{}

func (logrusDiscard) Write(p []byte) (int, error) { return len(p), nil }

func (e *Engine) drainOutbound() []Operation {
	var out []Operation
	for {
		select {
		case op := <-e.outbound:
			out = append(out, op)
		default:
			return out
		}
	}
}

func TestDispatchInsertAppliesNewerMutation(t *testing.T) {
	e := newTestEngine(t)
	kt := KeyTuple{Namespace: "ns", Key: "k", TSM: 100}
	vt := ValueTuple{Opcode: OpIns, CRC: "irrelevant", Value: []byte("v1")}

	e.dispatch("10.0.0.2", kt, vt)

	c := e.caches["ns"]
	if c == nil {
		t.Fatal("expected namespace cache to be created")
	}
	val, err := c.Get("k")
	if err != nil || string(val) != "v1" {
		t.Fatalf("expected key applied, got val=%q err=%v", val, err)
	}

	acks := e.drainOutbound()
	if len(acks) != 1 || acks[0].Opcode != OpAck {
		t.Fatalf("expected exactly one ACK queued, got %+v", acks)
	}
}

func TestDispatchIgnoresOlderMutationNoEcho(t *testing.T) {
	e := newTestEngine(t)
	c := e.getOrCreateCacheLocked("ns")
	_ = c.Set("k", []byte("current"), 500, false)
	e.drainOutbound() // setLocked with queueOut=false shouldn't have queued anything anyway
	_, crc, _ := c.lookup("k")

	kt := KeyTuple{Namespace: "ns", Key: "k", TSM: 100} // older than 500, same value/crc: a replay, not a conflict
	vt := ValueTuple{Opcode: OpUpd, CRC: crc, Value: []byte("current")}
	e.dispatch("10.0.0.2", kt, vt)

	val, err := c.Get("k")
	if err != nil || string(val) != "current" {
		t.Fatalf("older mutation must not overwrite newer local value, got %q", val)
	}
}

func TestDispatchConflictEvictsLocally(t *testing.T) {
	e := newTestEngine(t)
	c := e.getOrCreateCacheLocked("ns")
	_ = c.Set("k", []byte("local-newer"), 1000, false)

	kt := KeyTuple{Namespace: "ns", Key: "k", TSM: 400} // older tsm, different crc
	vt := ValueTuple{Opcode: OpUpd, CRC: "different", Value: []byte("remote-older")}
	e.dispatch("10.0.0.2", kt, vt)

	if _, err := c.Get("k"); err != ErrKeyMissing {
		t.Fatalf("expected local entry to be evicted on conflict, err=%v", err)
	}
}

func TestDispatchDuplicateIsIgnored(t *testing.T) {
	e := newTestEngine(t)
	c := e.getOrCreateCacheLocked("ns")
	_ = c.Set("k", []byte("v"), 1000, false)
	tsm, crc, _ := c.lookup("k")

	kt := KeyTuple{Namespace: "ns", Key: "k", TSM: tsm}
	vt := ValueTuple{Opcode: OpUpd, CRC: crc, Value: []byte("v")}
	e.dispatch("10.0.0.2", kt, vt)

	val, err := c.Get("k")
	if err != nil || string(val) != "v" {
		t.Fatalf("duplicate mutation must be a no-op, got %q err=%v", val, err)
	}
}

func TestDispatchDeleteRemovesKey(t *testing.T) {
	e := newTestEngine(t)
	c := e.getOrCreateCacheLocked("ns")
	_ = c.Set("k", []byte("v"), 0, false)

	kt := KeyTuple{Namespace: "ns", Key: "k", TSM: time.Now().UnixNano()}
	e.dispatch("10.0.0.2", kt, ValueTuple{Opcode: OpDel, CRC: "x"})

	if _, err := c.Get("k"); err != ErrKeyMissing {
		t.Fatalf("expected key deleted, err=%v", err)
	}
}

func TestDispatchAckDrainsPendingRecord(t *testing.T) {
	e := newTestEngine(t)
	pk := pendingKey{Namespace: "ns", Key: "k", TSM: 1}
	rec := newPendingRecord(pk, "crc", nil, []string{"peer-a"})
	e.pending[pk] = rec

	e.dispatch("peer-a", KeyTuple{Namespace: "ns", Key: "k", TSM: 1}, ValueTuple{Opcode: OpAck, CRC: "crc"})

	if _, stillPending := e.pending[pk]; stillPending {
		t.Fatal("expected pending record to be removed once the only peer acked")
	}
}

func TestDispatchUnexpectedAckIsIgnored(t *testing.T) {
	e := newTestEngine(t)
	e.dispatch("peer-a", KeyTuple{Namespace: "ns", Key: "missing", TSM: 1}, ValueTuple{Opcode: OpAck, CRC: "crc"})
	// must not panic; nothing to assert beyond surviving the call
}

func TestDispatchMemberTableNewAndBye(t *testing.T) {
	e := newTestEngine(t)
	e.dispatch("10.0.0.5", KeyTuple{}, ValueTuple{Opcode: OpNew})
	if _, ok := e.members.seen["10.0.0.5"]; !ok {
		t.Fatal("expected NEW to register the peer")
	}

	e.dispatch("10.0.0.5", KeyTuple{}, ValueTuple{Opcode: OpBye})
	if _, ok := e.members.seen["10.0.0.5"]; ok {
		t.Fatal("expected BYE to remove the peer")
	}
}

func TestDispatchRstClearsNamedCache(t *testing.T) {
	e := newTestEngine(t)
	c := e.getOrCreateCacheLocked("ns")
	_ = c.Set("k", []byte("v"), 0, false)

	e.dispatch("peer", KeyTuple{Namespace: "ns"}, ValueTuple{Opcode: OpRst})

	if c.Len() != 0 {
		t.Fatalf("expected cache cleared, still has %d entries", c.Len())
	}
}

func TestDispatchInformationalOpcodesAreNoOps(t *testing.T) {
	e := newTestEngine(t)
	for _, op := range []Opcode{OpErr, OpNop, OpFyi, OpWrn, OpSyc} {
		e.dispatch("peer", KeyTuple{}, ValueTuple{Opcode: op})
	}
	if len(e.caches) != 0 || len(e.pending) != 0 {
		t.Fatal("informational opcodes must not mutate cache or pending state")
	}
}
