package mccache

import (
	"bytes"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	c := newCodec(64, nil)
	kt := KeyTuple{Namespace: "ns", Key: "k", TSM: 12345}
	vt := ValueTuple{Opcode: OpIns, CRC: "abc", Value: bytes.Repeat([]byte("x"), 200)}

	frags, err := c.Encode(kt, vt, kt.TSM, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frags) < 2 {
		t.Fatalf("expected payload to split across multiple fragments, got %d", len(frags))
	}

	blob := make([]byte, 0)
	for _, f := range frags {
		blob = append(blob, f.payload...)
	}

	gotKT, gotVT, err := c.Decode(blob, frags[0].header.KeyLen, frags[0].header.ValLen)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotKT != kt {
		t.Fatalf("key tuple mismatch: got %+v want %+v", gotKT, kt)
	}
	if gotVT.Opcode != vt.Opcode || gotVT.CRC != vt.CRC || !bytes.Equal(gotVT.Value, vt.Value) {
		t.Fatalf("value tuple mismatch: got %+v", gotVT)
	}
}

// TestFragmentOrderInvariance reassembles out of arrival order and
// expects an identical result: the arrival record indexes slots by
// sequence, not by insertion order.
func TestFragmentOrderInvariance(t *testing.T) {
	c := newCodec(64, nil)
	kt := KeyTuple{Namespace: "ns", Key: "k", TSM: 1}
	vt := ValueTuple{Opcode: OpUpd, CRC: "zzz", Value: bytes.Repeat([]byte("y"), 300)}

	frags, err := c.Encode(kt, vt, kt.TSM, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ak := arrivalKey{Sender: "peer", Count: frags[0].header.FragmentCount, KeyLen: frags[0].header.KeyLen, TSM: kt.TSM}
	rec := newArrivalRecord(ak, frags[0].header.FragmentCount)

	// Store in reverse order.
	for i := len(frags) - 1; i >= 0; i-- {
		rec.store(frags[i].header, frags[i].payload)
	}
	if !rec.complete() {
		t.Fatal("expected record to be complete after storing every fragment")
	}

	blob := rec.assemble()
	gotKT, gotVT, err := c.Decode(blob, frags[0].header.KeyLen, frags[0].header.ValLen)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotKT != kt || !bytes.Equal(gotVT.Value, vt.Value) {
		t.Fatal("reassembly from out-of-order arrival produced a different message")
	}
}

func TestCodecEncryptedRoundTrip(t *testing.T) {
	cph, err := newCipher("a-passphrase-not-a-real-fernet-key")
	if err != nil {
		t.Fatalf("newCipher: %v", err)
	}
	c := newCodec(128, cph)
	kt := KeyTuple{Namespace: "secure", Key: "k", TSM: 99}
	vt := ValueTuple{Opcode: OpIns, CRC: "crc", Value: []byte("payload")}

	frags, err := c.Encode(kt, vt, kt.TSM, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	blob := make([]byte, 0)
	for _, f := range frags {
		blob = append(blob, f.payload...)
	}

	gotKT, gotVT, err := c.Decode(blob, frags[0].header.KeyLen, frags[0].header.ValLen)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotKT != kt || string(gotVT.Value) != "payload" {
		t.Fatal("encrypted round trip did not reproduce the original message")
	}
}

func TestHeaderPackUnpack(t *testing.T) {
	h := fragHeader{Sequence: 2, FragmentCount: 5, KeyLen: 10, ValLen: 20, Timestamp: 123456789, Receiver: 42}
	got, err := unpackHeader(h.pack())
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got != h {
		t.Fatalf("header round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestUnpackHeaderRejectsBadMagic(t *testing.T) {
	b := fragHeader{}.pack()
	b[0] = 0xFF
	if _, err := unpackHeader(b); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}
