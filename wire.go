package mccache

import (
	"encoding/binary"

	jsoniter "github.com/json-iterator/go"
)

// headerSize is the fixed fragment header length in bytes.
const headerSize = 18

// wireMagic is the compiled 5-bit magic pattern; wireVersion is the
// compiled 3-bit protocol version. A later revision that reorders
// header fields bumps wireVersion and every build rejects the other's
// fragments outright — there is no attempt at forward compatibility.
const (
	wireMagic   byte = 0b11010
	wireVersion byte = 0b001
)

func magicByte() byte {
	return (wireMagic << 3) | (wireVersion & 0x07)
}

// fragHeader is the wire representation of one fragment's header.
type fragHeader struct {
	Sequence      uint8
	FragmentCount uint8
	KeyLen        uint16
	ValLen        uint16
	Timestamp     int64
	Receiver      uint16 // last octet of target IP, or 0 for broadcast
}

func (h fragHeader) pack() []byte {
	b := make([]byte, headerSize)
	b[0] = magicByte()
	b[1] = 0 // reserved
	b[2] = h.Sequence
	b[3] = h.FragmentCount
	binary.BigEndian.PutUint16(b[4:6], h.KeyLen)
	binary.BigEndian.PutUint16(b[6:8], h.ValLen)
	binary.BigEndian.PutUint64(b[8:16], uint64(h.Timestamp))
	binary.BigEndian.PutUint16(b[16:18], h.Receiver)
	return b
}

func unpackHeader(b []byte) (fragHeader, error) {
	if len(b) < headerSize {
		return fragHeader{}, ErrMalformedDatagram
	}
	if b[0] != magicByte() {
		return fragHeader{}, ErrBadMagic
	}
	return fragHeader{
		Sequence:      b[2],
		FragmentCount: b[3],
		KeyLen:        binary.BigEndian.Uint16(b[4:6]),
		ValLen:        binary.BigEndian.Uint16(b[6:8]),
		Timestamp:     int64(binary.BigEndian.Uint64(b[8:16])),
		Receiver:      binary.BigEndian.Uint16(b[16:18]),
	}, nil
}

// codec packs a (KeyTuple, ValueTuple) pair into MTU-sized fragments
// and reassembles them back, using json-iterator for a schema-free,
// cross-peer-stable serialization of arbitrary application values.
type codec struct {
	mtu    int
	cipher *cipher // nil disables encryption
	json   jsoniter.API
}

func newCodec(mtu int, cipher *cipher) *codec {
	return &codec{mtu: mtu, cipher: cipher, json: jsoniter.ConfigCompatibleWithStandardLibrary}
}

// fragment is one outbound wire datagram: header + payload slice.
type fragment struct {
	header  fragHeader
	payload []byte
}

// Encode serializes kt/vt, optionally encrypts the concatenation, and
// splits it into fragments no larger than mtu-headerSize bytes each.
// receiver is the target peer's last IP octet, or 0 for broadcast.
func (c *codec) Encode(kt KeyTuple, vt ValueTuple, tsm int64, receiver byte) ([]fragment, error) {
	keyBytes, err := c.json.Marshal(kt)
	if err != nil {
		return nil, err
	}
	valBytes, err := c.json.Marshal(vt)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) > 65535 || len(valBytes) > 65535 {
		return nil, ErrMessageTooLarge
	}

	blob := make([]byte, 0, len(keyBytes)+len(valBytes))
	blob = append(blob, keyBytes...)
	blob = append(blob, valBytes...)

	if c.cipher != nil {
		blob, err = c.cipher.encrypt(blob)
		if err != nil {
			return nil, err
		}
	}

	payloadMax := c.mtu - headerSize
	if payloadMax <= 0 {
		return nil, ErrMessageTooLarge
	}
	n := (len(blob) + payloadMax - 1) / payloadMax
	if n == 0 {
		n = 1
	}
	if n > 255 {
		return nil, ErrMessageTooLarge
	}

	frags := make([]fragment, 0, n)
	for i := 0; i < n; i++ {
		start := i * payloadMax
		end := start + payloadMax
		if end > len(blob) {
			end = len(blob)
		}
		frags = append(frags, fragment{
			header: fragHeader{
				Sequence:      uint8(i),
				FragmentCount: uint8(n),
				KeyLen:        uint16(len(keyBytes)),
				ValLen:        uint16(len(valBytes)),
				Timestamp:     tsm,
				Receiver:      uint16(receiver),
			},
			payload: blob[start:end],
		})
	}
	return frags, nil
}

// Decode reassembles ordered fragment payloads (already concatenated
// by the caller's arrival record) back into a (KeyTuple, ValueTuple)
// pair.
func (c *codec) Decode(blob []byte, keyLen, valLen uint16) (KeyTuple, ValueTuple, error) {
	var kt KeyTuple
	var vt ValueTuple

	if c.cipher != nil {
		plain, err := c.cipher.decrypt(blob)
		if err != nil {
			return kt, vt, ErrBadDecrypt
		}
		blob = plain
	}

	if int(keyLen)+int(valLen) > len(blob) {
		return kt, vt, ErrMalformedDatagram
	}
	keyBytes := blob[:keyLen]
	valBytes := blob[keyLen : keyLen+valLen]

	if err := c.json.Unmarshal(keyBytes, &kt); err != nil {
		return kt, vt, ErrMalformedDatagram
	}
	if err := c.json.Unmarshal(valBytes, &vt); err != nil {
		return kt, vt, ErrMalformedDatagram
	}
	return kt, vt, nil
}
