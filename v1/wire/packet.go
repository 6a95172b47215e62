package wire

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	magicByte = 0x54

	typeAcquire byte = 0x01
	typeClose   byte = 0x02
	typeGrant   byte = 0x03
	typeRelease byte = 0x04
	typeAck     byte = 0x05
	typeDeny    byte = 0x06
)

var (
	errInvalidMagic = errors.New("wire: invalid magic byte")
	errShortBuffer  = errors.New("wire: buffer too short")
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 2048)
	},
}

// packet is one WebSocket protocol frame. ID correlates a grant with its
// acquire request and a release with its grant; Payload carries the
// requester identity on requests and an error code on denials.
type packet struct {
	Magic   byte
	Type    byte
	ID      [16]byte
	Payload []byte
}

func (p *packet) marshal(b []byte) (int, error) {
	if len(b) < 20+len(p.Payload) {
		return 0, errShortBuffer
	}
	b[0] = p.Magic
	b[1] = p.Type
	copy(b[2:18], p.ID[:])
	binary.BigEndian.PutUint16(b[18:20], uint16(len(p.Payload)))
	copy(b[20:], p.Payload)
	return 20 + len(p.Payload), nil
}

func (p *packet) unmarshal(b []byte) error {
	if len(b) < 20 {
		return errShortBuffer
	}
	p.Magic = b[0]
	if p.Magic != magicByte {
		return errInvalidMagic
	}
	p.Type = b[1]
	copy(p.ID[:], b[2:18])
	n := int(binary.BigEndian.Uint16(b[18:20]))
	if len(b) < 20+n {
		return errShortBuffer
	}
	if n > 0 {
		p.Payload = make([]byte, n)
		copy(p.Payload, b[20:20+n])
	}
	return nil
}
