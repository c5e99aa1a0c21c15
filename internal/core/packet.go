// Package core defines core data structures with zero external dependencies.
package core

import (
	"encoding/binary"
	"time"
)

// RawFrame is a link frame as handed over by (or to) the transceiver. The
// payload starts with a LoWPAN dispatch; the receiver owns the slice.
type RawFrame struct {
	Src       LinkAddr
	Dst       LinkAddr
	Payload   []byte
	Timestamp time.Time // Receive timestamp, zero on send
}

// Frame is a reassembled and decompressed IPv6 datagram delivered to
// registered consumers.
type Frame struct {
	Src         LinkAddr
	Dst         LinkAddr
	Received    time.Time
	Reassembled bool   // Whether the datagram went through fragment reassembly
	Data        []byte // Complete IPv6 packet
}

// Len returns the datagram length.
func (f Frame) Len() int { return len(f.Data) }

// Clone returns a deep copy so each consumer owns its bytes.
func (f Frame) Clone() Frame {
	c := f
	c.Data = append([]byte(nil), f.Data...)
	return c
}

// MarshalBinary encodes the frame as a 2-octet big-endian length followed by
// the datagram bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	out := make([]byte, 2+len(f.Data))
	binary.BigEndian.PutUint16(out, uint16(len(f.Data)))
	copy(out[2:], f.Data)
	return out, nil
}

// UnmarshalBinary decodes the length-prefixed form produced by MarshalBinary.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < 2 {
		return ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b)-2 < n {
		return ErrTruncated
	}
	f.Data = append(f.Data[:0], b[2:2+n]...)
	return nil
}
