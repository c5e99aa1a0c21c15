// Package frag splits LoWPAN datagrams into RFC 4944 link frames.
package frag

import (
	"fmt"
	"iter"
	"sync/atomic"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/dispatch"
)

// MinMTU is the smallest frame able to carry a FRAGN header and one
// 8-octet payload unit.
const MinMTU = dispatch.FragNHeaderLen + 8

// Fragmenter allocates datagram tags and emits link frames. It is safe for
// concurrent use.
type Fragmenter struct {
	tag atomic.Uint32
}

// NewFragmenter returns a fragmenter whose first tag is initialTag.
func NewFragmenter(initialTag uint16) *Fragmenter {
	f := &Fragmenter{}
	f.tag.Store(uint32(initialTag))
	return f
}

// NextTag returns a fresh datagram tag. Tags wrap at 16 bits.
func (f *Fragmenter) NextTag() uint16 {
	return uint16(f.tag.Add(1) - 1)
}

// FirstPayload returns the payload capacity of a FRAG1 frame.
func FirstPayload(mtu int) int {
	return (mtu - dispatch.Frag1HeaderLen) &^ 7
}

// NextPayload returns the payload capacity of a FRAGN frame.
func NextPayload(mtu int) int {
	return (mtu - dispatch.FragNHeaderLen) &^ 7
}

// Count returns how many frames a datagram of size octets occupies.
func Count(size, mtu int) int {
	if size <= mtu {
		return 1
	}
	first := FirstPayload(mtu)
	next := NextPayload(mtu)
	return 1 + (size-first+next-1)/next
}

// Fragments validates datagram against mtu and returns the sequence of
// frames carrying it. A datagram that fits a single frame is yielded
// unchanged; otherwise a tag is allocated when iteration starts and each
// yielded frame is a new slice owned by the caller. Stopping the iteration
// early abandons the remaining fragments.
func (f *Fragmenter) Fragments(datagram []byte, mtu int) (iter.Seq[[]byte], error) {
	if len(datagram) > dispatch.MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d octets", core.ErrOversizedDatagram, len(datagram))
	}
	if len(datagram) <= mtu {
		return func(yield func([]byte) bool) {
			yield(datagram)
		}, nil
	}
	if mtu < MinMTU {
		return nil, fmt.Errorf("%w: %d", core.ErrInvalidMTU, mtu)
	}

	return func(yield func([]byte) bool) {
		// Size and offsets count the LoWPAN datagram as sent, compressed
		// header included. Peers that size fragments over the uncompressed
		// IPv6 packet (RFC 6282 section 2) cannot reassemble fragmented IPHC
		// datagrams from this node.
		hdr := dispatch.FragHeader{
			First: true,
			Size:  uint16(len(datagram)),
			Tag:   f.NextTag(),
		}

		n := FirstPayload(mtu)
		frame := make([]byte, 0, hdr.Len()+n)
		frame = hdr.AppendTo(frame)
		if !yield(append(frame, datagram[:n]...)) {
			return
		}

		hdr.First = false
		step := NextPayload(mtu)
		for off := n; off < len(datagram); off += step {
			end := min(off+step, len(datagram))
			hdr.Offset = uint8(off / 8)
			frame := make([]byte, 0, hdr.Len()+end-off)
			frame = hdr.AppendTo(frame)
			if !yield(append(frame, datagram[off:end]...)) {
				return
			}
		}
	}, nil
}
