// Package dispatch classifies LoWPAN frames by their dispatch octets and
// encodes/decodes the RFC 4944 fragmentation headers.
package dispatch

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/lowpan/internal/core"
)

// Dispatch values (RFC 4944 §5.1, RFC 6282 §3.1).
const (
	IPv6Dispatch  = 0x41
	IPHCDispatch  = 0x60 // 011xxxxx
	Frag1Dispatch = 0xc0 // 11000xxx
	FragNDispatch = 0xe0 // 11100xxx

	iphcMask = 0xe0
	fragMask = 0xf8

	Frag1HeaderLen = 4
	FragNHeaderLen = 5
	IPHCHeaderLen  = 2

	// MaxDatagramSize is the largest value of the 11-bit datagram_size field.
	MaxDatagramSize = 0x07ff
)

// Kind is the frame classification.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindIPv6
	KindIPHC
	KindFrag1
	KindFragN
)

func (k Kind) String() string {
	switch k {
	case KindIPv6:
		return "ipv6"
	case KindIPHC:
		return "iphc"
	case KindFrag1:
		return "frag1"
	case KindFragN:
		return "fragn"
	default:
		return "unknown"
	}
}

// Classify inspects the leading octets of b and returns the frame kind and
// the number of header octets that kind occupies. It never panics and never
// reads past len(b).
func Classify(b []byte) (Kind, int, error) {
	if len(b) == 0 {
		return KindUnknown, 0, core.ErrTruncated
	}

	d := b[0]
	switch {
	case d == IPv6Dispatch:
		return KindIPv6, 1, nil
	case d&iphcMask == IPHCDispatch:
		if len(b) < IPHCHeaderLen {
			return KindIPHC, 0, core.ErrTruncated
		}
		return KindIPHC, IPHCHeaderLen, nil
	case d&fragMask == Frag1Dispatch:
		if len(b) < Frag1HeaderLen {
			return KindFrag1, 0, core.ErrTruncated
		}
		return KindFrag1, Frag1HeaderLen, nil
	case d&fragMask == FragNDispatch:
		if len(b) < FragNHeaderLen {
			return KindFragN, 0, core.ErrTruncated
		}
		return KindFragN, FragNHeaderLen, nil
	default:
		return KindUnknown, 0, fmt.Errorf("%w: 0x%02x", core.ErrUnknownDispatch, d)
	}
}

// FragHeader is a decoded FRAG1 or FRAGN header.
type FragHeader struct {
	First  bool
	Size   uint16 // datagram_size, 11 bits
	Tag    uint16
	Offset uint8 // datagram_offset in 8-octet units; always 0 for FRAG1
}

// ByteOffset returns the payload position in octets.
func (h FragHeader) ByteOffset() int { return int(h.Offset) * 8 }

// Len returns the encoded header length.
func (h FragHeader) Len() int {
	if h.First {
		return Frag1HeaderLen
	}
	return FragNHeaderLen
}

// AppendTo appends the encoded header to b.
func (h FragHeader) AppendTo(b []byte) []byte {
	d := byte(FragNDispatch)
	if h.First {
		d = Frag1Dispatch
	}
	b = append(b, d|byte(h.Size>>8)&0x07, byte(h.Size))
	b = binary.BigEndian.AppendUint16(b, h.Tag)
	if !h.First {
		b = append(b, h.Offset)
	}
	return b
}

// ParseFragHeader decodes a fragmentation header and returns it together
// with the number of octets consumed.
func ParseFragHeader(b []byte) (FragHeader, int, error) {
	kind, n, err := Classify(b)
	if err != nil {
		return FragHeader{}, 0, err
	}

	var h FragHeader
	switch kind {
	case KindFrag1:
		h.First = true
	case KindFragN:
		h.Offset = b[4]
	default:
		return FragHeader{}, 0, fmt.Errorf("%w: %s is not a fragment", core.ErrFragmentInvalid, kind)
	}
	h.Size = binary.BigEndian.Uint16(b[0:2]) & MaxDatagramSize
	h.Tag = binary.BigEndian.Uint16(b[2:4])
	if h.Size == 0 {
		return FragHeader{}, 0, fmt.Errorf("%w: zero datagram size", core.ErrFragmentInvalid)
	}
	return h, n, nil
}
