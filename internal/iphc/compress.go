package iphc

import (
	"net/netip"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/ctxtable"
	"firestige.xyz/lowpan/internal/dispatch"
)

// IPHC base header bits. Byte 0 is 011 TF(2) NH HLIM(2), byte 1 is
// CID SAC SAM(2) M DAC DAM(2).
const (
	tfMask   = 0x18
	tfShift  = 3
	flagNH   = 0x04
	hlimMask = 0x03
	flagCID  = 0x80
	flagSAC  = 0x40
	samMask  = 0x30
	samShift = 4
	flagM    = 0x08
	flagDAC  = 0x04
	damMask  = 0x03

	ecnShift  = 6
	dscpMask  = 0x3f
	flowLabel = 0x000fffff
)

// TF encodings.
const (
	tfInline = 0x00 // ECN, DSCP and flow label
	tfNoDSCP = 0x01 // ECN and flow label
	tfNoFlow = 0x02 // ECN and DSCP
	tfElided = 0x03
)

// HLIM encodings.
const (
	hlimInline = 0x00
	hlimOne    = 0x01
	hlim64     = 0x02
	hlim255    = 0x03
)

// Compressor turns IPv6 packets into LOWPAN_IPHC datagrams.
type Compressor struct {
	contexts *ctxtable.Table
}

// NewCompressor returns a compressor consulting contexts for stateful
// address compression.
func NewCompressor(contexts *ctxtable.Table) *Compressor {
	return &Compressor{contexts: contexts}
}

// Compress encodes pkt, a complete IPv6 packet, as a LOWPAN_IPHC datagram
// beginning with the dispatch octet. src and dst are the link-layer
// addresses the frame will carry; they let addresses derived from them be
// elided entirely. Fields that cannot be compressed are carried inline, so
// any well-formed packet succeeds.
func (c *Compressor) Compress(pkt []byte, src, dst core.LinkAddr) ([]byte, error) {
	h, payload, err := ParseHeader(pkt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 2, 3+ipv6HeaderLen+len(payload))
	b0 := byte(dispatch.IPHCDispatch)
	var b1 byte
	var inline []byte

	// Traffic class and flow label.
	ecn := h.TrafficClass & 0x03
	dscp := h.TrafficClass >> 2
	fl := h.FlowLabel & flowLabel
	switch {
	case h.TrafficClass == 0 && fl == 0:
		b0 |= tfElided << tfShift
	case fl == 0:
		b0 |= tfNoFlow << tfShift
		inline = append(inline, ecn<<ecnShift|dscp)
	case dscp == 0:
		b0 |= tfNoDSCP << tfShift
		inline = append(inline, ecn<<ecnShift|byte(fl>>16), byte(fl>>8), byte(fl))
	default:
		inline = append(inline, ecn<<ecnShift|dscp, byte(fl>>16), byte(fl>>8), byte(fl))
	}

	// Next header.
	nhc, consumed, nhcOK := compressNext(h.NextHeader, payload, 0)
	if nhcOK {
		b0 |= flagNH
	} else {
		inline = append(inline, h.NextHeader)
	}

	// Hop limit.
	switch h.HopLimit {
	case 1:
		b0 |= hlimOne
	case 64:
		b0 |= hlim64
	case 255:
		b0 |= hlim255
	default:
		inline = append(inline, h.HopLimit)
	}

	var sci, dci uint8

	// Source address.
	switch {
	case h.Src.IsUnspecified():
		b1 |= flagSAC
	default:
		mode, stateful, id, inl := c.unicast(h.Src, src)
		if stateful {
			b1 |= flagSAC
		}
		b1 |= mode << samShift
		sci = id
		inline = append(inline, inl...)
	}

	// Destination address.
	if h.Dst.IsMulticast() {
		b1 |= flagM
		if e, inl, ok := c.prefixMulticast(h.Dst); ok {
			b1 |= flagDAC
			dci = e.ID
			inline = append(inline, inl...)
		} else {
			mode, inl := chooseMulticastMode(h.Dst)
			b1 |= mode
			inline = append(inline, inl...)
		}
	} else {
		mode, stateful, id, inl := c.unicast(h.Dst, dst)
		if stateful {
			b1 |= flagDAC
		}
		b1 |= mode
		dci = id
		inline = append(inline, inl...)
	}

	if sci != 0 || dci != 0 {
		b1 |= flagCID
		out = append(out, sci<<4|dci)
	}
	out[0], out[1] = b0, b1
	out = append(out, inline...)
	out = append(out, nhc...)
	out = append(out, payload[consumed:]...)
	return out, nil
}

func (c *Compressor) prefixMulticast(addr netip.Addr) (ctxtable.Entry, []byte, bool) {
	if c.contexts == nil {
		return ctxtable.Entry{}, nil, false
	}
	return prefixMulticast(addr, c.contexts)
}

// unicast chooses the encoding of a unicast address: link-local addresses
// statelessly, then the longest matching context, then fully inline.
func (c *Compressor) unicast(addr netip.Addr, ll core.LinkAddr) (mode uint8, stateful bool, id uint8, inline []byte) {
	a := addr.As16()
	if m, ok := chooseUnicastMode(addr, ctxtable.LinkLocalPrefix, ll); ok {
		return m, false, 0, unicastInline(a, m)
	}
	if c.contexts != nil {
		if e, ok := c.contexts.Match(addr); ok {
			if m, ok := chooseUnicastMode(addr, e.Prefix, ll); ok {
				return m, true, e.ID, unicastInline(a, m)
			}
		}
	}
	return mode128, false, 0, a[:]
}
