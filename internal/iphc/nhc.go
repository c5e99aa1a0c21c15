package iphc

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/lowpan/internal/core"
)

const (
	udpHeaderLen = 8

	nhcUDPID       = 0xf0 // 11110CPP
	nhcUDPMask     = 0xf8
	nhcUDPChecksum = 0x04
	nhcUDPPorts    = 0x03

	nhcExtID   = 0xe0 // 1110EEEN
	nhcExtMask = 0xf0
	nhcExtNH   = 0x01

	// Ports 0xf0b0..0xf0bf compress to 4 bits, 0xf000..0xf0ff to 8 bits.
	udpPort4Base = 0xf0b0
	udpPort8Base = 0xf000

	maxExtChain = 8

	optPad1 = 0
	optPadN = 1
)

// Extension header EIDs (RFC 6282 §4.2).
const (
	eidHopByHop uint8 = 0
	eidRouting  uint8 = 1
	eidFragment uint8 = 2
	eidDestOpts uint8 = 3
	eidMobility uint8 = 4
)

var eidProto = map[uint8]layers.IPProtocol{
	eidHopByHop: layers.IPProtocolIPv6HopByHop,
	eidRouting:  layers.IPProtocolIPv6Routing,
	eidFragment: layers.IPProtocolIPv6Fragment,
	eidDestOpts: layers.IPProtocolIPv6Destination,
	eidMobility: layers.IPProtocol(135),
}

func protoEID(p uint8) (uint8, bool) {
	for eid, proto := range eidProto {
		if uint8(proto) == p {
			return eid, true
		}
	}
	return 0, false
}

// compressNext encodes the header chain starting at proto. It returns the
// NHC octets, how many octets of data they replace, and false when proto
// cannot be expressed as NHC.
func compressNext(proto uint8, data []byte, depth int) ([]byte, int, bool) {
	if depth >= maxExtChain {
		return nil, 0, false
	}
	if layers.IPProtocol(proto) == layers.IPProtocolUDP {
		return compressUDP(data)
	}
	eid, ok := protoEID(proto)
	if !ok || len(data) < 2 {
		return nil, 0, false
	}

	hdrLen := (int(data[1]) + 1) * 8
	if eid == eidFragment {
		hdrLen = 8
		if data[1] != 0 {
			return nil, 0, false
		}
	}
	if hdrLen > len(data) || hdrLen-2 > 0xff {
		return nil, 0, false
	}

	body := data[2:hdrLen]
	inner, consumed, innerOK := compressNext(data[0], data[hdrLen:], depth+1)

	out := []byte{nhcExtID | eid<<1}
	if innerOK {
		out[0] |= nhcExtNH
	} else {
		out = append(out, data[0])
	}
	out = append(out, byte(len(body)))
	out = append(out, body...)
	if innerOK {
		out = append(out, inner...)
	}
	return out, hdrLen + consumed, true
}

// compressUDP encodes a UDP header that must span the rest of data. The
// checksum is always carried.
func compressUDP(data []byte) ([]byte, int, bool) {
	var udp layers.UDP
	if err := udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, 0, false
	}
	if int(udp.Length) != len(data) {
		return nil, 0, false
	}

	src, dst := uint16(udp.SrcPort), uint16(udp.DstPort)
	out := make([]byte, 1, 7)
	out[0] = nhcUDPID
	switch {
	case src&0xfff0 == udpPort4Base && dst&0xfff0 == udpPort4Base:
		out[0] |= 0x03
		out = append(out, byte(src&0x0f)<<4|byte(dst&0x0f))
	case dst&0xff00 == udpPort8Base:
		out[0] |= 0x01
		out = binary.BigEndian.AppendUint16(out, src)
		out = append(out, byte(dst))
	case src&0xff00 == udpPort8Base:
		out[0] |= 0x02
		out = append(out, byte(src))
		out = binary.BigEndian.AppendUint16(out, dst)
	default:
		out = binary.BigEndian.AppendUint16(out, src)
		out = binary.BigEndian.AppendUint16(out, dst)
	}
	out = binary.BigEndian.AppendUint16(out, udp.Checksum)
	return out, udpHeaderLen, true
}

// nextChain is a decoded NHC chain.
type nextChain struct {
	proto  uint8
	ext    []byte
	udp    *layers.UDP
	csumOK bool // checksum was carried inline
}

// decodeNext expands the NHC chain at the reader position.
func decodeNext(r *reader, depth int) (nextChain, error) {
	if depth >= maxExtChain {
		return nextChain{}, fmt.Errorf("%w: extension header chain too long", core.ErrReservedMode)
	}
	c := r.byte()
	if r.err != nil {
		return nextChain{}, r.err
	}

	switch {
	case c&nhcUDPMask == nhcUDPID:
		return decodeUDP(r, c)
	case c&nhcExtMask == nhcExtID:
		return decodeExt(r, c, depth)
	default:
		return nextChain{}, fmt.Errorf("%w: unsupported NHC 0x%02x", core.ErrReservedMode, c)
	}
}

func decodeUDP(r *reader, c byte) (nextChain, error) {
	var src, dst uint16
	switch c & nhcUDPPorts {
	case 0x00:
		src = r.uint16()
		dst = r.uint16()
	case 0x01:
		src = r.uint16()
		dst = udpPort8Base | uint16(r.byte())
	case 0x02:
		src = udpPort8Base | uint16(r.byte())
		dst = r.uint16()
	case 0x03:
		p := r.byte()
		src = udpPort4Base | uint16(p>>4)
		dst = udpPort4Base | uint16(p&0x0f)
	}

	udp := &layers.UDP{SrcPort: layers.UDPPort(src), DstPort: layers.UDPPort(dst)}
	carried := c&nhcUDPChecksum == 0
	if carried {
		udp.Checksum = r.uint16()
	}
	if r.err != nil {
		return nextChain{}, r.err
	}
	return nextChain{proto: uint8(layers.IPProtocolUDP), udp: udp, csumOK: carried}, nil
}

func decodeExt(r *reader, c byte, depth int) (nextChain, error) {
	eid := (c >> 1) & 0x07
	proto, ok := eidProto[eid]
	if !ok {
		return nextChain{}, fmt.Errorf("%w: extension header EID %d", core.ErrReservedMode, eid)
	}

	var next uint8
	if c&nhcExtNH == 0 {
		next = r.byte()
	}
	body := r.next(int(r.byte()))
	if r.err != nil {
		return nextChain{}, r.err
	}

	var inner nextChain
	if c&nhcExtNH != 0 {
		var err error
		if inner, err = decodeNext(r, depth+1); err != nil {
			return nextChain{}, err
		}
		next = inner.proto
	}

	hdr, err := buildExt(eid, next, body)
	if err != nil {
		return nextChain{}, err
	}
	return nextChain{
		proto:  uint8(proto),
		ext:    append(hdr, inner.ext...),
		udp:    inner.udp,
		csumOK: inner.csumOK,
	}, nil
}

// buildExt rebuilds an extension header, restoring Pad1/PadN padding for
// option headers.
func buildExt(eid, next uint8, body []byte) ([]byte, error) {
	if eid == eidFragment {
		if len(body) != 6 {
			return nil, fmt.Errorf("%w: fragment header body %d octets", core.ErrReservedMode, len(body))
		}
		return append([]byte{next, 0}, body...), nil
	}

	total := 2 + len(body)
	pad := (8 - total%8) % 8
	if pad != 0 && eid != eidHopByHop && eid != eidDestOpts {
		return nil, fmt.Errorf("%w: EID %d length %d not a multiple of 8", core.ErrReservedMode, eid, total)
	}

	hdr := make([]byte, 0, total+pad)
	hdr = append(hdr, next, byte((total+pad)/8-1))
	hdr = append(hdr, body...)
	switch {
	case pad == 1:
		hdr = append(hdr, optPad1)
	case pad > 1:
		hdr = append(hdr, optPadN, byte(pad-2))
		hdr = append(hdr, make([]byte, pad-2)...)
	}
	return hdr, nil
}
