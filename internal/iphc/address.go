package iphc

import (
	"bytes"
	"net/netip"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/ctxtable"
)

// Unicast address modes (SAM/DAM).
const (
	mode128 uint8 = iota // full address, or unspecified with SAC
	mode64               // 64-bit interface identifier inline
	mode16               // 0000:00ff:fe00:XXXX inline
	mode0                // derived from the link-layer address
)

// Multicast destination modes (DAM with M=1, DAC=0).
const (
	mcast128 uint8 = iota
	mcast48        // ffXX::00XX:XXXX:XXXX
	mcast32        // ffXX::00XX:XXXX
	mcast8         // ff02::00XX
)

// unicastInline returns the octets carried inline for mode.
func unicastInline(a [16]byte, mode uint8) []byte {
	switch mode {
	case mode64:
		return a[8:16]
	case mode16:
		return a[14:16]
	case mode0:
		return nil
	default:
		return a[:]
	}
}

// expandUnicast rebuilds an address from its inline octets, the link-layer
// address and a prefix overlay. mode128 ignores prefix.
func expandUnicast(mode uint8, inline []byte, prefix netip.Prefix, ll core.LinkAddr) netip.Addr {
	var a [16]byte
	switch mode {
	case mode128:
		copy(a[:], inline)
		return netip.AddrFrom16(a)
	case mode64:
		copy(a[8:], inline)
	case mode16:
		a[11] = 0xff
		a[12] = 0xfe
		copy(a[14:], inline)
	case mode0:
		iid := ll.InterfaceID()
		copy(a[8:], iid[:])
	}
	overlayPrefix(&a, prefix)
	return netip.AddrFrom16(a)
}

// overlayPrefix writes the leading prefix.Bits() bits of prefix into a.
func overlayPrefix(a *[16]byte, prefix netip.Prefix) {
	bits := prefix.Bits()
	if bits <= 0 {
		return
	}
	p := prefix.Addr().As16()
	full := bits / 8
	copy(a[:full], p[:full])
	if rem := bits % 8; rem != 0 {
		mask := byte(0xff << (8 - rem))
		a[full] = p[full]&mask | a[full]&^mask
	}
}

// chooseUnicastMode returns the most compact mode below mode128 that
// reconstructs addr exactly from prefix and ll.
func chooseUnicastMode(addr netip.Addr, prefix netip.Prefix, ll core.LinkAddr) (uint8, bool) {
	a := addr.As16()
	for _, mode := range []uint8{mode0, mode16, mode64} {
		if mode == mode16 && !bytes.Equal(a[8:14], []byte{0, 0, 0, 0xff, 0xfe, 0}) {
			continue
		}
		if expandUnicast(mode, unicastInline(a, mode), prefix, ll) == addr {
			return mode, true
		}
	}
	return mode128, false
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// chooseMulticastMode picks the stateless multicast mode for addr.
func chooseMulticastMode(addr netip.Addr) (uint8, []byte) {
	a := addr.As16()
	switch {
	case a[1] == 0x02 && isZero(a[2:15]):
		return mcast8, a[15:16]
	case isZero(a[2:13]):
		return mcast32, []byte{a[1], a[13], a[14], a[15]}
	case isZero(a[2:11]):
		return mcast48, []byte{a[1], a[11], a[12], a[13], a[14], a[15]}
	default:
		return mcast128, a[:]
	}
}

func multicastInlineLen(mode uint8) int {
	switch mode {
	case mcast8:
		return 1
	case mcast32:
		return 4
	case mcast48:
		return 6
	default:
		return 16
	}
}

func expandMulticast(mode uint8, inline []byte) netip.Addr {
	var a [16]byte
	a[0] = 0xff
	switch mode {
	case mcast8:
		a[1] = 0x02
		a[15] = inline[0]
	case mcast32:
		a[1] = inline[0]
		copy(a[13:], inline[1:4])
	case mcast48:
		a[1] = inline[0]
		copy(a[11:], inline[1:6])
	default:
		copy(a[:], inline)
	}
	return netip.AddrFrom16(a)
}

// prefixMulticast tests addr for the RFC 3306 unicast-prefix-based form
// ffXX:XXLL:PPPP:PPPP:PPPP:PPPP:XXXX:XXXX whose network prefix is a stored
// context. It returns the context and the 6 inline octets.
func prefixMulticast(addr netip.Addr, contexts *ctxtable.Table) (ctxtable.Entry, []byte, bool) {
	a := addr.As16()
	plen := int(a[3])
	if plen == 0 || plen > 64 {
		return ctxtable.Entry{}, nil, false
	}
	var p [16]byte
	copy(p[:8], a[4:12])
	e, ok := contexts.MatchPrefix(netip.PrefixFrom(netip.AddrFrom16(p), plen))
	if !ok {
		return ctxtable.Entry{}, nil, false
	}
	inline := []byte{a[1], a[2], a[12], a[13], a[14], a[15]}
	if expandPrefixMulticast(inline, e.Prefix) != addr {
		return ctxtable.Entry{}, nil, false
	}
	return e, inline, true
}

func expandPrefixMulticast(inline []byte, prefix netip.Prefix) netip.Addr {
	var a [16]byte
	a[0] = 0xff
	a[1] = inline[0]
	a[2] = inline[1]
	a[3] = byte(prefix.Bits())
	p := prefix.Masked().Addr().As16()
	copy(a[4:12], p[:8])
	copy(a[12:], inline[2:6])
	return netip.AddrFrom16(a)
}
