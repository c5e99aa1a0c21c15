// Package core defines core types with zero external dependencies.
package core

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// LinkAddr is an IEEE 802.15.4 extended (EUI-64) address.
type LinkAddr [8]byte

// BroadcastAddr is used by the emulated links for frames addressed to every
// node on the medium.
var BroadcastAddr = LinkAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseLinkAddr parses "02:00:00:00:00:00:00:01", "02-00-..." or a bare
// 16-digit hex string.
func ParseLinkAddr(s string) (LinkAddr, error) {
	var a LinkAddr
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != 2*len(a) {
		return a, fmt.Errorf("invalid link address %q: want 8 octets", s)
	}
	if _, err := hex.Decode(a[:], []byte(clean)); err != nil {
		return a, fmt.Errorf("invalid link address %q: %w", s, err)
	}
	return a, nil
}

// MustParseLinkAddr is like ParseLinkAddr but panics on error.
func MustParseLinkAddr(s string) LinkAddr {
	a, err := ParseLinkAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the address as colon separated octets.
func (a LinkAddr) String() string {
	var b strings.Builder
	for i, o := range a {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", o)
	}
	return b.String()
}

// IsBroadcast reports whether a is the broadcast address.
func (a LinkAddr) IsBroadcast() bool { return a == BroadcastAddr }

// InterfaceID returns the IPv6 interface identifier derived from the EUI-64
// (RFC 4944 §6): the Universal/Local bit is inverted.
func (a LinkAddr) InterfaceID() [8]byte {
	iid := [8]byte(a)
	iid[0] ^= 0x02
	return iid
}

// LinkLocal returns fe80::/64 combined with the derived interface identifier.
func (a LinkAddr) LinkLocal() netip.Addr {
	var b [16]byte
	b[0], b[1] = 0xfe, 0x80
	iid := a.InterfaceID()
	copy(b[8:], iid[:])
	return netip.AddrFrom16(b)
}

// MarshalText implements encoding.TextMarshaler.
func (a LinkAddr) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *LinkAddr) UnmarshalText(text []byte) error {
	v, err := ParseLinkAddr(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
