// Package iphc implements LOWPAN_IPHC header compression and LOWPAN_NHC
// next header compression (RFC 6282).
package iphc

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv6"

	"firestige.xyz/lowpan/internal/core"
)

const (
	ipv6HeaderLen = ipv6.HeaderLen

	// MaxPacketSize is the largest non-jumbo IPv6 packet.
	MaxPacketSize = ipv6HeaderLen + 0xffff
)

// Header holds the fixed IPv6 header fields the compressor reads and the
// decompressor rebuilds.
type Header struct {
	TrafficClass uint8
	FlowLabel    uint32 // 20 bits
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          netip.Addr
	Dst          netip.Addr
}

// ParseHeader decodes the fixed IPv6 header of pkt and returns it with the
// payload bounded by the declared payload length.
func ParseHeader(pkt []byte) (Header, []byte, error) {
	if len(pkt) > 0 && pkt[0]>>4 != ipv6.Version {
		return Header{}, nil, fmt.Errorf("%w: version %d", core.ErrNotIPv6, pkt[0]>>4)
	}
	h, err := ipv6.ParseHeader(pkt)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", core.ErrTruncated, err)
	}

	payload := pkt[ipv6HeaderLen:]
	if h.PayloadLen > len(payload) {
		return Header{}, nil, fmt.Errorf("%w: payload length %d, have %d", core.ErrTruncated, h.PayloadLen, len(payload))
	}
	payload = payload[:h.PayloadLen]

	src, _ := netip.AddrFromSlice(h.Src)
	dst, _ := netip.AddrFromSlice(h.Dst)

	return Header{
		TrafficClass: uint8(h.TrafficClass),
		FlowLabel:    uint32(h.FlowLabel) & 0x000fffff,
		PayloadLen:   uint16(h.PayloadLen),
		NextHeader:   uint8(h.NextHeader),
		HopLimit:     uint8(h.HopLimit),
		Src:          src,
		Dst:          dst,
	}, payload, nil
}

// serialize rebuilds a complete IPv6 packet. ext holds already encoded
// extension headers, udp (optional) is prepended to payload. Lengths are
// recomputed; the UDP checksum is recomputed only when computeUDPChecksum is
// set.
func serialize(h Header, ext []byte, udp *layers.UDP, payload []byte, computeUDPChecksum bool) ([]byte, error) {
	total := ipv6HeaderLen + len(ext) + len(payload)
	if udp != nil {
		total += udpHeaderLen
	}
	if total > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d octets", core.ErrDatagramTooLarge, total)
	}

	ip := &layers.IPv6{
		Version:      ipv6.Version,
		TrafficClass: h.TrafficClass,
		FlowLabel:    h.FlowLabel,
		NextHeader:   layers.IPProtocol(h.NextHeader),
		HopLimit:     h.HopLimit,
		SrcIP:        h.Src.AsSlice(),
		DstIP:        h.Dst.AsSlice(),
	}

	stack := []gopacket.SerializableLayer{ip}
	if len(ext) > 0 {
		stack = append(stack, gopacket.Payload(ext))
	}
	opts := gopacket.SerializeOptions{FixLengths: true}
	if udp != nil {
		if computeUDPChecksum {
			if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
				return nil, err
			}
			opts.ComputeChecksums = true
		}
		stack = append(stack, udp)
	}
	stack = append(stack, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBufferExpectedSize(total, 0)
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("serialize ipv6 packet: %w", err)
	}
	return buf.Bytes(), nil
}
