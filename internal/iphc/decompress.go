package iphc

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/ctxtable"
	"firestige.xyz/lowpan/internal/dispatch"
)

// reader is a bounds-checked cursor. After the first short read every call
// returns zeroes and err stays set.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil || n > len(r.b)-r.off {
		if r.err == nil {
			r.err = fmt.Errorf("%w: need %d octets at offset %d, have %d", core.ErrTruncated, n, r.off, len(r.b)-r.off)
		}
		return make([]byte, n)
	}
	s := r.b[r.off : r.off+n]
	r.off += n
	return s
}

func (r *reader) byte() byte { return r.next(1)[0] }

func (r *reader) uint16() uint16 { return binary.BigEndian.Uint16(r.next(2)) }

func (r *reader) rest() []byte { return r.b[r.off:] }

// Decompressor expands LOWPAN_IPHC datagrams back into IPv6 packets.
type Decompressor struct {
	contexts *ctxtable.Table
}

// NewDecompressor returns a decompressor resolving context identifiers in
// contexts.
func NewDecompressor(contexts *ctxtable.Table) *Decompressor {
	return &Decompressor{contexts: contexts}
}

// Decompress rebuilds the IPv6 packet encoded in b, which starts with the
// IPHC dispatch octets. src and dst are the link-layer addresses of the
// frame that carried it.
func (d *Decompressor) Decompress(b []byte, src, dst core.LinkAddr) ([]byte, error) {
	if len(b) > 0 && b[0]&0xe0 != dispatch.IPHCDispatch {
		return nil, fmt.Errorf("%w: 0x%02x is not IPHC", core.ErrUnknownDispatch, b[0])
	}
	r := &reader{b: b}
	b0, b1 := r.byte(), r.byte()

	var sci, dci uint8
	if b1&flagCID != 0 {
		cid := r.byte()
		sci, dci = cid>>4, cid&0x0f
	}

	var h Header

	// Traffic class and flow label.
	var ecn, dscp byte
	switch (b0 & tfMask) >> tfShift {
	case tfInline:
		f := r.next(4)
		ecn, dscp = f[0]>>ecnShift, f[0]&dscpMask
		h.FlowLabel = uint32(f[1]&0x0f)<<16 | uint32(f[2])<<8 | uint32(f[3])
	case tfNoDSCP:
		f := r.next(3)
		ecn = f[0] >> ecnShift
		h.FlowLabel = uint32(f[0]&0x0f)<<16 | uint32(f[1])<<8 | uint32(f[2])
	case tfNoFlow:
		f := r.byte()
		ecn, dscp = f>>ecnShift, f&dscpMask
	}
	h.TrafficClass = dscp<<2 | ecn

	if b0&flagNH == 0 {
		h.NextHeader = r.byte()
	}

	switch b0 & hlimMask {
	case hlimInline:
		h.HopLimit = r.byte()
	case hlimOne:
		h.HopLimit = 1
	case hlim64:
		h.HopLimit = 64
	case hlim255:
		h.HopLimit = 255
	}

	var err error
	if h.Src, err = d.source(r, b1, sci, src); err != nil {
		return nil, err
	}
	if h.Dst, err = d.destination(r, b1, dci, dst); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}

	if b0&flagNH == 0 {
		return serialize(h, nil, nil, r.rest(), false)
	}

	chain, err := decodeNext(r, 0)
	if err != nil {
		return nil, err
	}
	h.NextHeader = chain.proto
	return serialize(h, chain.ext, chain.udp, r.rest(), chain.udp != nil && !chain.csumOK)
}

func (d *Decompressor) context(id uint8) (ctxtable.Entry, error) {
	if d.contexts != nil {
		if e, ok := d.contexts.Lookup(id); ok {
			return e, nil
		}
	} else if id == 0 {
		return ctxtable.Entry{Prefix: ctxtable.LinkLocalPrefix, Implicit: true}, nil
	}
	return ctxtable.Entry{}, fmt.Errorf("%w: id %d", core.ErrContextNotFound, id)
}

func (d *Decompressor) source(r *reader, b1, sci byte, ll core.LinkAddr) (netip.Addr, error) {
	mode := (b1 & samMask) >> samShift
	if b1&flagSAC == 0 {
		return expandUnicast(mode, r.next(unicastInlineLen(mode)), ctxtable.LinkLocalPrefix, ll), nil
	}
	if mode == mode128 {
		return netip.IPv6Unspecified(), nil
	}
	e, err := d.context(sci)
	if err != nil {
		return netip.Addr{}, err
	}
	return expandUnicast(mode, r.next(unicastInlineLen(mode)), e.Prefix, ll), nil
}

func (d *Decompressor) destination(r *reader, b1, dci byte, ll core.LinkAddr) (netip.Addr, error) {
	mode := b1 & damMask
	multicast := b1&flagM != 0
	stateful := b1&flagDAC != 0

	switch {
	case multicast && stateful:
		if mode != 0 {
			return netip.Addr{}, fmt.Errorf("%w: M=1 DAC=1 DAM=%d", core.ErrReservedMode, mode)
		}
		e, err := d.context(dci)
		if err != nil {
			return netip.Addr{}, err
		}
		return expandPrefixMulticast(r.next(6), e.Prefix), nil
	case multicast:
		return expandMulticast(mode, r.next(multicastInlineLen(mode))), nil
	case stateful:
		if mode == mode128 {
			return netip.Addr{}, fmt.Errorf("%w: DAC=1 DAM=0", core.ErrReservedMode)
		}
		e, err := d.context(dci)
		if err != nil {
			return netip.Addr{}, err
		}
		return expandUnicast(mode, r.next(unicastInlineLen(mode)), e.Prefix, ll), nil
	default:
		return expandUnicast(mode, r.next(unicastInlineLen(mode)), ctxtable.LinkLocalPrefix, ll), nil
	}
}

func unicastInlineLen(mode uint8) int {
	switch mode {
	case mode64:
		return 8
	case mode16:
		return 2
	case mode0:
		return 0
	default:
		return 16
	}
}
