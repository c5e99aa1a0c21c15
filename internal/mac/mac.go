// Package mac encodes and decodes IEEE 802.15.4 data frames carrying LoWPAN
// payloads.
package mac

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"

	"firestige.xyz/lowpan/internal/core"
)

const (
	// MaxFrameSize is aMaxPHYPacketSize.
	MaxFrameSize = 127
	// MaxHeaderLen covers frame control, sequence number, destination PAN
	// and two extended addresses with PAN ID compression.
	MaxHeaderLen = 21
	FCSLen       = 2
	// MaxPayload is the payload room left in a frame with the largest header.
	MaxPayload = MaxFrameSize - MaxHeaderLen - FCSLen

	broadcastShort = 0xffff
)

// Frame control field bits, little endian on the wire.
const (
	fcTypeMask     = 0x0007
	fcTypeData     = 0x0001
	fcSecurity     = 0x0008
	fcPending      = 0x0010
	fcAckRequest   = 0x0020
	fcPANIDCompr   = 0x0040
	fcDstModeShift = 10
	fcVersionShift = 12
	fcSrcModeShift = 14

	addrNone     = 0
	addrShort    = 2
	addrExtended = 3
)

var fcsTable = crc16.MakeTable(crc16.CRC16_KERMIT)

// Frame is a decoded data frame. A broadcast Dst is carried as the short
// address 0xffff; every other address is extended.
type Frame struct {
	Seq        uint8
	PANID      uint16
	Src        core.LinkAddr
	Dst        core.LinkAddr
	AckRequest bool
	Pending    bool
	Payload    []byte
}

// HeaderLen returns the MAC header length for f, excluding the FCS.
func (f Frame) HeaderLen() int {
	if f.Dst.IsBroadcast() {
		return 2 + 1 + 2 + 2 + 8
	}
	return MaxHeaderLen
}

// Encode renders f with its FCS.
func Encode(f Frame) ([]byte, error) {
	n := f.HeaderLen() + len(f.Payload) + FCSLen
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d octets", core.ErrFrameSize, n)
	}

	dstMode := uint16(addrExtended)
	if f.Dst.IsBroadcast() {
		dstMode = addrShort
	}
	fc := uint16(fcTypeData|fcPANIDCompr) | dstMode<<fcDstModeShift | addrExtended<<fcSrcModeShift
	if f.AckRequest && !f.Dst.IsBroadcast() {
		fc |= fcAckRequest
	}
	if f.Pending {
		fc |= fcPending
	}

	b := make([]byte, 0, n)
	b = binary.LittleEndian.AppendUint16(b, fc)
	b = append(b, f.Seq)
	b = binary.LittleEndian.AppendUint16(b, f.PANID)
	if f.Dst.IsBroadcast() {
		b = binary.LittleEndian.AppendUint16(b, broadcastShort)
	} else {
		b = appendExtended(b, f.Dst)
	}
	b = appendExtended(b, f.Src)
	b = append(b, f.Payload...)
	return binary.LittleEndian.AppendUint16(b, crc16.Checksum(b, fcsTable)), nil
}

// Decode parses a frame including its FCS. Only data frames without
// security and with an extended source address are accepted. The payload
// aliases b.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if len(b) < 3+FCSLen {
		return f, fmt.Errorf("%w: %d octet MAC frame", core.ErrTruncated, len(b))
	}
	if len(b) > MaxFrameSize {
		return f, fmt.Errorf("%w: %d octets", core.ErrFrameSize, len(b))
	}
	body := b[:len(b)-FCSLen]
	if binary.LittleEndian.Uint16(b[len(body):]) != crc16.Checksum(body, fcsTable) {
		return f, core.ErrBadChecksum
	}

	fc := binary.LittleEndian.Uint16(body)
	if fc&fcTypeMask != fcTypeData {
		return f, fmt.Errorf("%w: frame type %d", core.ErrUnsupported, fc&fcTypeMask)
	}
	if fc&fcSecurity != 0 {
		return f, fmt.Errorf("%w: secured frame", core.ErrUnsupported)
	}
	if v := fc >> fcVersionShift & 0x3; v > 1 {
		return f, fmt.Errorf("%w: frame version %d", core.ErrUnsupported, v)
	}
	f.AckRequest = fc&fcAckRequest != 0
	f.Pending = fc&fcPending != 0
	f.Seq = body[2]

	r := body[3:]
	dstMode := fc >> fcDstModeShift & 0x3
	srcMode := fc >> fcSrcModeShift & 0x3
	if srcMode != addrExtended {
		return f, fmt.Errorf("%w: source addressing mode %d", core.ErrUnsupported, srcMode)
	}

	var ok bool
	if dstMode != addrNone {
		if f.PANID, r, ok = takeUint16(r); !ok {
			return f, core.ErrTruncated
		}
	}
	switch dstMode {
	case addrNone:
		f.Dst = core.BroadcastAddr
	case addrShort:
		var short uint16
		if short, r, ok = takeUint16(r); !ok {
			return f, core.ErrTruncated
		}
		if short != broadcastShort {
			return f, fmt.Errorf("%w: short destination %#04x", core.ErrUnsupported, short)
		}
		f.Dst = core.BroadcastAddr
	case addrExtended:
		if f.Dst, r, ok = takeExtended(r); !ok {
			return f, core.ErrTruncated
		}
	default:
		return f, fmt.Errorf("%w: destination addressing mode %d", core.ErrUnsupported, dstMode)
	}

	if fc&fcPANIDCompr == 0 || dstMode == addrNone {
		var pan uint16
		if pan, r, ok = takeUint16(r); !ok {
			return f, core.ErrTruncated
		}
		if dstMode == addrNone {
			f.PANID = pan
		}
	}
	if f.Src, r, ok = takeExtended(r); !ok {
		return f, core.ErrTruncated
	}
	f.Payload = r
	return f, nil
}

// Extended addresses travel least significant octet first.
func appendExtended(b []byte, a core.LinkAddr) []byte {
	for i := len(a) - 1; i >= 0; i-- {
		b = append(b, a[i])
	}
	return b
}

func takeExtended(b []byte) (core.LinkAddr, []byte, bool) {
	var a core.LinkAddr
	if len(b) < len(a) {
		return a, b, false
	}
	for i := range a {
		a[i] = b[len(a)-1-i]
	}
	return a, b[len(a):], true
}

func takeUint16(b []byte) (uint16, []byte, bool) {
	if len(b) < 2 {
		return 0, b, false
	}
	return binary.LittleEndian.Uint16(b), b[2:], true
}
