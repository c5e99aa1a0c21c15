// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; producers wrap them
// with context via fmt.Errorf("...: %w", err).
var (
	// Malformed input: the offending frame is dropped.
	ErrTruncated        = errors.New("lowpan: truncated frame")
	ErrUnknownDispatch  = errors.New("lowpan: unrecognized dispatch")
	ErrContextNotFound  = errors.New("lowpan: context not found")
	ErrReservedMode     = errors.New("lowpan: reserved address mode")
	ErrFragmentOverflow = errors.New("lowpan: fragment exceeds datagram size")
	ErrFragmentInvalid  = errors.New("lowpan: invalid fragment")
	ErrNotIPv6          = errors.New("lowpan: not an IPv6 packet")
	ErrNotForLocal      = errors.New("lowpan: frame not addressed to this node")

	// Resource exhaustion returned to configuration callers.
	ErrRegistryFull      = errors.New("lowpan: consumer registry full")
	ErrAlreadyRegistered = errors.New("lowpan: consumer already registered")
	ErrContextTableFull  = errors.New("lowpan: context table full")
	ErrInvalidContextID  = errors.New("lowpan: invalid context identifier")

	// Send path failures.
	ErrOversizedDatagram = errors.New("lowpan: datagram exceeds fragmentable size")
	ErrDatagramTooLarge  = errors.New("lowpan: reconstructed packet too large")
	ErrInvalidMTU        = errors.New("lowpan: link MTU too small")
	ErrTransceiver       = errors.New("lowpan: transceiver failure")

	// Link errors
	ErrLinkClosed  = errors.New("lowpan: link closed")
	ErrBadChecksum = errors.New("lowpan: frame check sequence mismatch")
	ErrUnsupported = errors.New("lowpan: unsupported MAC frame")
	ErrFrameSize   = errors.New("lowpan: frame exceeds PHY size")

	// Configuration errors
	ErrConfigInvalid = errors.New("lowpan: invalid configuration")
)
