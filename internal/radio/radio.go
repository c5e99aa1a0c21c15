// Package radio binds the adaptation layer to an IEEE 802.15.4 link.
package radio

import (
	"context"
	"fmt"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
)

// Transceiver moves MAC payloads over a link. Send blocks until the frame
// has been handed to the medium. Receive blocks until a frame addressed to
// this node (or broadcast) arrives, ctx is done, or the link is closed, in
// which case it returns an error wrapping core.ErrLinkClosed.
type Transceiver interface {
	Send(ctx context.Context, f core.RawFrame) error
	Receive(ctx context.Context) (core.RawFrame, error)
	Close() error
}

// Open builds the transceiver selected by cfg.Type.
func Open(cfg config.LinkConfig, local core.LinkAddr) (Transceiver, error) {
	switch cfg.Type {
	case "udp":
		return NewUDPLink(cfg, local)
	case "pcap":
		return NewPcapLink(cfg.Pcap, local, cfg.PANID)
	default:
		return nil, fmt.Errorf("%w: unknown link type %q", core.ErrConfigInvalid, cfg.Type)
	}
}

// accepts reports whether a frame sent to dst should be delivered to local.
func accepts(local, dst core.LinkAddr) bool {
	return dst == local || dst.IsBroadcast()
}
