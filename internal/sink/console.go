package sink

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/log"
)

// ConsoleSink logs a one-line summary of every datagram.
type ConsoleSink struct {
	logger  log.Logger
	written atomic.Uint64
}

func NewConsoleSink(logger log.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger}
}

func (s *ConsoleSink) Name() string { return "console" }

func (s *ConsoleSink) Write(_ context.Context, f core.Frame) error {
	s.written.Add(1)
	s.logger.WithFields(map[string]interface{}{
		"src":         f.Src,
		"dst":         f.Dst,
		"len":         f.Len(),
		"reassembled": f.Reassembled,
	}).Info(Summary(f.Data))
	return nil
}

// Written returns how many frames were logged.
func (s *ConsoleSink) Written() uint64 { return s.written.Load() }

func (s *ConsoleSink) Close() error {
	s.logger.Infof("console sink closed after %d datagrams", s.written.Load())
	return nil
}

// Summary describes an IPv6 packet as "src -> dst LAYER/LAYER ...".
func Summary(data []byte) string {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv6, gopacket.Lazy)
	ip, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	// A lazily decoded packet keeps an empty IPv6 layer when the header fails.
	if !ok || ip.SrcIP == nil {
		return fmt.Sprintf("undecodable datagram (%d octets)", len(data))
	}

	names := make([]string, 0, 4)
	for _, l := range pkt.Layers()[1:] {
		names = append(names, l.LayerType().String())
	}
	desc := fmt.Sprintf("%s -> %s %s", ip.SrcIP, ip.DstIP, strings.Join(names, "/"))
	switch t := pkt.TransportLayer().(type) {
	case *layers.UDP:
		desc += fmt.Sprintf(" %d -> %d", t.SrcPort, t.DstPort)
	case *layers.TCP:
		desc += fmt.Sprintf(" %d -> %d", t.SrcPort, t.DstPort)
	}
	if e := pkt.ErrorLayer(); e != nil {
		desc += " (" + e.Error().Error() + ")"
	}
	return desc
}
