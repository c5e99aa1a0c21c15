// Package lowpan is the 6LoWPAN adaptation layer: it compresses and
// fragments outgoing IPv6 packets and reassembles, decompresses and
// dispatches incoming ones.
package lowpan

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv6"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/ctxtable"
	"firestige.xyz/lowpan/internal/dispatch"
	"firestige.xyz/lowpan/internal/frag"
	"firestige.xyz/lowpan/internal/iphc"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/metrics"
	"firestige.xyz/lowpan/internal/radio"
	"firestige.xyz/lowpan/internal/reassembly"
	"firestige.xyz/lowpan/internal/registry"
)

// Stats are cumulative node counters.
type Stats struct {
	FramesIn   uint64
	FramesOut  uint64
	Delivered  uint64
	Dropped    uint64
	SendErrors uint64
	Reassembly reassembly.Stats
}

// Node owns one link's adaptation state: the context table, the reassembly
// pool and the consumer registry.
type Node struct {
	link   radio.Transceiver
	local  core.LinkAddr
	border bool
	router bool
	mtu    int
	tick   time.Duration

	compression  atomic.Bool
	contexts     *ctxtable.Table
	compressor   *iphc.Compressor
	decompressor *iphc.Decompressor
	fragmenter   *frag.Fragmenter
	reassembler  *reassembly.Manager
	registry     *registry.Registry

	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64

	running sync.Mutex
}

// Init sets up a host node, or a border router when asBorder is set.
func Init(link radio.Transceiver, local core.LinkAddr, asBorder bool, opts Options) (*Node, error) {
	n, err := newNode(link, local, opts)
	if err != nil {
		return nil, err
	}
	n.border = asBorder
	n.router = asBorder
	return n, nil
}

// InitAsRouter sets up a router advertising prefix. The prefix becomes
// context 0, so addresses under it compress statefully.
func InitAsRouter(link radio.Transceiver, prefix netip.Prefix, local core.LinkAddr, opts Options) (*Node, error) {
	if !prefix.IsValid() || !prefix.Addr().Is6() || prefix.Addr().Is4In6() {
		return nil, fmt.Errorf("%w: router prefix %s", core.ErrConfigInvalid, prefix)
	}
	n, err := newNode(link, local, opts)
	if err != nil {
		return nil, err
	}
	if err := n.contexts.Insert(0, prefix); err != nil {
		return nil, err
	}
	n.router = true
	return n, nil
}

func newNode(link radio.Transceiver, local core.LinkAddr, opts Options) (*Node, error) {
	opts = opts.withDefaults()
	if opts.MTU < frag.MinMTU {
		return nil, fmt.Errorf("%w: %d", core.ErrInvalidMTU, opts.MTU)
	}
	reasm, err := reassembly.New(opts.Reassembly)
	if err != nil {
		return nil, err
	}

	contexts := ctxtable.New(opts.ContextCapacity)
	n := &Node{
		link:         link,
		local:        local,
		mtu:          opts.MTU,
		tick:         opts.Tick,
		contexts:     contexts,
		compressor:   iphc.NewCompressor(contexts),
		decompressor: iphc.NewDecompressor(contexts),
		fragmenter:   frag.NewFragmenter(opts.InitialTag),
		reassembler:  reasm,
		registry:     registry.New(opts.MaxConsumers),
	}
	n.compression.Store(opts.Compression)
	return n, nil
}

func (n *Node) LocalAddr() core.LinkAddr { return n.local }

func (n *Node) MTU() int { return n.mtu }

func (n *Node) IsBorderRouter() bool { return n.border }

func (n *Node) IsRouter() bool { return n.router }

// Contexts returns the compression context table shared by both directions.
func (n *Node) Contexts() *ctxtable.Table { return n.contexts }

// SetHeaderCompression switches IPHC on the send path. Compressed frames
// are always accepted on receive.
func (n *Node) SetHeaderCompression(enabled bool) { n.compression.Store(enabled) }

func (n *Node) HeaderCompression() bool { return n.compression.Load() }

// Register adds a consumer for delivered datagrams.
func (n *Node) Register(c registry.Consumer) error { return n.registry.Register(c) }

func (n *Node) Unregister(name string) bool { return n.registry.Unregister(name) }

// ReassemblySnapshot lists partially reassembled datagrams.
func (n *Node) ReassemblySnapshot() []reassembly.SlotInfo { return n.reassembler.Snapshot() }

func (n *Node) Stats() Stats {
	return Stats{
		FramesIn:   n.framesIn.Load(),
		FramesOut:  n.framesOut.Load(),
		Delivered:  n.delivered.Load(),
		Dropped:    n.dropped.Load(),
		SendErrors: n.sendErrors.Load(),
		Reassembly: n.reassembler.Stats(),
	}
}

// Send transmits packet, a complete IPv6 packet, to the link neighbour dst.
// The packet is compressed when header compression is on and fragmented
// when it exceeds the MTU. A transceiver failure aborts the remaining
// fragments and is reported wrapping core.ErrTransceiver.
func (n *Node) Send(ctx context.Context, dst core.LinkAddr, packet []byte) error {
	start := time.Now()
	defer func() { metrics.SendLatencySeconds.Observe(time.Since(start).Seconds()) }()

	datagram, err := n.encode(dst, packet)
	if err != nil {
		return err
	}
	frames, err := n.fragmenter.Fragments(datagram, n.mtu)
	if err != nil {
		return err
	}

	for frame := range frames {
		if err := n.link.Send(ctx, core.RawFrame{Src: n.local, Dst: dst, Payload: frame}); err != nil {
			n.sendErrors.Add(1)
			return fmt.Errorf("%w: %w", core.ErrTransceiver, err)
		}
		n.framesOut.Add(1)
		kind, _, _ := dispatch.Classify(frame)
		metrics.FramesSentTotal.WithLabelValues(kind.String()).Inc()
	}
	return nil
}

func (n *Node) encode(dst core.LinkAddr, packet []byte) ([]byte, error) {
	if n.compression.Load() {
		return n.compressor.Compress(packet, n.local, dst)
	}
	if _, _, err := iphc.ParseHeader(packet); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(packet))
	out = append(out, dispatch.IPv6Dispatch)
	return append(out, packet...), nil
}

// HandleFrame runs the receive path for one link frame: classify,
// reassemble, decompress and deliver. A non-nil error means the frame was
// dropped; nothing else is affected.
func (n *Node) HandleFrame(f core.RawFrame, now time.Time) error {
	n.framesIn.Add(1)
	kind, hdrLen, err := dispatch.Classify(f.Payload)
	metrics.FramesReceivedTotal.WithLabelValues(kind.String()).Inc()
	if err != nil {
		return n.drop(err)
	}
	if f.Dst != n.local && !f.Dst.IsBroadcast() {
		return n.drop(fmt.Errorf("%w: %s", core.ErrNotForLocal, f.Dst))
	}

	received := f.Timestamp
	if received.IsZero() {
		received = now
	}

	datagram, reassembled := f.Payload, false
	if kind == dispatch.KindFrag1 || kind == dispatch.KindFragN {
		hdr, _, err := dispatch.ParseFragHeader(f.Payload)
		if err != nil {
			return n.drop(err)
		}
		out, done, err := n.reassembler.Add(f.Src, f.Dst, hdr, f.Payload[hdrLen:], now)
		if err != nil {
			return n.drop(err)
		}
		if !done {
			return nil
		}
		datagram, reassembled = out, true
	}

	packet, err := n.decode(datagram, f.Src, f.Dst)
	if err != nil {
		return n.drop(err)
	}

	n.delivered.Add(1)
	metrics.DatagramsDeliveredTotal.WithLabelValues(strconv.FormatBool(reassembled)).Inc()
	n.registry.Deliver(core.Frame{
		Src:         f.Src,
		Dst:         f.Dst,
		Received:    received,
		Reassembled: reassembled,
		Data:        packet,
	})
	return nil
}

// decode turns a complete LoWPAN datagram into an IPv6 packet.
func (n *Node) decode(datagram []byte, src, dst core.LinkAddr) ([]byte, error) {
	kind, _, err := dispatch.Classify(datagram)
	if err != nil {
		return nil, err
	}
	switch kind {
	case dispatch.KindIPv6:
		_, payload, err := iphc.ParseHeader(datagram[1:])
		if err != nil {
			return nil, err
		}
		// Octets past the declared payload length are link padding.
		return slices.Clone(datagram[1 : 1+ipv6.HeaderLen+len(payload)]), nil
	case dispatch.KindIPHC:
		return n.decompressor.Decompress(datagram, src, dst)
	default:
		return nil, fmt.Errorf("%w: %s inside a reassembled datagram", core.ErrFragmentInvalid, kind)
	}
}

func (n *Node) drop(err error) error {
	n.dropped.Add(1)
	metrics.FrameDropsTotal.WithLabelValues(dropReason(err)).Inc()
	return err
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, core.ErrTruncated):
		return metrics.DropTruncated
	case errors.Is(err, core.ErrUnknownDispatch):
		return metrics.DropDispatch
	case errors.Is(err, core.ErrNotForLocal):
		return metrics.DropNotForLocal
	case errors.Is(err, core.ErrFragmentOverflow), errors.Is(err, core.ErrFragmentInvalid):
		return metrics.DropFragment
	default:
		return metrics.DropDecompress
	}
}

// Run receives frames until ctx is done or the link fails, expiring stale
// reassembly slots in the background. It returns nil when ctx ends the
// loop; a closed link is reported wrapping core.ErrLinkClosed. Run may not
// be called concurrently.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.TryLock() {
		return errors.New("lowpan: node already running")
	}
	defer n.running.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.reassembler.Run(ctx, n.tick)
	}()

	logger := log.GetLogger().WithField("node", n.local)
	logger.Infof("adaptation layer running (mtu %d, compression %t)", n.mtu, n.HeaderCompression())
	for {
		f, err := n.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := n.HandleFrame(f, time.Now()); err != nil && logger.IsDebugEnabled() {
			logger.WithField("src", f.Src).WithError(err).Debug("frame dropped")
		}
	}
}
