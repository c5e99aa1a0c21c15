package radio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/mac"
	"firestige.xyz/lowpan/internal/metrics"
)

// UDPLink emulates a shared 802.15.4 medium over UDP. Every datagram carries
// one MAC frame including its FCS. Unicast frames go to the UDP address the
// destination was last heard from; broadcasts and unknown destinations are
// flooded to every configured peer.
type UDPLink struct {
	local     core.LinkAddr
	panID     uint16
	conn      *net.UDPConn
	peers     []*net.UDPAddr
	neighbors *cache.Cache
	seq       atomic.Uint32
	closed    atomic.Bool
}

func NewUDPLink(cfg config.LinkConfig, local core.LinkAddr) (*UDPLink, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %s: %w", cfg.Listen, err)
	}
	peers := make([]*net.UDPAddr, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, fmt.Errorf("resolve peer %s: %w", p, err)
		}
		peers = append(peers, addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	ttl := cfg.NeighborTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	l := &UDPLink{
		local:     local,
		panID:     cfg.PANID,
		conn:      conn,
		peers:     peers,
		neighbors: cache.New(ttl, ttl/2),
	}
	l.neighbors.OnEvicted(func(string, interface{}) {
		metrics.NeighborsActive.Set(float64(l.neighbors.ItemCount()))
	})
	return l, nil
}

// LocalAddr returns the bound UDP address.
func (l *UDPLink) LocalAddr() *net.UDPAddr { return l.conn.LocalAddr().(*net.UDPAddr) }

// AddPeer adds a flood target. It must be called before traffic starts.
func (l *UDPLink) AddPeer(addr *net.UDPAddr) { l.peers = append(l.peers, addr) }

// Neighbor returns the UDP address dst was last heard from.
func (l *UDPLink) Neighbor(dst core.LinkAddr) (*net.UDPAddr, bool) {
	v, ok := l.neighbors.Get(dst.String())
	if !ok {
		return nil, false
	}
	return v.(*net.UDPAddr), true
}

func (l *UDPLink) Send(ctx context.Context, f core.RawFrame) error {
	if l.closed.Load() {
		return core.ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := mac.Encode(mac.Frame{
		Seq:        uint8(l.seq.Add(1)),
		PANID:      l.panID,
		Src:        l.local,
		Dst:        f.Dst,
		AckRequest: !f.Dst.IsBroadcast(),
		Payload:    f.Payload,
	})
	if err != nil {
		return err
	}

	targets := l.peers
	if !f.Dst.IsBroadcast() {
		if addr, ok := l.Neighbor(f.Dst); ok {
			targets = []*net.UDPAddr{addr}
		}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(deadline)
		defer l.conn.SetWriteDeadline(time.Time{})
	}
	for _, addr := range targets {
		if _, err := l.conn.WriteToUDP(b, addr); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return core.ErrLinkClosed
			}
			return fmt.Errorf("write to %s: %w", addr, err)
		}
	}
	return nil
}

func (l *UDPLink) Receive(ctx context.Context) (core.RawFrame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, mac.MaxFrameSize+1)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				_ = l.conn.SetReadDeadline(time.Time{})
				return core.RawFrame{}, ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return core.RawFrame{}, core.ErrLinkClosed
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// Left over from an earlier cancelled Receive.
				_ = l.conn.SetReadDeadline(time.Time{})
				if ctx.Err() != nil {
					return core.RawFrame{}, ctx.Err()
				}
				continue
			}
			return core.RawFrame{}, fmt.Errorf("read: %w", err)
		}

		frame, err := mac.Decode(buf[:n])
		if err != nil {
			log.GetLogger().WithField("from", from).WithError(err).Debug("dropping undecodable MAC frame")
			continue
		}
		if frame.PANID != l.panID && frame.PANID != 0xffff {
			continue
		}
		if frame.Src == l.local {
			continue
		}
		l.learn(frame.Src, from)
		if !accepts(l.local, frame.Dst) {
			continue
		}
		return core.RawFrame{
			Src:       frame.Src,
			Dst:       frame.Dst,
			Payload:   slices.Clone(frame.Payload),
			Timestamp: time.Now(),
		}, nil
	}
}

func (l *UDPLink) learn(src core.LinkAddr, from *net.UDPAddr) {
	key := src.String()
	if _, ok := l.neighbors.Get(key); !ok {
		log.GetLogger().WithField("neighbor", key).WithField("addr", from).Debug("learned neighbor")
	}
	l.neighbors.SetDefault(key, from)
	metrics.NeighborsActive.Set(float64(l.neighbors.ItemCount()))
}

func (l *UDPLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.neighbors.Flush()
	return l.conn.Close()
}
