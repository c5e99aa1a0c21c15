package radio

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/mac"
)

// Medium is an in-process shared link. Frames are MAC encoded and decoded
// on the way through, so PHY size limits apply as on a real radio.
type Medium struct {
	mu    sync.RWMutex
	links map[core.LinkAddr]*MemLink
	depth int
	drop  func(core.RawFrame) bool
}

// NewMedium returns a medium whose attached links queue up to depth frames.
func NewMedium(depth int) *Medium {
	return &Medium{links: make(map[core.LinkAddr]*MemLink), depth: depth}
}

// SetDrop installs a loss function consulted once per transmitted frame.
func (m *Medium) SetDrop(drop func(core.RawFrame) bool) {
	m.mu.Lock()
	m.drop = drop
	m.mu.Unlock()
}

// Attach connects a transceiver with link address addr.
func (m *Medium) Attach(addr core.LinkAddr) *MemLink {
	l := &MemLink{medium: m, addr: addr, rx: make(chan core.RawFrame, m.depth), done: make(chan struct{})}
	m.mu.Lock()
	m.links[addr] = l
	m.mu.Unlock()
	return l
}

func (m *Medium) transmit(f core.RawFrame, b []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.drop != nil && m.drop(f) {
		return
	}
	for addr, l := range m.links {
		if addr == f.Src || !accepts(addr, f.Dst) {
			continue
		}
		l.deliver(b)
	}
}

// MemLink is one node's view of a Medium.
type MemLink struct {
	medium *Medium
	addr   core.LinkAddr
	seq    atomic.Uint32
	rx     chan core.RawFrame

	closeOnce sync.Once
	done      chan struct{}
	dropped   atomic.Uint64
}

func (l *MemLink) Send(ctx context.Context, f core.RawFrame) error {
	select {
	case <-l.done:
		return core.ErrLinkClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Src = l.addr
	b, err := mac.Encode(mac.Frame{Seq: uint8(l.seq.Add(1)), Src: f.Src, Dst: f.Dst, Payload: f.Payload})
	if err != nil {
		return err
	}
	l.medium.transmit(f, b)
	return nil
}

func (l *MemLink) deliver(b []byte) {
	frame, err := mac.Decode(b)
	if err != nil {
		return
	}
	rf := core.RawFrame{Src: frame.Src, Dst: frame.Dst, Payload: slices.Clone(frame.Payload), Timestamp: time.Now()}
	select {
	case <-l.done:
	case l.rx <- rf:
	default:
		l.dropped.Add(1)
	}
}

func (l *MemLink) Receive(ctx context.Context) (core.RawFrame, error) {
	select {
	case f := <-l.rx:
		return f, nil
	case <-ctx.Done():
		return core.RawFrame{}, ctx.Err()
	case <-l.done:
		return core.RawFrame{}, core.ErrLinkClosed
	}
}

// Dropped counts frames lost to a full receive queue.
func (l *MemLink) Dropped() uint64 { return l.dropped.Load() }

func (l *MemLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.medium.mu.Lock()
		delete(l.medium.links, l.addr)
		l.medium.mu.Unlock()
	})
	return nil
}
