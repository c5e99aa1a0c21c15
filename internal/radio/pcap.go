package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/mac"
)

// LinkTypeIEEE802154 is LINKTYPE_IEEE802_15_4_WITHFCS.
const LinkTypeIEEE802154 layers.LinkType = 195

// PcapLink replays received frames from one capture file and records
// transmitted frames to another. Either side may be absent: without an input
// Receive blocks until ctx is done or the link is closed, without an output
// Send discards.
type PcapLink struct {
	local core.LinkAddr
	panID uint16
	seq   atomic.Uint32

	in     *os.File
	reader *pcapgo.Reader

	mu     sync.Mutex
	out    *os.File
	writer *pcapgo.Writer

	closeOnce sync.Once
	done      chan struct{}
}

func NewPcapLink(cfg config.PcapLinkConfig, local core.LinkAddr, panID uint16) (*PcapLink, error) {
	l := &PcapLink{local: local, panID: panID, done: make(chan struct{})}

	if cfg.In != "" {
		f, err := os.Open(cfg.In)
		if err != nil {
			return nil, fmt.Errorf("open capture %s: %w", cfg.In, err)
		}
		r, err := pcapgo.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("read capture header %s: %w", cfg.In, err)
		}
		if r.LinkType() != LinkTypeIEEE802154 {
			f.Close()
			return nil, fmt.Errorf("%w: capture %s has link type %s", core.ErrUnsupported, cfg.In, r.LinkType())
		}
		l.in, l.reader = f, r
	}

	if cfg.Out != "" {
		f, err := os.Create(cfg.Out)
		if err != nil {
			l.closeFiles()
			return nil, fmt.Errorf("create capture %s: %w", cfg.Out, err)
		}
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(mac.MaxFrameSize, LinkTypeIEEE802154); err != nil {
			f.Close()
			l.closeFiles()
			return nil, fmt.Errorf("write capture header %s: %w", cfg.Out, err)
		}
		l.out, l.writer = f, w
	}
	return l, nil
}

func (l *PcapLink) Send(ctx context.Context, f core.RawFrame) error {
	if l.isClosed() {
		return core.ErrLinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := mac.Encode(mac.Frame{
		Seq:     uint8(l.seq.Add(1)),
		PANID:   l.panID,
		Src:     l.local,
		Dst:     f.Dst,
		Payload: f.Payload,
	})
	if err != nil {
		return err
	}
	if l.writer == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(b), Length: len(b)}
	if err := l.writer.WritePacket(ci, b); err != nil {
		return fmt.Errorf("record frame: %w", err)
	}
	return nil
}

// Receive returns the next replayed frame addressed to this node. Frames
// keep the capture timestamp.
func (l *PcapLink) Receive(ctx context.Context) (core.RawFrame, error) {
	if l.reader == nil {
		select {
		case <-ctx.Done():
			return core.RawFrame{}, ctx.Err()
		case <-l.done:
			return core.RawFrame{}, core.ErrLinkClosed
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return core.RawFrame{}, err
		}
		if l.isClosed() {
			return core.RawFrame{}, core.ErrLinkClosed
		}
		data, ci, err := l.reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return core.RawFrame{}, fmt.Errorf("%w: end of capture", core.ErrLinkClosed)
		}
		if err != nil {
			return core.RawFrame{}, fmt.Errorf("read capture: %w", err)
		}

		frame, err := mac.Decode(data)
		if err != nil {
			log.GetLogger().WithError(err).Debug("skipping undecodable captured frame")
			continue
		}
		if frame.PANID != l.panID && frame.PANID != 0xffff {
			continue
		}
		if !accepts(l.local, frame.Dst) {
			continue
		}
		return core.RawFrame{
			Src:       frame.Src,
			Dst:       frame.Dst,
			Payload:   slices.Clone(frame.Payload),
			Timestamp: ci.Timestamp,
		}, nil
	}
}

func (l *PcapLink) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *PcapLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		defer l.mu.Unlock()
		err = l.closeFiles()
	})
	return err
}

func (l *PcapLink) closeFiles() error {
	var errs []error
	if l.in != nil {
		errs = append(errs, l.in.Close())
	}
	if l.out != nil {
		errs = append(errs, l.out.Close())
	}
	return errors.Join(errs...)
}
