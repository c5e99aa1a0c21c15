package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/lowpan/internal/core"
)

const snapLen = 65535

// PcapSink records datagrams as raw IPv6 packets.
type PcapSink struct {
	buf    *bufio.Writer
	closer io.Closer
	writer *pcapgo.Writer
}

// NewPcapSink creates (or truncates) path and writes the capture header.
func NewPcapSink(path string) (*PcapSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}
	s, err := newPcapSink(file, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func newPcapSink(w io.Writer, c io.Closer) (*PcapSink, error) {
	buf := bufio.NewWriter(w)
	writer := pcapgo.NewWriter(buf)
	if err := writer.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return &PcapSink{buf: buf, closer: c, writer: writer}, nil
}

func (s *PcapSink) Name() string { return "pcap" }

func (s *PcapSink) Write(_ context.Context, f core.Frame) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     f.Received,
		CaptureLength: len(f.Data),
		Length:        len(f.Data),
	}
	if err := s.writer.WritePacket(ci, f.Data); err != nil {
		return err
	}
	return s.buf.Flush()
}

func (s *PcapSink) Close() error {
	err := s.buf.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
