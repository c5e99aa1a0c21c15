package registry

import (
	"sync/atomic"

	"firestige.xyz/lowpan/internal/core"
)

// ChanConsumer queues frames on a buffered channel and drops them when the
// channel is full.
type ChanConsumer struct {
	name    string
	ch      chan core.Frame
	dropped atomic.Uint64
}

func NewChanConsumer(name string, depth int) *ChanConsumer {
	return &ChanConsumer{name: name, ch: make(chan core.Frame, depth)}
}

func (c *ChanConsumer) Name() string { return c.name }

func (c *ChanConsumer) Deliver(f core.Frame) bool {
	select {
	case c.ch <- f:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// C returns the receive side of the queue.
func (c *ChanConsumer) C() <-chan core.Frame { return c.ch }

// Dropped returns how many frames were refused.
func (c *ChanConsumer) Dropped() uint64 { return c.dropped.Load() }

// FilteredConsumer passes only frames whose datagram matches a BPF program.
// Frames the filter rejects count as accepted.
type FilteredConsumer struct {
	Consumer
	filter *Filter
}

func NewFilteredConsumer(c Consumer, f *Filter) *FilteredConsumer {
	return &FilteredConsumer{Consumer: c, filter: f}
}

func (c *FilteredConsumer) Deliver(f core.Frame) bool {
	if !c.filter.Match(f.Data) {
		return true
	}
	return c.Consumer.Deliver(f)
}
