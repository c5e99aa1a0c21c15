// Package reassembly rebuilds LoWPAN datagrams from RFC 4944 fragments in a
// fixed pool of slots.
package reassembly

import (
	"context"
	"fmt"
	"math/bits"
	"slices"
	"sync"
	"time"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/dispatch"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/metrics"
)

// Config sizes a Manager.
type Config struct {
	Slots             int           // Concurrent partial datagrams
	MaxDatagramSize   int           // Per-slot storage, at most dispatch.MaxDatagramSize
	Timeout           time.Duration // Slot lifetime measured from its first fragment
	MaxFragsPerSource int           // Per-source fragment budget per RateWindow, 0 = unlimited
	RateWindow        time.Duration
}

// Stats are cumulative counters since construction or the last Reset.
type Stats struct {
	Started   uint64
	Completed uint64
	Evicted   uint64
	Expired   uint64
	Corrupt   uint64
	Overflow  uint64
	Duplicate uint64
	Limited   uint64
	Active    int
}

// SlotInfo describes one occupied slot.
type SlotInfo struct {
	Src      core.LinkAddr
	Dst      core.LinkAddr
	Tag      uint16
	Size     int
	Received int
	Created  time.Time
	Updated  time.Time
}

type key struct {
	src core.LinkAddr
	tag uint16
}

type slot struct {
	used     bool
	key      key
	dst      core.LinkAddr
	size     int
	received int
	mask     []uint64
	buf      []byte
	created  time.Time
	updated  time.Time
}

// Manager owns the slot arena. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	slots   []slot
	index   map[key]int
	limiter *sourceLimiter
	stats   Stats
}

// New allocates every slot up front.
func New(cfg Config) (*Manager, error) {
	if cfg.Slots <= 0 {
		return nil, fmt.Errorf("%w: reassembly slots %d", core.ErrConfigInvalid, cfg.Slots)
	}
	if cfg.MaxDatagramSize <= 0 || cfg.MaxDatagramSize > dispatch.MaxDatagramSize {
		return nil, fmt.Errorf("%w: reassembly datagram size %d", core.ErrConfigInvalid, cfg.MaxDatagramSize)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: reassembly timeout %s", core.ErrConfigInvalid, cfg.Timeout)
	}

	words := (cfg.MaxDatagramSize + 63) / 64
	bufs := make([]byte, cfg.Slots*cfg.MaxDatagramSize)
	masks := make([]uint64, cfg.Slots*words)

	m := &Manager{
		cfg:     cfg,
		slots:   make([]slot, cfg.Slots),
		index:   make(map[key]int, cfg.Slots),
		limiter: newSourceLimiter(cfg.MaxFragsPerSource, cfg.RateWindow),
	}
	for i := range m.slots {
		m.slots[i].buf = bufs[i*cfg.MaxDatagramSize : (i+1)*cfg.MaxDatagramSize : (i+1)*cfg.MaxDatagramSize]
		m.slots[i].mask = masks[i*words : (i+1)*words : (i+1)*words]
	}
	return m, nil
}

// Add stores one fragment. When it completes a datagram the reassembled
// bytes are returned with true; the slice is owned by the caller.
func (m *Manager) Add(src, dst core.LinkAddr, hdr dispatch.FragHeader, payload []byte, now time.Time) ([]byte, bool, error) {
	size := int(hdr.Size)
	if size == 0 || size > m.cfg.MaxDatagramSize {
		return nil, false, fmt.Errorf("%w: datagram size %d", core.ErrFragmentInvalid, size)
	}
	if len(payload) == 0 {
		return nil, false, fmt.Errorf("%w: empty fragment", core.ErrFragmentInvalid)
	}
	if m.limiter != nil && !m.limiter.allow(src, now) {
		m.mu.Lock()
		m.stats.Limited++
		m.mu.Unlock()
		return nil, false, fmt.Errorf("%w: fragment budget exceeded for %s", core.ErrFragmentInvalid, src)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{src: src, tag: hdr.Tag}
	i, ok := m.index[k]
	if ok {
		s := &m.slots[i]
		switch {
		case now.Sub(s.created) > m.cfg.Timeout:
			m.release(i, metrics.EventExpired)
			m.stats.Expired++
			ok = false
		case s.size != size:
			log.GetLogger().WithField("src", src).WithField("tag", hdr.Tag).
				Debugf("datagram size changed %d -> %d, restarting", s.size, size)
			m.release(i, metrics.EventCorrupt)
			m.stats.Corrupt++
			ok = false
		}
	}
	if !ok {
		i = m.open(k, dst, size, now)
	}

	s := &m.slots[i]
	off := hdr.ByteOffset()
	end := off + len(payload)
	if end > s.size {
		m.release(i, metrics.EventOverflow)
		m.stats.Overflow++
		return nil, false, fmt.Errorf("%w: %d+%d exceeds %d", core.ErrFragmentOverflow, off, len(payload), s.size)
	}

	copy(s.buf[off:end], payload)
	fresh := markRange(s.mask, off, end)
	if fresh == 0 {
		m.stats.Duplicate++
		metrics.ReassemblyEventsTotal.WithLabelValues(metrics.EventDuplicate).Inc()
	}
	s.received += fresh
	s.updated = now

	if s.received < s.size {
		return nil, false, nil
	}

	out := slices.Clone(s.buf[:s.size])
	m.release(i, metrics.EventCompleted)
	m.stats.Completed++
	return out, true, nil
}

// open claims a free slot, evicting the least recently updated one when the
// pool is full.
func (m *Manager) open(k key, dst core.LinkAddr, size int, now time.Time) int {
	victim := -1
	for i := range m.slots {
		if !m.slots[i].used {
			victim = i
			break
		}
		if victim < 0 || m.slots[i].updated.Before(m.slots[victim].updated) {
			victim = i
		}
	}
	if m.slots[victim].used {
		old := m.slots[victim].key
		log.GetLogger().WithField("src", old.src).WithField("tag", old.tag).Debug("reassembly pool full, evicting")
		m.release(victim, metrics.EventEvicted)
		m.stats.Evicted++
	}

	s := &m.slots[victim]
	s.used = true
	s.key = k
	s.dst = dst
	s.size = size
	s.received = 0
	s.created = now
	s.updated = now
	m.index[k] = victim
	m.stats.Started++
	metrics.ReassemblyEventsTotal.WithLabelValues(metrics.EventStarted).Inc()
	metrics.ReassemblyActiveSlots.Inc()
	return victim
}

func (m *Manager) release(i int, event string) {
	s := &m.slots[i]
	delete(m.index, s.key)
	clear(s.mask)
	s.used = false
	s.received = 0
	metrics.ReassemblyEventsTotal.WithLabelValues(event).Inc()
	metrics.ReassemblyActiveSlots.Dec()
}

// Expire frees every slot older than the timeout and returns how many were
// freed.
func (m *Manager) Expire(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for i := range m.slots {
		s := &m.slots[i]
		if s.used && now.Sub(s.created) > m.cfg.Timeout {
			log.GetLogger().WithField("src", s.key.src).WithField("tag", s.key.tag).
				Debugf("reassembly timed out with %d/%d octets", s.received, s.size)
			m.release(i, metrics.EventExpired)
			m.stats.Expired++
			n++
		}
	}
	return n
}

// Run calls Expire every tick until ctx is done.
func (m *Manager) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Expire(now)
		}
	}
}

// Snapshot lists the occupied slots, oldest first.
func (m *Manager) Snapshot() []SlotInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SlotInfo, 0, len(m.index))
	for _, s := range m.slots {
		if !s.used {
			continue
		}
		out = append(out, SlotInfo{
			Src:      s.key.src,
			Dst:      s.dst,
			Tag:      s.key.tag,
			Size:     s.size,
			Received: s.received,
			Created:  s.created,
			Updated:  s.updated,
		})
	}
	slices.SortFunc(out, func(a, b SlotInfo) int { return a.Created.Compare(b.Created) })
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.Active = len(m.index)
	return st
}

// Reset drops every partial datagram and zeroes the counters.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slots[i].used {
			delete(m.index, m.slots[i].key)
			clear(m.slots[i].mask)
			m.slots[i].used = false
			metrics.ReassemblyActiveSlots.Dec()
		}
	}
	m.stats = Stats{}
}

// markRange sets bits [from, to) and returns how many were previously clear.
func markRange(mask []uint64, from, to int) int {
	fresh := 0
	for from < to {
		w, b := from/64, uint(from%64)
		n := min(64-int(b), to-from)
		var bitsToSet uint64
		if n == 64 {
			bitsToSet = ^uint64(0)
		} else {
			bitsToSet = (uint64(1)<<uint(n) - 1) << b
		}
		fresh += bits.OnesCount64(bitsToSet &^ mask[w])
		mask[w] |= bitsToSet
		from += n
	}
	return fresh
}
