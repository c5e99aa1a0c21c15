package reassembly

import (
	"context"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/dispatch"
	"firestige.xyz/lowpan/internal/frag"
	"firestige.xyz/lowpan/internal/metrics"
)

var (
	nodeA = core.MustParseLinkAddr("02:00:00:00:00:00:00:0a")
	nodeB = core.MustParseLinkAddr("02:00:00:00:00:00:00:0b")
	t0    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type piece struct {
	hdr     dispatch.FragHeader
	payload []byte
}

func datagram(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func split(t *testing.T, f *frag.Fragmenter, d []byte, mtu int) []piece {
	t.Helper()
	seq, err := f.Fragments(d, mtu)
	require.NoError(t, err)
	var out []piece
	for fr := range seq {
		h, n, err := dispatch.ParseFragHeader(fr)
		require.NoError(t, err)
		out = append(out, piece{h, fr[n:]})
	}
	return out
}

func newManager(t *testing.T, slots int) *Manager {
	t.Helper()
	m, err := New(Config{Slots: slots, MaxDatagramSize: 1280, Timeout: 60 * time.Second})
	require.NoError(t, err)
	return m
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Slots: 0, MaxDatagramSize: 1280, Timeout: time.Second},
		{Slots: 1, MaxDatagramSize: 4096, Timeout: time.Second},
		{Slots: 1, MaxDatagramSize: 1280},
	} {
		_, err := New(cfg)
		assert.ErrorIs(t, err, core.ErrConfigInvalid)
	}
}

func TestInOrder(t *testing.T) {
	m := newManager(t, 2)
	d := datagram(300)
	pieces := split(t, frag.NewFragmenter(0x1234), d, 102)
	require.Len(t, pieces, 4)

	for i, p := range pieces {
		out, done, err := m.Add(nodeA, nodeB, p.hdr, p.payload, t0)
		require.NoError(t, err)
		if i < len(pieces)-1 {
			assert.False(t, done)
			assert.Nil(t, out)
			continue
		}
		require.True(t, done)
		assert.Equal(t, d, out)
	}
	st := m.Stats()
	assert.Equal(t, uint64(1), st.Started)
	assert.Equal(t, uint64(1), st.Completed)
	assert.Zero(t, st.Active)
}

func TestAnyOrder(t *testing.T) {
	d := datagram(700)
	pieces := split(t, frag.NewFragmenter(9), d, 64)
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 20; round++ {
		m := newManager(t, 1)
		order := slices.Clone(pieces)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var got []byte
		for i, p := range order {
			out, done, err := m.Add(nodeA, nodeB, p.hdr, p.payload, t0)
			require.NoError(t, err)
			assert.Equal(t, i == len(order)-1, done)
			if done {
				got = out
			}
		}
		assert.Equal(t, d, got)
	}
}

func TestDuplicatesDoNotCompleteEarly(t *testing.T) {
	m := newManager(t, 1)
	d := datagram(200)
	pieces := split(t, frag.NewFragmenter(1), d, 80)
	require.Greater(t, len(pieces), 2)

	for _, p := range pieces[:len(pieces)-1] {
		for j := 0; j < 3; j++ {
			_, done, err := m.Add(nodeA, nodeB, p.hdr, p.payload, t0)
			require.NoError(t, err)
			require.False(t, done)
		}
	}
	last := pieces[len(pieces)-1]
	out, done, err := m.Add(nodeA, nodeB, last.hdr, last.payload, t0)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, d, out)
	assert.Equal(t, uint64(2*(len(pieces)-1)), m.Stats().Duplicate)
}

func TestInterleavedDatagrams(t *testing.T) {
	m := newManager(t, 2)
	f := frag.NewFragmenter(100)
	d1, d2 := datagram(250), datagram(400)
	p1, p2 := split(t, f, d1, 90), split(t, f, d2, 90)

	results := map[int][]byte{}
	for i := 0; i < max(len(p1), len(p2)); i++ {
		if i < len(p1) {
			out, done, err := m.Add(nodeA, nodeB, p1[i].hdr, p1[i].payload, t0)
			require.NoError(t, err)
			if done {
				results[1] = out
			}
		}
		if i < len(p2) {
			out, done, err := m.Add(nodeA, nodeB, p2[i].hdr, p2[i].payload, t0)
			require.NoError(t, err)
			if done {
				results[2] = out
			}
		}
	}
	assert.Equal(t, d1, results[1])
	assert.Equal(t, d2, results[2])
}

func TestSameTagDifferentSources(t *testing.T) {
	m := newManager(t, 2)
	d := datagram(200)
	pa := split(t, frag.NewFragmenter(5), d, 80)
	pb := split(t, frag.NewFragmenter(5), d, 80)

	_, _, err := m.Add(nodeA, nodeB, pa[0].hdr, pa[0].payload, t0)
	require.NoError(t, err)
	_, _, err = m.Add(nodeB, nodeA, pb[0].hdr, pb[0].payload, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Stats().Active)
}

func TestLRUEviction(t *testing.T) {
	m := newManager(t, 2)
	f := frag.NewFragmenter(0)
	d := datagram(200)
	first, second, third := split(t, f, d, 80), split(t, f, d, 80), split(t, f, d, 80)

	_, _, err := m.Add(nodeA, nodeB, first[0].hdr, first[0].payload, t0)
	require.NoError(t, err)
	_, _, err = m.Add(nodeA, nodeB, second[0].hdr, second[0].payload, t0.Add(time.Second))
	require.NoError(t, err)
	// Touch the first so the second becomes least recently updated.
	_, _, err = m.Add(nodeA, nodeB, first[1].hdr, first[1].payload, t0.Add(2*time.Second))
	require.NoError(t, err)

	evicted := testutil.ToFloat64(metrics.ReassemblyEventsTotal.WithLabelValues(metrics.EventEvicted))
	_, _, err = m.Add(nodeA, nodeB, third[0].hdr, third[0].payload, t0.Add(3*time.Second))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), m.Stats().Evicted)
	assert.Equal(t, evicted+1, testutil.ToFloat64(metrics.ReassemblyEventsTotal.WithLabelValues(metrics.EventEvicted)))

	tags := []uint16{}
	for _, s := range m.Snapshot() {
		tags = append(tags, s.Tag)
	}
	assert.ElementsMatch(t, []uint16{first[0].hdr.Tag, third[0].hdr.Tag}, tags)

	// The evicted datagram starts over if its fragments keep arriving.
	_, done, err := m.Add(nodeA, nodeB, second[1].hdr, second[1].payload, t0.Add(4*time.Second))
	require.NoError(t, err)
	assert.False(t, done)
}

func TestOverflowDiscardsSlot(t *testing.T) {
	m := newManager(t, 1)
	_, _, err := m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 40, Tag: 1}, make([]byte, 24), t0)
	require.NoError(t, err)

	_, done, err := m.Add(nodeA, nodeB, dispatch.FragHeader{Size: 40, Tag: 1, Offset: 3}, make([]byte, 24), t0)
	assert.ErrorIs(t, err, core.ErrFragmentOverflow)
	assert.False(t, done)
	assert.Equal(t, uint64(1), m.Stats().Overflow)
	assert.Empty(t, m.Snapshot())
}

func TestSizeMismatchRestarts(t *testing.T) {
	m := newManager(t, 1)
	_, _, err := m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 40, Tag: 1}, make([]byte, 24), t0)
	require.NoError(t, err)

	_, done, err := m.Add(nodeA, nodeB, dispatch.FragHeader{Size: 48, Tag: 1, Offset: 3}, make([]byte, 24), t0)
	require.NoError(t, err)
	assert.False(t, done)

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Corrupt)
	assert.Equal(t, uint64(2), st.Started)
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 48, snap[0].Size)
	assert.Equal(t, 24, snap[0].Received)
}

func TestInvalidFragments(t *testing.T) {
	m := newManager(t, 1)
	_, _, err := m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 0}, []byte{1}, t0)
	assert.ErrorIs(t, err, core.ErrFragmentInvalid)
	_, _, err = m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 1281}, []byte{1}, t0)
	assert.ErrorIs(t, err, core.ErrFragmentInvalid)
	_, _, err = m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 16}, nil, t0)
	assert.ErrorIs(t, err, core.ErrFragmentInvalid)
	assert.Zero(t, m.Stats().Started)
}

func TestExpire(t *testing.T) {
	m, err := New(Config{Slots: 2, MaxDatagramSize: 1280, Timeout: 5 * time.Second})
	require.NoError(t, err)
	_, _, err = m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 40, Tag: 1}, make([]byte, 8), t0)
	require.NoError(t, err)
	_, _, err = m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 40, Tag: 2}, make([]byte, 8), t0.Add(3*time.Second))
	require.NoError(t, err)

	// Updates do not extend a slot's lifetime.
	_, _, err = m.Add(nodeA, nodeB, dispatch.FragHeader{Size: 40, Tag: 1, Offset: 1}, make([]byte, 8), t0.Add(4*time.Second))
	require.NoError(t, err)

	assert.Equal(t, 0, m.Expire(t0.Add(5*time.Second)))
	assert.Equal(t, 1, m.Expire(t0.Add(6*time.Second)))
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint16(2), snap[0].Tag)
	assert.Equal(t, uint64(1), m.Stats().Expired)
}

func TestStaleSlotReplacedOnAdd(t *testing.T) {
	m, err := New(Config{Slots: 1, MaxDatagramSize: 1280, Timeout: time.Second})
	require.NoError(t, err)
	_, _, err = m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 16, Tag: 1}, make([]byte, 8), t0)
	require.NoError(t, err)

	// The tail arrives after the timeout and must not complete the stale head.
	_, done, err := m.Add(nodeA, nodeB, dispatch.FragHeader{Size: 16, Tag: 1, Offset: 1}, make([]byte, 8), t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, uint64(1), m.Stats().Expired)
}

func TestRunExpires(t *testing.T) {
	m, err := New(Config{Slots: 1, MaxDatagramSize: 1280, Timeout: time.Millisecond})
	require.NoError(t, err)
	_, _, err = m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 16, Tag: 1}, make([]byte, 8), time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return m.Stats().Active == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSourceBudget(t *testing.T) {
	m, err := New(Config{Slots: 2, MaxDatagramSize: 1280, Timeout: time.Minute, MaxFragsPerSource: 2, RateWindow: time.Second})
	require.NoError(t, err)

	hdr := dispatch.FragHeader{First: true, Size: 64, Tag: 1}
	for i := 0; i < 2; i++ {
		_, _, err := m.Add(nodeA, nodeB, hdr, make([]byte, 8), t0)
		require.NoError(t, err)
	}
	_, _, err = m.Add(nodeA, nodeB, hdr, make([]byte, 8), t0)
	assert.ErrorIs(t, err, core.ErrFragmentInvalid)

	// Another source and a new window are unaffected.
	_, _, err = m.Add(nodeB, nodeA, hdr, make([]byte, 8), t0)
	assert.NoError(t, err)
	_, _, err = m.Add(nodeA, nodeB, hdr, make([]byte, 8), t0.Add(time.Second))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), m.Stats().Limited)
}

func TestReset(t *testing.T) {
	m := newManager(t, 2)
	_, _, err := m.Add(nodeA, nodeB, dispatch.FragHeader{First: true, Size: 40, Tag: 1}, make([]byte, 8), t0)
	require.NoError(t, err)

	m.Reset()
	assert.Empty(t, m.Snapshot())
	assert.Equal(t, Stats{}, m.Stats())
}

func TestMarkRange(t *testing.T) {
	mask := make([]uint64, 3)
	assert.Equal(t, 130, markRange(mask, 10, 140))
	assert.Equal(t, 10, markRange(mask, 0, 20))
	assert.Equal(t, 0, markRange(mask, 64, 128))
	assert.Equal(t, ^uint64(0), mask[1])
	assert.Equal(t, 52, markRange(mask, 140, 192))
}
