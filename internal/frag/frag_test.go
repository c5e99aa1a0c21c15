package frag

import (
	"bytes"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/dispatch"
)

func datagram(n int) []byte {
	b := make([]byte, n)
	b[0] = dispatch.IPHCDispatch | 0x1b
	for i := 1; i < n; i++ {
		b[i] = byte(i)
	}
	return b
}

func TestFragments300Over102(t *testing.T) {
	f := NewFragmenter(0x1234)
	d := datagram(300)

	seq, err := f.Fragments(d, 102)
	require.NoError(t, err)
	frames := slices.Collect(seq)
	require.Len(t, frames, 4)

	assert.Equal(t, []byte{0xc1, 0x2c, 0x12, 0x34}, frames[0][:4])
	assert.Len(t, frames[0], 4+96)

	var total []byte
	total = append(total, frames[0][4:]...)
	for i, fr := range frames[1:] {
		assert.Equal(t, []byte{0xe1, 0x2c, 0x12, 0x34, byte(12 * (i + 1))}, fr[:5])
		assert.LessOrEqual(t, len(fr), 102)
		total = append(total, fr[5:]...)
	}
	assert.Len(t, frames[3], 5+12)
	assert.Equal(t, d, total)
}

func TestFragmentsPayloadMultipleOfEight(t *testing.T) {
	f := NewFragmenter(0)
	for _, mtu := range []int{MinMTU, 21, 64, 81, 102, 127} {
		for _, size := range []int{mtu + 1, 2 * mtu, 1280, dispatch.MaxDatagramSize} {
			seq, err := f.Fragments(datagram(size), mtu)
			require.NoError(t, err)

			frames := slices.Collect(seq)
			assert.Len(t, frames, Count(size, mtu))
			sum := 0
			for i, fr := range frames {
				h, n, err := dispatch.ParseFragHeader(fr)
				require.NoError(t, err)
				assert.Equal(t, i == 0, h.First)
				assert.Equal(t, uint16(size), h.Size)
				assert.Equal(t, sum, h.ByteOffset())
				assert.LessOrEqual(t, len(fr), mtu)
				if i < len(frames)-1 {
					assert.Zero(t, (len(fr)-n)%8, "mtu %d size %d frame %d", mtu, size, i)
				}
				sum += len(fr) - n
			}
			assert.Equal(t, size, sum)
		}
	}
}

func TestFragmentsBoundary(t *testing.T) {
	f := NewFragmenter(0)

	d := datagram(102)
	seq, err := f.Fragments(d, 102)
	require.NoError(t, err)
	frames := slices.Collect(seq)
	require.Len(t, frames, 1)
	assert.Equal(t, d, frames[0], "exactly one MTU is sent without a fragment header")

	seq, err = f.Fragments(datagram(103), 102)
	require.NoError(t, err)
	frames = slices.Collect(seq)
	require.GreaterOrEqual(t, len(frames), 2)
	kind, _, err := dispatch.Classify(frames[0])
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindFrag1, kind)
}

func TestFragmentsErrors(t *testing.T) {
	f := NewFragmenter(0)

	_, err := f.Fragments(datagram(dispatch.MaxDatagramSize+1), 102)
	assert.ErrorIs(t, err, core.ErrOversizedDatagram)

	_, err = f.Fragments(datagram(100), MinMTU-1)
	assert.ErrorIs(t, err, core.ErrInvalidMTU)

	// No tag is consumed by rejected datagrams.
	assert.Equal(t, uint16(0), f.NextTag())
}

func TestFragmentsLazyTagAndEarlyStop(t *testing.T) {
	f := NewFragmenter(7)
	seq, err := f.Fragments(datagram(500), 102)
	require.NoError(t, err)

	var got [][]byte
	for fr := range seq {
		got = append(got, fr)
		if len(got) == 2 {
			break
		}
	}
	require.Len(t, got, 2)
	h, _, err := dispatch.ParseFragHeader(got[1])
	require.NoError(t, err)
	assert.Equal(t, uint16(7), h.Tag)
	assert.Equal(t, uint16(8), f.NextTag())
}

func TestFramesDoNotAlias(t *testing.T) {
	f := NewFragmenter(0)
	d := datagram(300)
	seq, err := f.Fragments(d, 102)
	require.NoError(t, err)

	for fr := range seq {
		fr[len(fr)-1] ^= 0xff
	}
	assert.True(t, bytes.Equal(datagram(300), d))
}

func TestNextTagWraps(t *testing.T) {
	f := NewFragmenter(0xffff)
	assert.Equal(t, uint16(0xffff), f.NextTag())
	assert.Equal(t, uint16(0), f.NextTag())
	assert.Equal(t, uint16(1), f.NextTag())
}

func TestNextTagConcurrent(t *testing.T) {
	f := NewFragmenter(0)
	var mu sync.Mutex
	seen := make(map[uint16]struct{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tag := f.NextTag()
				mu.Lock()
				seen[tag] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)
}
