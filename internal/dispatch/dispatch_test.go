package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/core"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		in       []byte
		kind     Kind
		consumed int
		err      error
	}{
		{"uncompressed", []byte{0x41, 0x60}, KindIPv6, 1, nil},
		{"iphc low", []byte{0x60, 0x00}, KindIPHC, 2, nil},
		{"iphc high", []byte{0x7f, 0xff, 0x01}, KindIPHC, 2, nil},
		{"iphc truncated", []byte{0x7b}, KindIPHC, 0, core.ErrTruncated},
		{"frag1", []byte{0xc1, 0x2c, 0x12, 0x34}, KindFrag1, 4, nil},
		{"frag1 high", []byte{0xc7, 0xff, 0x00, 0x01}, KindFrag1, 4, nil},
		{"frag1 truncated", []byte{0xc0, 0x10, 0x00}, KindFrag1, 0, core.ErrTruncated},
		{"fragn", []byte{0xe1, 0x2c, 0x12, 0x34, 0x0c}, KindFragN, 5, nil},
		{"fragn truncated", []byte{0xe0, 0x10, 0x00, 0x01}, KindFragN, 0, core.ErrTruncated},
		{"empty", nil, KindUnknown, 0, core.ErrTruncated},
		{"nalp", []byte{0x00, 0x01}, KindUnknown, 0, core.ErrUnknownDispatch},
		{"hc1", []byte{0x42, 0x01}, KindUnknown, 0, core.ErrUnknownDispatch},
		{"mesh", []byte{0x80, 0x01}, KindUnknown, 0, core.ErrUnknownDispatch},
		{"bc0", []byte{0x50, 0x01}, KindUnknown, 0, core.ErrUnknownDispatch},
		{"reserved c8", []byte{0xc8, 0x00, 0x00, 0x00}, KindUnknown, 0, core.ErrUnknownDispatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, n, err := Classify(tt.in)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.consumed, n)
		})
	}
}

func TestFragHeaderEncoding(t *testing.T) {
	first := FragHeader{First: true, Size: 300, Tag: 0xbeef}
	b := first.AppendTo(nil)
	assert.Equal(t, []byte{0xc1, 0x2c, 0xbe, 0xef}, b)

	next := FragHeader{Size: 300, Tag: 0xbeef, Offset: 12}
	b = next.AppendTo(nil)
	assert.Equal(t, []byte{0xe1, 0x2c, 0xbe, 0xef, 0x0c}, b)
	assert.Equal(t, 96, next.ByteOffset())
}

func TestParseFragHeader(t *testing.T) {
	for _, h := range []FragHeader{
		{First: true, Size: 1, Tag: 0},
		{First: true, Size: MaxDatagramSize, Tag: 0xffff},
		{Size: 1280, Tag: 7, Offset: 159},
	} {
		b := h.AppendTo(nil)
		b = append(b, 0xaa, 0xbb)
		got, n, err := ParseFragHeader(b)
		require.NoError(t, err)
		assert.Equal(t, h, got)
		assert.Equal(t, h.Len(), n)
	}
}

func TestParseFragHeaderInvalid(t *testing.T) {
	_, _, err := ParseFragHeader([]byte{0x41, 0x60})
	assert.ErrorIs(t, err, core.ErrFragmentInvalid)

	_, _, err = ParseFragHeader([]byte{0xc0, 0x00, 0x00, 0x01})
	assert.ErrorIs(t, err, core.ErrFragmentInvalid)

	_, _, err = ParseFragHeader([]byte{0xe0, 0x10})
	assert.ErrorIs(t, err, core.ErrTruncated)
}
