package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	udp := udpPacket(t, "2001:db8::1", "fe80::2", 61616, 5683)
	icmp := icmpPacket(t, "fe80::1", "ff02::1")

	tests := []struct {
		expr string
		udp  bool
		icmp bool
	}{
		{"", true, true},
		{"ip6", true, true},
		{"udp", true, false},
		{"icmp6", false, true},
		{"tcp", false, false},
		{"not udp", false, true},
		{"host fe80::2", true, false},
		{"src host fe80::2", false, false},
		{"dst host fe80::2", true, false},
		{"dst host FF02::1", false, true},
		{"net 2001:db8::/32", true, false},
		{"src net 2001:db8::/33", true, false},
		{"dst net fe80::/10", true, false},
		{"net ::/0", true, true},
		{"not net ::/0", false, false},
		{"port 61616", true, false},
		{"src port 61616", true, false},
		{"dst port 61616", false, false},
		{"udp and dst port 5683 and src net 2001:db8::/64", true, false},
		{"ip6 && not icmp6", true, false},
		{"! udp and dst net ff00::/8", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := CompileFilter(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.udp, f.Match(udp), "udp")
			assert.Equal(t, tt.icmp, f.Match(icmp), "icmp")
		})
	}
}

func TestFilterShortPacket(t *testing.T) {
	f, err := CompileFilter("port 53")
	require.NoError(t, err)
	assert.False(t, f.Match([]byte{0x60, 0, 0, 0}))
	assert.False(t, f.Match(nil))
}

func TestFilterProgram(t *testing.T) {
	f, err := CompileFilter("udp")
	require.NoError(t, err)
	assert.Equal(t, "udp", f.String())
	assert.Len(t, f.Program(), 4)
}

func TestFilterErrors(t *testing.T) {
	for _, expr := range []string{
		"udp or tcp",
		"udp and",
		"not",
		"src",
		"host",
		"host 10.0.0.1",
		"net 2001:db8::",
		"port 70000",
		"src udp",
		"ethernet",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := CompileFilter(expr)
			assert.Error(t, err)
		})
	}
}
