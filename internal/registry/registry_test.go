package registry

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/metrics"
)

func frame(data []byte) core.Frame {
	return core.Frame{
		Src:      core.MustParseLinkAddr("02:00:00:00:00:00:00:01"),
		Dst:      core.MustParseLinkAddr("02:00:00:00:00:00:00:02"),
		Received: time.Unix(0, 0),
		Data:     data,
	}
}

func TestRegisterLimits(t *testing.T) {
	r := New(2)
	require.NoError(t, r.Register(NewChanConsumer("a", 1)))
	assert.ErrorIs(t, r.Register(NewChanConsumer("a", 1)), core.ErrAlreadyRegistered)
	require.NoError(t, r.Register(NewChanConsumer("b", 1)))
	assert.ErrorIs(t, r.Register(NewChanConsumer("c", 1)), core.ErrRegistryFull)
	assert.Equal(t, []string{"a", "b"}, r.Names())

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	require.NoError(t, r.Register(NewChanConsumer("c", 1)))
	assert.Equal(t, []string{"b", "c"}, r.Names())
	assert.Equal(t, 2, r.Cap())
}

func TestDeliverNoConsumers(t *testing.T) {
	assert.Zero(t, New(4).Deliver(frame([]byte{1})))
}

func TestDeliverCopiesPerConsumer(t *testing.T) {
	r := New(4)
	a, b := NewChanConsumer("a", 1), NewChanConsumer("b", 1)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	assert.Equal(t, 2, r.Deliver(frame([]byte{1, 2, 3})))
	fa, fb := <-a.C(), <-b.C()
	fa.Data[0] = 0xff
	assert.Equal(t, []byte{1, 2, 3}, fb.Data)
}

func TestFullConsumerDoesNotBlockOthers(t *testing.T) {
	r := New(4)
	slow, fast := NewChanConsumer("slow", 1), NewChanConsumer("fast", 4)
	require.NoError(t, r.Register(slow))
	require.NoError(t, r.Register(fast))

	before := testutil.ToFloat64(metrics.ConsumerDropsTotal.WithLabelValues("slow"))
	for i := 0; i < 3; i++ {
		r.Deliver(frame([]byte{byte(i)}))
	}
	assert.Len(t, fast.C(), 3)
	assert.Len(t, slow.C(), 1)
	assert.Equal(t, uint64(2), slow.Dropped())
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.ConsumerDropsTotal.WithLabelValues("slow")))
}

func TestFilteredConsumer(t *testing.T) {
	f, err := CompileFilter("udp and dst port 5683")
	require.NoError(t, err)
	inner := NewChanConsumer("coap", 4)
	c := NewFilteredConsumer(inner, f)
	assert.Equal(t, "coap", c.Name())

	r := New(1)
	require.NoError(t, r.Register(c))
	r.Deliver(frame(udpPacket(t, "fe80::1", "fe80::2", 1000, 5683)))
	r.Deliver(frame(udpPacket(t, "fe80::1", "fe80::2", 1000, 53)))

	assert.Len(t, inner.C(), 1)
	assert.Zero(t, inner.Dropped())
}

func udpPacket(t *testing.T, src, dst string, sport, dport uint16) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload("hello")))
	return buf.Bytes()
}

func icmpPacket(t *testing.T, src, dst string) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload([]byte{128, 0, 0, 0, 0, 1, 0, 1})))
	return buf.Bytes()
}
