package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/daemon"
	"firestige.xyz/lowpan/internal/mac"
)

type MockController struct {
	mock.Mock
}

func (m *MockController) Reload() error {
	return m.Called().Error(0)
}

func (m *MockController) Stop(timeout time.Duration) error {
	return m.Called(timeout).Error(0)
}

func (m *MockController) Status() (int, bool) {
	args := m.Called()
	return args.Int(0), args.Bool(1)
}

func useController(t *testing.T, c Controller) {
	t.Helper()
	original := newController
	newController = func() Controller { return c }
	t.Cleanup(func() { newController = original })
}

func TestRunReload(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantOut string
	}{
		{"reloaded", nil, "✓ Configuration reloaded successfully"},
		{"not running", daemon.ErrNotRunning, ""},
		{"permission denied", errors.New("operation not permitted"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := new(MockController)
			c.On("Reload").Return(tt.err)

			var buf bytes.Buffer
			err := runReload(c, &buf)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Contains(t, err.Error(), "failed to reload")
				assert.Empty(t, buf.String())
			} else {
				assert.NoError(t, err)
				assert.Contains(t, buf.String(), tt.wantOut)
			}
			c.AssertExpectations(t)
		})
	}
}

func TestReloadCmdExecute(t *testing.T) {
	c := new(MockController)
	c.On("Reload").Return(nil)
	useController(t, c)

	root := &cobra.Command{Use: "lowpan"}
	root.AddCommand(reloadCmd)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"reload"})

	assert.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "reloaded successfully")
	c.AssertExpectations(t)
}

func TestRunStop(t *testing.T) {
	c := new(MockController)
	c.On("Stop", 3*time.Second).Return(nil).Once()
	c.On("Stop", time.Second).Return(errors.New("daemon did not exit")).Once()

	var buf bytes.Buffer
	require.NoError(t, runStop(c, 3*time.Second, &buf))
	assert.Contains(t, buf.String(), "Daemon stopped")

	assert.ErrorContains(t, runStop(c, time.Second, &buf), "did not exit")
	c.AssertExpectations(t)
}

func TestRunStatus(t *testing.T) {
	c := new(MockController)
	c.On("Status").Return(1234, true).Once()
	c.On("Status").Return(0, false).Once()

	var buf bytes.Buffer
	require.NoError(t, runStatus(c, &buf))
	assert.Contains(t, buf.String(), "pid 1234")

	buf.Reset()
	assert.ErrorIs(t, runStatus(c, &buf), daemon.ErrNotRunning)
	assert.Contains(t, buf.String(), "not running")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lowpan.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestRunValidate(t *testing.T) {
	path := writeConfig(t, `
lowpan:
  node: {addr: "02:00:00:00:00:00:00:01", prefix: "2001:db8::/64"}
  contexts:
    - {id: 2, prefix: "2001:db8:2::/64"}
`)
	var buf bytes.Buffer
	require.NoError(t, runValidate(path, false, &buf))
	assert.Contains(t, buf.String(), "VALID")
	assert.Contains(t, buf.String(), "router 2001:db8::/64")
	assert.Contains(t, buf.String(), "1 context(s)")

	buf.Reset()
	require.NoError(t, runValidate(path, true, &buf))
	assert.Contains(t, buf.String(), "lowpan:")
	assert.Contains(t, buf.String(), "max_datagram_size: 1280")

	bad := writeConfig(t, "lowpan:\n  link: {mtu: 500}\n")
	err := runValidate(bad, false, &buf)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "INVALID")
}

func TestRunStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `# TYPE lowpan_frames_received_total counter
lowpan_frames_received_total{kind="iphc"} 7
# TYPE lowpan_reassembly_active_slots gauge
lowpan_reassembly_active_slots 2
# TYPE go_goroutines gauge
go_goroutines 12
`)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	require.NoError(t, runStats(srv.URL, &buf))
	assert.Equal(t, "lowpan_frames_received_total{kind=iphc} 7\nlowpan_reassembly_active_slots 2\n", buf.String())

	assert.Error(t, runStats("http://127.0.0.1:1/metrics", &buf))
}

func TestMetricsURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9091/metrics", metricsURL(config.MetricsConfig{Listen: ":9091", Path: "/metrics"}))
	assert.Equal(t, "http://10.0.0.1:80/m", metricsURL(config.MetricsConfig{Listen: "10.0.0.1:80", Path: "/m"}))
}

func TestRunSendRecordsFrames(t *testing.T) {
	out := filepath.Join(t.TempDir(), "tx.pcap")
	cfg, err := config.Load(writeConfig(t, fmt.Sprintf(`
lowpan:
  node: {addr: "02:00:00:00:00:00:00:01"}
  link:
    type: pcap
    pcap: {out: %s}
`, out)))
	require.NoError(t, err)

	var buf bytes.Buffer
	opts := sendOptions{to: "02:00:00:00:00:00:00:02", port: 5683, payload: "x", size: 300, count: 2, compress: true, timeout: time.Second}
	require.NoError(t, runSend(context.Background(), cfg, opts, &buf))
	assert.Contains(t, buf.String(), "sent 2 datagram(s)")

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	frames := 0
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		frame, err := mac.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, core.MustParseLinkAddr("02:00:00:00:00:00:00:02"), frame.Dst)
		frames++
	}
	assert.Equal(t, 8, frames, "two datagrams of four fragments each")

	_, err = buildUDP(cfg.Node.Addr.LinkLocal(), cfg.Node.Addr.LinkLocal(), 1, 2, nil)
	assert.NoError(t, err)
	opts.dstIP = "10.0.0.1"
	assert.ErrorIs(t, runSend(context.Background(), cfg, opts, &buf), core.ErrConfigInvalid)
}

func TestBuildUDP(t *testing.T) {
	src := core.MustParseLinkAddr("02:00:00:00:00:00:00:01").LinkLocal()
	dst := core.MustParseLinkAddr("02:00:00:00:00:00:00:02").LinkLocal()
	pkt, err := buildUDP(src, dst, 1000, 2000, []byte("abc"))
	require.NoError(t, err)

	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv6, gopacket.Default)
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(2000), udp.DstPort)
	assert.Equal(t, []byte("abc"), udp.Payload)
}
