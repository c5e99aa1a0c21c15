package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerServesMetrics(t *testing.T) {
	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	FramesReceivedTotal.WithLabelValues("iphc").Inc()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `lowpan_frames_received_total{kind="iphc"}`)
}

func TestServerStopBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "/m").Stop(context.Background()))
}

func TestServerListenError(t *testing.T) {
	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.Error(t, NewServer(s.Addr(), "").Start(context.Background()))
}
