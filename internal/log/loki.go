package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"firestige.xyz/lowpan/internal/config"
)

const (
	defaultLokiBatch    = 100
	defaultLokiInterval = 5 * time.Second
	lokiRetries         = 3
	lokiRetryBase       = 100 * time.Millisecond
)

var errLokiClosed = errors.New("loki writer is closed")

// LokiWriter batches log lines and pushes them to a Grafana Loki push
// endpoint. Lines are pushed when a batch fills, on every flush interval,
// and on Close.
type LokiWriter struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	flushInterval time.Duration
	httpClient    *http.Client

	mu      sync.Mutex
	batch   []logEntry
	closed  bool
	full    chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	sendMu sync.Mutex
}

type logEntry struct {
	timestamp time.Time
	line      string
}

type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewLokiWriter starts a writer for cfg.Endpoint. A job=lowpan label is
// added when cfg carries no job label.
func NewLokiWriter(cfg config.LokiOutputConfig) (*LokiWriter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("loki endpoint is empty")
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultLokiInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultLokiBatch
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "lowpan"
	}

	lw := &LokiWriter{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     batchSize,
		flushInterval: interval,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batch:         make([]logEntry, 0, batchSize),
		full:          make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
	}

	lw.wg.Add(1)
	go lw.flusher()
	return lw, nil
}

// Write queues one formatted log line. Push failures are not reported to
// the caller.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return 0, errLokiClosed
	}
	lw.batch = append(lw.batch, logEntry{
		timestamp: time.Now(),
		line:      strings.TrimRight(string(p), "\n"),
	})
	if len(lw.batch) >= lw.batchSize {
		select {
		case lw.full <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Close stops the background flusher and pushes what is left.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	close(lw.closeCh)
	lw.wg.Wait()
	return lw.flush()
}

func (lw *LokiWriter) flusher() {
	defer lw.wg.Done()

	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-lw.full:
		case <-lw.closeCh:
			return
		}
		_ = lw.flush()
	}
}

// flush takes the pending batch and pushes it. A failed push drops the
// batch.
func (lw *LokiWriter) flush() error {
	lw.mu.Lock()
	if len(lw.batch) == 0 {
		lw.mu.Unlock()
		return nil
	}
	pending := lw.batch
	lw.batch = make([]logEntry, 0, lw.batchSize)
	lw.mu.Unlock()

	values := make([][]string, len(pending))
	for i, e := range pending {
		values[i] = []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line}
	}
	data, err := json.Marshal(lokiPushRequest{
		Streams: []lokiStream{{Stream: lw.labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}

	lw.sendMu.Lock()
	defer lw.sendMu.Unlock()
	return lw.sendWithRetry(data)
}

func (lw *LokiWriter) sendWithRetry(data []byte) error {
	var lastErr error
	for attempt := 0; attempt < lokiRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(lokiRetryBase << (attempt - 1))
		}
		if lastErr = lw.send(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d attempts: %w", lokiRetries, lastErr)
}

func (lw *LokiWriter) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}
