package log

import (
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/lowpan/internal/config"
)

// MultiWriter fans each write out to all added writers. A failing writer
// does not stop the others.
type MultiWriter struct {
	mu      sync.Mutex
	writers []io.Writer
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.mu.Lock()
	m.writers = append(m.writers, writer)
	m.mu.Unlock()
	return m
}

// AddFileAppender adds a rotating file output and returns it so the caller
// can close it.
func (m *MultiWriter) AddFileAppender(cfg config.FileOutputConfig) io.Closer {
	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.Rotation.MaxSizeMB,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAgeDays,
		Compress:   cfg.Rotation.Compress,
	}
	m.Add(writer)
	return writer
}
