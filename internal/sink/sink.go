// Package sink forwards delivered datagrams to outputs outside the
// adaptation layer: the log, a capture file or a Kafka topic.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/log"
	"firestige.xyz/lowpan/internal/metrics"
	"firestige.xyz/lowpan/internal/registry"
)

// Sink writes delivered frames. Write is only called from one goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, f core.Frame) error
	Close() error
}

const drainTimeout = 2 * time.Second

// Runner couples a Sink with the registry consumer feeding it.
type Runner struct {
	sink     Sink
	queue    *registry.ChanConsumer
	consumer registry.Consumer
}

// NewRunner queues up to depth frames for s. A non-empty filter expression
// restricts which datagrams are queued.
func NewRunner(s Sink, depth int, filter string) (*Runner, error) {
	queue := registry.NewChanConsumer(s.Name(), depth)
	r := &Runner{sink: s, queue: queue, consumer: queue}
	if filter != "" {
		f, err := registry.CompileFilter(filter)
		if err != nil {
			return nil, fmt.Errorf("%w: sink %s: %w", core.ErrConfigInvalid, s.Name(), err)
		}
		r.consumer = registry.NewFilteredConsumer(queue, f)
	}
	return r, nil
}

func (r *Runner) Name() string { return r.sink.Name() }

// Consumer returns the value to register with the node.
func (r *Runner) Consumer() registry.Consumer { return r.consumer }

// Run writes queued frames until ctx is done, drains the queue and closes
// the sink. Write errors are counted and logged; they never stop the runner.
func (r *Runner) Run(ctx context.Context) {
	logger := log.GetLogger().WithField("sink", r.sink.Name())
	defer func() {
		if err := r.sink.Close(); err != nil {
			logger.WithError(err).Warn("failed to close sink")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.drain(logger)
			return
		case f := <-r.queue.C():
			r.write(ctx, f, logger)
		}
	}
}

// drain writes whatever is still queued, bounded by drainTimeout.
func (r *Runner) drain(logger log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case f := <-r.queue.C():
			r.write(ctx, f, logger)
		default:
			return
		}
	}
}

func (r *Runner) write(ctx context.Context, f core.Frame, logger log.Logger) {
	if err := r.sink.Write(ctx, f); err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(r.sink.Name(), errorType(err)).Inc()
		logger.WithError(err).Warn("sink write failed")
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errEncode):
		return "encode"
	default:
		return "write"
	}
}

var errEncode = errors.New("encode failed")

// FromConfig builds a runner for every enabled sink. Sinks already opened
// are closed when a later one fails.
func FromConfig(cfg config.SinksConfig, depth int) ([]*Runner, error) {
	var runners []*Runner
	add := func(s Sink, filter string) error {
		r, err := NewRunner(s, depth, filter)
		if err != nil {
			s.Close()
			return err
		}
		runners = append(runners, r)
		return nil
	}
	fail := func(err error) ([]*Runner, error) {
		for _, r := range runners {
			r.sink.Close()
		}
		return nil, err
	}

	if cfg.Console.Enabled {
		if err := add(NewConsoleSink(log.GetLogger()), cfg.Console.Filter); err != nil {
			return fail(err)
		}
	}
	if cfg.Pcap.Enabled {
		s, err := NewPcapSink(cfg.Pcap.Path)
		if err != nil {
			return fail(err)
		}
		if err := add(s, cfg.Pcap.Filter); err != nil {
			return fail(err)
		}
	}
	if cfg.Kafka.Enabled {
		s, err := NewKafkaSink(cfg.Kafka)
		if err != nil {
			return fail(err)
		}
		if err := add(s, cfg.Kafka.Filter); err != nil {
			return fail(err)
		}
	}
	return runners, nil
}
