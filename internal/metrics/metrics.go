// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReceivedTotal counts link frames handed to the adaptation layer, by dispatch kind
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_frames_received_total",
			Help: "Total number of link frames received",
		},
		[]string{"kind"},
	)

	// FramesSentTotal counts link frames handed to the transceiver, by dispatch kind
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_frames_sent_total",
			Help: "Total number of link frames sent",
		},
		[]string{"kind"},
	)

	// FrameDropsTotal counts received frames that produced no datagram
	FrameDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_frame_drops_total",
			Help: "Total number of received frames dropped",
		},
		[]string{"reason"},
	)

	// ReassemblyEventsTotal counts reassembly slot transitions
	ReassemblyEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_reassembly_events_total",
			Help: "Total number of reassembly events",
		},
		[]string{"event"},
	)

	// ReassemblyActiveSlots tracks slots holding a partial datagram
	ReassemblyActiveSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowpan_reassembly_active_slots",
			Help: "Number of reassembly slots holding a partial datagram",
		},
	)

	// DatagramsDeliveredTotal counts datagrams offered to the registry
	DatagramsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_datagrams_delivered_total",
			Help: "Total number of datagrams delivered to consumers",
		},
		[]string{"reassembled"},
	)

	// ConsumerDropsTotal counts deliveries a consumer refused because its queue was full
	ConsumerDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_consumer_drops_total",
			Help: "Total number of frames dropped by a full consumer queue",
		},
		[]string{"consumer"},
	)

	// SinkErrorsTotal counts sink write errors by sink and error type
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_sink_errors_total",
			Help: "Total number of sink errors",
		},
		[]string{"sink", "error_type"},
	)

	// NeighborsActive tracks link neighbours learned by the UDP link
	NeighborsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowpan_link_neighbors",
			Help: "Number of link neighbours currently known",
		},
	)

	// SendLatencySeconds measures the time to compress, fragment and transmit one datagram
	SendLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lowpan_send_latency_seconds",
			Help:    "Latency of sending one datagram in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)
)

// Reassembly event label values
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventEvicted   = "evicted"
	EventExpired   = "expired"
	EventCorrupt   = "corrupt"
	EventOverflow  = "overflow"
	EventDuplicate = "duplicate"
)

// Drop reason label values
const (
	DropTruncated   = "truncated"
	DropDispatch    = "unknown_dispatch"
	DropDecompress  = "decompress"
	DropFragment    = "fragment"
	DropNotForLocal = "not_for_local"
)
