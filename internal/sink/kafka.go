package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/log"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = time.Second
	defaultMaxAttempts  = 3
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each datagram as one message keyed by the source
// link address, so a node's traffic stays on one partition.
type KafkaSink struct {
	cfg    config.KafkaSinkConfig
	writer messageWriter
}

func NewKafkaSink(cfg config.KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka sink needs brokers and a topic", core.ErrConfigInvalid)
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      defaultMaxAttempts,
		CompressionCodec: codec,
	})
	log.GetLogger().WithFields(map[string]interface{}{
		"brokers":     cfg.Brokers,
		"topic":       cfg.Topic,
		"compression": cfg.Compression,
	}).Info("kafka sink configured")
	return &KafkaSink{cfg: cfg, writer: writer}, nil
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("%w: kafka compression %q", core.ErrConfigInvalid, name)
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, f core.Frame) error {
	msg, err := message(f)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

func message(f core.Frame) (kafka.Message, error) {
	value, err := f.MarshalBinary()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %w", errEncode, err)
	}
	return kafka.Message{
		Key:   []byte(f.Src.String()),
		Value: value,
		Time:  f.Received,
		Headers: []kafka.Header{
			{Key: "dst", Value: []byte(f.Dst.String())},
			{Key: "reassembled", Value: []byte(strconv.FormatBool(f.Reassembled))},
		},
	}, nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
