// Package config handles node configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/ctxtable"
	"firestige.xyz/lowpan/internal/dispatch"
	"firestige.xyz/lowpan/internal/frag"
	"firestige.xyz/lowpan/internal/mac"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `lowpan:` root key in YAML.
type GlobalConfig struct {
	Node        NodeConfig        `mapstructure:"node" yaml:"node"`
	Control     ControlConfig     `mapstructure:"control" yaml:"control"`
	Link        LinkConfig        `mapstructure:"link" yaml:"link"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Contexts    []ContextConfig   `mapstructure:"contexts" yaml:"contexts,omitempty"`
	Reassembly  ReassemblyConfig  `mapstructure:"reassembly" yaml:"reassembly"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Sinks       SinksConfig       `mapstructure:"sinks" yaml:"sinks"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// ─── Node Identity ───

// NodeConfig identifies the local node on the link.
type NodeConfig struct {
	Addr         core.LinkAddr `mapstructure:"addr" yaml:"addr"`                   // EUI-64
	BorderRouter bool          `mapstructure:"border_router" yaml:"border_router"` // Advertise as border router
	Prefix       netip.Prefix  `mapstructure:"prefix" yaml:"prefix,omitempty"`     // Set = start as router, seeds context 0
}

// ControlConfig contains local process control settings.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Link ───

// LinkConfig selects and configures the radio binding.
type LinkConfig struct {
	Type        string         `mapstructure:"type" yaml:"type"` // udp | pcap
	Listen      string         `mapstructure:"listen" yaml:"listen"`
	Peers       []string       `mapstructure:"peers" yaml:"peers,omitempty"`
	PANID       uint16         `mapstructure:"pan_id" yaml:"pan_id"`
	MTU         int            `mapstructure:"mtu" yaml:"mtu"`
	NeighborTTL time.Duration  `mapstructure:"neighbor_ttl" yaml:"neighbor_ttl"`
	Pcap        PcapLinkConfig `mapstructure:"pcap" yaml:"pcap"`
}

// PcapLinkConfig configures the pcap replay link.
type PcapLinkConfig struct {
	In  string `mapstructure:"in" yaml:"in"`   // Replayed as received frames
	Out string `mapstructure:"out" yaml:"out"` // Transmitted frames are recorded here
}

// ─── Adaptation Layer ───

// CompressionConfig toggles IPHC on the send path.
type CompressionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ContextConfig is one preconfigured compression context.
type ContextConfig struct {
	ID     uint8        `mapstructure:"id" yaml:"id"`
	Prefix netip.Prefix `mapstructure:"prefix" yaml:"prefix"`
}

// ReassemblyConfig sizes the reassembly pool.
type ReassemblyConfig struct {
	Slots           int           `mapstructure:"slots" yaml:"slots"`
	MaxDatagramSize int           `mapstructure:"max_datagram_size" yaml:"max_datagram_size"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Tick            time.Duration `mapstructure:"tick" yaml:"tick"` // Expiry scan interval

	MaxFragsPerSource int           `mapstructure:"max_frags_per_source" yaml:"max_frags_per_source"` // 0 = unlimited
	RateWindow        time.Duration `mapstructure:"rate_window" yaml:"rate_window"`
}

// RegistryConfig bounds the consumer registry.
type RegistryConfig struct {
	MaxConsumers int `mapstructure:"max_consumers" yaml:"max_consumers"`
	QueueDepth   int `mapstructure:"queue_depth" yaml:"queue_depth"` // Per-sink delivery queue
}

// ─── Sinks ───

// SinksConfig lists the consumers the daemon registers.
type SinksConfig struct {
	Console ConsoleSinkConfig `mapstructure:"console" yaml:"console"`
	Pcap    PcapSinkConfig    `mapstructure:"pcap" yaml:"pcap"`
	Kafka   KafkaSinkConfig   `mapstructure:"kafka" yaml:"kafka"`
}

// ConsoleSinkConfig logs a summary of every delivered packet.
type ConsoleSinkConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Filter  string `mapstructure:"filter" yaml:"filter,omitempty"`
}

// PcapSinkConfig records delivered packets to a capture file.
type PcapSinkConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
	Filter  string `mapstructure:"filter" yaml:"filter,omitempty"`
}

// KafkaSinkConfig publishes delivered frames to a topic.
type KafkaSinkConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers,omitempty"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Filter       string        `mapstructure:"filter" yaml:"filter,omitempty"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"` // trace / debug / info / warn / error
	Pattern string           `mapstructure:"pattern" yaml:"pattern"`
	Time    string           `mapstructure:"time" yaml:"time"`
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains additional log destinations. Stdout is always on.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
	Loki LokiOutputConfig `mapstructure:"loki" yaml:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled       bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels        map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
	BatchSize     int               `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `lowpan: ...`.
type configRoot struct {
	Lowpan GlobalConfig `mapstructure:"lowpan"`
}

// Load loads configuration from path. An empty path yields the defaults,
// still subject to environment overrides.
// Env vars map through the key replacer, e.g. "lowpan.log.level" → LOWPAN_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a default are invisible to AutomaticEnv.
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Lowpan

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// decodeHook converts strings into durations, comma separated lists and any
// encoding.TextUnmarshaler (link addresses, prefixes).
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

var envOnlyKeys = []string{
	"lowpan.node.addr",
	"lowpan.node.prefix",
	"lowpan.link.peers",
	"lowpan.link.pcap.in",
	"lowpan.link.pcap.out",
	"lowpan.sinks.kafka.brokers",
	"lowpan.log.outputs.loki.endpoint",
}

// setDefaults sets default values for configuration.
// All keys use the "lowpan." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("lowpan.node.border_router", false)
	v.SetDefault("lowpan.control.pid_file", "/var/run/lowpan.pid")

	// Link defaults
	v.SetDefault("lowpan.link.type", "udp")
	v.SetDefault("lowpan.link.listen", "127.0.0.1:17754")
	v.SetDefault("lowpan.link.pan_id", 0xabcd)
	v.SetDefault("lowpan.link.mtu", 102)
	v.SetDefault("lowpan.link.neighbor_ttl", "5m")

	v.SetDefault("lowpan.compression.enabled", true)

	// Reassembly defaults
	v.SetDefault("lowpan.reassembly.slots", 4)
	v.SetDefault("lowpan.reassembly.max_datagram_size", dispatch.MaxDatagramSize)
	v.SetDefault("lowpan.reassembly.timeout", "60s")
	v.SetDefault("lowpan.reassembly.tick", "1s")
	v.SetDefault("lowpan.reassembly.max_frags_per_source", 0)
	v.SetDefault("lowpan.reassembly.rate_window", "10s")

	v.SetDefault("lowpan.registry.max_consumers", 8)
	v.SetDefault("lowpan.registry.queue_depth", 64)

	// Sink defaults
	v.SetDefault("lowpan.sinks.console.enabled", true)
	v.SetDefault("lowpan.sinks.pcap.enabled", false)
	v.SetDefault("lowpan.sinks.pcap.path", "lowpan.pcap")
	v.SetDefault("lowpan.sinks.kafka.enabled", false)
	v.SetDefault("lowpan.sinks.kafka.topic", "lowpan-frames")
	v.SetDefault("lowpan.sinks.kafka.compression", "snappy")
	v.SetDefault("lowpan.sinks.kafka.batch_size", 100)
	v.SetDefault("lowpan.sinks.kafka.batch_timeout", "1s")

	// Metrics defaults
	v.SetDefault("lowpan.metrics.enabled", true)
	v.SetDefault("lowpan.metrics.listen", ":9091")
	v.SetDefault("lowpan.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("lowpan.log.level", "info")
	v.SetDefault("lowpan.log.pattern", "%time [%level] %field %msg%n")
	v.SetDefault("lowpan.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("lowpan.log.outputs.file.enabled", false)
	v.SetDefault("lowpan.log.outputs.file.path", "/var/log/lowpan/lowpan.log")
	v.SetDefault("lowpan.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("lowpan.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("lowpan.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("lowpan.log.outputs.file.rotation.compress", true)
	v.SetDefault("lowpan.log.outputs.loki.enabled", false)
	v.SetDefault("lowpan.log.outputs.loki.batch_size", 100)
	v.SetDefault("lowpan.log.outputs.loki.flush_interval", "5s")
}

var validLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

var validCompression = map[string]bool{"none": true, "gzip": true, "snappy": true, "lz4": true, "zstd": true}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if !validLevels[cfg.Log.Level] {
		return invalid("log level %q (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return invalid("log.outputs.loki.endpoint is required when loki output is enabled")
	}

	// ── Node ──
	if cfg.Node.Addr == (core.LinkAddr{}) || cfg.Node.Addr.IsBroadcast() {
		return invalid("node.addr must be a unicast EUI-64, got %s", cfg.Node.Addr)
	}
	if cfg.Node.Prefix.IsValid() {
		if !cfg.Node.Prefix.Addr().Is6() || cfg.Node.Prefix.Addr().Is4In6() {
			return invalid("node.prefix %s is not IPv6", cfg.Node.Prefix)
		}
		cfg.Node.Prefix = cfg.Node.Prefix.Masked()
	}

	// ── Link ──
	switch cfg.Link.Type {
	case "udp":
		if cfg.Link.Listen == "" {
			return invalid("link.listen is required for udp links")
		}
	case "pcap":
		if cfg.Link.Pcap.In == "" && cfg.Link.Pcap.Out == "" {
			return invalid("link.pcap.in or link.pcap.out is required for pcap links")
		}
	default:
		return invalid("unsupported link.type %q (must be udp/pcap)", cfg.Link.Type)
	}
	if cfg.Link.MTU < frag.MinMTU || cfg.Link.MTU > mac.MaxPayload {
		return invalid("link.mtu %d out of range [%d, %d]", cfg.Link.MTU, frag.MinMTU, mac.MaxPayload)
	}
	if cfg.Link.NeighborTTL <= 0 {
		return invalid("link.neighbor_ttl must be positive")
	}

	// ── Contexts ──
	seen := make(map[uint8]bool, len(cfg.Contexts))
	for i, c := range cfg.Contexts {
		if c.ID >= ctxtable.MaxContexts {
			return invalid("contexts[%d].id %d exceeds %d", i, c.ID, ctxtable.MaxContexts-1)
		}
		if seen[c.ID] {
			return invalid("contexts[%d].id %d is duplicated", i, c.ID)
		}
		seen[c.ID] = true
		if !c.Prefix.IsValid() || !c.Prefix.Addr().Is6() {
			return invalid("contexts[%d].prefix %s is not IPv6", i, c.Prefix)
		}
		cfg.Contexts[i].Prefix = c.Prefix.Masked()
	}
	if cfg.Node.Prefix.IsValid() && seen[0] {
		return invalid("contexts: id 0 is reserved for node.prefix")
	}

	// ── Reassembly ──
	r := &cfg.Reassembly
	if r.Slots <= 0 {
		return invalid("reassembly.slots must be positive")
	}
	if r.MaxDatagramSize <= 0 || r.MaxDatagramSize > dispatch.MaxDatagramSize {
		return invalid("reassembly.max_datagram_size %d out of range [1, %d]", r.MaxDatagramSize, dispatch.MaxDatagramSize)
	}
	if r.Timeout <= 0 {
		return invalid("reassembly.timeout must be positive")
	}
	if r.Tick <= 0 || r.Tick > r.Timeout {
		r.Tick = min(time.Second, r.Timeout)
	}
	if r.MaxFragsPerSource < 0 {
		return invalid("reassembly.max_frags_per_source must not be negative")
	}

	// ── Registry ──
	if cfg.Registry.MaxConsumers <= 0 {
		return invalid("registry.max_consumers must be positive")
	}
	if cfg.Registry.QueueDepth <= 0 {
		return invalid("registry.queue_depth must be positive")
	}

	// ── Sinks ──
	if cfg.Sinks.Pcap.Enabled && cfg.Sinks.Pcap.Path == "" {
		return invalid("sinks.pcap.path is required when the pcap sink is enabled")
	}
	if k := &cfg.Sinks.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			return invalid("sinks.kafka.brokers is required when the kafka sink is enabled")
		}
		if k.Topic == "" {
			return invalid("sinks.kafka.topic is required when the kafka sink is enabled")
		}
		k.Compression = strings.ToLower(k.Compression)
		if k.Compression == "" {
			k.Compression = "none"
		}
		if !validCompression[k.Compression] {
			return invalid("sinks.kafka.compression %q", k.Compression)
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics are enabled")
	}

	return nil
}
