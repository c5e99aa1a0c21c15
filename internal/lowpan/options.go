package lowpan

import (
	"time"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/ctxtable"
	"firestige.xyz/lowpan/internal/dispatch"
	"firestige.xyz/lowpan/internal/reassembly"
)

// Options size a Node. Zero numeric fields take the DefaultOptions value;
// Compression is taken as given.
type Options struct {
	MTU             int  // Largest LoWPAN frame handed to the link
	Compression     bool // IPHC on the send path
	ContextCapacity int
	Reassembly      reassembly.Config
	Tick            time.Duration // Reassembly expiry scan interval
	MaxConsumers    int
	InitialTag      uint16
}

func DefaultOptions() Options {
	return Options{
		MTU:             102,
		Compression:     true,
		ContextCapacity: ctxtable.MaxContexts,
		Reassembly: reassembly.Config{
			Slots:           4,
			MaxDatagramSize: dispatch.MaxDatagramSize,
			Timeout:         60 * time.Second,
		},
		Tick:         time.Second,
		MaxConsumers: 8,
	}
}

// OptionsFromConfig maps the validated configuration onto Options.
func OptionsFromConfig(cfg *config.GlobalConfig) Options {
	return Options{
		MTU:             cfg.Link.MTU,
		Compression:     cfg.Compression.Enabled,
		ContextCapacity: ctxtable.MaxContexts,
		Reassembly: reassembly.Config{
			Slots:             cfg.Reassembly.Slots,
			MaxDatagramSize:   cfg.Reassembly.MaxDatagramSize,
			Timeout:           cfg.Reassembly.Timeout,
			MaxFragsPerSource: cfg.Reassembly.MaxFragsPerSource,
			RateWindow:        cfg.Reassembly.RateWindow,
		},
		Tick:         cfg.Reassembly.Tick,
		MaxConsumers: cfg.Registry.MaxConsumers,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MTU == 0 {
		o.MTU = d.MTU
	}
	if o.ContextCapacity == 0 {
		o.ContextCapacity = d.ContextCapacity
	}
	if o.Reassembly.Slots == 0 {
		o.Reassembly.Slots = d.Reassembly.Slots
	}
	if o.Reassembly.MaxDatagramSize == 0 {
		o.Reassembly.MaxDatagramSize = d.Reassembly.MaxDatagramSize
	}
	if o.Reassembly.Timeout == 0 {
		o.Reassembly.Timeout = d.Reassembly.Timeout
	}
	if o.Tick == 0 {
		o.Tick = d.Tick
	}
	if o.MaxConsumers == 0 {
		o.MaxConsumers = d.MaxConsumers
	}
	return o
}
