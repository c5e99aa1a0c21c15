// Package registry fans delivered datagrams out to a bounded set of
// consumers.
package registry

import (
	"fmt"
	"sync"

	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/metrics"
)

// Consumer receives datagrams from the registry. Deliver must not block: it
// reports false when the frame was refused.
type Consumer interface {
	// Name identifies the consumer; it is unique within a Registry.
	Name() string
	Deliver(f core.Frame) bool
}

// Registry holds at most a fixed number of consumers.
type Registry struct {
	mu        sync.RWMutex
	max       int
	consumers []Consumer
}

func New(maxConsumers int) *Registry {
	return &Registry{max: maxConsumers, consumers: make([]Consumer, 0, maxConsumers)}
}

// Register adds c. It fails with ErrAlreadyRegistered when a consumer of
// the same name exists and with ErrRegistryFull at capacity.
func (r *Registry) Register(c Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.consumers {
		if existing.Name() == c.Name() {
			return fmt.Errorf("%w: %s", core.ErrAlreadyRegistered, c.Name())
		}
	}
	if len(r.consumers) >= r.max {
		return fmt.Errorf("%w: capacity %d", core.ErrRegistryFull, r.max)
	}
	r.consumers = append(r.consumers, c)
	return nil
}

// Unregister removes the consumer called name and reports whether it was
// present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.consumers {
		if c.Name() == name {
			r.consumers = append(r.consumers[:i], r.consumers[i+1:]...)
			return true
		}
	}
	return false
}

// Deliver offers each consumer its own copy of f and returns how many
// consumers were offered it. Refusals are counted per consumer.
func (r *Registry) Deliver(f core.Frame) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, c := range r.consumers {
		frame := f
		if i < len(r.consumers)-1 {
			frame = f.Clone()
		}
		if !c.Deliver(frame) {
			metrics.ConsumerDropsTotal.WithLabelValues(c.Name()).Inc()
		}
	}
	return len(r.consumers)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

func (r *Registry) Cap() int { return r.max }

// Names lists registered consumers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.consumers))
	for i, c := range r.consumers {
		names[i] = c.Name()
	}
	return names
}
