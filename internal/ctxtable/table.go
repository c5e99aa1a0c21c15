// Package ctxtable holds the RFC 6282 compression contexts: a small,
// fixed-size mapping from a 4-bit context identifier to an IPv6 prefix.
package ctxtable

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"firestige.xyz/lowpan/internal/core"
)

// MaxContexts is the number of identifiers addressable by the 4-bit SCI/DCI
// fields.
const MaxContexts = 16

// LinkLocalPrefix is the implicit context 0 used when nothing is configured.
var LinkLocalPrefix = netip.MustParsePrefix("fe80::/64")

// Entry is one compression context.
type Entry struct {
	ID       uint8
	Prefix   netip.Prefix
	Implicit bool // Synthesised link-local context 0, not stored in the table
}

// Table is safe for concurrent use. Lookups take a read lock; Insert and
// Remove exclude readers for the duration of the mutation.
type Table struct {
	mu       sync.RWMutex
	entries  [MaxContexts]Entry
	inUse    [MaxContexts]bool
	count    int
	capacity int
}

// New creates a table holding at most capacity contexts (1..16).
func New(capacity int) *Table {
	if capacity <= 0 || capacity > MaxContexts {
		capacity = MaxContexts
	}
	return &Table{capacity: capacity}
}

// Capacity returns the configured maximum number of entries.
func (t *Table) Capacity() int { return t.capacity }

// Len returns the number of explicitly configured entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Lookup returns the context for id. An unset id 0 resolves to the implicit
// link-local context.
func (t *Table) Lookup(id uint8) (Entry, bool) {
	if id >= MaxContexts {
		return Entry{}, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.inUse[id] {
		return t.entries[id], true
	}
	if id == 0 {
		return Entry{ID: 0, Prefix: LinkLocalPrefix, Implicit: true}, true
	}
	return Entry{}, false
}

// Insert stores prefix under id, replacing any previous value for that id.
func (t *Table) Insert(id uint8, prefix netip.Prefix) error {
	if id >= MaxContexts {
		return fmt.Errorf("%w: %d", core.ErrInvalidContextID, id)
	}
	if !prefix.IsValid() || !prefix.Addr().Is6() || prefix.Addr().Is4In6() {
		return fmt.Errorf("%w: context %d prefix %s is not IPv6", core.ErrConfigInvalid, id, prefix)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inUse[id] {
		if t.count >= t.capacity {
			return fmt.Errorf("%w: capacity %d", core.ErrContextTableFull, t.capacity)
		}
		t.count++
	}
	t.entries[id] = Entry{ID: id, Prefix: prefix.Masked()}
	t.inUse[id] = true
	return nil
}

// Remove deletes id. Removing an unset id is a no-op.
func (t *Table) Remove(id uint8) {
	if id >= MaxContexts {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inUse[id] {
		t.inUse[id] = false
		t.entries[id] = Entry{}
		t.count--
	}
}

// Match returns the explicit context with the longest prefix containing
// addr. The implicit link-local context never matches; link-local
// addresses are compressed statelessly.
func (t *Table) Match(addr netip.Addr) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best Entry
	found := false
	for id := range t.entries {
		if !t.inUse[id] {
			continue
		}
		e := t.entries[id]
		if !e.Prefix.Contains(addr) {
			continue
		}
		if !found || e.Prefix.Bits() > best.Prefix.Bits() {
			best, found = e, true
		}
	}
	return best, found
}

// MatchPrefix returns the explicit context whose prefix equals p.
func (t *Table) MatchPrefix(p netip.Prefix) (Entry, bool) {
	p = p.Masked()

	t.mu.RLock()
	defer t.mu.RUnlock()

	for id := range t.entries {
		if t.inUse[id] && t.entries[id].Prefix == p {
			return t.entries[id], true
		}
	}
	return Entry{}, false
}

// Entries returns the explicit entries ordered by id.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, t.count)
	for id := range t.entries {
		if t.inUse[id] {
			out = append(out, t.entries[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
