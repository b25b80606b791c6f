// Package crdt implements the merge primitive behind project documents: a
// last-writer-wins register map keyed by string.
//
// Every register carries a Lamport clock and the actor that wrote it. Merging
// keeps, per key, the entry that is greatest under a total order
// (clock, actor, tombstone, value). Because merge is a max over a total order
// it is commutative, associative and idempotent, so replicas that receive the
// same set of updates in any order converge on the same state.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidUpdate is returned for updates that cannot be decoded or that
// carry malformed entries.
var ErrInvalidUpdate = errors.New("invalid crdt update")

// Entry is a single register write.
type Entry struct {
	Key     string `cbor:"1,keyasint" json:"key"`
	Value   []byte `cbor:"2,keyasint,omitempty" json:"value,omitempty"`
	Deleted bool   `cbor:"3,keyasint,omitempty" json:"deleted,omitempty"`
	Clock   uint64 `cbor:"4,keyasint" json:"clock"`
	Actor   string `cbor:"5,keyasint" json:"actor"`
}

// Set builds an entry that writes value under key.
func Set(actor string, clock uint64, key string, value []byte) Entry {
	return Entry{Key: key, Value: value, Clock: clock, Actor: actor}
}

// Delete builds a tombstone for key.
func Delete(actor string, clock uint64, key string) Entry {
	return Entry{Key: key, Deleted: true, Clock: clock, Actor: actor}
}

func (e Entry) validate() error {
	if e.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidUpdate)
	}
	if e.Actor == "" {
		return fmt.Errorf("%w: empty actor for key %q", ErrInvalidUpdate, e.Key)
	}
	return nil
}

// supersedes reports whether e wins over other for the same key.
func (e Entry) supersedes(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	if e.Actor != other.Actor {
		return e.Actor > other.Actor
	}
	if e.Deleted != other.Deleted {
		return e.Deleted
	}
	return bytes.Compare(e.Value, other.Value) > 0
}

// Document is a replica of the register map. It is safe for concurrent use.
type Document struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty document.
func New() *Document {
	return &Document{entries: make(map[string]Entry)}
}

// Load rebuilds a document from a state produced by State. An empty state
// yields an empty document.
func Load(state []byte) (*Document, error) {
	doc := New()
	if len(state) == 0 {
		return doc, nil
	}
	if err := doc.Apply(state); err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return doc, nil
}

// Apply merges an encoded update into the document. The update is validated
// in full before any entry is merged.
func (d *Document) Apply(update []byte) error {
	entries, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range entries {
		if current, ok := d.entries[e.Key]; ok && !e.supersedes(current) {
			continue
		}
		e.Value = bytes.Clone(e.Value)
		d.entries[e.Key] = e
	}
	return nil
}

// State returns the full encoded state, including tombstones, so it can be
// merged into another replica. An empty document returns nil.
func (d *Document) State() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.entries) == 0 {
		return nil
	}

	entries := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	state, err := encMode.Marshal(wireUpdate{Entries: entries})
	if err != nil {
		// Entries were validated on the way in, so encoding cannot fail.
		panic("crdt: encode state: " + err.Error())
	}
	return state
}

// Get returns the live value for key.
func (d *Document) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return bytes.Clone(e.Value), true
}

// Keys returns the live keys in sorted order.
func (d *Document) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0, len(d.entries))
	for k, e := range d.entries {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// MaxClock returns the highest clock merged so far. Writers use it to pick
// the next clock value.
func (d *Document) MaxClock() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var max uint64
	for _, e := range d.entries {
		if e.Clock > max {
			max = e.Clock
		}
	}
	return max
}
