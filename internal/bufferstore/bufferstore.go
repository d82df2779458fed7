// Package bufferstore implements the Buffer Store: at most one
// Serialised Buffer Queue per buffer type, each paired with a Segment
// Inventory that survives Representation changes. A map[BufferType]*Entry
// guarded by sync.RWMutex, with a double-checked-locking GetOrCreate.
package bufferstore

import (
	"fmt"
	"sync"
	"time"

	"dashbuffer/internal/events"
	"dashbuffer/internal/inventory"
	"dashbuffer/internal/logger"
	"dashbuffer/internal/metrics"
	"dashbuffer/internal/rawbuffer"
	"dashbuffer/internal/sbq"
)

// Entry pairs one SBQ with its Segment Inventory.
type Entry struct {
	Queue     *sbq.Queue
	Inventory *inventory.Inventory
	raw       rawbuffer.RawBuffer
	native    bool
}

// Store owns at most one Entry per buffer type.
type Store struct {
	mu      sync.RWMutex
	entries map[events.BufferType]*Entry

	watchdogInterval time.Duration
	log              logger.Logger
	metrics          *metrics.Metrics
}

// New builds an empty Store. m is nil-safe: pass nil to skip metrics.
func New(watchdogInterval time.Duration, log logger.Logger, m *metrics.Metrics) *Store {
	if log == nil {
		log = logger.Discard()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Store{
		entries:          make(map[events.BufferType]*Entry),
		watchdogInterval: watchdogInterval,
		log:              log,
		metrics:          m,
	}
}

// GetOrCreateNative returns the existing Entry for typ, creating one
// backed by a native RawBuffer with the given codec if none exists yet.
// If one exists with a different codec, it is reused and an in-place
// codec switch is attempted: re-requesting the same native type with a
// different codec never tears down the Inventory.
func (s *Store) GetOrCreateNative(typ events.BufferType, codec string, codecSwitchable bool) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[typ]
	s.mu.RUnlock()
	if ok {
		if e.raw.Codec() != codec {
			if err := e.raw.SetCodec(codec); err != nil {
				return e, fmt.Errorf("bufferstore: in-place codec switch for %s failed: %w", typ, err)
			}
		}
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[typ]; ok {
		return e, nil
	}

	raw := rawbuffer.NewNative(codec, codecSwitchable)
	e = &Entry{
		Queue:     sbq.New(raw, s.log, s.watchdogInterval, s.metrics, string(typ)),
		Inventory: inventory.New(),
		raw:       raw,
		native:    true,
	}
	s.entries[typ] = e
	return e, nil
}

// GetOrCreateCustom returns the Entry for a custom (text/image) type,
// always reusing an existing one: there is no codec to reconcile against,
// so a custom type has nothing equivalent to the native in-place codec
// switch above. Use Recreate to force a rebuild.
func (s *Store) GetOrCreateCustom(typ events.BufferType) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[typ]; ok {
		return e
	}
	raw := rawbuffer.NewManual()
	e := &Entry{
		Queue:     sbq.New(raw, s.log, s.watchdogInterval, s.metrics, string(typ)),
		Inventory: inventory.New(),
		raw:       raw,
	}
	s.entries[typ] = e
	return e
}

// Recreate tears down and replaces the Entry for typ unconditionally
// (custom-type re-creation, or a forced native reload). The old queue is
// disposed (pending tasks fail) and its RawBuffer aborted.
func (s *Store) Recreate(typ events.BufferType, build func() (rawbuffer.RawBuffer, bool)) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[typ]; ok {
		old.Queue.Abort()
		old.Queue.Dispose()
	}
	raw, native := build()
	e := &Entry{
		Queue:     sbq.New(raw, s.log, s.watchdogInterval, s.metrics, string(typ)),
		Inventory: inventory.New(),
		raw:       raw,
		native:    native,
	}
	s.entries[typ] = e
	return e
}

// Get returns the existing Entry for typ, if any.
func (s *Store) Get(typ events.BufferType) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[typ]
	return e, ok
}

// Types returns the buffer types currently present, for the GC and debug
// surface to iterate over.
func (s *Store) Types() []events.BufferType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]events.BufferType, 0, len(s.entries))
	for t := range s.entries {
		out = append(out, t)
	}
	return out
}

// Dispose tears down every Entry.
func (s *Store) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.Queue.Dispose()
	}
	s.entries = make(map[events.BufferType]*Entry)
}
