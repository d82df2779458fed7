// Package decipher tracks which (Adaptation, Representation) pairs are
// currently decipherable, driven by DecipherabilityUpdate events from the
// Manifest collaborator. A read-mostly map, safe for concurrent reads,
// mutated only by Apply.
package decipher

import (
	"sync"

	"dashbuffer/internal/manifest"
)

// Update is an alias for the Manifest collaborator's own update payload
// shape, so callers never need to convert between the two.
type Update = manifest.DecipherabilityUpdate

func key(adaptationID, representationID string) string {
	return adaptationID + "\x00" + representationID
}

// Registry tracks decipherability state for every Representation the
// engine has observed an update for. A pair absent from the Registry is
// assumed decipherable (the common case: most content carries no DRM).
type Registry struct {
	mu    sync.RWMutex
	state map[string]bool
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{state: make(map[string]bool)}
}

// Apply records a batch of updates, as delivered by one
// DecipherabilityUpdate event.
func (r *Registry) Apply(updates []Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range updates {
		r.state[key(u.AdaptationID, u.RepresentationID)] = u.Decipherable
	}
}

// IsDecipherable reports whether a Representation can currently be played.
// Pairs never mentioned by an update default to decipherable.
func (r *Registry) IsDecipherable(adaptationID, representationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.state[key(adaptationID, representationID)]
	if !ok {
		return true
	}
	return v
}

// AffectedByAdaptation reports whether updates touch any Representation
// under adaptationID, regardless of the resulting value —
// used by the Period Buffer to decide whether the active Representation's
// Adaptation was hit by a decipherability change at all.
func (r *Registry) AffectedByAdaptation(adaptationID string, updates []Update) bool {
	for _, u := range updates {
		if u.AdaptationID == adaptationID {
			return true
		}
	}
	return false
}
