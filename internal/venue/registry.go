package venue

import (
	"fmt"
	"sync"

	"meridian/internal/domain"
)

// Registry holds adapters keyed by venue identifier and enforces the mode
// guard at resolve time. Live resolution requires both the deployment
// live-enable flag and the adapter's own live capability.
type Registry struct {
	mu         sync.RWMutex
	adapters   map[string]Adapter
	liveEnable bool
}

// NewRegistry returns an empty registry. liveEnable is the separately
// reviewed deployment flag; it is necessary but not sufficient for live
// resolution.
func NewRegistry(liveEnable bool) *Registry {
	return &Registry{
		adapters:   make(map[string]Adapter),
		liveEnable: liveEnable,
	}
}

// Register stores an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Resolve returns the adapter for the venue, failing closed on any mode
// violation before the adapter is ever touched.
func (r *Registry) Resolve(venue string, mode domain.Mode) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[venue]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrVenueUnknown, venue)
	}

	cap := a.Capability()
	if mode == domain.ModeLive {
		// Two independent signals: deployment flag AND adapter capability.
		if !r.liveEnable || !cap.SupportsLive {
			return nil, fmt.Errorf("%w: venue %q", ErrLiveDisabled, venue)
		}
	}
	if !cap.SupportsMode(mode) {
		return nil, fmt.Errorf("%w: venue %q mode %q", ErrModeUnsupported, venue, mode)
	}
	return a, nil
}

// Venues returns the registered venue identifiers.
func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
