// Package router scores execution venues and allocates orders across them.
package router

import (
	"sync"
	"time"

	"github.com/wingzero/tradebridge/pkg/models"
)

// VenueRegistry is the engine-owned venue table. The health monitor mutates
// latency and connection state through it; the router reads snapshots.
type VenueRegistry struct {
	mu     sync.RWMutex
	venues map[string]*models.Venue
}

// NewVenueRegistry creates an empty registry.
func NewVenueRegistry() *VenueRegistry {
	return &VenueRegistry{venues: make(map[string]*models.Venue)}
}

// Upsert inserts or replaces a venue.
func (r *VenueRegistry) Upsert(v models.Venue) {
	r.mu.Lock()
	r.venues[v.ID] = &v
	r.mu.Unlock()
}

// Get returns a copy of the venue, if present.
func (r *VenueRegistry) Get(id string) (models.Venue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[id]
	if !ok {
		return models.Venue{}, false
	}
	return *v, true
}

// List returns copies of all venues.
func (r *VenueRegistry) List() []models.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Venue, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, *v)
	}
	return out
}

// SetTelemetry updates the health-monitor-owned fields of a venue.
func (r *VenueRegistry) SetTelemetry(id string, latency time.Duration, state models.ConnectionState) {
	r.mu.Lock()
	if v, ok := r.venues[id]; ok {
		v.LatencyEstimate = latency
		v.Connection = state
	}
	r.mu.Unlock()
}

// SetActive flips the administrative active flag.
func (r *VenueRegistry) SetActive(id string, active bool) {
	r.mu.Lock()
	if v, ok := r.venues[id]; ok {
		v.Active = active
	}
	r.mu.Unlock()
}
