package provider

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
)

// Registry maps provider ids to descriptors.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Descriptor
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Descriptor)}
}

// Register adds d. Ids are unique.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return errors.New("provider id is required")
	}
	if d.Adapter == nil {
		return fmt.Errorf("provider %s: adapter is required", d.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("provider %s already registered", d.ID)
	}
	r.byID[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", genjob.ErrUnknownProvider, id)
	}
	return d, nil
}

// ForOperation returns the first registered provider supporting opType.
func (r *Registry) ForOperation(opType string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		d := r.byID[id]
		if d.Capabilities.Limits(id).Supports(opType) {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: no provider supports %s", genjob.ErrInvalidParams, opType)
}

// Descriptors lists providers in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Supports reports whether provider id exists and accepts opType.
func (r *Registry) Supports(id, opType string) bool {
	d, err := r.Lookup(id)
	return err == nil && d.Capabilities.Limits(id).Supports(opType)
}

// Limits is a convenience used when seeding the account registry.
func (d Descriptor) Limits() account.Limits {
	return d.Capabilities.Limits(d.ID)
}
