// Package registry maps (SUID, SensorType) registrations to transport handles.
//
// A Registry is not safe for concurrent use. The bridge guards it with the
// same mutex that guards its wait slot and handle pool.
package registry

import (
	"fmt"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/messaging"
)

// Entry is one registered (SUID, SensorType) pair and the handle its
// indications arrive on.
type Entry struct {
	SUID       contracts.SUID
	SensorType contracts.SensorType
	Handle     messaging.Handle
}

// Registry holds entries in registration order. Entries are never removed
// individually; Clear drops all of them.
type Registry struct {
	entries []Entry
}

// New creates an empty registry
func New() *Registry {
	return &Registry{}
}

// Plan decides where a registration of (suid, sensorType) belongs without
// mutating anything. slot is the index of the pool handle to bind to: one
// past the number of other sensor types already registered for suid, so
// the same SUID never appears twice on one handle. already is true when
// the pair exists.
func (r *Registry) Plan(suid contracts.SUID, sensorType contracts.SensorType) (slot int, already bool, err error) {
	if !sensorType.IsValid() {
		return 0, false, fmt.Errorf("%w: cannot register sensor type %s", contracts.ErrInvalidArgument, sensorType)
	}
	for _, e := range r.entries {
		if e.SUID != suid {
			continue
		}
		if e.SensorType == sensorType {
			return 0, true, nil
		}
		slot++
	}
	return slot, false, nil
}

// Add appends an entry. Callers must have checked Plan first.
func (r *Registry) Add(suid contracts.SUID, sensorType contracts.SensorType, handle messaging.Handle) {
	r.entries = append(r.entries, Entry{SUID: suid, SensorType: sensorType, Handle: handle})
}

// Lookup returns the sensor type registered for suid on the handle with
// the given id.
func (r *Registry) Lookup(suid contracts.SUID, handleID string) (contracts.SensorType, bool) {
	for _, e := range r.entries {
		if e.SUID == suid && e.Handle != nil && e.Handle.ID() == handleID {
			return e.SensorType, true
		}
	}
	return contracts.SensorTypeUnknown, false
}

// FindByType returns the first entry registered under sensorType.
func (r *Registry) FindByType(sensorType contracts.SensorType) (Entry, bool) {
	for _, e := range r.entries {
		if e.SensorType == sensorType {
			return e, true
		}
	}
	return Entry{}, false
}

// Entries returns a copy of all entries
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries
func (r *Registry) Len() int {
	return len(r.entries)
}

// Clear drops every entry
func (r *Registry) Clear() {
	r.entries = nil
}
