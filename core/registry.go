package core

import (
	"sync"

	"golang.org/x/exp/slices"
)

// callEntry is one in-flight method tracked by the CallRegistry.
type callEntry struct {
	id     uint32
	path   DevicePath
	method Method
}

// CallRegistry is the ordered list of in-flight methods (spec.md section 3).
// Invariants enforced by callers using this type: (a) at most one
// non-overridden call per devicePath; (b) an entry is removed exactly when
// its response message is emitted (spec.md section 4.3, "Outbound").
// Grounded on device.Transactions' mutex+map shape (device/transactions.go),
// adapted from "one pending response channel per key" to "one list of
// in-flight calls queryable by device path".
type CallRegistry struct {
	mu      sync.Mutex
	entries []*callEntry
}

// NewCallRegistry constructs an empty CallRegistry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{}
}

// Register adds a method to the registry under the given call id and device
// path (empty path for device-less calls).
func (r *CallRegistry) Register(id uint32, path DevicePath, m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &callEntry{id: id, path: path, method: m})
}

// Remove deletes the entry for the given call id, if present.
func (r *CallRegistry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(r.entries, func(e *callEntry) bool { return e.id == id })
	if i >= 0 {
		r.entries = slices.Delete(r.entries, i, i+1)
	}
}

// OthersOnPath returns every in-flight method on path other than excludeID,
// used by the Preemption step (spec.md section 4.5) to find victims to
// override.
func (r *CallRegistry) OthersOnPath(path DevicePath, excludeID uint32) []Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Method
	for _, e := range r.entries {
		if e.path == path && e.id != excludeID {
			out = append(out, e.method)
		}
	}
	return out
}

// Has reports whether any call is registered for the given id.
func (r *CallRegistry) Has(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.id == id {
			return true
		}
	}
	return false
}

// Snapshot returns the current in-flight methods, used by
// Controller.GetCurrentMethod.
func (r *CallRegistry) Snapshot() []Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Method, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.method)
	}
	return out
}

// Len reports the number of in-flight calls, used by tests asserting
// invariant 2 (CallRegistry drain) from spec.md section 8.
func (r *CallRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PreferredDevice is the optional sticky hint described in spec.md section 3.
type PreferredDevice struct {
	mu   sync.Mutex
	path DevicePath
	set  bool
}

// Set stores path as the preferred device.
func (p *PreferredDevice) Set(path DevicePath) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.path = path
	p.set = true
}

// Get returns the preferred device, if any is set.
func (p *PreferredDevice) Get() (DevicePath, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path, p.set
}

// Clear removes the preferred device hint, called when that device
// disconnects or the user un-sets "remember" (spec.md section 3).
func (p *PreferredDevice) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.path = ""
	p.set = false
}

// ClearIfMatches clears the preferred device only if it currently equals path,
// used on disconnect so an unrelated device disconnecting doesn't clobber the
// hint.
func (p *PreferredDevice) ClearIfMatches(path DevicePath) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set && p.path == path {
		p.path = ""
		p.set = false
	}
}
