package core

import (
	"encoding/json"
	"sync"

	"golang.org/x/exp/slices"
)

// UIPayload is the resolved value of a UiPromise: the event tag the response
// arrived under, plus whatever payload accompanied it.
type UIPayload struct {
	Event   EventTag
	Payload interface{}
}

// decodeUIPayload unmarshals a resolved UiPromise payload into out. In
// production the payload always arrives as the json.RawMessage the Message
// Gateway hands onUIResponse (controller.go); map[string]interface{} and bare
// string/[]byte forms are accepted too so hand-built UIPayloads (tests,
// synthetic resolutions) decode the same way. A payload that doesn't match
// out's shape leaves out at its zero value.
func decodeUIPayload(payload interface{}, out interface{}) {
	var raw []byte
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		return
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		raw = b
	}
	_ = json.Unmarshal(raw, out)
}

// Deferred is a single-shot completion cell. Resolve/Reject after the first
// call are no-ops, matching spec.md section 4.1's idempotence requirement.
type Deferred struct {
	mu       sync.Mutex
	done     bool
	result   UIPayload
	err      error
	waiters  chan struct{}
}

func newDeferred() *Deferred {
	return &Deferred{waiters: make(chan struct{})}
}

// Resolve completes the Deferred successfully. A second call is a no-op.
func (d *Deferred) Resolve(payload UIPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.done = true
	d.result = payload
	close(d.waiters)
}

// Reject completes the Deferred with an error. A second call is a no-op.
func (d *Deferred) Reject(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.done = true
	d.err = err
	close(d.waiters)
}

// Future blocks the calling goroutine until the Deferred is resolved or
// rejected, or the given stop channel fires (in which case ok is false).
func (d *Deferred) Future(stop <-chan struct{}) (UIPayload, error, bool) {
	select {
	case <-d.waiters:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.result, d.err, true
	case <-stop:
		return UIPayload{}, nil, false
	}
}

// uiPromiseKey identifies one outstanding interaction. Per spec.md section 3,
// at most one unresolved UiPromise may exist per (tag, device-path-or-none).
type uiPromiseKey struct {
	tag    EventTag
	device DevicePath // empty means "not bound to any device"
}

// UIPromise is a named, cancelable, one-shot promise awaiting a user response
// of a specific kind, optionally bound to one device.
type UIPromise struct {
	ID     EventTag
	Device DevicePath // empty if not bound to a device
	*Deferred
}

// uiPromiseRegistry is the process-scoped (per Controller) ordered collection
// of outstanding UiPromises, grounded on device.Transactions
// (device/transactions.go): a mutex-guarded slice kept in registration order,
// giving FIFO lookup.
type uiPromiseRegistry struct {
	mu    sync.Mutex
	order []*UIPromise
}

func newUIPromiseRegistry() *uiPromiseRegistry {
	return &uiPromiseRegistry{}
}

// Create registers a new UiPromise for the given tag, optionally bound to a
// device. It does not enforce the at-most-one invariant itself — callers that
// need strict enforcement should check Find first, matching the teacher's
// practice of leaving duplicate-prevention to the call site that knows the
// protocol state.
func (r *uiPromiseRegistry) Create(tag EventTag, device DevicePath) *UIPromise {
	p := &UIPromise{ID: tag, Device: device, Deferred: newDeferred()}
	r.mu.Lock()
	r.order = append(r.order, p)
	r.mu.Unlock()
	return p
}

// Find returns the first registered UiPromise matching tag, ignoring any
// device binding on lookup (spec.md section 9, Open Question (a): the source
// ignores callId and matches by tag alone; this is preserved deliberately).
func (r *uiPromiseRegistry) Find(tag EventTag) *UIPromise {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.order {
		if p.ID == tag {
			return p
		}
	}
	return nil
}

// FindForDevice returns the first registered UiPromise matching tag and bound
// to the given device path.
func (r *uiPromiseRegistry) FindForDevice(tag EventTag, device DevicePath) *UIPromise {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.order {
		if p.ID == tag && p.Device == device {
			return p
		}
	}
	return nil
}

// Remove deletes p from the registry, wherever it appears. Safe to call more
// than once.
func (r *uiPromiseRegistry) Remove(p *UIPromise) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.order, p)
	if i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// RemoveForDevice resolves and removes every UiPromise bound to device with a
// synthetic disconnect payload, used when that device disconnects while
// promises are pending (spec.md section 5, "Device disconnect").
func (r *uiPromiseRegistry) RemoveForDevice(device DevicePath) []*UIPromise {
	r.mu.Lock()
	var affected []*UIPromise
	kept := r.order[:0]
	for _, p := range r.order {
		if p.Device == device && device != "" {
			affected = append(affected, p)
			continue
		}
		kept = append(kept, p)
	}
	r.order = kept
	r.mu.Unlock()

	for _, p := range affected {
		p.Resolve(UIPayload{Event: TagDeviceDisconnect, Payload: nil})
	}
	return affected
}

// Clear rejects and removes every outstanding promise, used during Cleanup
// (spec.md section 4.5 step (c)) and on popup-closed/timeout cancellation
// (spec.md section 5).
func (r *uiPromiseRegistry) Clear(err error) {
	r.mu.Lock()
	pending := r.order
	r.order = nil
	r.mu.Unlock()

	for _, p := range pending {
		p.Reject(err)
	}
}

// Len reports the number of outstanding promises, used by tests asserting the
// resource-release invariant (spec.md section 8, invariant 4).
func (r *uiPromiseRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// PopupPromise is the single-slot resolver representing "popup is alive and
// ready" (spec.md section 3). Opening it when already open returns the
// existing slot (spec.md section 5, "Resource discipline").
type PopupPromise struct {
	mu   sync.Mutex
	cur  *Deferred
}

// Open returns the current pending PopupPromise, creating one if none exists.
func (p *PopupPromise) Open() *Deferred {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		p.cur = newDeferred()
	}
	return p.cur
}

// Resolve completes the current popup promise, if any is open.
func (p *PopupPromise) Resolve() {
	p.mu.Lock()
	cur := p.cur
	p.mu.Unlock()
	if cur != nil {
		cur.Resolve(UIPayload{})
	}
}

// Reject rejects the current popup promise, if any is open.
func (p *PopupPromise) Reject(err error) {
	p.mu.Lock()
	cur := p.cur
	p.mu.Unlock()
	if cur != nil {
		cur.Reject(err)
	}
}

// Reset clears the slot so the next Open starts a fresh promise, used during
// Cleanup (spec.md section 4.5 step (c)).
func (p *PopupPromise) Reset() {
	p.mu.Lock()
	p.cur = nil
	p.mu.Unlock()
}

// IsPending reports whether a popup promise is open and unresolved.
func (p *PopupPromise) IsPending() bool {
	p.mu.Lock()
	cur := p.cur
	p.mu.Unlock()
	if cur == nil {
		return false
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	return !cur.done
}
