package core

import (
	"sync"
	"time"
)

// interactionTimeoutReason is the close reason delivered when the Interaction Timeout
// fires, identical in effect to a user-initiated popup close (spec.md
// section 4.2).
const interactionTimeoutReason = "Interaction timeout"

// InteractionTimeout is a single restartable timer that fires "user idle", per
// spec.md section 4.2. It is generalized from the teacher's readDeadline /
// writeDeadline restart pattern in device/manager.go (NewDeadline), which
// recomputes a fixed deadline on every traffic event; here the same restart
// trigger re-arms a time.AfterFunc callback instead of a read/write deadline.
type InteractionTimeout struct {
	mu       sync.Mutex
	duration time.Duration
	timer    *time.Timer
	onFire   func(reason string)
	stopped  bool
}

// NewInteractionTimeout constructs a timeout with the given duration. A
// duration of zero disables the timer entirely (spec.md section 4.2, "0
// disables"). onFire is invoked from the timer's own goroutine when the
// timeout expires.
func NewInteractionTimeout(duration time.Duration, onFire func(reason string)) *InteractionTimeout {
	return &InteractionTimeout{duration: duration, onFire: onFire}
}

// Restart (re)starts the timer. The button-request handler (eventbridge.go)
// calls it on every non-address button event; the popup, PIN, word and
// passphrase waits do not restart it.
func (t *InteractionTimeout) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.duration <= 0 || t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.duration, func() {
		if t.onFire != nil {
			t.onFire(interactionTimeoutReason)
		}
	})
}

// Stop halts the timer. Always called in Cleanup (spec.md section 4.5 step
// (d)) on every exit path, and is idempotent.
func (t *InteractionTimeout) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Reactivate allows the timeout to be restarted again after a Stop, used when
// a Controller's lifetime spans multiple calls.
func (t *InteractionTimeout) Reactivate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = false
}
