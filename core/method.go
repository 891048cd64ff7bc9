package core

import "sync/atomic"

// Permission is one capability tag a Method may require, per spec.md
// section 3.
type Permission string

const (
	PermissionRead       Permission = "read"
	PermissionWrite      Permission = "write"
	PermissionManagement Permission = "management"
)

// PermissionSet is a small set of Permission values.
type PermissionSet map[Permission]struct{}

// Has reports whether p is a member of the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// NewPermissionSet builds a PermissionSet from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// MethodContext is passed into Method.Run, carrying the entry points a method
// body needs back into the core: posting messages, awaiting the popup, and
// creating/looking up UiPromises. Per spec.md section 9's design note, this
// replaces the source's practice of mutating `method.postMessage = ...` with
// an explicit value the method receives, rather than a capability bag bolted
// onto the method object after construction.
type MethodContext struct {
	Device Device

	PostMessage func(CoreMessage)

	// AwaitPopup blocks until the popup is ready or stop fires.
	AwaitPopup func(stop <-chan struct{}) bool

	// CreateUIPromise registers a new UiPromise bound to this call's device.
	CreateUIPromise func(tag EventTag) *UIPromise

	// FindUIPromise looks up an outstanding UiPromise by tag (device-agnostic,
	// per spec.md section 9 Open Question (a)).
	FindUIPromise func(tag EventTag) *UIPromise

	// RemoveUIPromise removes a UiPromise once it has served its purpose.
	RemoveUIPromise func(p *UIPromise)
}

// Method is the uniform, opaque-to-the-core contract every wallet operation
// implements (spec.md section 3). Individual method bodies — per-coin
// signing, address derivation — are external collaborators (spec.md
// section 1); this interface is the seam between them and the Call
// Dispatcher.
type Method interface {
	Name() string

	ResponseID() uint32
	DevicePath() (DevicePath, bool)
	DeviceInstance() uint32
	DeviceState() ([]byte, bool)
	Network() interface{}

	RequiredPermissions() PermissionSet
	AllowDeviceMode() []DeviceMode
	RequireDeviceMode() []DeviceMode

	UseDevice() bool
	UseUI() bool
	UseEmptyPassphrase() bool
	UseDeviceState() bool
	KeepSession() bool
	SkipFinalReload() bool
	OverridePreviousCall() bool
	DebugLink() bool
	HasExpectedDeviceState() bool

	// CheckFirmwareRange returns a non-nil FirmwareException if the attached
	// device's firmware falls outside this method's supported range.
	CheckFirmwareRange(usingPopup bool) *FirmwareException

	CheckPermissions() error
	RequestPermissions() bool

	// Confirmation asks the user to confirm the method body's intent. A
	// method that doesn't need one returns (false, false) — "no confirmation
	// defined" rather than "confirmation denied" — mirroring spec.md section
	// 3's `confirmation?()` optional operation.
	Confirmation() (ok bool, defined bool)
	NoBackupConfirmation() (ok bool, defined bool)

	GetButtonRequestData(code string) (interface{}, bool)
	GetCustomMessages() (interface{}, bool)

	Run(ctx MethodContext) (interface{}, error)
	Dispose()

	// Overridden reports whether a concurrent dispatcher marked this method as
	// overridden (spec.md section 4.5, "Preemption"). Backed by an
	// atomic.Bool per spec.md section 9 Open Question (b): the override path
	// sets this from a different goroutine than the one that reads it back.
	Overridden() bool
	SetOverridden(bool)
}

// BaseMethod provides the bookkeeping fields (overridden flag, response id)
// shared by every concrete Method, so individual method implementations only
// need to embed it and fill in the operations that vary.
type BaseMethod struct {
	overridden atomic.Bool
	responseID uint32
}

// NewBaseMethod constructs a BaseMethod for the given request id.
func NewBaseMethod(responseID uint32) BaseMethod {
	return BaseMethod{responseID: responseID}
}

func (b *BaseMethod) ResponseID() uint32 { return b.responseID }
func (b *BaseMethod) Overridden() bool   { return b.overridden.Load() }
func (b *BaseMethod) SetOverridden(v bool) { b.overridden.Store(v) }
