package core

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DevicePath identifies a physical transport path (a USB HID path, a WebUSB
// handle id, or a bridge-daemon session id), generalized from the teacher's
// device.ID (device/id.go), which validates and normalizes a device name the
// same way.
type DevicePath string

// NewDevicePath validates and returns a DevicePath, rejecting empty values,
// mirroring device.ParseID's validation in device/id.go.
func NewDevicePath(raw string) (DevicePath, error) {
	if raw == "" {
		return "", NewErrorf(ErrMethodInvalidParameter, "device path must not be empty")
	}
	return DevicePath(raw), nil
}

// TransportKind enumerates the pluggable transport kinds named in spec.md
// section 1.
type TransportKind string

const (
	TransportUSB    TransportKind = "usb"
	TransportWebUSB TransportKind = "webusb"
	TransportBridge TransportKind = "bridge"
)

// DeviceMode enumerates the device modes referenced by
// hasUnexpectedMode/allowDeviceMode/requireDeviceMode in spec.md section 3.
type DeviceMode string

const (
	ModeNormal     DeviceMode = "normal"
	ModeBootloader DeviceMode = "bootloader"
	ModeInitialize DeviceMode = "initialize"
	ModeSeedless   DeviceMode = "seedless"
)

// FirmwareStatus enumerates device.firmwareStatus values from spec.md
// section 3.
type FirmwareStatus string

const (
	FirmwareUpToDate FirmwareStatus = "valid"
	FirmwareOutdated FirmwareStatus = "outdated"
)

// Features is the subset of device feature flags the core cares about
// (spec.md section 3: "features (including needs_backup)").
type Features struct {
	NeedsBackup bool
	VendorID    string
	Label       string
}

// ModeException describes why hasUnexpectedMode failed, carrying the mode the
// device reports so §4.5 step 2's UI.<exception> message can include it.
type ModeException struct {
	CurrentMode DeviceMode
}

func (e *ModeException) Error() string {
	return fmt.Sprintf("device is in unexpected mode %q", e.CurrentMode)
}

// FirmwareException describes why checkFirmwareRange failed.
type FirmwareException struct {
	Reason string
}

func (e *FirmwareException) Error() string { return e.Reason }

// RunOptions configures a single exclusive device session, passed to
// Device.Run, matching spec.md section 3's device.run(body, options).
type RunOptions struct {
	KeepSession      bool
	UseEmptyPassphrase bool
	SkipFinalReload  bool
}

// DeviceEventHandlers bundles the callbacks a Device invokes when it needs
// user interaction mid-session. The Call Dispatcher wires these through the
// Device Event Bridge (spec.md section 4.6) for the duration of one session
// and they are detached by Cleanup/Device.Cleanup.
type DeviceEventHandlers struct {
	OnButton             func(code string) (ack chan<- struct{})
	OnPin                func(respond func(pin string))
	OnWord               func(respond func(word string))
	OnPassphrase         func(respond func(passphrase string, onDevice bool, cache bool))
	OnPassphraseOnDevice func()
}

// Device is the capability set exposed by a single physical signing device,
// per spec.md section 3. The per-device low-level session acquire/release
// mechanics are an external collaborator (spec.md section 1); Device.Run is
// that collaborator's contract as seen by the core.
type Device interface {
	Path() DevicePath
	IsRunning() bool
	IsLoaded() bool
	IsUsedHere() bool
	Features() Features
	FirmwareStatus() FirmwareStatus

	SetKeepSession(bool)
	KeepSession() bool

	WaitForFirstRun(stop <-chan struct{})
	SetInstance(instance uint32)
	SetExternalState(state []byte)
	SetInternalState(state []byte)

	// ValidateState returns a non-empty state when the device's reported
	// state doesn't match the expected network/state, per spec.md section 3.
	ValidateState(network interface{}) []byte

	// HasUnexpectedMode returns a non-nil ModeException when the device's
	// current mode is incompatible with allow/require.
	HasUnexpectedMode(allow, require []DeviceMode) *ModeException

	Initialize(useEmptyPassphrase bool) error
	Version() (major, minor, patch int)

	// Override injects err into whatever session is currently running on this
	// device (spec.md section 4.5, "Preemption").
	Override(err error)

	// Run executes body as the device's exclusive session. It serializes
	// internally so at most one body runs at a time per device (spec.md
	// section 5, "Ordering guarantees" (b)).
	Run(handlers DeviceEventHandlers, opts RunOptions, body func() (interface{}, error)) (interface{}, error)

	// Cleanup detaches any event handlers and releases session resources.
	Cleanup()

	// InterruptionFromUser aborts whatever is running on this device because
	// of a user-initiated cancellation (popup closed, timeout).
	InterruptionFromUser(err error)

	ToMessageObject() interface{}
}

// baseDevice is a minimal, concurrency-safe Device implementation usable both
// as a reference adapter over a real transport and as the backbone of test
// fakes, generalized from device/device.go's internal `device` struct (id,
// statistics, queue) adapted from a WRP peer to a signing peer.
type baseDevice struct {
	mu sync.Mutex

	path        DevicePath
	running     atomic.Bool
	loaded      atomic.Bool
	usedHere    atomic.Bool
	keepSession atomic.Bool
	instance    uint32
	extState    []byte
	intState    []byte
	features    Features
	fwStatus    FirmwareStatus
	mode        DeviceMode

	runMu      sync.Mutex // serializes Run, per spec.md ordering guarantee (b)
	overrideCh chan error
	firstRun   chan struct{}
}

// NewDevice constructs a reference Device backed by in-memory state, intended
// for local bridge-daemon-fed devices and tests alike.
func NewDevice(path DevicePath, features Features) Device {
	d := &baseDevice{
		path:     path,
		features: features,
		fwStatus: FirmwareUpToDate,
		mode:     ModeNormal,
		firstRun: make(chan struct{}),
	}
	return d
}

func (d *baseDevice) Path() DevicePath { return d.path }
func (d *baseDevice) IsRunning() bool  { return d.running.Load() }
func (d *baseDevice) IsLoaded() bool   { return d.loaded.Load() }
func (d *baseDevice) IsUsedHere() bool { return d.usedHere.Load() }
func (d *baseDevice) Features() Features       { return d.features }
func (d *baseDevice) FirmwareStatus() FirmwareStatus { return d.fwStatus }

func (d *baseDevice) SetKeepSession(v bool) { d.keepSession.Store(v) }
func (d *baseDevice) KeepSession() bool     { return d.keepSession.Load() }

func (d *baseDevice) WaitForFirstRun(stop <-chan struct{}) {
	select {
	case <-d.firstRun:
	case <-stop:
	}
}

func (d *baseDevice) SetInstance(instance uint32) {
	d.mu.Lock()
	d.instance = instance
	d.mu.Unlock()
}

func (d *baseDevice) SetExternalState(state []byte) {
	d.mu.Lock()
	d.extState = state
	d.mu.Unlock()
}

func (d *baseDevice) SetInternalState(state []byte) {
	d.mu.Lock()
	d.intState = state
	d.mu.Unlock()
}

func (d *baseDevice) ValidateState(network interface{}) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.intState == nil && d.extState != nil {
		return d.extState
	}
	return nil
}

func (d *baseDevice) HasUnexpectedMode(allow, require []DeviceMode) *ModeException {
	d.mu.Lock()
	mode := d.mode
	d.mu.Unlock()

	if len(require) > 0 {
		for _, m := range require {
			if m == mode {
				return nil
			}
		}
		return &ModeException{CurrentMode: mode}
	}
	if len(allow) > 0 {
		for _, m := range allow {
			if m == mode {
				return nil
			}
		}
		return &ModeException{CurrentMode: mode}
	}
	return nil
}

func (d *baseDevice) Initialize(useEmptyPassphrase bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intState = nil
	return nil
}

func (d *baseDevice) Version() (int, int, int) { return 2, 6, 0 }

func (d *baseDevice) Override(err error) {
	d.mu.Lock()
	ch := d.overrideCh
	d.mu.Unlock()
	if ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
}

func (d *baseDevice) Run(handlers DeviceEventHandlers, opts RunOptions, body func() (interface{}, error)) (interface{}, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	overrideCh := make(chan error, 1)
	d.overrideCh = overrideCh
	d.mu.Unlock()
	d.running.Store(true)
	d.usedHere.Store(true)
	defer func() {
		d.running.Store(false)
		if !opts.KeepSession {
			d.usedHere.Store(false)
		}
		d.keepSession.Store(opts.KeepSession)
	}()

	select {
	case <-d.firstRun:
	default:
		close(d.firstRun)
	}
	d.loaded.Store(true)

	type outcome struct {
		val interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := body()
		done <- outcome{val, err}
	}()

	// A concurrent Override call races body's own completion; whichever
	// fires first wins (spec.md section 9, Open Question (b)). body keeps
	// running to completion in its own goroutine even if Override wins —
	// aborting the in-flight hardware I/O is the transport's job, not this
	// reference Device's.
	select {
	case o := <-done:
		return o.val, o.err
	case err := <-overrideCh:
		return nil, err
	}
}

func (d *baseDevice) Cleanup() {
	d.mu.Lock()
	d.overrideCh = nil
	d.mu.Unlock()
}

func (d *baseDevice) InterruptionFromUser(err error) {
	d.Override(err)
}

func (d *baseDevice) ToMessageObject() interface{} {
	return struct {
		Path     DevicePath `json:"path"`
		Features Features   `json:"features"`
	}{d.path, d.features}
}
