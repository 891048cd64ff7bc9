package core

import (
	"go.uber.org/zap"
)

// SelectDeviceRequest is the subset of Method fields Device Selection needs.
type SelectDeviceRequest struct {
	DevicePath DevicePath
	HasPath    bool
}

// unreadableError reports whether a device is unusable without the user
// picking again. Generalized from device/filter.go's AllowConnection
// predicate, narrowed to "is this device currently usable". It reports true
// only for a nil device; the Device interface carries no transport-error
// state, so a device with a pending WebUSB permission prompt or another
// transport-level error is treated as usable.
func unreadableError(d Device) bool {
	return d == nil
}

// selectDevicePayload is what UI.SELECT_DEVICE carries: every device known to
// the list, serialized via ToMessageObject.
type selectDevicePayload struct {
	Devices []interface{} `json:"devices"`
}

// deviceSelector implements spec.md section 4.4.
type deviceSelector struct {
	logger *zap.Logger
}

func newDeviceSelector(logger *zap.Logger) *deviceSelector {
	return &deviceSelector{logger: logger}
}

// selectionEnv bundles the collaborators Select needs from the Controller,
// kept separate from deviceSelector itself so the selector stays trivially
// testable.
type selectionEnv struct {
	list      DeviceList
	popup     *PopupPromise
	uiPromises *uiPromiseRegistry
	preferred *PreferredDevice
	emit      func(CoreMessage)
	logger    *zap.Logger
}

// selectDeviceUIPayload is the payload carried by a resolved
// UI.RECEIVE_DEVICE promise.
type selectDeviceUIPayload struct {
	Path     DevicePath `json:"path"`
	Remember bool       `json:"remember"`
}

// Select implements spec.md section 4.4, steps 1-7. stop aborts the wait
// (e.g. the call was overridden or the popup was closed).
func (s *deviceSelector) Select(env selectionEnv, req SelectDeviceRequest, stop <-chan struct{}) (Device, error) {
	if env.list == nil {
		return nil, NewError(ErrTransportMissing)
	}

	isWebUSB := env.list.Kind() == TransportWebUSB
	showPicker := isWebUSB

	if req.HasPath {
		d, ok := env.list.Get(req.DevicePath)
		if ok {
			showPicker = unreadableError(d)
			if !showPicker {
				return d, nil
			}
		} else {
			showPicker = true
		}
	} else {
		devices := env.list.Devices()
		if len(devices) == 1 && !isWebUSB {
			d := devices[0]
			showPicker = unreadableError(d)
			if !showPicker {
				return d, nil
			}
		} else {
			showPicker = true
		}
	}

	if !showPicker {
		return nil, NewError(ErrDeviceNotFound)
	}

	return s.pickInteractively(env, stop)
}

// pickInteractively implements step 6: register UI.RECEIVE_DEVICE, await the
// popup, re-read the list, and either resolve synthetically or prompt the
// user with UI.SELECT_DEVICE.
func (s *deviceSelector) pickInteractively(env selectionEnv, stop <-chan struct{}) (Device, error) {
	promise := env.uiPromises.Create(TagUIReceiveDevice, "")
	defer env.uiPromises.Remove(promise)

	if ok := awaitPopup(env.popup, env.emit, stop); !ok {
		return nil, NewError(ErrMethodInterrupted)
	}

	if d, ok := s.collapseToSingle(env); ok {
		return d, nil
	}

	s.emitSelectDevice(env)

	payload, err, ok := promise.Future(stop)
	if !ok {
		return nil, NewError(ErrMethodInterrupted)
	}
	if err != nil {
		return nil, err
	}

	var sel selectDeviceUIPayload
	decodeUIPayload(payload.Payload, &sel)

	d, found := env.list.Get(sel.Path)
	if !found {
		return nil, NewError(ErrDeviceNotFound)
	}
	if sel.Remember {
		env.preferred.Set(sel.Path)
	}
	return d, nil
}

// collapseToSingle re-reads the list once the popup is ready (spec.md section
// 4.4, step 6): if exactly one readable non-WebUSB device now exists, it wins
// without prompting. It runs once, before UI.SELECT_DEVICE is emitted; list
// changes that arrive while the UI.RECEIVE_DEVICE wait is in progress neither
// resolve the wait nor re-emit UI.SELECT_DEVICE.
func (s *deviceSelector) collapseToSingle(env selectionEnv) (Device, bool) {
	if env.list.Kind() == TransportWebUSB {
		return nil, false
	}
	devices := env.list.Devices()
	if len(devices) != 1 {
		return nil, false
	}
	d := devices[0]
	if unreadableError(d) {
		return nil, false
	}
	return d, true
}

func (s *deviceSelector) emitSelectDevice(env selectionEnv) {
	devices := env.list.Devices()
	objs := make([]interface{}, 0, len(devices))
	for _, d := range devices {
		objs = append(objs, d.ToMessageObject())
	}
	env.emit(NewUIMessage(TagUISelectDevice, selectDevicePayload{Devices: objs}))
}

// awaitPopup blocks on a popup promise, returning true once it is resolved
// and false if it is rejected (popup closed) or stop fires first.
// The first caller to open a given popup promise triggers UI.REQUEST_UI_WINDOW
// (spec.md section 4.5, "SessionOpen"); later callers just wait on the
// already-open slot (spec.md section 5, "Resource discipline").
func awaitPopup(p *PopupPromise, emit func(CoreMessage), stop <-chan struct{}) bool {
	p.mu.Lock()
	opened := p.cur == nil
	if opened {
		p.cur = newDeferred()
	}
	d := p.cur
	p.mu.Unlock()
	if opened && emit != nil {
		emit(NewUIMessage(TagUIRequestUIWindow, nil))
	}
	_, err, ok := d.Future(stop)
	return ok && err == nil
}
