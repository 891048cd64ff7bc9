package core

import (
	"time"
)

// maxPinTries is the PIN retry cap of spec.md section 8, invariant 6
// ("PIN_TRIES <= 3").
const maxPinTries = 3

// invalidPassphraseActionRetry is the UI.INVALID_PASSPHRASE_ACTION payload
// value that asks the device to wipe its session state and restart the inner
// loop, vs. any other value accepting the mismatched state as-is (spec.md
// section 4.5 step 8).
const invalidPassphraseActionRetry = "retry"

// invalidPassphraseActionPayload is the shape of a resolved
// UI.INVALID_PASSPHRASE_ACTION promise.
type invalidPassphraseActionPayload struct {
	Action string `json:"action"`
}

// Dispatch runs the Call Dispatcher state machine (spec.md section 4.5) for
// one IFRAME.CALL, from the Preamble through to the final RESPONSE. It always
// runs on its own goroutine (Controller.handleIframeCall), and always emits
// exactly one RESPONSE before returning, matching spec.md section 5's
// "Ordering guarantees" (a).
func (c *Controller) Dispatch(m Method, trusted bool) {
	id := m.ResponseID()
	c.measures.Call.Add(1)
	start := time.Now()
	defer func() {
		c.measures.CallDuration.Observe(time.Since(start).Seconds())
	}()

	path, hasPath := m.DevicePath()
	if !hasPath {
		if preferred, ok := c.preferred.Get(); ok {
			path = preferred
			hasPath = true
		}
	}

	c.callRegistry.Register(id, path, m)
	defer c.callRegistry.Remove(id)

	// Device-less branch (spec.md section 4.5): runs ahead of any
	// transport/management concern, since it never touches a device at all.
	if !m.UseDevice() {
		result, err := m.Run(MethodContext{})
		// Device-less calls emit POPUP.CANCEL_POPUP_REQUEST before their
		// response (spec.md section 8, scenario S1); the rest of the Cleanup
		// block does not run for them.
		c.emit(CoreMessage{Event: ClassCore, Type: TagPopupCancelRequest})
		c.respond(id, result, err)
		m.Dispose()
		return
	}

	// Transport bootstrapping: if there is no DeviceList and
	// transportReconnect is off, attempt one synchronous init before
	// continuing. Device Selection below still surfaces Transport_Missing
	// if this doesn't produce a list.
	list := c.currentDeviceList()
	if list == nil && !c.settings.TransportReconnect {
		_ = c.InitTransport(c.settings)
		list = c.currentDeviceList()
	}

	// Management gate: only applies when popup-mode is on, and only gates an
	// untrusted caller asking for a management-permission method.
	if c.settings.Popup && m.RequiredPermissions().Has(PermissionManagement) && !trusted {
		c.emit(CoreMessage{Event: ClassCore, Type: TagPopupCancelRequest})
		c.emit(NewFailureResponse(id, NewError(ErrMethodNotAllowed)))
		m.Dispose()
		return
	}

	stop := make(chan struct{})
	device, err := c.selector.Select(selectionEnv{
		list:       list,
		popup:      c.popup,
		uiPromises: c.uiPromises,
		preferred:  c.preferred,
		emit:       c.emit,
		logger:     c.logger,
	}, SelectDeviceRequest{DevicePath: path, HasPath: hasPath}, stop)
	if err != nil {
		// Device acquisition error handling (spec.md section 4.5): a missing
		// transport gets a dedicated UI.TRANSPORT notice after the popup is
		// up; any other selection failure just cancels the pending popup
		// request.
		if IsCode(err, ErrTransportMissing) {
			awaitPopup(c.popup, c.emit, stop)
			c.emit(NewUIMessage(TagUITransport, nil))
		} else {
			c.emit(CoreMessage{Event: ClassCore, Type: TagPopupCancelRequest})
		}
		c.emit(NewFailureResponse(id, err))
		m.Dispose()
		return
	}
	path = device.Path()

	// Preemption: a call that sets OverridePreviousCall marks every other
	// call on this device overridden and interrupts the running session
	// (spec.md section 4.5, "Preemption"). The overridden flag of this call
	// is read again right afterwards.
	overriding := m.OverridePreviousCall()
	if overriding {
		others := c.callRegistry.OthersOnPath(path, id)
		for _, other := range others {
			other.SetOverridden(true)
			device.Override(NewError(ErrMethodOverride))
			c.measures.Override.Add(1)
		}
		if len(others) > 0 && m.Overridden() {
			c.emit(NewFailureResponse(id, NewError(ErrMethodOverride)))
			m.Dispose()
			return
		}
	}

	// Busy gate (spec.md section 4.5): unless this call overrides the
	// previous one, a device that is already running fails it with
	// Device_CallInProgress once loaded, or is waited on (WaitForFirstRun)
	// while it is still starting.
	if device.IsRunning() && !overriding {
		if !device.IsLoaded() {
			device.WaitForFirstRun(stop)
		} else {
			c.emit(NewFailureResponse(id, NewError(ErrDeviceCallInProgress)))
			m.Dispose()
			return
		}
	}

	device.SetInstance(m.DeviceInstance())
	if state, ok := m.DeviceState(); ok {
		device.SetExternalState(state)
	}

	result, runErr := c.runSession(device, m, trusted, stop)

	c.cleanupSession(device, m, runErr == nil)

	c.respond(id, result, runErr)
	m.Dispose()
}

func (c *Controller) respond(id uint32, result interface{}, err error) {
	if err != nil {
		c.emit(NewFailureResponse(id, err))
		return
	}
	c.emit(NewResponse(id, result))
}

// runSession implements the inner loop of spec.md section 4.5 (steps 1-12),
// restarting from the top whenever the device layer reports an invalid PIN or
// an invalid-state "retry" response; for the PIN case the session runs at most
// maxPinTries times (spec.md section 8, invariant 6). Grounded on the retry wrapper in
// device/handlers.go's HandleMessage, generalized from "redeliver a WRP
// message on transient failure" to "re-run a device session on a wrong-PIN or
// wrong-state rejection".
func (c *Controller) runSession(device Device, m Method, trusted bool, stop <-chan struct{}) (interface{}, error) {
	handlers := BuildDeviceEventHandlers(eventBridgeEnv{
		method:     m,
		device:     device,
		popup:      c.popup,
		uiPromises: c.uiPromises,
		timeout:    c.timeout,
		emit:       c.emit,
		stop:       stop,
	})

	opts := RunOptions{
		KeepSession:        m.KeepSession(),
		UseEmptyPassphrase: m.UseEmptyPassphrase(),
		SkipFinalReload:    m.SkipFinalReload(),
	}

	pinTries := 0

	for {
		// 1. Firmware range.
		if fwErr := m.CheckFirmwareRange(c.settings.Popup); fwErr != nil {
			c.emit(NewUIMessage(TagUIFwException, struct {
				Reason string `json:"reason"`
			}{fwErr.Reason}))
			return nil, WrapError(ErrDeviceFwException, fwErr)
		}

		// 2. Device mode.
		if modeErr := device.HasUnexpectedMode(m.AllowDeviceMode(), m.RequireDeviceMode()); modeErr != nil {
			c.emit(NewUIMessage(TagUIModeException, struct {
				Mode DeviceMode `json:"mode"`
			}{modeErr.CurrentMode}))
			return nil, WrapError(ErrDeviceModeException, modeErr)
		}

		// 3. Permissions: an untrusted caller must be prompted when the
		// method actually requires permissions; a trusted caller (or a
		// method that requires none) gets no such prompt and just fails.
		if err := m.CheckPermissions(); err != nil {
			if !trusted && len(m.RequiredPermissions()) > 0 && m.RequestPermissions() {
				// permission granted interactively, continue
			} else {
				return nil, WrapError(ErrMethodPermissionsNotGranted, err)
			}
		}

		// 4. No-backup confirmation: denial fails permissions-not-granted;
		// otherwise the notice is unconditional whenever backup is needed.
		if device.Features().NeedsBackup {
			if ok, defined := m.NoBackupConfirmation(); defined && !ok {
				return nil, NewError(ErrMethodPermissionsNotGranted)
			}
			if !awaitPopup(c.popup, c.emit, stop) {
				return nil, NewError(ErrMethodInterrupted)
			}
			c.emit(NewUIMessage(TagUIDeviceNeedsBackup, nil))
		}

		// 5. Outdated firmware notice.
		if device.FirmwareStatus() == FirmwareOutdated {
			c.emit(NewUIMessage(TagUIFirmwareOutdated, nil))
		}

		// 6. Method confirmation: only an untrusted caller needs it.
		if !trusted {
			if ok, defined := m.Confirmation(); defined && !ok {
				return nil, NewError(ErrMethodCancel)
			}
		}

		// 8. Device-state validation.
		if m.UseDeviceState() {
			if state := device.ValidateState(m.Network()); state != nil {
				if !c.settings.Popup {
					return nil, NewError(ErrDeviceInvalidState)
				}

				promise := c.uiPromises.Create(TagUIInvalidPassphraseAction, device.Path())
				if !awaitPopup(c.popup, c.emit, stop) {
					c.uiPromises.Remove(promise)
					return nil, NewError(ErrMethodInterrupted)
				}
				c.emit(NewUIMessage(TagUIInvalidPassphrase, nil))

				payload, perr, ok := promise.Future(stop)
				c.uiPromises.Remove(promise)
				if !ok {
					return nil, NewError(ErrMethodInterrupted)
				}
				if perr != nil {
					return nil, perr
				}

				var action invalidPassphraseActionPayload
				decodeUIPayload(payload.Payload, &action)
				if action.Action == invalidPassphraseActionRetry {
					device.SetInternalState(nil)
					if err := device.Initialize(m.UseEmptyPassphrase()); err != nil {
						return nil, err
					}
					continue
				}
				device.SetExternalState(state)
			}
		}

		// 10. Popup state.
		if c.settings.Popup {
			if !awaitPopup(c.popup, c.emit, stop) {
				return nil, NewError(ErrMethodInterrupted)
			}
		}

		// 11. Custom protocol: force the reconfiguration through even if the
		// DeviceList thinks it already has equivalent messages loaded.
		if custom, ok := m.GetCustomMessages(); ok {
			if list := c.currentDeviceList(); list != nil {
				_ = list.LoadCustomMessages(custom, true)
			}
		}

		// 12. Execute.
		result, err := device.Run(handlers, opts, func() (interface{}, error) {
			return m.Run(MethodContext{
				Device:          device,
				PostMessage:     c.emit,
				AwaitPopup:      func(s <-chan struct{}) bool { return awaitPopup(c.popup, c.emit, s) },
				CreateUIPromise: func(tag EventTag) *UIPromise { return c.uiPromises.Create(tag, device.Path()) },
				FindUIPromise:   c.uiPromises.Find,
				RemoveUIPromise: c.uiPromises.Remove,
			})
		})

		if m.Overridden() {
			return nil, NewError(ErrMethodOverride)
		}

		if err != nil && isInvalidPin(err) {
			pinTries++
			c.measures.PinRetry.Add(1)
			if pinTries >= maxPinTries {
				return nil, WrapError(ErrMethodCancel, err)
			}
			c.emit(NewUIMessage(TagUIInvalidPin, nil))
			continue
		}

		if err != nil && isWrongPreviousSession(err) {
			if list := c.currentDeviceList(); list != nil {
				list.Enumerate()
			}
			return nil, WrapError(ErrDeviceInvalidState, err)
		}

		if err != nil && IsCode(err, ErrDeviceDisconnected) {
			c.registerPenalty(device.Path())
		}

		return result, err
	}
}

func isInvalidPin(err error) bool {
	return err.Error() == InvalidPinErrorMessage
}

func isWrongPreviousSession(err error) bool {
	return err.Error() == WrongPreviousSessionErrorMessage
}

const rebootToBootloaderMethod = "rebootToBootloader"

// cleanupSession implements spec.md section 4.5's Cleanup block steps (a)-(d)
// and (f), which run unconditionally once the inner loop returns, regardless
// of success or failure. Steps (e), disposing the method, and (g), emitting
// the response, are left to the caller (Dispatch).
func (c *Controller) cleanupSession(device Device, m Method, success bool) {
	// (a) rebootToBootloader refresh: only this specific method name, and
	// only after a successful run, waits for the firmware reboot and
	// re-reads features with an empty body.
	if success && m.Name() == rebootToBootloaderMethod {
		time.Sleep(DefaultRebootDelay)
		_, _ = device.Run(DeviceEventHandlers{}, RunOptions{SkipFinalReload: true}, func() (interface{}, error) {
			return nil, nil
		})
	}

	// (b)
	device.Cleanup()

	// (c)
	c.emit(CoreMessage{Event: ClassCore, Type: TagPopupCancelRequest})
	c.emit(NewUIMessage(TagUICloseUIWindow, nil))
	c.popup.Reset()
	c.uiPromises.Clear(NewError(ErrMethodInterrupted))

	// (d)
	c.timeout.Stop()
	// The timeout is stopped unconditionally above on every call, but a
	// Controller outlives any single call: re-arm it so the next call's
	// Restart (eventbridge.go's button handler) isn't a permanent no-op.
	c.timeout.Reactivate()

	// (f)
	if success {
		if list := c.currentDeviceList(); list != nil {
			c.clearPenalty(device.Path())
			_ = list.LoadCustomMessages(nil, true)
		}
	}
}
