package core

import (
	"golang.org/x/text/unicode/norm"
)

// eventBridgeEnv bundles the collaborators the Device Event Bridge needs from
// the Call Dispatcher for the duration of one session.
type eventBridgeEnv struct {
	method    Method
	device    Device
	popup     *PopupPromise
	uiPromises *uiPromiseRegistry
	timeout   *InteractionTimeout
	emit      func(CoreMessage)
	stop      <-chan struct{}
}

// buttonPayload is the payload for DEVICE.BUTTON / UI.REQUEST_BUTTON.
type buttonPayload struct {
	Code DevicePath  `json:"device"`
	Data interface{} `json:"data,omitempty"`
}

// ButtonRequestAddress is the button-request code spec.md section 4.6 singles
// out for the "skip popup, validate on screen" fast path.
const ButtonRequestAddress = "ButtonRequest_Address"

// BuildDeviceEventHandlers implements spec.md section 4.6: translating device
// button/PIN/passphrase/word requests into UI round-trips. Grounded on
// device/handlers.go's per-event-type translation functions, generalized from
// WRP message handlers to hardware button/PIN/word/passphrase handlers.
func BuildDeviceEventHandlers(env eventBridgeEnv) DeviceEventHandlers {
	return DeviceEventHandlers{
		OnButton: func(code string) chan<- struct{} {
			ack := make(chan struct{}, 1)
			go handleButtonRequest(env, code, ack)
			return ack
		},
		OnPin: func(respond func(pin string)) {
			go handlePinRequest(env, respond)
		},
		OnWord: func(respond func(word string)) {
			go handleWordRequest(env, respond)
		},
		OnPassphrase: func(respond func(passphrase string, onDevice bool, cache bool)) {
			if env.method.UseEmptyPassphrase() {
				respond("", false, false)
				return
			}
			go handlePassphraseRequest(env, respond)
		},
		OnPassphraseOnDevice: func() {
			env.emit(NewUIMessage(TagUIRequestPassphraseOnDevice, nil))
		},
	}
}

func handleButtonRequest(env eventBridgeEnv, code string, ack chan<- struct{}) {
	defer close(ack)

	data, hasData := env.method.GetButtonRequestData(code)

	if code == ButtonRequestAddress && !env.method.UseUI() {
		// Fast path: no popup round-trip, validate on-device (spec.md
		// section 4.6).
		env.emit(NewDeviceMessage(TagDeviceButton, buttonPayload{Data: data}))
		env.emit(NewUIMessage(TagUIRequestButton, buttonPayload{Data: data}))
		env.emit(NewUIMessage(TagUIAddressValidation, nil))
		return
	}

	if !awaitPopup(env.popup, env.emit, env.stop) {
		return
	}
	env.timeout.Restart()

	env.emit(NewDeviceMessage(TagDeviceButton, buttonPayload{Data: data}))
	payload := buttonPayload{}
	if hasData {
		payload.Data = data
	}
	env.emit(NewUIMessage(TagUIRequestButton, payload))
}

func handlePinRequest(env eventBridgeEnv, respond func(pin string)) {
	if !awaitPopup(env.popup, env.emit, env.stop) {
		return
	}
	promise := env.uiPromises.Create(TagUIReceivePin, env.device.Path())
	defer env.uiPromises.Remove(promise)

	env.emit(NewUIMessage(TagUIRequestPin, nil))

	payload, err, ok := promise.Future(env.stop)
	if !ok || err != nil {
		respond("")
		return
	}
	var resp pinResponsePayload
	decodeUIPayload(payload.Payload, &resp)
	respond(resp.Pin)
}

// pinResponsePayload is the shape of a resolved UI.RECEIVE_PIN promise.
type pinResponsePayload struct {
	Pin string `json:"pin"`
}

func handleWordRequest(env eventBridgeEnv, respond func(word string)) {
	if !awaitPopup(env.popup, env.emit, env.stop) {
		return
	}
	promise := env.uiPromises.Create(TagUIReceiveWord, env.device.Path())
	defer env.uiPromises.Remove(promise)

	env.emit(NewUIMessage(TagUIRequestWord, nil))

	payload, err, ok := promise.Future(env.stop)
	if !ok || err != nil {
		respond("")
		return
	}
	var resp wordResponsePayload
	decodeUIPayload(payload.Payload, &resp)
	respond(resp.Word)
}

// wordResponsePayload is the shape of a resolved UI.RECEIVE_WORD promise.
type wordResponsePayload struct {
	Word string `json:"word"`
}

// passphraseResponsePayload is the shape of a resolved UI.RECEIVE_PASSPHRASE
// promise.
type passphraseResponsePayload struct {
	Value            string `json:"value"`
	PassphraseOnDevice bool `json:"passphraseOnDevice"`
	Save             bool   `json:"save"`
}

func handlePassphraseRequest(env eventBridgeEnv, respond func(passphrase string, onDevice bool, cache bool)) {
	if !awaitPopup(env.popup, env.emit, env.stop) {
		return
	}
	promise := env.uiPromises.Create(TagUIReceivePassphrase, env.device.Path())
	defer env.uiPromises.Remove(promise)

	env.emit(NewUIMessage(TagUIRequestPassphrase, nil))

	payload, err, ok := promise.Future(env.stop)
	if !ok || err != nil {
		respond("", false, false)
		return
	}

	var resp passphraseResponsePayload
	decodeUIPayload(payload.Payload, &resp)
	normalized := norm.NFKD.String(resp.Value)
	respond(normalized, resp.PassphraseOnDevice, resp.Save)
}
