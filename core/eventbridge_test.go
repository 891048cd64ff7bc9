package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"
)

// newTestEventBridgeEnv builds an eventBridgeEnv with a pre-resolved
// PopupPromise so the handlers under test proceed straight through their
// awaitPopup call instead of blocking on a popup handshake.
func newTestEventBridgeEnv() (eventBridgeEnv, *uiPromiseRegistry, chan CoreMessage) {
	popup := &PopupPromise{}
	popup.Open()
	popup.Resolve()

	promises := newUIPromiseRegistry()
	emitted := make(chan CoreMessage, 8)

	env := eventBridgeEnv{
		device:     NewDevice("p1", Features{}),
		popup:      popup,
		uiPromises: promises,
		timeout:    NewInteractionTimeout(0, nil),
		emit:       func(msg CoreMessage) { emitted <- msg },
		stop:       make(chan struct{}),
	}
	return env, promises, emitted
}

// waitForTag drains emitted until it sees want, failing the test if none of
// the next four messages match.
func waitForTag(t *testing.T, emitted chan CoreMessage, want EventTag) {
	t.Helper()
	for i := 0; i < 4; i++ {
		select {
		case msg := <-emitted:
			if msg.Type == want {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("%s never emitted", want)
		}
	}
	t.Fatalf("%s never emitted", want)
}

// TestHandlePinRequestDecodesGatewayJSONPayload covers the Message Gateway's
// real wire path: onUIResponse (controller.go) resolves a UiPromise with the
// inbound message's json.RawMessage payload verbatim, so the handler must
// unmarshal it rather than type-assert it directly into a string.
func TestHandlePinRequestDecodesGatewayJSONPayload(t *testing.T) {
	env, promises, emitted := newTestEventBridgeEnv()

	got := make(chan string, 1)
	go handlePinRequest(env, func(pin string) { got <- pin })

	waitForTag(t, emitted, TagUIRequestPin)

	promise := promises.Find(TagUIReceivePin)
	require.NotNil(t, promise)
	raw, err := json.Marshal(struct {
		Pin string `json:"pin"`
	}{Pin: "1234"})
	require.NoError(t, err)
	promise.Resolve(UIPayload{Event: TagUIReceivePin, Payload: json.RawMessage(raw)})

	select {
	case pin := <-got:
		assert.Equal(t, "1234", pin)
	case <-time.After(time.Second):
		t.Fatal("handlePinRequest never responded")
	}
}

// TestHandleWordRequestDecodesGatewayJSONPayload mirrors the PIN case for
// UI.RECEIVE_WORD.
func TestHandleWordRequestDecodesGatewayJSONPayload(t *testing.T) {
	env, promises, emitted := newTestEventBridgeEnv()

	got := make(chan string, 1)
	go handleWordRequest(env, func(word string) { got <- word })

	waitForTag(t, emitted, TagUIRequestWord)

	promise := promises.Find(TagUIReceiveWord)
	require.NotNil(t, promise)
	raw, err := json.Marshal(struct {
		Word string `json:"word"`
	}{Word: "abandon"})
	require.NoError(t, err)
	promise.Resolve(UIPayload{Event: TagUIReceiveWord, Payload: json.RawMessage(raw)})

	select {
	case word := <-got:
		assert.Equal(t, "abandon", word)
	case <-time.After(time.Second):
		t.Fatal("handleWordRequest never responded")
	}
}

// TestHandlePassphraseRequestDecodesGatewayJSONPayloadAndNormalizes covers
// both the JSON-decoding fix and the NFKD normalization spec.md section 4.6
// requires.
func TestHandlePassphraseRequestDecodesGatewayJSONPayloadAndNormalizes(t *testing.T) {
	env, promises, emitted := newTestEventBridgeEnv()

	type result struct {
		passphrase string
		onDevice   bool
		save       bool
	}
	got := make(chan result, 1)
	go handlePassphraseRequest(env, func(passphrase string, onDevice bool, save bool) {
		got <- result{passphrase, onDevice, save}
	})

	waitForTag(t, emitted, TagUIRequestPassphrase)

	promise := promises.Find(TagUIReceivePassphrase)
	require.NotNil(t, promise)
	const input = "café"
	raw, err := json.Marshal(passphraseResponsePayload{
		Value:              input,
		PassphraseOnDevice: false,
		Save:               true,
	})
	require.NoError(t, err)
	promise.Resolve(UIPayload{Event: TagUIReceivePassphrase, Payload: json.RawMessage(raw)})

	select {
	case r := <-got:
		assert.Equal(t, norm.NFKD.String(input), r.passphrase)
		assert.False(t, r.onDevice)
		assert.True(t, r.save)
	case <-time.After(time.Second):
		t.Fatal("handlePassphraseRequest never responded")
	}
}
