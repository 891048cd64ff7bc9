package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestBaseDeviceRunInterruptedByOverride covers scenario S4 (spec.md section
// 8): a concurrent Override call interrupts a running session rather than
// waiting for body to return on its own.
func TestBaseDeviceRunInterruptedByOverride(t *testing.T) {
	d := NewDevice("p1", Features{})

	bodyStarted := make(chan struct{})
	bodyCanReturn := make(chan struct{})
	bodyErr := errors.New("device went away mid-call")

	go func() {
		<-bodyStarted
		d.Override(bodyErr)
	}()

	val, err := d.Run(DeviceEventHandlers{}, RunOptions{}, func() (interface{}, error) {
		close(bodyStarted)
		<-bodyCanReturn
		return "too late", nil
	})

	assert.Nil(t, val)
	assert.Equal(t, bodyErr, err)

	close(bodyCanReturn)
}

// TestBaseDeviceRunReturnsBodyResultWhenNoOverride is the control case: with
// no Override, Run simply returns whatever body produced.
func TestBaseDeviceRunReturnsBodyResultWhenNoOverride(t *testing.T) {
	d := NewDevice("p1", Features{})

	val, err := d.Run(DeviceEventHandlers{}, RunOptions{}, func() (interface{}, error) {
		return "ok", nil
	})

	assert.Equal(t, "ok", val)
	assert.NoError(t, err)
}

// TestBaseDeviceRunSerializesCalls covers spec.md section 5's ordering
// guarantee (b): at most one body runs at a time per device.
func TestBaseDeviceRunSerializesCalls(t *testing.T) {
	d := NewDevice("p1", Features{})

	var active int32
	var sawOverlap bool
	run := func() {
		active++
		if active > 1 {
			sawOverlap = true
		}
		time.Sleep(5 * time.Millisecond)
		active--
	}

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = d.Run(DeviceEventHandlers{}, RunOptions{}, func() (interface{}, error) {
				run()
				return nil, nil
			})
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	assert.False(t, sawOverlap, "ordering guarantee (b): Run must serialize per device")
}

// TestBaseDeviceWaitForFirstRunUnblocksAfterFirstRun covers the
// WaitForFirstRun/firstRun-close handshake the Busy gate in
// Controller.Dispatch relies on.
func TestBaseDeviceWaitForFirstRunUnblocksAfterFirstRun(t *testing.T) {
	d := NewDevice("p1", Features{})

	waited := make(chan struct{})
	go func() {
		d.WaitForFirstRun(nil)
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("WaitForFirstRun returned before any Run happened")
	case <-time.After(20 * time.Millisecond):
	}

	_, _ = d.Run(DeviceEventHandlers{}, RunOptions{}, func() (interface{}, error) {
		return nil, nil
	})

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("WaitForFirstRun never unblocked after Run")
	}
}
