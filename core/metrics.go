package core

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/provider"
)

// Metric names registered by this package, mirroring the teacher's
// device.DeviceCounter/... constant list (device/metrics.go).
const (
	CallCounter           = "core_call_count"
	CallDurationHistogram = "core_call_duration_seconds"
	OverrideCounter       = "core_call_override_count"
	PinRetryCounter       = "core_pin_retry_count"
	DeviceCounter         = "core_device_count"
	ConnectCounter        = "core_device_connect_count"
	DisconnectCounter     = "core_device_disconnect_count"
)

// Measures holds the pre-built go-kit metrics the Call Dispatcher and Core
// Controller touch on every call/connect/disconnect, grounded on
// device.Measures (device/metrics.go, confirmed current by
// device/metrics_test.go's NewMeasures(provider.Provider) shape).
type Measures struct {
	Call           metrics.Counter
	CallDuration   metrics.Histogram
	Override       metrics.Counter
	PinRetry       metrics.Counter
	Device         metrics.Gauge
	Connect        metrics.Counter
	Disconnect     metrics.Counter
}

// NewMeasures builds a Measures from any go-kit metrics provider (Prometheus,
// statsd, or provider.NewDiscardProvider() in tests).
func NewMeasures(p provider.Provider) Measures {
	return Measures{
		Call:         p.NewCounter(CallCounter),
		CallDuration: p.NewHistogram(CallDurationHistogram, 32),
		Override:     p.NewCounter(OverrideCounter),
		PinRetry:     p.NewCounter(PinRetryCounter),
		Device:       p.NewGauge(DeviceCounter),
		Connect:      p.NewCounter(ConnectCounter),
		Disconnect:   p.NewCounter(DisconnectCounter),
	}
}
