package core

import "time"

// Default settings values, mirroring the teacher's Default* constant block in
// device/options.go.
const (
	DefaultInteractionTimeout = 5 * time.Minute
	DefaultRebootDelay        = 501 * time.Millisecond
	DefaultAuthPenalty        = 2 * time.Second
	DefaultMetricsNamespace   = "hwbridge"
	DefaultMetricsSubsystem   = "core"
)

// Settings are the recognized options of spec.md section 6.
type Settings struct {
	Debug              bool
	Popup              bool
	InteractionTimeout time.Duration
	TrustedHost        bool
	TransportReconnect bool
	WebUSB             bool
	BridgeURL          string

	// LogLevel and the metrics namespace/subsystem are ambient concerns the
	// distilled spec is silent on (SPEC_FULL.md section 6 expansion).
	LogLevel         string
	MetricsNamespace string
	MetricsSubsystem string
}

// effectiveInteractionTimeout applies spec.md section 4.2/6: "Disabled timeout
// when !popup", returning zero in that case regardless of the configured
// value.
func (s Settings) effectiveInteractionTimeout() time.Duration {
	if !s.Popup {
		return 0
	}
	if s.InteractionTimeout > 0 {
		return s.InteractionTimeout
	}
	return DefaultInteractionTimeout
}

func (s Settings) metricsNamespace() string {
	if s.MetricsNamespace != "" {
		return s.MetricsNamespace
	}
	return DefaultMetricsNamespace
}

func (s Settings) metricsSubsystem() string {
	if s.MetricsSubsystem != "" {
		return s.MetricsSubsystem
	}
	return DefaultMetricsSubsystem
}
