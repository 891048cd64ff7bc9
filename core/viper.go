package core

import (
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// SettingsKey is the Viper subkey under which Settings are typically stored,
// mirroring device.DeviceManagerKey (device/viper.go).
const SettingsKey = "core"

// NewSettings unmarshals Settings from a Viper environment, grounded on
// device.NewOptions (device/viper.go). spf13/cast is used to coerce
// interactionTimeout loosely, since it may arrive from JSON/env/flags as a
// duration string, a bare integer of milliseconds, or already-typed
// time.Duration, depending on the caller's configuration source.
func NewSettings(v *viper.Viper) (Settings, error) {
	var s Settings
	if v == nil {
		return s, nil
	}

	sub := v.Sub(SettingsKey)
	if sub == nil {
		sub = v
	}

	if err := sub.Unmarshal(&s); err != nil {
		return Settings{}, err
	}

	if raw := sub.Get("interactionTimeout"); raw != nil {
		if ms, err := cast.ToInt64E(raw); err == nil && ms > 0 {
			s.InteractionTimeout = time.Duration(ms) * time.Millisecond
		} else if d, err := cast.ToDurationE(raw); err == nil && d > 0 {
			s.InteractionTimeout = d
		}
	}

	return s, nil
}
