package entity

import (
	"kumobridge/internal/device"
	"kumobridge/internal/reconcile"
	"kumobridge/internal/units"
)

// Home Assistant hvac mode names. The combined heat/cool selection maps to
// the unit's auto mode family.
var haModeNames = map[device.Mode]string{
	device.ModeOff:      "off",
	device.ModeHeat:     "heat",
	device.ModeCool:     "cool",
	device.ModeDry:      "dry",
	device.ModeFan:      "fan_only",
	device.ModeAuto:     "heat_cool",
	device.ModeAutoHeat: "heat_cool",
	device.ModeAutoCool: "heat_cool",
}

func haMode(m device.Mode) string {
	if name, ok := haModeNames[m]; ok {
		return name
	}
	return "off"
}

// modeForHA resolves a Home Assistant hvac mode back to a device mode,
// preferring modes the device actually supports.
func modeForHA(name string, caps *device.Capabilities) (device.Mode, bool) {
	switch name {
	case "off":
		return device.ModeOff, true
	case "heat":
		return device.ModeHeat, true
	case "cool":
		return device.ModeCool, true
	case "dry":
		return device.ModeDry, true
	case "fan_only":
		return device.ModeFan, true
	case "heat_cool", "auto":
		if caps == nil || caps.SupportsMode(device.ModeAuto) {
			return device.ModeAuto, true
		}
		if caps.SupportsMode(device.ModeAutoHeat) {
			return device.ModeAutoHeat, true
		}
		return device.ModeAuto, true
	}
	return device.ModeUnknown, false
}

// hvacAction derives the running action shown next to the entity. Setpoint
// comparison stands in for a compressor status the cloud does not report.
func hvacAction(s device.State) string {
	switch s.Mode {
	case device.ModeOff, device.ModeUnknown:
		return "off"
	case device.ModeHeat, device.ModeAutoHeat:
		if s.CurrentTemp < s.SpHeat {
			return "heating"
		}
		return "idle"
	case device.ModeCool, device.ModeAutoCool:
		if s.CurrentTemp > s.SpCool {
			return "cooling"
		}
		return "idle"
	case device.ModeDry:
		return "drying"
	case device.ModeFan:
		return "fan"
	case device.ModeAuto:
		if s.CurrentTemp < s.SpHeat {
			return "heating"
		}
		if s.CurrentTemp > s.SpCool {
			return "cooling"
		}
		return "idle"
	}
	return "idle"
}

// haModes collapses the device mode set into the distinct Home Assistant
// names, preserving order.
func haModes(caps *device.Capabilities) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range caps.Modes() {
		name := haMode(m)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// discoveryPayload is the retained MQTT discovery config for a climate
// entity, in the shape Home Assistant expects.
type discoveryPayload struct {
	Name     string `json:"name"`
	UniqueID string `json:"unique_id"`

	Modes      []string `json:"modes"`
	FanModes   []string `json:"fan_modes,omitempty"`
	SwingModes []string `json:"swing_modes,omitempty"`

	MinTemp  float64 `json:"min_temp"`
	MaxTemp  float64 `json:"max_temp"`
	TempStep float64 `json:"temp_step"`
	TempUnit string  `json:"temperature_unit"`

	ModeStateTopic       string `json:"mode_state_topic"`
	ModeStateTemplate    string `json:"mode_state_template"`
	TempStateTopic       string `json:"temperature_state_topic"`
	TempStateTemplate    string `json:"temperature_state_template"`
	CurrentTempTopic     string `json:"current_temperature_topic"`
	CurrentTempTemplate  string `json:"current_temperature_template"`
	HumidityTopic        string `json:"current_humidity_topic,omitempty"`
	HumidityTemplate     string `json:"current_humidity_template,omitempty"`
	FanModeStateTopic    string `json:"fan_mode_state_topic,omitempty"`
	FanModeStateTemplate string `json:"fan_mode_state_template,omitempty"`
	SwingStateTopic      string `json:"swing_mode_state_topic,omitempty"`
	SwingStateTemplate   string `json:"swing_mode_state_template,omitempty"`
	ActionTopic          string `json:"action_topic"`
	ActionTemplate       string `json:"action_template"`

	ModeCommandTopic    string `json:"mode_command_topic"`
	TempCommandTopic    string `json:"temperature_command_topic"`
	FanModeCommandTopic string `json:"fan_mode_command_topic,omitempty"`
	SwingCommandTopic   string `json:"swing_mode_command_topic,omitempty"`

	AvailabilityTopic string `json:"availability_topic"`

	Device discoveryDevice `json:"device"`
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// statePayload is the JSON document published to the state topic.
// Temperatures are already converted to the configured display unit.
type statePayload struct {
	Mode        string   `json:"mode"`
	Action      string   `json:"action"`
	TargetTemp  *float64 `json:"target_temp,omitempty"`
	CurrentTemp float64  `json:"current_temp"`
	Humidity    float64  `json:"humidity"`
	FanMode     string   `json:"fan_mode,omitempty"`
	SwingMode   string   `json:"swing_mode,omitempty"`
	Stale       bool     `json:"stale"`
}

func buildStatePayload(snap reconcile.Snapshot, display units.Unit) statePayload {
	s := snap.State
	p := statePayload{
		Mode:        haMode(s.Mode),
		Action:      hvacAction(s),
		CurrentTemp: roundDisplay(units.ToDisplay(s.CurrentTemp, display)),
		Humidity:    s.Humidity,
		FanMode:     s.FanLabel,
		SwingMode:   s.VaneLabel,
		Stale:       snap.Stale,
	}
	if s.Mode != device.ModeOff && s.Mode != device.ModeUnknown && s.Mode != device.ModeFan {
		target := roundDisplay(units.ToDisplay(s.Target(), display))
		p.TargetTemp = &target
	}
	return p
}

// roundDisplay trims float conversion noise to one decimal place.
func roundDisplay(v float64) float64 {
	if v >= 0 {
		return float64(int64(v*10+0.5)) / 10
	}
	return float64(int64(v*10-0.5)) / 10
}

func displayStep(display units.Unit) float64 {
	if display == units.Fahrenheit {
		return 1.0
	}
	return units.Step
}

func displayUnitName(display units.Unit) string {
	if display == units.Fahrenheit {
		return "F"
	}
	return "C"
}
