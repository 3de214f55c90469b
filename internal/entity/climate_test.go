package entity

import (
	"testing"

	"kumobridge/internal/device"
	"kumobridge/internal/reconcile"
	"kumobridge/internal/units"
)

func TestHAMode(t *testing.T) {
	tests := []struct {
		mode device.Mode
		want string
	}{
		{device.ModeOff, "off"},
		{device.ModeHeat, "heat"},
		{device.ModeCool, "cool"},
		{device.ModeDry, "dry"},
		{device.ModeFan, "fan_only"},
		{device.ModeAuto, "heat_cool"},
		{device.ModeAutoHeat, "heat_cool"},
		{device.ModeAutoCool, "heat_cool"},
		{device.ModeUnknown, "off"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := haMode(tt.mode); got != tt.want {
				t.Errorf("haMode(%v) = %q, want %q", tt.mode, got, tt.want)
			}
		})
	}
}

func TestModeForHA(t *testing.T) {
	autoCaps := device.Detect(device.Descriptor{HasModeHeat: true})
	// Reports autoHeat but not the combined auto flag path.
	tests := []struct {
		name string
		in   string
		caps *device.Capabilities
		want device.Mode
		ok   bool
	}{
		{"off", "off", autoCaps, device.ModeOff, true},
		{"heat", "heat", autoCaps, device.ModeHeat, true},
		{"fan_only", "fan_only", autoCaps, device.ModeFan, true},
		{"heat_cool", "heat_cool", autoCaps, device.ModeAuto, true},
		{"heat_cool_nil_caps", "heat_cool", nil, device.ModeAuto, true},
		{"unknown_payload", "turbo", autoCaps, device.ModeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := modeForHA(tt.in, tt.caps)
			if ok != tt.ok || got != tt.want {
				t.Errorf("modeForHA(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestHvacAction(t *testing.T) {
	tests := []struct {
		name  string
		state device.State
		want  string
	}{
		{"off", device.State{Mode: device.ModeOff}, "off"},
		{"heating_below_setpoint", device.State{Mode: device.ModeHeat, SpHeat: 21, CurrentTemp: 19}, "heating"},
		{"heat_idle_at_setpoint", device.State{Mode: device.ModeHeat, SpHeat: 21, CurrentTemp: 21}, "idle"},
		{"cooling_above_setpoint", device.State{Mode: device.ModeCool, SpCool: 24, CurrentTemp: 26}, "cooling"},
		{"cool_idle_below_setpoint", device.State{Mode: device.ModeCool, SpCool: 24, CurrentTemp: 23}, "idle"},
		{"drying", device.State{Mode: device.ModeDry}, "drying"},
		{"fan", device.State{Mode: device.ModeFan}, "fan"},
		{"auto_heating", device.State{Mode: device.ModeAuto, SpHeat: 20, SpCool: 24, CurrentTemp: 18}, "heating"},
		{"auto_cooling", device.State{Mode: device.ModeAuto, SpHeat: 20, SpCool: 24, CurrentTemp: 26}, "cooling"},
		{"auto_idle_in_band", device.State{Mode: device.ModeAuto, SpHeat: 20, SpCool: 24, CurrentTemp: 22}, "idle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hvacAction(tt.state); got != tt.want {
				t.Errorf("hvacAction() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildStatePayloadCelsius(t *testing.T) {
	snap := reconcile.Snapshot{
		Serial: "A1",
		State: device.State{
			Mode:        device.ModeHeat,
			SpHeat:      21.0,
			SpCool:      25.0,
			CurrentTemp: 19.4,
			Humidity:    55,
			FanLabel:    "low",
			VaneLabel:   "swing",
		},
		Stale: false,
	}

	p := buildStatePayload(snap, units.Celsius)
	if p.Mode != "heat" || p.Action != "heating" {
		t.Errorf("mode/action = %q/%q", p.Mode, p.Action)
	}
	if p.TargetTemp == nil || *p.TargetTemp != 21.0 {
		t.Errorf("target = %v, want 21.0", p.TargetTemp)
	}
	if p.CurrentTemp != 19.4 {
		t.Errorf("current = %v, want 19.4", p.CurrentTemp)
	}
	if p.FanMode != "low" || p.SwingMode != "swing" {
		t.Errorf("fan/swing = %q/%q", p.FanMode, p.SwingMode)
	}
	if p.Stale {
		t.Error("stale flag set")
	}
}

func TestBuildStatePayloadFahrenheit(t *testing.T) {
	snap := reconcile.Snapshot{
		Serial: "A1",
		State: device.State{
			Mode:        device.ModeHeat,
			SpHeat:      19.0, // 66.2F
			CurrentTemp: 20.0, // 68F
		},
		Stale: true,
	}

	p := buildStatePayload(snap, units.Fahrenheit)
	if p.TargetTemp == nil || *p.TargetTemp != 66.2 {
		t.Errorf("target = %v, want 66.2", p.TargetTemp)
	}
	if p.CurrentTemp != 68.0 {
		t.Errorf("current = %v, want 68.0", p.CurrentTemp)
	}
	if !p.Stale {
		t.Error("stale flag lost")
	}
}

func TestBuildStatePayloadNoTargetWhenOff(t *testing.T) {
	tests := []struct {
		name string
		mode device.Mode
	}{
		{"off", device.ModeOff},
		{"fan_only", device.ModeFan},
		{"unknown", device.ModeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := buildStatePayload(reconcile.Snapshot{
				State: device.State{Mode: tt.mode, SpHeat: 20, SpCool: 24},
			}, units.Celsius)
			if p.TargetTemp != nil {
				t.Errorf("target = %v, want omitted", *p.TargetTemp)
			}
		})
	}
}

func TestRoundDisplay(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{21.0, 21.0},
		{66.19999999999999, 66.2},
		{-10.05, -10.1},
		{0, 0},
	}

	for _, tt := range tests {
		if got := roundDisplay(tt.in); got != tt.want {
			t.Errorf("roundDisplay(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDisplayStep(t *testing.T) {
	if got := displayStep(units.Celsius); got != 0.5 {
		t.Errorf("celsius step = %v, want 0.5", got)
	}
	if got := displayStep(units.Fahrenheit); got != 1.0 {
		t.Errorf("fahrenheit step = %v, want 1.0", got)
	}
}

func TestHAModesCollapsesAutoFamily(t *testing.T) {
	caps := device.Detect(device.Descriptor{
		HasModeHeat:   true,
		ReportedModes: []string{"autoHeat", "autoCool"},
	})

	got := haModes(caps)
	want := []string{"off", "heat", "cool", "heat_cool"}
	if len(got) != len(want) {
		t.Fatalf("haModes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("haModes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
