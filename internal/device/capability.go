package device

import "github.com/rs/zerolog/log"

// Descriptor is the vendor-reported profile for a device, already decoded
// from the wire. Its Version changes when the vendor updates the profile.
type Descriptor struct {
	Version string

	HasModeHeat bool
	HasModeDry  bool
	HasModeVent bool

	// Extra mode names reported outside the boolean flags ("autoHeat",
	// "autoCool", firmware-specific strings).
	ReportedModes []string

	NumberOfFanSpeeds int
	HasVaneDir        bool
	HasVaneSwing      bool

	MinHeatSetpoint float64
	MaxHeatSetpoint float64
	MinCoolSetpoint float64
	MaxCoolSetpoint float64
}

// Capabilities is the derived capability set consumed by the reconciler.
// It is replaced atomically on profile change, never mutated in place.
type Capabilities struct {
	Version string

	modes map[Mode]bool
	fans  map[string]bool
	vanes map[string]bool

	MinHeatSetpoint float64
	MaxHeatSetpoint float64
	MinCoolSetpoint float64
	MaxCoolSetpoint float64
}

const (
	defaultMinSetpoint = 16.0
	defaultMaxSetpoint = 30.0
)

// Detect derives a capability set from a vendor descriptor. Unrecognized
// reported flags are logged and skipped; detection never fails.
func Detect(d Descriptor) *Capabilities {
	caps := &Capabilities{
		Version: d.Version,
		modes:   map[Mode]bool{ModeOff: true, ModeCool: true},
		fans:    make(map[string]bool),
		vanes:   make(map[string]bool),

		MinHeatSetpoint: d.MinHeatSetpoint,
		MaxHeatSetpoint: d.MaxHeatSetpoint,
		MinCoolSetpoint: d.MinCoolSetpoint,
		MaxCoolSetpoint: d.MaxCoolSetpoint,
	}

	if caps.MinHeatSetpoint == 0 {
		caps.MinHeatSetpoint = defaultMinSetpoint
	}
	if caps.MaxHeatSetpoint == 0 {
		caps.MaxHeatSetpoint = defaultMaxSetpoint
	}
	if caps.MinCoolSetpoint == 0 {
		caps.MinCoolSetpoint = defaultMinSetpoint
	}
	if caps.MaxCoolSetpoint == 0 {
		caps.MaxCoolSetpoint = defaultMaxSetpoint
	}

	if d.HasModeHeat {
		caps.modes[ModeHeat] = true
		// Units that both heat and cool support the combined auto mode.
		caps.modes[ModeAuto] = true
	}
	if d.HasModeDry {
		caps.modes[ModeDry] = true
	}
	if d.HasModeVent {
		caps.modes[ModeFan] = true
	}

	for _, raw := range d.ReportedModes {
		mode, ok := ParseMode(raw)
		if !ok {
			log.Debug().Str("mode", raw).Msg("Ignoring unrecognized reported mode")
			continue
		}
		caps.modes[mode] = true
		// A unit reporting autoHeat or autoCool implicitly supports the
		// combined heat/cool mode shown to the user as a single selection.
		if mode == ModeAutoHeat || mode == ModeAutoCool {
			caps.modes[ModeAuto] = true
		}
	}

	if d.NumberOfFanSpeeds > 0 {
		caps.fans["auto"] = true
		speeds := FanLabelOrder[1:] // skip "auto"
		n := d.NumberOfFanSpeeds
		if n > len(speeds) {
			n = len(speeds)
		}
		for _, label := range speeds[:n] {
			caps.fans[label] = true
		}
	}

	if d.HasVaneDir {
		for _, label := range VaneLabelOrder {
			if label != "swing" {
				caps.vanes[label] = true
			}
		}
	}
	if d.HasVaneSwing {
		caps.vanes["auto"] = true
		caps.vanes["swing"] = true
	}

	return caps
}

// SupportsMode reports whether the device accepts the given operation mode.
func (c *Capabilities) SupportsMode(m Mode) bool {
	return c.modes[m]
}

// SupportsFan reports whether the device accepts the canonical fan label.
func (c *Capabilities) SupportsFan(label string) bool {
	return c.fans[label]
}

// SupportsVane reports whether the device accepts the canonical vane label.
func (c *Capabilities) SupportsVane(label string) bool {
	return c.vanes[label]
}

// Modes returns supported modes in a stable low-to-high order.
func (c *Capabilities) Modes() []Mode {
	order := []Mode{ModeOff, ModeHeat, ModeCool, ModeDry, ModeFan, ModeAuto, ModeAutoHeat, ModeAutoCool}
	var out []Mode
	for _, m := range order {
		if c.modes[m] {
			out = append(out, m)
		}
	}
	return out
}

// FanLabels returns supported fan labels in canonical order.
func (c *Capabilities) FanLabels() []string {
	var out []string
	for _, label := range FanLabelOrder {
		if c.fans[label] {
			out = append(out, label)
		}
	}
	return out
}

// VaneLabels returns supported vane labels in canonical order.
func (c *Capabilities) VaneLabels() []string {
	var out []string
	for _, label := range VaneLabelOrder {
		if c.vanes[label] {
			out = append(out, label)
		}
	}
	return out
}

// TargetRange returns the valid setpoint range for the given mode.
func (c *Capabilities) TargetRange(m Mode) (min, max float64) {
	switch m {
	case ModeHeat, ModeAutoHeat:
		return c.MinHeatSetpoint, c.MaxHeatSetpoint
	case ModeCool, ModeAutoCool:
		return c.MinCoolSetpoint, c.MaxCoolSetpoint
	default:
		lo := c.MinHeatSetpoint
		if c.MinCoolSetpoint < lo {
			lo = c.MinCoolSetpoint
		}
		hi := c.MaxHeatSetpoint
		if c.MaxCoolSetpoint > hi {
			hi = c.MaxCoolSetpoint
		}
		return lo, hi
	}
}
