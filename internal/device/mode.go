// Package device holds the domain model for a zone thermostat: operation
// modes, fan and vane labels, capability detection and reported state.
package device

// Mode is the unified operation mode enumeration. Vendor firmwares report
// free-form strings; anything outside the mapping table below is dropped
// rather than passed through.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeOff
	ModeHeat
	ModeCool
	ModeDry
	ModeFan
	ModeAuto
	ModeAutoHeat
	ModeAutoCool
)

// String returns the vendor wire name for the mode.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeHeat:
		return "heat"
	case ModeCool:
		return "cool"
	case ModeDry:
		return "dry"
	case ModeFan:
		return "vent"
	case ModeAuto:
		return "auto"
	case ModeAutoHeat:
		return "autoHeat"
	case ModeAutoCool:
		return "autoCool"
	default:
		return "unknown"
	}
}

var modeByVendor = map[string]Mode{
	"off":      ModeOff,
	"heat":     ModeHeat,
	"cool":     ModeCool,
	"dry":      ModeDry,
	"vent":     ModeFan,
	"auto":     ModeAuto,
	"autoHeat": ModeAutoHeat,
	"autoCool": ModeAutoCool,
}

// ParseMode maps a vendor-reported mode string to the unified enumeration.
// Unrecognized strings return ModeUnknown, false.
func ParseMode(raw string) (Mode, bool) {
	m, ok := modeByVendor[raw]
	return m, ok
}
