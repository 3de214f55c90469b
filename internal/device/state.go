package device

// State is the reported state of a single device. Temperatures are in
// canonical degrees Celsius; setpoints are pre-snapped to the 0.5 degree
// step. CurrentTemp and Humidity are read-only measurements and are never
// written back to the cloud.
type State struct {
	Mode        Mode    `json:"mode"`
	SpHeat      float64 `json:"spHeat"`
	SpCool      float64 `json:"spCool"`
	CurrentTemp float64 `json:"currentTemp"`
	Humidity    float64 `json:"humidity"`
	FanLabel    string  `json:"fanLabel"`
	VaneLabel   string  `json:"vaneLabel"`

	// Version increases monotonically with each cloud-side change; polls
	// carrying a non-newer version are discarded.
	Version int64 `json:"version"`
}

// Target returns the effective target temperature for the current mode.
// Auto mode reports the cool setpoint, matching the vendor app.
func (s State) Target() float64 {
	switch s.Mode {
	case ModeHeat, ModeAutoHeat:
		return s.SpHeat
	case ModeCool, ModeAutoCool, ModeDry:
		return s.SpCool
	case ModeAuto:
		if s.SpCool != 0 {
			return s.SpCool
		}
		return s.SpHeat
	default:
		return 0
	}
}

// Command is a user-requested change to a subset of device fields. Nil
// fields are left untouched. TargetTemp is canonical Celsius; the
// reconciler snaps it before it is displayed or dispatched.
type Command struct {
	Mode       *Mode
	TargetTemp *float64
	FanLabel   *string
	VaneLabel  *string
}

// Empty reports whether the command changes nothing.
func (c Command) Empty() bool {
	return c.Mode == nil && c.TargetTemp == nil && c.FanLabel == nil && c.VaneLabel == nil
}
