package reconcile

import (
	"github.com/rs/zerolog/log"

	"kumobridge/internal/device"
	"kumobridge/internal/kumo"
	"kumobridge/internal/units"
)

// autoHysteresis is the spread written between cool and heat setpoints when
// a single target is commanded in auto mode.
const autoHysteresis = 2.0

// stateFromDetails maps a polled device document into the domain state.
// Setpoints are snapped on the way in; unknown vendor label strings are
// dropped rather than passed through.
func stateFromDetails(d *kumo.DeviceDetails) device.State {
	s := device.State{Version: d.UpdatedAt}

	// Power 0 means off regardless of the reported operation mode.
	if d.Power == 0 {
		s.Mode = device.ModeOff
	} else if mode, ok := device.ParseMode(d.OperationMode); ok {
		s.Mode = mode
	} else {
		log.Debug().Str("mode", d.OperationMode).Str("serial", d.SerialNumber).
			Msg("Ignoring unrecognized operation mode")
		s.Mode = device.ModeUnknown
	}

	if d.SpHeat != nil {
		s.SpHeat = units.Snap(*d.SpHeat)
	}
	if d.SpCool != nil {
		s.SpCool = units.Snap(*d.SpCool)
	}
	if d.RoomTemp != nil {
		s.CurrentTemp = *d.RoomTemp
	}
	if d.Humidity != nil {
		s.Humidity = *d.Humidity
	}

	if label, ok := device.FanLabel(d.FanSpeed); ok {
		s.FanLabel = label
	}
	if label, ok := device.VaneLabel(d.AirDirection); ok {
		s.VaneLabel = label
	}

	return s
}

// applyCommand overlays a command's fields onto a state, mirroring exactly
// what buildVendorCommands will write to the cloud.
func applyCommand(s *device.State, cmd device.Command) {
	if cmd.Mode != nil {
		s.Mode = *cmd.Mode
	}
	if cmd.TargetTemp != nil {
		target := units.Snap(*cmd.TargetTemp)
		switch s.Mode {
		case device.ModeHeat, device.ModeAutoHeat:
			s.SpHeat = target
		case device.ModeAuto:
			s.SpCool = target
			s.SpHeat = units.Snap(target - autoHysteresis)
		default:
			s.SpCool = target
		}
	}
	if cmd.FanLabel != nil {
		s.FanLabel = *cmd.FanLabel
	}
	if cmd.VaneLabel != nil {
		s.VaneLabel = *cmd.VaneLabel
	}
}

// buildVendorCommands translates a command into the vendor field map.
// current is the displayed state before the command; setpoints not touched
// by the command are resent so the cloud keeps them (mode changes drop
// unset setpoints otherwise).
func buildVendorCommands(cmd device.Command, current device.State) map[string]any {
	out := make(map[string]any)

	after := current
	applyCommand(&after, cmd)

	if cmd.Mode != nil {
		out["operationMode"] = after.Mode.String()
		if *cmd.Mode == device.ModeOff {
			return out
		}
	}

	if cmd.TargetTemp != nil || cmd.Mode != nil {
		if after.SpCool != 0 {
			out["spCool"] = after.SpCool
		}
		if after.SpHeat != 0 {
			out["spHeat"] = after.SpHeat
		}
	}

	if cmd.FanLabel != nil {
		if vendor, ok := device.FanVendor(*cmd.FanLabel); ok {
			out["fanSpeed"] = vendor
		}
	}
	if cmd.VaneLabel != nil {
		if vendor, ok := device.VaneVendor(*cmd.VaneLabel); ok {
			out["airDirection"] = vendor
		}
	}

	return out
}
