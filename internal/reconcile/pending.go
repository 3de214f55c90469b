package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"kumobridge/internal/device"
)

// pendingCommand exists between a user action and cloud confirmation (or
// final failure). RequestID stays fixed across retries so the cloud can
// de-duplicate; Seq orders commands so a superseded command's late result
// can be recognized and discarded.
type pendingCommand struct {
	RequestID   string
	Seq         int64
	Fields      device.Command
	SubmittedAt time.Time
	Attempts    int
}

func newPendingCommand(seq int64, fields device.Command) *pendingCommand {
	return &pendingCommand{
		RequestID:   uuid.NewString(),
		Seq:         seq,
		Fields:      fields,
		SubmittedAt: time.Now(),
	}
}

// masksMode and friends report which polled fields the pending command
// shadows until it resolves, so confirmations in flight don't flicker the
// display back to the old value.
func (p *pendingCommand) masksMode() bool   { return p.Fields.Mode != nil }
func (p *pendingCommand) masksTarget() bool { return p.Fields.TargetTemp != nil || p.Fields.Mode != nil }
func (p *pendingCommand) masksFan() bool    { return p.Fields.FanLabel != nil }
func (p *pendingCommand) masksVane() bool   { return p.Fields.VaneLabel != nil }

// ValidationError rejects a command before dispatch: the requested value is
// outside the device's capability set. It surfaces synchronously to the
// command caller and is never sent to the cloud.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrUnknownDevice is returned for commands addressed to a device the
// reconciler does not track.
var ErrUnknownDevice = fmt.Errorf("unknown device")

// StaleDataError records why a device was marked stale: a command or poll
// exhausted its retries. It is not fatal to the process; the device keeps
// showing last-known values with the staleness flag set until a poll
// succeeds.
type StaleDataError struct {
	Serial string
	Err    error
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("device %s stale: %v", e.Serial, e.Err)
}

func (e *StaleDataError) Unwrap() error {
	return e.Err
}
