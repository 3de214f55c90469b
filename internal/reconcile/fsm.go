package reconcile

// Phase is the per-device synchronization phase. Modeling it as an explicit
// enum plus a pending-command slot keeps transition logic auditable instead
// of spreading it over ad hoc booleans.
type Phase int

const (
	// PhaseSynced: displayed state matches the last cloud-confirmed state.
	PhaseSynced Phase = iota
	// PhaseOptimistic: displayed state reflects a user command the cloud
	// has not confirmed yet; no request currently in flight.
	PhaseOptimistic
	// PhasePending: the command request is in flight.
	PhasePending
	// PhaseStale: the last sync attempt exhausted its retries; displayed
	// state is the last-known cloud value flagged unconfirmed.
	PhaseStale
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseSynced:
		return "synced"
	case PhaseOptimistic:
		return "optimistic"
	case PhasePending:
		return "pending"
	case PhaseStale:
		return "stale"
	default:
		return "unknown"
	}
}

// fsmEvent is a stimulus applied to a device's phase.
type fsmEvent int

const (
	// eventSubmit: a user command was accepted and applied optimistically.
	eventSubmit fsmEvent = iota
	// eventDispatch: the outbound update request left the process.
	eventDispatch
	// eventConfirm: the cloud confirmed the command.
	eventConfirm
	// eventRetry: the request failed transiently; a retry is scheduled and
	// the optimistic display stays.
	eventRetry
	// eventExhaust: the retry budget ran out.
	eventExhaust
	// eventPoll: a routine poll was applied with no command outstanding.
	eventPoll
	// eventPollFail: a routine poll failed with no command outstanding.
	eventPollFail
)

func (e fsmEvent) String() string {
	switch e {
	case eventSubmit:
		return "submit"
	case eventDispatch:
		return "dispatch"
	case eventConfirm:
		return "confirm"
	case eventRetry:
		return "retry"
	case eventExhaust:
		return "exhaust"
	case eventPoll:
		return "poll"
	case eventPollFail:
		return "poll_fail"
	default:
		return "unknown"
	}
}

// transitions is the full phase transition table. A submit in any phase
// moves to Optimistic: a new command supersedes whatever was outstanding.
var transitions = map[Phase]map[fsmEvent]Phase{
	PhaseSynced: {
		eventSubmit:   PhaseOptimistic,
		eventPoll:     PhaseSynced,
		eventPollFail: PhaseStale,
	},
	PhaseOptimistic: {
		eventSubmit:   PhaseOptimistic,
		eventDispatch: PhasePending,
	},
	PhasePending: {
		eventSubmit:  PhaseOptimistic,
		eventConfirm: PhaseSynced,
		eventRetry:   PhaseOptimistic,
		eventExhaust: PhaseStale,
	},
	PhaseStale: {
		eventSubmit:   PhaseOptimistic,
		eventPoll:     PhaseSynced,
		eventPollFail: PhaseStale,
	},
}

// transition returns the next phase for the event, and whether the
// transition is defined.
func transition(p Phase, ev fsmEvent) (Phase, bool) {
	next, ok := transitions[p][ev]
	return next, ok
}
