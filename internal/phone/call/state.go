package call

import (
	"github.com/qmuntal/stateless"

	"github.com/siptty/siptty/internal/phone/engine"
	"github.com/siptty/siptty/internal/phone/events"
)

// validTransitions defines the forward transitions a call may take. Every
// non-terminal state also accepts a repeated report of itself (180 then 183,
// or a re-INVITE completing while confirmed).
var validTransitions = map[events.CallStatus][]events.CallStatus{
	events.CallCalling:    {events.CallEarly, events.CallConnecting, events.CallConfirmed, events.CallDisconnected},
	events.CallIncoming:   {events.CallEarly, events.CallConnecting, events.CallConfirmed, events.CallDisconnected},
	events.CallEarly:      {events.CallConnecting, events.CallConfirmed, events.CallDisconnected},
	events.CallConnecting: {events.CallConfirmed, events.CallDisconnected},
	events.CallConfirmed:  {events.CallDisconnected},
}

// newStateMachine builds the per-call machine. Triggers are the reported
// target states.
func newStateMachine(initial events.CallStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(initial)
	for from, targets := range validTransitions {
		cfg := sm.Configure(from).PermitReentry(from)
		for _, to := range targets {
			cfg.Permit(to, to)
		}
	}
	sm.Configure(events.CallDisconnected)
	return sm
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to events.CallStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MapState maps the engine's INVITE session state onto the local vocabulary.
func MapState(s engine.InvState) (events.CallStatus, bool) {
	switch s {
	case engine.InvNull, engine.InvDisconnected:
		return events.CallDisconnected, true
	case engine.InvCalling:
		return events.CallCalling, true
	case engine.InvIncoming:
		return events.CallIncoming, true
	case engine.InvEarly:
		return events.CallEarly, true
	case engine.InvConnecting:
		return events.CallConnecting, true
	case engine.InvConfirmed:
		return events.CallConfirmed, true
	default:
		return "", false
	}
}
