// Package events defines the typed event vocabulary the session core delivers
// to its single consumer, plus the small set of delivery helpers used to move
// those events off engine threads.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event
type EventType string

const (
	// RegistrationState fires when the engine reports a registration outcome
	RegistrationState EventType = "registration.state"
	// CallState fires on every call state transition
	CallState EventType = "call.state"
	// Trace fires when a complete SIP message has been captured from the log stream
	Trace EventType = "trace"
)

// RegState is the registration state of an account
type RegState string

const (
	RegUnregistered RegState = "unregistered"
	RegRegistered   RegState = "registered"
	RegFailed       RegState = "failed"
)

// CallStatus is the local call state vocabulary
type CallStatus string

const (
	CallCalling      CallStatus = "calling"
	CallIncoming     CallStatus = "incoming"
	CallEarly        CallStatus = "early"
	CallConnecting   CallStatus = "connecting"
	CallConfirmed    CallStatus = "confirmed"
	CallDisconnected CallStatus = "disconnected"
)

// Terminal reports whether no further transitions can follow.
func (s CallStatus) Terminal() bool {
	return s == CallDisconnected
}

// Direction indicates call direction
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TraceDirection tells whether a traced message was sent or received
type TraceDirection string

const (
	TraceSend TraceDirection = "send"
	TraceRecv TraceDirection = "recv"
)

// Event is implemented by RegistrationStateEvent, CallStateEvent and TraceEvent.
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Timestamp returns when the event was raised
	Timestamp() time.Time
	// ID is unique per event instance
	ID() string

	sealed()
}

// Meta contains fields common to all events
type Meta struct {
	EventID   string    `json:"event_id"`
	EventTime time.Time `json:"event_time"`
}

func newMeta(now time.Time) Meta {
	return Meta{EventID: uuid.New().String(), EventTime: now}
}

func (m Meta) Timestamp() time.Time { return m.EventTime }
func (m Meta) ID() string           { return m.EventID }

// RegistrationStateEvent carries the mapped registration state of one account.
type RegistrationStateEvent struct {
	Meta
	AccountID string   `json:"account_id"`
	State     RegState `json:"state"`
	// Reason is "<code> <text>" as reported by the registrar
	Reason string `json:"reason"`
}

// NewRegistrationState builds a RegistrationStateEvent stamped with the current time.
func NewRegistrationState(accountID string, state RegState, reason string) RegistrationStateEvent {
	return RegistrationStateEvent{
		Meta:      newMeta(time.Now()),
		AccountID: accountID,
		State:     state,
		Reason:    reason,
	}
}

func (RegistrationStateEvent) Type() EventType { return RegistrationState }
func (RegistrationStateEvent) sealed()         {}

// CallStateEvent carries a call state transition.
type CallStateEvent struct {
	Meta
	CallID    int           `json:"call_id"`
	State     CallStatus    `json:"state"`
	RemoteURI string        `json:"remote_uri"`
	Duration  time.Duration `json:"duration"`
	Direction Direction     `json:"direction"`
}

// NewCallState builds a CallStateEvent stamped with the current time.
func NewCallState(callID int, state CallStatus, remoteURI string, duration time.Duration, dir Direction) CallStateEvent {
	return CallStateEvent{
		Meta:      newMeta(time.Now()),
		CallID:    callID,
		State:     state,
		RemoteURI: remoteURI,
		Duration:  duration,
		Direction: dir,
	}
}

func (CallStateEvent) Type() EventType { return CallState }
func (CallStateEvent) sealed()         {}

// TraceEvent is one reconstructed SIP message.
type TraceEvent struct {
	Meta
	Direction TraceDirection `json:"direction"`
	Message   string         `json:"message"`
}

// NewTrace builds a TraceEvent stamped with now.
func NewTrace(dir TraceDirection, message string, now time.Time) TraceEvent {
	return TraceEvent{
		Meta:      newMeta(now),
		Direction: dir,
		Message:   message,
	}
}

func (TraceEvent) Type() EventType { return Trace }
func (TraceEvent) sealed()         {}
