// Package engine describes the SIP/RTP protocol engine the session core
// commands and observes. The engine owns transactions, dialogs and media; the
// core only issues commands and reacts to the notifications delivered to its
// Observer.
//
// Commands return as soon as the request has been handed to the engine.
// Outcomes arrive later through the Observer, on engine-owned goroutines.
package engine

import (
	"errors"
	"io"
)

// ErrUnavailable is returned by a Provider that cannot supply an engine.
var ErrUnavailable = errors.New("protocol engine unavailable")

// Provider is the capability check performed once when the session core is
// constructed, and the factory for engine handles afterwards.
type Provider interface {
	// Available reports whether an engine can be created in this process.
	Available() error
	// New returns a fresh, uninitialised engine handle.
	New() (Engine, error)
}

// TransportKind is the SIP transport protocol
type TransportKind string

const (
	TransportUDP TransportKind = "udp"
	TransportTCP TransportKind = "tcp"
	TransportTLS TransportKind = "tls"
)

// AudioMode selects the audio device configuration.
type AudioMode string

const (
	// AudioNull sends silence and discards received audio
	AudioNull AudioMode = "null"
	// AudioFile plays a WAV file into every call
	AudioFile AudioMode = "file"
)

// InvState is the engine-side INVITE session state.
type InvState int

const (
	InvNull InvState = iota
	InvCalling
	InvIncoming
	InvEarly
	InvConnecting
	InvConfirmed
	InvDisconnected
)

func (s InvState) String() string {
	switch s {
	case InvNull:
		return "NULL"
	case InvCalling:
		return "CALLING"
	case InvIncoming:
		return "INCOMING"
	case InvEarly:
		return "EARLY"
	case InvConnecting:
		return "CONNECTING"
	case InvConfirmed:
		return "CONFIRMED"
	case InvDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Config is passed to Engine.Init.
type Config struct {
	UserAgent string
	// LogLevel is the engine log verbosity. Full messages are logged at 5 and above.
	LogLevel  int
	LogWriter LogWriter
	Observer  Observer
}

// TransportConfig describes the local transport to create.
type TransportConfig struct {
	Kind TransportKind
	// Port 0 selects an ephemeral port
	Port int
	TLS  TLSConfig
}

// TLSConfig carries client certificate material for TLS transports.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	CAFile       string
	VerifyServer bool
}

// AudioConfig configures the engine audio device.
type AudioConfig struct {
	Mode     AudioMode
	PlayFile string
}

// Credentials are digest credentials. Realm "*" matches any challenge.
type Credentials struct {
	Realm    string
	Username string
	Password string
}

// AccountParams describes an engine account.
type AccountParams struct {
	IDURI         string
	RegistrarURI  string
	OutboundProxy string
	Transport     TransportKind
	Register      bool
	RegExpiry     int
	Credentials   []Credentials
	Codecs        []string
	Headers       map[string]string
}

// OutgoingCall is the argument to Engine.MakeCall.
type OutgoingCall struct {
	AccountID string
	URI       string
	Headers   map[string]string
	// Bind is invoked with the assigned call id before any notification for
	// the call is delivered. It must not block.
	Bind func(callID int)
}

// RegInfo is delivered on every registration outcome.
type RegInfo struct {
	Active bool
	Code   int
	Text   string
	Expiry int
}

// CallInfo describes a call at the time of a notification.
type CallInfo struct {
	State     InvState
	RemoteURI string
	LastCode  int
	LastText  string
}

// Observer receives engine notifications. Implementations must return quickly
// and must not panic.
type Observer interface {
	OnRegState(accountID string, info RegInfo)
	// OnIncomingCall precedes every OnCallState for the same call.
	OnIncomingCall(accountID string, callID int, info CallInfo)
	OnCallState(callID int, info CallInfo)
}

// LogWriter receives engine log output. Entries may span multiple lines.
type LogWriter interface {
	WriteLog(level int, entry string)
}

// Engine is the command surface of the protocol engine.
type Engine interface {
	Init(cfg Config) error
	CreateTransport(cfg TransportConfig) error
	SetAudio(cfg AudioConfig) error
	Start() error
	// Destroy releases every resource. It is safe to call on a partially
	// initialised engine.
	Destroy() error

	CreateAccount(accountID string, params AccountParams) error
	SetRegistration(accountID string, active bool) error
	ShutdownAccount(accountID string) error

	MakeCall(call OutgoingCall) (int, error)
	Answer(callID int, code int) error
	Hangup(callID int, code int) error
	Hold(callID int) error
	Reinvite(callID int, unhold bool) error
	DialDTMF(callID int, digits string) error
	Transfer(callID int, target string) error
	// PlayFile streams a WAV file into the call. Closing the returned player stops it.
	PlayFile(callID int, path string) (io.Closer, error)
}
