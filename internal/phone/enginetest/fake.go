// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/siptty/siptty/internal/phone/engine"
)

// Fake records every command and lets tests inject failures and drive
// notifications through the registered Observer.
type Fake struct {
	mu sync.Mutex

	// Errs maps a command name ("Start", "Answer", ...) to the error it returns
	Errs map[string]error

	ops        []string
	cfg        engine.Config
	transports []engine.TransportConfig
	audio      engine.AudioConfig
	accounts   map[string]engine.AccountParams
	calls      map[int]engine.OutgoingCall
	nextCallID int
	destroyed  bool
	players    []*Player
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Errs:     make(map[string]error),
		accounts: make(map[string]engine.AccountParams),
		calls:    make(map[int]engine.OutgoingCall),
	}
}

// Fail makes op return err from now on.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[op] = err
}

func (f *Fake) record(op string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := op
	if len(args) > 0 {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		entry += " " + strings.Join(parts, " ")
	}
	f.ops = append(f.ops, entry)
	return f.Errs[op]
}

// Ops returns the recorded command log, e.g. "Answer 1 486".
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// Config returns the configuration passed to Init.
func (f *Fake) Config() engine.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// Audio returns the audio configuration passed to SetAudio.
func (f *Fake) Audio() engine.AudioConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

// Transports returns every transport created.
func (f *Fake) Transports() []engine.TransportConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.TransportConfig(nil), f.transports...)
}

// Account returns the parameters of a created account.
func (f *Fake) Account(id string) (engine.AccountParams, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.accounts[id]
	return p, ok
}

// Call returns the request of an outgoing call.
func (f *Fake) Call(id int) (engine.OutgoingCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[id]
	return c, ok
}

// Destroyed reports whether Destroy was called.
func (f *Fake) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Players returns every player handed out by PlayFile.
func (f *Fake) Players() []*Player {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Player(nil), f.players...)
}

func (f *Fake) Init(cfg engine.Config) error {
	if err := f.record("Init", cfg.UserAgent, cfg.LogLevel); err != nil {
		return err
	}
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	return nil
}

func (f *Fake) CreateTransport(cfg engine.TransportConfig) error {
	if err := f.record("CreateTransport", cfg.Kind, cfg.Port); err != nil {
		return err
	}
	f.mu.Lock()
	f.transports = append(f.transports, cfg)
	f.mu.Unlock()
	return nil
}

func (f *Fake) SetAudio(cfg engine.AudioConfig) error {
	if err := f.record("SetAudio", cfg.Mode); err != nil {
		return err
	}
	f.mu.Lock()
	f.audio = cfg
	f.mu.Unlock()
	return nil
}

func (f *Fake) Start() error {
	return f.record("Start")
}

func (f *Fake) Destroy() error {
	err := f.record("Destroy")
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
	return err
}

func (f *Fake) CreateAccount(id string, params engine.AccountParams) error {
	if err := f.record("CreateAccount", id); err != nil {
		return err
	}
	f.mu.Lock()
	f.accounts[id] = params
	f.mu.Unlock()
	return nil
}

func (f *Fake) SetRegistration(id string, active bool) error {
	return f.record("SetRegistration", id, active)
}

func (f *Fake) ShutdownAccount(id string) error {
	err := f.record("ShutdownAccount", id)
	f.mu.Lock()
	delete(f.accounts, id)
	f.mu.Unlock()
	return err
}

// MakeCall assigns sequential ids starting at 0 and reports CALLING
// synchronously, before returning, as a real engine may.
func (f *Fake) MakeCall(call engine.OutgoingCall) (int, error) {
	if err := f.record("MakeCall", call.AccountID, call.URI); err != nil {
		return -1, err
	}
	f.mu.Lock()
	id := f.nextCallID
	f.nextCallID++
	f.calls[id] = call
	obs := f.cfg.Observer
	f.mu.Unlock()

	if call.Bind != nil {
		call.Bind(id)
	}
	if obs != nil {
		obs.OnCallState(id, engine.CallInfo{State: engine.InvCalling, RemoteURI: call.URI})
	}
	return id, nil
}

func (f *Fake) Answer(callID int, code int) error {
	return f.record("Answer", callID, code)
}

func (f *Fake) Hangup(callID int, code int) error {
	return f.record("Hangup", callID, code)
}

func (f *Fake) Hold(callID int) error {
	return f.record("Hold", callID)
}

func (f *Fake) Reinvite(callID int, unhold bool) error {
	return f.record("Reinvite", callID, unhold)
}

func (f *Fake) DialDTMF(callID int, digits string) error {
	return f.record("DialDTMF", callID, digits)
}

func (f *Fake) Transfer(callID int, target string) error {
	return f.record("Transfer", callID, target)
}

func (f *Fake) PlayFile(callID int, path string) (io.Closer, error) {
	if err := f.record("PlayFile", callID, path); err != nil {
		return nil, err
	}
	p := &Player{}
	f.mu.Lock()
	f.players = append(f.players, p)
	f.mu.Unlock()
	return p, nil
}

// Incoming simulates an inbound INVITE and returns the assigned id.
func (f *Fake) Incoming(accountID, remoteURI string) int {
	f.mu.Lock()
	id := f.nextCallID
	f.nextCallID++
	obs := f.cfg.Observer
	f.mu.Unlock()

	if obs != nil {
		obs.OnIncomingCall(accountID, id, engine.CallInfo{State: engine.InvIncoming, RemoteURI: remoteURI})
	}
	return id
}

// CallState reports a call state through the Observer.
func (f *Fake) CallState(callID int, state engine.InvState, remoteURI string) {
	if obs := f.Config().Observer; obs != nil {
		obs.OnCallState(callID, engine.CallInfo{State: state, RemoteURI: remoteURI})
	}
}

// RegState reports a registration outcome through the Observer.
func (f *Fake) RegState(accountID string, info engine.RegInfo) {
	if obs := f.Config().Observer; obs != nil {
		obs.OnRegState(accountID, info)
	}
}

// Log writes entry through the configured LogWriter.
func (f *Fake) Log(entry string) {
	if w := f.Config().LogWriter; w != nil {
		w.WriteLog(5, entry)
	}
}

// Player is the io.Closer returned by PlayFile.
type Player struct {
	mu     sync.Mutex
	closed bool
}

func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("player already closed")
	}
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Player) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Provider hands out Fakes. Err makes Available fail.
type Provider struct {
	mu      sync.Mutex
	Err     error
	created []*Fake
	// Prepare, if set, configures each new Fake before it is returned
	Prepare func(*Fake)
}

func (p *Provider) Available() error {
	return p.Err
}

func (p *Provider) New() (engine.Engine, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	f := New()
	if p.Prepare != nil {
		p.Prepare(f)
	}
	p.mu.Lock()
	p.created = append(p.created, f)
	p.mu.Unlock()
	return f, nil
}

// Last returns the most recently created Fake.
func (p *Provider) Last() *Fake {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.created) == 0 {
		return nil
	}
	return p.created[len(p.created)-1]
}

// Created returns how many engines were created.
func (p *Provider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

var _ engine.Engine = (*Fake)(nil)
var _ engine.Provider = (*Provider)(nil)
