// Package phone is the session core of the softphone: it owns the protocol
// engine handle, the account and call registries, and the trace capture, and
// it is the single entry point used by the UI and CLI.
package phone

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/siptty/siptty/internal/config"
	"github.com/siptty/siptty/internal/phone/account"
	"github.com/siptty/siptty/internal/phone/call"
	"github.com/siptty/siptty/internal/phone/engine"
	"github.com/siptty/siptty/internal/phone/events"
	"github.com/siptty/siptty/internal/phone/trace"
)

// traceLogLevel is the lowest engine verbosity that logs full messages.
const traceLogLevel = 5

// Coordinator owns the engine lifecycle and delegates commands to the
// registries.
type Coordinator struct {
	// lifecycle serialises Start and Stop
	lifecycle sync.Mutex

	mu  sync.RWMutex
	cur *session

	provider engine.Provider
	deliver  events.Handler
}

// session is everything created by one Start.
type session struct {
	eng      engine.Engine
	accounts *account.Registry
	calls    *call.Registry
	capture  *trace.Capture
	cfg      *config.Config
}

// New checks that an engine is available and returns a stopped Coordinator.
// deliver receives every event; it is called from engine goroutines and must
// hand events over to the UI's own goroutine.
func New(provider engine.Provider, deliver events.Handler) (*Coordinator, error) {
	if provider == nil {
		return nil, ErrEngineUnavailable
	}
	if err := provider.Available(); err != nil {
		if errors.Is(err, ErrEngineUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return &Coordinator{
		provider: provider,
		deliver:  events.Safe(deliver),
	}, nil
}

// Start initialises and starts the engine. A failure at any step destroys
// whatever was created before the error is returned.
func (c *Coordinator) Start(cfg *config.Config) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.Started() {
		return ErrAlreadyStarted
	}
	if cfg == nil {
		cfg = config.Default()
	}

	eng, err := c.provider.New()
	if err != nil {
		return engine.Wrap("create", err)
	}

	s := &session{eng: eng, cfg: cfg}
	s.capture = trace.NewCapture(c.deliver)
	s.accounts = account.NewRegistry(eng, c.deliver)
	s.calls = call.NewRegistry(eng, s.accounts, c.deliver)

	if err := s.boot(); err != nil {
		if derr := eng.Destroy(); derr != nil {
			slog.Warn("[Session] Teardown after failed start", "error", derr)
		}
		slog.Error("[Session] Start failed", "error", err)
		return err
	}

	c.mu.Lock()
	c.cur = s
	c.mu.Unlock()

	slog.Info("[Session] Started", "user_agent", cfg.General.UserAgent, "audio", cfg.Audio.Mode)
	return nil
}

func (s *session) boot() error {
	cfg := s.cfg
	err := s.eng.Init(engine.Config{
		UserAgent: cfg.General.UserAgent,
		LogLevel:  max(cfg.General.LogLevel, traceLogLevel),
		LogWriter: s.capture,
		Observer:  &observer{accounts: s.accounts, calls: s.calls},
	})
	if err != nil {
		return engine.Wrap("init", err)
	}

	if err := s.eng.CreateTransport(transportConfig(cfg)); err != nil {
		return engine.Wrap("create transport", err)
	}

	audio := engine.AudioConfig{Mode: engine.AudioMode(cfg.Audio.Mode), PlayFile: cfg.Audio.PlayFile}
	if cfg.General.NullAudio || audio.Mode == "" {
		audio.Mode = engine.AudioNull
	}
	if err := s.eng.SetAudio(audio); err != nil {
		return engine.Wrap("set audio", err)
	}

	return engine.Wrap("start", s.eng.Start())
}

// transportConfig creates the single transport on an ephemeral port. Its kind
// follows the first enabled account; accounts asking for another kind are
// reported since they will signal over this one.
func transportConfig(cfg *config.Config) engine.TransportConfig {
	tc := engine.TransportConfig{Kind: engine.TransportUDP}
	accounts := cfg.EnabledAccounts()
	if len(accounts) == 0 {
		return tc
	}

	first := accounts[0]
	if first.Transport != "" {
		tc.Kind = engine.TransportKind(first.Transport)
	}
	if tc.Kind == engine.TransportTLS {
		tc.TLS = engine.TLSConfig{
			CertFile:     first.TLS.CertFile,
			KeyFile:      first.TLS.KeyFile,
			CAFile:       first.TLS.CAFile,
			VerifyServer: first.TLS.VerifyServer,
		}
	}

	for _, a := range accounts[1:] {
		kind := engine.TransportKind(a.Transport)
		if kind == "" {
			kind = engine.TransportUDP
		}
		if kind != tc.Kind {
			slog.Warn("[Session] Account transport not served, using shared transport",
				"account_id", a.Name, "configured", kind, "transport", tc.Kind)
		}
	}
	return tc
}

// Stop removes every account, destroys the engine and clears the registries.
// It is a no-op when not started.
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	s := c.cur
	c.cur = nil
	c.mu.Unlock()
	if s == nil {
		return
	}

	s.accounts.RemoveAll()
	if err := s.eng.Destroy(); err != nil {
		slog.Warn("[Session] Engine destroy failed", "error", err)
	}
	s.calls.Clear()
	slog.Info("[Session] Stopped")
}

// Started reports whether the engine is running.
func (c *Coordinator) Started() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur != nil
}

func (c *Coordinator) session() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return nil, ErrNotStarted
	}
	return c.cur, nil
}

// AddAccount creates and, if configured, registers an account.
func (c *Coordinator) AddAccount(cfg config.AccountConfig) (string, error) {
	s, err := c.session()
	if err != nil {
		return "", err
	}
	return s.accounts.Add(cfg)
}

// AddAccounts adds every enabled account and reports all failures together.
func (c *Coordinator) AddAccounts(cfgs []config.AccountConfig) error {
	var errs []error
	for _, a := range cfgs {
		if !a.Enabled {
			continue
		}
		if _, err := c.AddAccount(a); err != nil {
			errs = append(errs, fmt.Errorf("account %q: %w", a.Name, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveAccount unregisters and removes an account. Engine errors are logged.
func (c *Coordinator) RemoveAccount(id string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	s.accounts.Remove(id)
	return nil
}

// Dial places a call from the named account.
func (c *Coordinator) Dial(accountID, uri string, headers map[string]string) (int, error) {
	s, err := c.session()
	if err != nil {
		return -1, err
	}
	return s.calls.Dial(accountID, uri, headers)
}

// Answer accepts an incoming call. A zero code means 200.
func (c *Coordinator) Answer(callID, code int) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.calls.Answer(callID, code)
}

// Reject declines an incoming call. A zero code means 486.
func (c *Coordinator) Reject(callID, code int) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.calls.Reject(callID, code)
}

// Hangup ends a call.
func (c *Coordinator) Hangup(callID int) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.calls.Hangup(callID)
}

// Hold puts a call on hold.
func (c *Coordinator) Hold(callID int) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.calls.Hold(callID)
}

// Resume takes a call off hold.
func (c *Coordinator) Resume(callID int) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.calls.Resume(callID)
}

// SendDTMF sends digits on a call.
func (c *Coordinator) SendDTMF(callID int, digits string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.calls.SendDTMF(callID, digits)
}

// Transfer blind-transfers a call to target.
func (c *Coordinator) Transfer(callID int, target string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.calls.Transfer(callID, target)
}

// PlayFile streams a WAV file into a call.
func (c *Coordinator) PlayFile(callID int, path string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.calls.PlayFile(callID, path)
}

// Accounts returns a snapshot of every account. It is empty when stopped.
func (c *Coordinator) Accounts() []account.Snapshot {
	s, err := c.session()
	if err != nil {
		return nil
	}
	return s.accounts.Snapshot()
}

// Calls returns a snapshot of every tracked call. It is empty when stopped.
func (c *Coordinator) Calls() []call.Snapshot {
	s, err := c.session()
	if err != nil {
		return nil
	}
	return s.calls.Snapshot()
}

// TraceWriter returns the log writer feeding trace capture, or nil when stopped.
func (c *Coordinator) TraceWriter() engine.LogWriter {
	s, err := c.session()
	if err != nil {
		return nil
	}
	return s.capture
}

// observer routes engine notifications to the registries of one session.
type observer struct {
	accounts *account.Registry
	calls    *call.Registry
}

func (o *observer) OnRegState(accountID string, info engine.RegInfo) {
	defer recoverNotification("registration")
	o.accounts.HandleRegState(accountID, info)
}

func (o *observer) OnIncomingCall(accountID string, callID int, info engine.CallInfo) {
	defer recoverNotification("incoming call")
	if _, ok := o.accounts.Lookup(accountID); !ok {
		slog.Warn("[Session] Incoming call for untracked account", "account_id", accountID, "call_id", callID)
	}
	o.calls.HandleIncoming(accountID, callID, info)
}

func (o *observer) OnCallState(callID int, info engine.CallInfo) {
	defer recoverNotification("call state")
	o.calls.HandleCallState(callID, info)
}

func recoverNotification(kind string) {
	if r := recover(); r != nil {
		slog.Error("[Session] Notification handler panicked", "kind", kind, "panic", r)
	}
}

var _ engine.Observer = (*observer)(nil)
