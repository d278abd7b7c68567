// Package account tracks configured SIP accounts and their registration state.
package account

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/siptty/siptty/internal/config"
	"github.com/siptty/siptty/internal/phone/engine"
	"github.com/siptty/siptty/internal/phone/events"
)

// ErrDuplicate is returned when an account name is already tracked.
var ErrDuplicate = errors.New("duplicate account")

// Account is the runtime record of one configured identity.
type Account struct {
	// mu serialises registration notifications for this account
	mu     sync.Mutex
	cfg    config.AccountConfig
	state  events.RegState
	reason string
}

// Snapshot is a point-in-time copy of an account's state.
type Snapshot struct {
	ID     string
	URI    string
	State  events.RegState
	Reason string
}

// Registry owns every Account, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account

	eng     engine.Engine
	deliver events.Handler
}

// NewRegistry creates a registry that commands eng and emits through deliver.
func NewRegistry(eng engine.Engine, deliver events.Handler) *Registry {
	return &Registry{
		accounts: make(map[string]*Account),
		eng:      eng,
		deliver:  events.Safe(deliver),
	}
}

// Add creates the engine account and starts registration when the config asks
// for it. The returned id is the account name.
func (r *Registry) Add(cfg config.AccountConfig) (string, error) {
	id := cfg.Name

	r.mu.Lock()
	if _, exists := r.accounts[id]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrDuplicate, id)
	}
	acc := &Account{cfg: cfg, state: events.RegUnregistered}
	r.accounts[id] = acc
	r.mu.Unlock()

	// The entry is visible before the engine call so that a registration
	// outcome reported synchronously still finds it.
	if err := r.eng.CreateAccount(id, Params(cfg)); err != nil {
		r.mu.Lock()
		if r.accounts[id] == acc {
			delete(r.accounts, id)
		}
		r.mu.Unlock()
		return "", engine.Wrap("create account", err)
	}

	slog.Info("[Account] Added", "account_id", id, "uri", cfg.SIPURI, "register", cfg.Register && cfg.Registrar != "")
	return id, nil
}

// Remove unregisters and shuts down the account. Engine errors are logged;
// the entry is always evicted. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	acc, ok := r.accounts[id]
	delete(r.accounts, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.teardown(id, acc)
}

// RemoveAll removes every tracked account.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	all := r.accounts
	r.accounts = make(map[string]*Account)
	r.mu.Unlock()

	for id, acc := range all {
		r.teardown(id, acc)
	}
}

func (r *Registry) teardown(id string, acc *Account) {
	if err := r.eng.SetRegistration(id, false); err != nil {
		slog.Warn("[Account] Unregister failed", "account_id", id, "error", err)
	}
	if err := r.eng.ShutdownAccount(id); err != nil {
		slog.Warn("[Account] Shutdown failed", "account_id", id, "error", err)
	}
	slog.Info("[Account] Removed", "account_id", id)
}

// Lookup returns the configuration of a tracked account.
func (r *Registry) Lookup(id string) (config.AccountConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[id]
	if !ok {
		return config.AccountConfig{}, false
	}
	return acc.cfg, true
}

// Len returns the number of tracked accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts)
}

// Snapshot returns the state of every account, sorted by id.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	accs := make(map[string]*Account, len(r.accounts))
	for id, acc := range r.accounts {
		accs[id] = acc
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(accs))
	for id, acc := range accs {
		acc.mu.Lock()
		out = append(out, Snapshot{ID: id, URI: acc.cfg.SIPURI, State: acc.state, Reason: acc.reason})
		acc.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HandleRegState processes a registration notification from the engine.
func (r *Registry) HandleRegState(id string, info engine.RegInfo) {
	r.mu.RLock()
	acc, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		slog.Debug("[Account] Registration state for untracked account", "account_id", id, "code", info.Code)
		return
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	state, reason := MapRegState(info)
	acc.state = state
	acc.reason = reason
	slog.Info("[Account] Registration state", "account_id", id, "state", state, "reason", reason)
	r.deliver(events.NewRegistrationState(id, state, reason))
}

// MapRegState maps an engine registration report onto the local vocabulary.
func MapRegState(info engine.RegInfo) (events.RegState, string) {
	reason := fmt.Sprintf("%d %s", info.Code, info.Text)
	switch {
	case info.Active:
		return events.RegRegistered, reason
	case info.Code == 0, info.Code >= 200 && info.Code < 300:
		return events.RegUnregistered, reason
	default:
		return events.RegFailed, reason
	}
}

// Params translates an account configuration into engine parameters.
func Params(cfg config.AccountConfig) engine.AccountParams {
	p := engine.AccountParams{
		IDURI:     cfg.SIPURI,
		Transport: engine.TransportKind(cfg.Transport),
		Codecs:    cfg.Codecs.Priority,
		Headers:   cfg.Headers,
	}
	if cfg.Register && cfg.Registrar != "" {
		p.Register = true
		p.RegistrarURI = cfg.Registrar
		p.RegExpiry = cfg.RegExpiry
	}
	if cfg.AuthUser != "" && cfg.AuthPassword != "" {
		p.Credentials = append(p.Credentials, engine.Credentials{
			Realm:    "*",
			Username: cfg.AuthUser,
			Password: cfg.AuthPassword,
		})
	}
	if proxy := cfg.OutboundProxy; proxy != "" {
		if !strings.HasPrefix(proxy, "sip:") && !strings.HasPrefix(proxy, "sips:") {
			proxy = "sip:" + proxy
		}
		p.OutboundProxy = proxy
	}
	return p
}
