// Package call tracks in-flight calls, drives their state machines from
// engine notifications, and issues call-control commands.
package call

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/siptty/siptty/internal/config"
	"github.com/siptty/siptty/internal/phone/engine"
	"github.com/siptty/siptty/internal/phone/events"
)

// Accounts resolves account names for Dial.
type Accounts interface {
	Lookup(id string) (config.AccountConfig, bool)
}

// Call is the runtime record of one call.
type Call struct {
	// notify serialises engine notifications for this call. Commands never
	// take it, so a delivery callback may issue commands for the same call.
	notify sync.Mutex

	mu        sync.Mutex
	id        int
	accountID string
	direction events.Direction
	remoteURI string
	started   time.Time
	hold      bool
	sm        *stateless.StateMachine
	media     []io.Closer
	done      bool
}

func newCall(accountID string, dir events.Direction, remoteURI string, initial events.CallStatus) *Call {
	return &Call{
		accountID: accountID,
		direction: dir,
		remoteURI: remoteURI,
		started:   time.Now(),
		sm:        newStateMachine(initial),
	}
}

func (c *Call) state() events.CallStatus {
	return c.sm.MustState().(events.CallStatus)
}

// Snapshot is a point-in-time copy of a call's state.
type Snapshot struct {
	ID        int
	AccountID string
	Direction events.Direction
	State     events.CallStatus
	RemoteURI string
	OnHold    bool
	Duration  time.Duration
}

func (c *Call) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:        c.id,
		AccountID: c.accountID,
		Direction: c.direction,
		State:     c.state(),
		RemoteURI: c.remoteURI,
		OnHold:    c.hold,
		Duration:  time.Since(c.started),
	}
}

// Registry owns every tracked Call, keyed by the engine-assigned id.
type Registry struct {
	mu    sync.RWMutex
	calls map[int]*Call

	eng      engine.Engine
	accounts Accounts
	deliver  events.Handler
}

// NewRegistry creates a registry that commands eng and emits through deliver.
func NewRegistry(eng engine.Engine, accounts Accounts, deliver events.Handler) *Registry {
	return &Registry{
		calls:    make(map[int]*Call),
		eng:      eng,
		accounts: accounts,
		deliver:  events.Safe(deliver),
	}
}

// Dial places an outbound call. Account headers are sent with the INVITE;
// headers given here override those with the same name.
func (r *Registry) Dial(accountID, uri string, headers map[string]string) (int, error) {
	acc, ok := r.accounts.Lookup(accountID)
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrUnknownAccount, accountID)
	}

	merged := make(map[string]string, len(acc.Headers)+len(headers))
	for k, v := range acc.Headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}

	c := newCall(accountID, events.DirectionOutbound, uri, events.CallCalling)
	bound := false
	id, err := r.eng.MakeCall(engine.OutgoingCall{
		AccountID: accountID,
		URI:       uri,
		Headers:   merged,
		Bind: func(id int) {
			r.track(id, c)
			bound = true
		},
	})
	if err != nil {
		if bound {
			r.evict(c.id, c)
		}
		return -1, engine.Wrap("make call", err)
	}
	if !bound {
		r.track(id, c)
	}

	slog.Info("[Call] Dialing", "call_id", id, "account_id", accountID, "uri", uri)
	return id, nil
}

// HandleIncoming tracks a call the engine has already created and emits the
// incoming event.
func (r *Registry) HandleIncoming(accountID string, id int, info engine.CallInfo) {
	c := newCall(accountID, events.DirectionInbound, info.RemoteURI, events.CallIncoming)

	r.mu.Lock()
	if _, exists := r.calls[id]; exists {
		r.mu.Unlock()
		slog.Warn("[Call] Incoming call id already tracked", "call_id", id)
		return
	}
	c.id = id
	r.calls[id] = c
	r.mu.Unlock()

	c.notify.Lock()
	defer c.notify.Unlock()

	slog.Info("[Call] Incoming", "call_id", id, "account_id", accountID, "from", info.RemoteURI)
	r.deliver(events.NewCallState(id, events.CallIncoming, info.RemoteURI, 0, events.DirectionInbound))
}

// HandleCallState applies an engine call-state notification.
func (r *Registry) HandleCallState(id int, info engine.CallInfo) {
	c := r.get(id)
	if c == nil {
		slog.Debug("[Call] State for untracked call", "call_id", id, "state", info.State)
		return
	}

	c.notify.Lock()
	defer c.notify.Unlock()

	next, ok := MapState(info.State)
	if !ok {
		slog.Warn("[Call] Unknown engine state", "call_id", id, "state", int(info.State))
		return
	}

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	prev := c.state()
	if err := c.sm.Fire(next); err != nil {
		c.mu.Unlock()
		slog.Warn("[Call] Ignoring invalid transition", "call_id", id, "from", prev, "to", next)
		return
	}
	if info.RemoteURI != "" {
		c.remoteURI = info.RemoteURI
	}
	if next == events.CallConfirmed {
		c.hold = false
	}
	ev := events.NewCallState(id, next, c.remoteURI, time.Since(c.started), c.direction)

	var media []io.Closer
	if next.Terminal() {
		c.done = true
		media, c.media = c.media, nil
	}
	c.mu.Unlock()

	slog.Debug("[Call] State", "call_id", id, "from", prev, "to", next, "code", info.LastCode)
	r.deliver(ev)

	if next.Terminal() {
		releaseMedia(id, media)
		r.evict(id, c)
		slog.Info("[Call] Ended", "call_id", id, "duration", ev.Duration, "code", info.LastCode, "reason", info.LastText)
	}
}

// Answer accepts an incoming call. A zero code means 200.
func (r *Registry) Answer(id, code int) error {
	if _, err := r.lookup(id); err != nil {
		return err
	}
	if code == 0 {
		code = 200
	}
	return engine.Wrap("answer", r.eng.Answer(id, code))
}

// Reject declines an incoming call. A zero code means 486. The call stays
// tracked until the engine reports it disconnected.
func (r *Registry) Reject(id, code int) error {
	if _, err := r.lookup(id); err != nil {
		return err
	}
	if code == 0 {
		code = 486
	}
	return engine.Wrap("reject", r.eng.Answer(id, code))
}

// Hangup ends the call with the engine's default status.
func (r *Registry) Hangup(id int) error {
	if _, err := r.lookup(id); err != nil {
		return err
	}
	return engine.Wrap("hangup", r.eng.Hangup(id, 0))
}

// Hold puts the call on hold and sets the hold flag. The renegotiation
// completes asynchronously; if the peer refuses it the engine reports the call
// confirmed again, which clears the flag.
func (r *Registry) Hold(id int) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := r.eng.Hold(id); err != nil {
		return engine.Wrap("hold", err)
	}
	c.mu.Lock()
	c.hold = true
	c.mu.Unlock()
	return nil
}

// Resume renegotiates the call to take it off hold. The flag is cleared when
// the engine reports the call confirmed again.
func (r *Registry) Resume(id int) error {
	if _, err := r.lookup(id); err != nil {
		return err
	}
	return engine.Wrap("resume", r.eng.Reinvite(id, true))
}

// SendDTMF sends digits out of band.
func (r *Registry) SendDTMF(id int, digits string) error {
	if _, err := r.lookup(id); err != nil {
		return err
	}
	if err := ValidateDigits(digits); err != nil {
		return err
	}
	return engine.Wrap("send dtmf", r.eng.DialDTMF(id, digits))
}

// Transfer performs a blind transfer to target.
func (r *Registry) Transfer(id int, target string) error {
	if _, err := r.lookup(id); err != nil {
		return err
	}
	return engine.Wrap("transfer", r.eng.Transfer(id, target))
}

// PlayFile streams a WAV file into the call. The player is released when the
// call disconnects.
func (r *Registry) PlayFile(id int, path string) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	player, err := r.eng.PlayFile(id, path)
	if err != nil {
		return engine.Wrap("play file", err)
	}

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		_ = player.Close()
		return fmt.Errorf("%w: %d", ErrUnknown, id)
	}
	c.media = append(c.media, player)
	c.mu.Unlock()
	return nil
}

// Get returns a snapshot of one call.
func (r *Registry) Get(id int) (Snapshot, bool) {
	c := r.get(id)
	if c == nil {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// Snapshot returns every tracked call, ordered by id.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Clear forgets every call without emitting events, releasing their media.
func (r *Registry) Clear() {
	r.mu.Lock()
	all := r.calls
	r.calls = make(map[int]*Call)
	r.mu.Unlock()

	for id, c := range all {
		c.mu.Lock()
		c.done = true
		media := c.media
		c.media = nil
		c.mu.Unlock()
		releaseMedia(id, media)
	}
}

func (r *Registry) track(id int, c *Call) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()

	r.mu.Lock()
	r.calls[id] = c
	r.mu.Unlock()
}

func (r *Registry) evict(id int, c *Call) {
	r.mu.Lock()
	if r.calls[id] == c {
		delete(r.calls, id)
	}
	r.mu.Unlock()
}

func (r *Registry) get(id int) *Call {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls[id]
}

func (r *Registry) lookup(id int) (*Call, error) {
	c := r.get(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknown, id)
	}
	return c, nil
}

func releaseMedia(id int, media []io.Closer) {
	for _, m := range media {
		if err := m.Close(); err != nil {
			slog.Warn("[Call] Media release failed", "call_id", id, "error", err)
		}
	}
}
