package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/siptty/siptty/internal/phone/events"
)

// writeTimeout bounds one insert-and-prune round.
const writeTimeout = 5 * time.Second

// sameCallSkew bounds how far two reports of one call may disagree on when
// the call started.
const sameCallSkew = time.Second

// pending is what the recorder remembers about a live call.
type pending struct {
	direction events.Direction
	remoteURI string
	answered  bool
	state     events.CallStatus
	started   time.Time
	duration  time.Duration
	lastSeen  time.Time
}

func newPending(ev events.CallStateEvent) *pending {
	return &pending{
		direction: ev.Direction,
		remoteURI: ev.RemoteURI,
		state:     ev.State,
		started:   ev.Timestamp().Add(-ev.Duration),
	}
}

// supersededBy reports whether ev starts a new call that reuses the id, as
// happens after the phone restarts and engine ids begin again.
func (p *pending) supersededBy(ev events.CallStateEvent) bool {
	if !initial(ev.State) {
		return false
	}
	if ev.Direction != p.direction || !initial(p.state) {
		return true
	}
	skew := ev.Timestamp().Add(-ev.Duration).Sub(p.started)
	return skew > sameCallSkew || skew < -sameCallSkew
}

func initial(s events.CallStatus) bool {
	return s == events.CallCalling || s == events.CallIncoming
}

// Recorder turns call state events into history entries. Handle never
// blocks; entries are written by a background goroutine.
type Recorder struct {
	store      *Store
	maxEntries int

	mu     sync.Mutex
	calls  map[int]*pending
	closed bool

	entries chan Entry
	done    chan struct{}
	once    sync.Once
}

// NewRecorder starts a recorder writing to store and keeping at most
// maxEntries rows.
func NewRecorder(store *Store, maxEntries int) *Recorder {
	r := &Recorder{
		store:      store,
		maxEntries: maxEntries,
		calls:      make(map[int]*pending),
		entries:    make(chan Entry, 64),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

// Handle consumes an event. It satisfies events.Handler.
func (r *Recorder) Handle(e events.Event) {
	ev, ok := e.(events.CallStateEvent)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	p, seen := r.calls[ev.CallID]
	if seen && p.supersededBy(ev) {
		// the earlier call never reported its end
		slog.Debug("[History] Call id reused, closing stale call", "call_id", ev.CallID)
		r.record(ev.CallID, p, p.lastSeen, p.duration)
		seen = false
	}
	if !seen {
		p = newPending(ev)
		r.calls[ev.CallID] = p
	}
	if ev.RemoteURI != "" {
		p.remoteURI = ev.RemoteURI
	}
	if ev.State == events.CallConfirmed {
		p.answered = true
	}
	p.state = ev.State
	p.duration = ev.Duration
	p.lastSeen = ev.Timestamp()

	if !ev.State.Terminal() {
		return
	}
	delete(r.calls, ev.CallID)
	r.record(ev.CallID, p, ev.Timestamp(), ev.Duration)
}

// record queues an entry. The caller holds r.mu and r is not closed.
func (r *Recorder) record(callID int, p *pending, endedAt time.Time, duration time.Duration) {
	entry := Entry{
		CallID:      callID,
		Direction:   p.direction,
		RemoteURI:   p.remoteURI,
		Disposition: disposition(p),
		Duration:    duration,
		EndedAt:     endedAt,
	}
	select {
	case r.entries <- entry:
	default:
		slog.Warn("[History] Writer busy, dropping entry", "call_id", callID)
	}
}

func disposition(p *pending) Disposition {
	switch {
	case p.answered:
		return Answered
	case p.direction == events.DirectionInbound:
		return Missed
	default:
		return Failed
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if _, err := r.store.Insert(ctx, e); err != nil {
			slog.Error("[History] Failed to record call", "call_id", e.CallID, "error", err)
		} else if n, err := r.store.Prune(ctx, r.maxEntries); err != nil {
			slog.Warn("[History] Prune failed", "error", err)
		} else if n > 0 {
			slog.Debug("[History] Pruned entries", "count", n)
		}
		cancel()
		slog.Debug("[History] Recorded call", "call_id", e.CallID, "disposition", e.Disposition)
	}
}

// Close records calls that are still open as ended now, flushes queued
// entries and stops the writer. Later events are ignored.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		now := time.Now()
		for id, p := range r.calls {
			r.record(id, p, now, now.Sub(p.started))
		}
		r.calls = nil
		r.closed = true
		close(r.entries)
		r.mu.Unlock()
	})
	<-r.done
}
