package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler is the delivery callback. It may be invoked concurrently from
// several engine threads; events for the same account or call arrive in order.
type Handler func(Event)

// Discard drops every event.
func Discard(Event) {}

// Logging returns a handler that logs events at debug level.
func Logging(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Event) {
		switch ev := e.(type) {
		case RegistrationStateEvent:
			logger.Debug("[Events] registration", "account_id", ev.AccountID, "state", ev.State, "reason", ev.Reason)
		case CallStateEvent:
			logger.Debug("[Events] call", "call_id", ev.CallID, "state", ev.State, "remote_uri", ev.RemoteURI, "duration", ev.Duration)
		case TraceEvent:
			logger.Debug("[Events] trace", "direction", ev.Direction, "bytes", len(ev.Message))
		}
	}
}

// Fanout delivers each event to every handler in order. Nil handlers are skipped.
func Fanout(handlers ...Handler) Handler {
	hs := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return func(e Event) {
		for _, h := range hs {
			h(e)
		}
	}
}

// Safe wraps h so that a panic inside it is logged instead of unwinding into
// the caller, which is usually an engine thread.
func Safe(h Handler) Handler {
	if h == nil {
		return Discard
	}
	return func(e Event) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[Events] Delivery callback panicked", "type", e.Type(), "panic", r)
			}
		}()
		h(e)
	}
}

// Queue hands events from engine threads to one consumer goroutine through a
// buffered channel. Trace events are dropped when the buffer is full; state
// events wait for room until the queue is closed.
type Queue struct {
	mu        sync.RWMutex
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
	dropCount atomic.Int64
	warnOnce  sync.Once
}

// NewQueue creates a queue backed by a buffered channel.
func NewQueue(bufferSize int) *Queue {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Queue{ch: make(chan Event, bufferSize), done: make(chan struct{})}
}

// Publish enqueues e. It satisfies Handler.
func (q *Queue) Publish(e Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}

	if _, ok := e.(TraceEvent); !ok {
		select {
		case q.ch <- e:
		case <-q.done:
			q.dropCount.Add(1)
		}
		return
	}

	select {
	case q.ch <- e:
	default:
		q.dropCount.Add(1)
		q.warnOnce.Do(func() {
			slog.Warn("[Events] Queue full, dropping trace events", "capacity", cap(q.ch))
		})
	}
}

// Events returns the channel for consuming events.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Run delivers queued events to h until ctx is cancelled or the queue is closed.
func (q *Queue) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-q.ch:
			if !ok {
				return nil
			}
			h(e)
		}
	}
}

// Close stops accepting events. Already queued events can still be drained.
func (q *Queue) Close() {
	// Release publishers blocked on a full buffer before taking the write lock.
	q.closeOnce.Do(func() { close(q.done) })

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// DroppedCount returns the number of events dropped due to buffer overflow or
// a Close that interrupted a waiting publisher.
func (q *Queue) DroppedCount() int64 {
	return q.dropCount.Load()
}
