package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  EventType
	}{
		{"registration", NewRegistrationState("alice", RegRegistered, "200 OK"), RegistrationState},
		{"call", NewCallState(3, CallEarly, "sip:bob@example.com", time.Second, DirectionOutbound), CallState},
		{"trace", NewTrace(TraceSend, "INVITE sip:bob@example.com SIP/2.0", time.Now()), Trace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Type())
			assert.NotEmpty(t, tt.event.ID())
			assert.False(t, tt.event.Timestamp().IsZero())
		})
	}
}

func TestEventIDsAreUnique(t *testing.T) {
	a := NewRegistrationState("alice", RegFailed, "403 Forbidden")
	b := NewRegistrationState("alice", RegFailed, "403 Forbidden")
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCallStateEventJSON(t *testing.T) {
	ev := NewCallState(7, CallConfirmed, "sip:bob@example.com", 2*time.Second, DirectionInbound)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))

	assert.Equal(t, float64(7), m["call_id"])
	assert.Equal(t, "confirmed", m["state"])
	assert.Equal(t, "inbound", m["direction"])
	assert.Equal(t, ev.EventID, m["event_id"])
}

func TestTraceTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := NewTrace(TraceRecv, "SIP/2.0 200 OK", now)
	assert.Equal(t, now, ev.Timestamp())
}

func TestTerminal(t *testing.T) {
	for _, s := range []CallStatus{CallCalling, CallIncoming, CallEarly, CallConnecting, CallConfirmed} {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, CallDisconnected.Terminal())
}

func TestFanoutSkipsNil(t *testing.T) {
	var got []string
	h := Fanout(
		func(e Event) { got = append(got, "first") },
		nil,
		func(e Event) { got = append(got, "second") },
	)
	h(NewRegistrationState("alice", RegRegistered, "200 OK"))
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestSafeRecoversPanic(t *testing.T) {
	h := Safe(func(Event) { panic("boom") })
	assert.NotPanics(t, func() {
		h(NewTrace(TraceSend, "x", time.Now()))
	})
	assert.NotPanics(t, func() {
		Safe(nil)(NewTrace(TraceSend, "x", time.Now()))
	})
}

func TestLoggingHandler(t *testing.T) {
	h := Logging(nil)
	assert.NotPanics(t, func() {
		h(NewRegistrationState("alice", RegRegistered, "200 OK"))
		h(NewCallState(1, CallCalling, "", 0, DirectionOutbound))
		h(NewTrace(TraceRecv, "x", time.Now()))
	})
}

func TestQueueDeliversInOrder(t *testing.T) {
	q := NewQueue(16)
	for i := 0; i < 5; i++ {
		q.Publish(NewCallState(i, CallCalling, "", 0, DirectionOutbound))
	}
	q.Close()

	var ids []int
	err := q.Run(context.Background(), func(e Event) {
		ids = append(ids, e.(CallStateEvent).CallID)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ids)
}

func TestQueueDropsTracesWhenFull(t *testing.T) {
	q := NewQueue(2)
	defer q.Close()

	for i := 0; i < 5; i++ {
		q.Publish(NewTrace(TraceSend, "x", time.Now()))
	}
	assert.Equal(t, int64(3), q.DroppedCount())
	assert.Len(t, q.Events(), 2)
}

func TestQueueKeepsStateEventsWhenFull(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 4; i++ {
		q.Publish(NewTrace(TraceRecv, "x", time.Now()))
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		q.Publish(NewCallState(7, CallDisconnected, "sip:bob@example.com", 0, DirectionOutbound))
		q.Publish(NewRegistrationState("office", RegUnregistered, ""))
	}()

	var got []Event
	for len(got) < 6 {
		select {
		case e := <-q.Events():
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d events, want 6", len(got))
		}
	}
	<-published
	q.Close()

	assert.Equal(t, int64(0), q.DroppedCount())
	require.IsType(t, CallStateEvent{}, got[4])
	assert.Equal(t, CallDisconnected, got[4].(CallStateEvent).State)
	assert.IsType(t, RegistrationStateEvent{}, got[5])
}

func TestQueueCloseReleasesBlockedPublisher(t *testing.T) {
	q := NewQueue(1)
	q.Publish(NewCallState(1, CallCalling, "", 0, DirectionOutbound))

	published := make(chan struct{})
	go func() {
		defer close(published)
		q.Publish(NewCallState(1, CallDisconnected, "", 0, DirectionOutbound))
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher still blocked after Close")
	}
	assert.Len(t, q.Events(), 1)
}

func TestQueuePublishAfterClose(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close()
	assert.NotPanics(t, func() {
		q.Publish(NewTrace(TraceSend, "x", time.Now()))
	})
	assert.Equal(t, int64(0), q.DroppedCount())
}

func TestQueueRunStopsOnCancel(t *testing.T) {
	q := NewQueue(4)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = q.Run(ctx, Discard)
	}()
	cancel()
	wg.Wait()
	assert.ErrorIs(t, runErr, context.Canceled)
}
