package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/siptty/siptty/internal/phone/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sub", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreInsertList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ended := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Insert(ctx, Entry{CallID: 1, Direction: events.DirectionOutbound, RemoteURI: "sip:bob@example.com",
		Disposition: Answered, Duration: 90 * time.Second, EndedAt: ended})
	require.NoError(t, err)
	_, err = s.Insert(ctx, Entry{CallID: 2, Direction: events.DirectionInbound, RemoteURI: "sip:carol@example.com",
		Disposition: Missed, EndedAt: ended.Add(time.Minute)})
	require.NoError(t, err)

	got, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].CallID)
	assert.Equal(t, Missed, got[0].Disposition)
	assert.Equal(t, events.DirectionInbound, got[0].Direction)
	assert.Equal(t, 1, got[1].CallID)
	assert.Equal(t, 90*time.Second, got[1].Duration)
	assert.True(t, got[1].EndedAt.Equal(ended))

	got, err = s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].CallID)
}

func TestStorePrune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Insert(ctx, Entry{CallID: i, Direction: events.DirectionOutbound, Disposition: Failed, EndedAt: time.Now()})
		require.NoError(t, err)
	}

	n, err := s.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 5, got[0].CallID)
	assert.Equal(t, 3, got[2].CallID)

	n, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestRecorderDispositions(t *testing.T) {
	s := openStore(t)
	r := NewRecorder(s, 10)

	// answered outbound call
	r.Handle(events.NewCallState(1, events.CallCalling, "sip:bob@example.com", 0, events.DirectionOutbound))
	r.Handle(events.NewCallState(1, events.CallConfirmed, "sip:bob@example.com", time.Second, events.DirectionOutbound))
	r.Handle(events.NewCallState(1, events.CallDisconnected, "sip:bob@example.com", 30*time.Second, events.DirectionOutbound))

	// missed inbound call
	r.Handle(events.NewCallState(2, events.CallIncoming, "sip:carol@example.com", 0, events.DirectionInbound))
	r.Handle(events.NewCallState(2, events.CallDisconnected, "sip:carol@example.com", 5*time.Second, events.DirectionInbound))

	// failed outbound call
	r.Handle(events.NewCallState(3, events.CallCalling, "sip:dave@example.com", 0, events.DirectionOutbound))
	r.Handle(events.NewTrace(events.TraceSend, "INVITE", time.Now()))
	r.Handle(events.NewCallState(3, events.CallDisconnected, "sip:dave@example.com", time.Second, events.DirectionOutbound))

	r.Close()

	got, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	byCall := map[int]Entry{}
	for _, e := range got {
		byCall[e.CallID] = e
	}
	assert.Equal(t, Answered, byCall[1].Disposition)
	assert.Equal(t, 30*time.Second, byCall[1].Duration)
	assert.Equal(t, Missed, byCall[2].Disposition)
	assert.Equal(t, "sip:carol@example.com", byCall[2].RemoteURI)
	assert.Equal(t, Failed, byCall[3].Disposition)
}

func TestRecorderPrunes(t *testing.T) {
	s := openStore(t)
	r := NewRecorder(s, 2)
	for i := 1; i <= 4; i++ {
		r.Handle(events.NewCallState(i, events.CallDisconnected, "sip:x@example.com", 0, events.DirectionOutbound))
	}
	r.Close()

	got, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].CallID)
}

func TestRecorderIgnoresAfterClose(t *testing.T) {
	s := openStore(t)
	r := NewRecorder(s, 0)
	r.Close()
	r.Close()
	assert.NotPanics(t, func() {
		r.Handle(events.NewCallState(1, events.CallDisconnected, "", 0, events.DirectionInbound))
	})
}

func TestRecorderSeparatesReusedCallIDs(t *testing.T) {
	s := openStore(t)
	r := NewRecorder(s, 10)

	// first session stops while the call is up; no disconnected is reported
	r.Handle(events.NewCallState(1, events.CallCalling, "sip:bob@example.com", 0, events.DirectionOutbound))
	r.Handle(events.NewCallState(1, events.CallConfirmed, "sip:bob@example.com", time.Second, events.DirectionOutbound))

	// next session hands out id 1 again for an unanswered inbound call
	r.Handle(events.NewCallState(1, events.CallIncoming, "sip:carol@example.com", 0, events.DirectionInbound))
	r.Handle(events.NewCallState(1, events.CallDisconnected, "sip:carol@example.com", 4*time.Second, events.DirectionInbound))
	r.Close()

	got, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byURI := map[string]Entry{}
	for _, e := range got {
		byURI[e.RemoteURI] = e
	}
	assert.Equal(t, Answered, byURI["sip:bob@example.com"].Disposition)
	assert.Equal(t, time.Second, byURI["sip:bob@example.com"].Duration)
	assert.Equal(t, Missed, byURI["sip:carol@example.com"].Disposition)
	assert.Equal(t, events.DirectionInbound, byURI["sip:carol@example.com"].Direction)
}

func TestRecorderRepeatedInitialReportIsSameCall(t *testing.T) {
	s := openStore(t)
	r := NewRecorder(s, 10)

	r.Handle(events.NewCallState(5, events.CallCalling, "sip:bob@example.com", 0, events.DirectionOutbound))
	r.Handle(events.NewCallState(5, events.CallCalling, "sip:bob@example.com", 10*time.Millisecond, events.DirectionOutbound))
	r.Handle(events.NewCallState(5, events.CallDisconnected, "sip:bob@example.com", 2*time.Second, events.DirectionOutbound))
	r.Close()

	got, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Failed, got[0].Disposition)
}

func TestRecorderCloseRecordsOpenCalls(t *testing.T) {
	s := openStore(t)
	r := NewRecorder(s, 10)

	r.Handle(events.NewCallState(9, events.CallIncoming, "sip:erin@example.com", 0, events.DirectionInbound))
	r.Handle(events.NewCallState(9, events.CallConfirmed, "sip:erin@example.com", time.Second, events.DirectionInbound))
	r.Close()

	got, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 9, got[0].CallID)
	assert.Equal(t, Answered, got[0].Disposition)
}
