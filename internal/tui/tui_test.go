package tui

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siptty/siptty/internal/phone/account"
	"github.com/siptty/siptty/internal/phone/call"
	"github.com/siptty/siptty/internal/phone/events"
)

type fakePhone struct {
	accounts []account.Snapshot
	calls    []call.Snapshot
	log      []string
	err      error
}

func (f *fakePhone) record(args ...any) error {
	f.log = append(f.log, strings.TrimSpace(fmt.Sprintln(args...)))
	return f.err
}

func (f *fakePhone) Dial(acct, uri string, _ map[string]string) (int, error) {
	return 7, f.record("dial", acct, uri)
}
func (f *fakePhone) Answer(id, code int) error       { return f.record("answer", id, code) }
func (f *fakePhone) Reject(id, code int) error       { return f.record("reject", id, code) }
func (f *fakePhone) Hangup(id int) error             { return f.record("hangup", id) }
func (f *fakePhone) Hold(id int) error               { return f.record("hold", id) }
func (f *fakePhone) Resume(id int) error             { return f.record("resume", id) }
func (f *fakePhone) SendDTMF(id int, d string) error { return f.record("dtmf", id, d) }
func (f *fakePhone) Transfer(id int, t string) error { return f.record("transfer", id, t) }
func (f *fakePhone) PlayFile(id int, p string) error { return f.record("play", id, p) }
func (f *fakePhone) Accounts() []account.Snapshot    { return f.accounts }
func (f *fakePhone) Calls() []call.Snapshot          { return f.calls }

func TestExecuteCommands(t *testing.T) {
	p := &fakePhone{}
	lines := []string{
		"dial office sip:bob@example.com",
		"answer 3",
		"reject 4",
		"hangup 5",
		"hold 6",
		"resume 6",
		"dtmf 6 12#",
		"transfer 6 sip:carol@example.com",
		"play 6 /tmp/hello.wav",
	}
	for _, l := range lines {
		_, err := execute(p, l)
		require.NoError(t, err, l)
	}
	assert.Equal(t, []string{
		"dial office sip:bob@example.com",
		"answer 3 0",
		"reject 4 0",
		"hangup 5",
		"hold 6",
		"resume 6",
		"dtmf 6 12#",
		"transfer 6 sip:carol@example.com",
		"play 6 /tmp/hello.wav",
	}, p.log)
}

func TestExecuteDefaults(t *testing.T) {
	p := &fakePhone{
		accounts: []account.Snapshot{{ID: "office"}},
		calls: []call.Snapshot{
			{ID: 1, State: events.CallConfirmed},
			{ID: 2, State: events.CallIncoming},
			{ID: 3, State: events.CallDisconnected},
		},
	}

	status, err := execute(p, "dial sip:bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "call 7: dialing sip:bob@example.com from office", status)

	_, err = execute(p, "answer")
	require.NoError(t, err)
	_, err = execute(p, "hold")
	require.NoError(t, err)
	_, err = execute(p, "hangup")
	require.NoError(t, err)
	assert.Equal(t, []string{"dial office sip:bob@example.com", "answer 2 0", "hold 1", "hangup 2"}, p.log)
}

func TestExecuteErrors(t *testing.T) {
	p := &fakePhone{}

	_, err := execute(p, "frobnicate")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = execute(p, "dtmf 1")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = execute(p, "dtmf x 1")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = execute(p, "dial sip:bob@example.com")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = execute(p, "answer")
	assert.ErrorIs(t, err, ErrNoCall)
	_, err = execute(p, "quit")
	assert.ErrorIs(t, err, errQuit)

	status, err := execute(p, "   ")
	assert.NoError(t, err)
	assert.Empty(t, status)

	p.err = errors.New("boom")
	_, err = execute(p, "hangup 1")
	assert.EqualError(t, err, "boom")
}

func TestModelAppliesEvents(t *testing.T) {
	p := &fakePhone{accounts: []account.Snapshot{{ID: "office", URI: "sip:alice@example.com", State: events.RegRegistered, Reason: "200 OK"}}}
	m := New(p)

	p.calls = []call.Snapshot{{ID: 1, Direction: events.DirectionInbound, State: events.CallIncoming, RemoteURI: "sip:bob@example.com"}}
	next, _ := m.Update(EventMsg{Event: events.NewCallState(1, events.CallIncoming, "sip:bob@example.com", 0, events.DirectionInbound)})
	m = next.(Model)
	next, _ = m.Update(EventMsg{Event: events.NewTrace(events.TraceRecv, "INVITE sip:alice@example.com SIP/2.0\nVia: x", time.Now())})
	m = next.(Model)

	view := m.View()
	assert.Contains(t, view, "office")
	assert.Contains(t, view, "sip:bob@example.com")
	assert.Contains(t, view, "incoming from sip:bob@example.com")
	assert.Contains(t, view, "INVITE sip:alice@example.com SIP/2.0")
	assert.NotContains(t, view, "Via: x")
}

func TestModelTraceLimit(t *testing.T) {
	m := New(&fakePhone{})
	for i := 0; i < maxTraces+20; i++ {
		m.apply(events.NewTrace(events.TraceSend, fmt.Sprintf("OPTIONS %d", i), time.Now()))
	}
	require.Len(t, m.traces, maxTraces)
	assert.Equal(t, "OPTIONS 20", m.traces[0].head)
}

func TestModelPromptRunsCommand(t *testing.T) {
	p := &fakePhone{}
	m := New(p)
	m.input.SetValue("hangup 9")

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	assert.Equal(t, []string{"hangup 9"}, p.log)
	assert.Equal(t, "call 9: hanging up", m.status)
	assert.Empty(t, m.input.Value())

	m.input.SetValue("quit")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModelLogMessages(t *testing.T) {
	m := New(&fakePhone{})
	next, _ := m.Update(LogMsg{Level: slog.LevelWarn, Message: "[Register] Request failed"})
	m = next.(Model)
	assert.Equal(t, "[Register] Request failed", m.status)
	assert.NoError(t, m.err)

	next, _ = m.Update(LogMsg{Level: slog.LevelError, Message: "[UA] Transport stopped"})
	m = next.(Model)
	assert.EqualError(t, m.err, "[UA] Transport stopped")
	assert.Contains(t, m.View(), "[UA] Transport stopped")
}
