package phone

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/siptty/siptty/internal/config"
	"github.com/siptty/siptty/internal/phone/engine"
	"github.com/siptty/siptty/internal/phone/enginetest"
	"github.com/siptty/siptty/internal/phone/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, e)
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

type handlerMock struct {
	mock.Mock
}

func (m *handlerMock) Handle(e events.Event) {
	m.Called(e)
}

func testConfig() *config.Config {
	cfg := config.Default()
	acc := config.DefaultAccount("sip:alice@pbx.example.com")
	acc.Name = "office"
	acc.Registrar = "sip:pbx.example.com"
	acc.AuthPassword = "secret"
	cfg.Accounts = []config.AccountConfig{acc}
	return cfg
}

func newStarted(t *testing.T, deliver events.Handler) (*Coordinator, *enginetest.Fake) {
	t.Helper()
	p := &enginetest.Provider{}
	c, err := New(p, deliver)
	require.NoError(t, err)
	require.NoError(t, c.Start(testConfig()))
	t.Cleanup(c.Stop)
	return c, p.Last()
}

func TestNewCapabilityCheck(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrEngineUnavailable)

	_, err = New(&enginetest.Provider{Err: errors.New("no sockets")}, nil)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Contains(t, err.Error(), "no sockets")

	c, err := New(&enginetest.Provider{}, nil)
	require.NoError(t, err)
	assert.False(t, c.Started())
}

func TestStopIsIdempotent(t *testing.T) {
	c, err := New(&enginetest.Provider{}, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		c.Stop()
		c.Stop()
	})
	assert.False(t, c.Started())

	require.NoError(t, c.Start(testConfig()))
	c.Stop()
	c.Stop()
	assert.False(t, c.Started())
}

func TestStartSequence(t *testing.T) {
	_, eng := newStarted(t, nil)

	assert.Equal(t, []string{
		"Init siptty/0.1 5",
		"CreateTransport udp 0",
		"SetAudio null",
		"Start",
	}, eng.Ops())
	assert.NotNil(t, eng.Config().LogWriter)
	assert.NotNil(t, eng.Config().Observer)
}

func TestStartKeepsHigherLogLevel(t *testing.T) {
	p := &enginetest.Provider{}
	c, err := New(p, nil)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.General.LogLevel = 6
	cfg.Audio.Mode = config.AudioFile
	cfg.Audio.PlayFile = "/tmp/greeting.wav"
	require.NoError(t, c.Start(cfg))
	defer c.Stop()

	assert.Equal(t, 6, p.Last().Config().LogLevel)
	assert.Equal(t, engine.AudioConfig{Mode: engine.AudioFile, PlayFile: "/tmp/greeting.wav"}, p.Last().Audio())
}

func TestStartTwiceAndRestart(t *testing.T) {
	p := &enginetest.Provider{}
	c, err := New(p, nil)
	require.NoError(t, err)

	require.NoError(t, c.Start(testConfig()))
	_, err = c.AddAccount(testConfig().Accounts[0])
	require.NoError(t, err)

	err = c.Start(testConfig())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Equal(t, 1, p.Created())
	assert.Len(t, c.Accounts(), 1, "existing state untouched")

	c.Stop()
	require.NoError(t, c.Start(testConfig()))
	assert.Equal(t, 2, p.Created())
	assert.Empty(t, c.Accounts())
	c.Stop()
}

func TestStartFailureTearsDown(t *testing.T) {
	failures := []string{"Init", "CreateTransport", "SetAudio", "Start"}
	for _, op := range failures {
		t.Run(op, func(t *testing.T) {
			attempt := 0
			p := &enginetest.Provider{Prepare: func(f *enginetest.Fake) {
				attempt++
				if attempt == 1 {
					f.Fail(op, errors.New("boom"))
				}
			}}
			c, err := New(p, nil)
			require.NoError(t, err)

			err = c.Start(testConfig())
			assert.ErrorIs(t, err, ErrEngineFailure)
			assert.False(t, c.Started())
			assert.True(t, p.Last().Destroyed())

			require.NoError(t, c.Start(testConfig()))
			assert.True(t, c.Started())
			c.Stop()
		})
	}
}

func TestCommandsRequireStart(t *testing.T) {
	c, err := New(&enginetest.Provider{}, nil)
	require.NoError(t, err)

	_, err = c.AddAccount(testConfig().Accounts[0])
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = c.Dial("office", "sip:bob@example.com", nil)
	assert.ErrorIs(t, err, ErrNotStarted)

	for name, op := range map[string]func() error{
		"remove":   func() error { return c.RemoveAccount("office") },
		"answer":   func() error { return c.Answer(0, 0) },
		"reject":   func() error { return c.Reject(0, 0) },
		"hangup":   func() error { return c.Hangup(0) },
		"hold":     func() error { return c.Hold(0) },
		"resume":   func() error { return c.Resume(0) },
		"dtmf":     func() error { return c.SendDTMF(0, "1") },
		"transfer": func() error { return c.Transfer(0, "sip:x@y") },
		"play":     func() error { return c.PlayFile(0, "a.wav") },
	} {
		assert.ErrorIs(t, op(), ErrNotStarted, name)
	}
	assert.Nil(t, c.Calls())
	assert.Nil(t, c.Accounts())
	assert.Nil(t, c.TraceWriter())
}

func TestRegistrationEventDelivered(t *testing.T) {
	h := &handlerMock{}
	h.On("Handle", mock.MatchedBy(func(e events.Event) bool {
		ev, ok := e.(events.RegistrationStateEvent)
		return ok && ev.AccountID == "office" && ev.State == events.RegRegistered && ev.Reason == "200 OK"
	})).Once()

	c, eng := newStarted(t, h.Handle)
	id, err := c.AddAccount(testConfig().Accounts[0])
	require.NoError(t, err)

	eng.RegState(id, engine.RegInfo{Active: true, Code: 200, Text: "OK"})
	h.AssertExpectations(t)
}

func TestDuplicateAccount(t *testing.T) {
	c, _ := newStarted(t, nil)
	_, err := c.AddAccount(testConfig().Accounts[0])
	require.NoError(t, err)
	_, err = c.AddAccount(testConfig().Accounts[0])
	assert.ErrorIs(t, err, ErrDuplicateAccount)
}

func TestAddAccounts(t *testing.T) {
	c, eng := newStarted(t, nil)

	disabled := config.DefaultAccount("sip:carol@example.com")
	disabled.Name = "carol"
	disabled.Enabled = false
	cfgs := append(testConfig().Accounts, disabled, testConfig().Accounts[0])

	err := c.AddAccounts(cfgs)
	assert.ErrorIs(t, err, ErrDuplicateAccount)
	assert.Len(t, c.Accounts(), 1)
	_, ok := eng.Account("carol")
	assert.False(t, ok)
}

func TestCallFlowThroughCoordinator(t *testing.T) {
	rec := &recorder{}
	c, eng := newStarted(t, rec.handle)
	_, err := c.AddAccount(testConfig().Accounts[0])
	require.NoError(t, err)

	_, err = c.Dial("home", "sip:bob@example.com", nil)
	assert.ErrorIs(t, err, ErrUnknownAccount)

	id, err := c.Dial("office", "sip:bob@example.com", map[string]string{"X-Test": "1"})
	require.NoError(t, err)
	eng.CallState(id, engine.InvConfirmed, "")

	require.NoError(t, c.Hold(id))
	require.Len(t, c.Calls(), 1)
	assert.True(t, c.Calls()[0].OnHold)
	require.NoError(t, c.Resume(id))
	require.NoError(t, c.SendDTMF(id, "123#"))

	err = c.SendDTMF(id, "12E")
	var digitErr *InvalidDigitError
	require.ErrorAs(t, err, &digitErr)
	assert.Equal(t, 'E', digitErr.Digit)

	require.NoError(t, c.Hangup(id))
	eng.CallState(id, engine.InvDisconnected, "")
	assert.ErrorIs(t, c.Hangup(id), ErrUnknownCall)
	assert.Empty(t, c.Calls())

	var states []events.CallStatus
	for _, e := range rec.all() {
		if ev, ok := e.(events.CallStateEvent); ok {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []events.CallStatus{events.CallCalling, events.CallConfirmed, events.CallDisconnected}, states)
}

func TestIncomingCallAnswer(t *testing.T) {
	rec := &recorder{}
	c, eng := newStarted(t, rec.handle)
	_, err := c.AddAccount(testConfig().Accounts[0])
	require.NoError(t, err)

	id := eng.Incoming("office", "sip:carol@example.com")
	require.NoError(t, c.Answer(id, 0))
	require.NoError(t, c.Reject(id, 0))
	assert.Contains(t, eng.Ops(), "Answer 0 200")
	assert.Contains(t, eng.Ops(), "Answer 0 486")

	ev, ok := rec.all()[0].(events.CallStateEvent)
	require.True(t, ok)
	assert.Equal(t, events.CallIncoming, ev.State)
}

func TestTraceUsesSameCallback(t *testing.T) {
	rec := &recorder{}
	_, eng := newStarted(t, rec.handle)

	eng.Log("TX 410 bytes Request msg OPTIONS/cseq=9 (tdta0x1) to UDP 10.0.0.1:5060:\nOPTIONS sip:pbx SIP/2.0\nCSeq: 9 OPTIONS\n--end msg--")

	evs := rec.all()
	require.Len(t, evs, 1)
	tr, ok := evs[0].(events.TraceEvent)
	require.True(t, ok)
	assert.Equal(t, events.TraceSend, tr.Direction)
	assert.Equal(t, "OPTIONS sip:pbx SIP/2.0\nCSeq: 9 OPTIONS", tr.Message)
}

func TestStopRemovesAccountsThenDestroys(t *testing.T) {
	p := &enginetest.Provider{}
	c, err := New(p, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(testConfig()))
	_, err = c.AddAccount(testConfig().Accounts[0])
	require.NoError(t, err)
	id, err := c.Dial("office", "sip:bob@example.com", nil)
	require.NoError(t, err)

	eng := p.Last()
	eng.Fail("ShutdownAccount", errors.New("stuck"))
	eng.Fail("Destroy", errors.New("stuck too"))

	assert.NotPanics(t, c.Stop)
	assert.False(t, c.Started())

	ops := eng.Ops()
	assert.Equal(t, []string{"SetRegistration office false", "ShutdownAccount office", "Destroy"}, ops[len(ops)-3:])

	// a late notification from the old engine is dropped
	eng.CallState(id, engine.InvConfirmed, "")
	assert.Nil(t, c.Calls())
}

func TestPanickingDeliveryDoesNotEscape(t *testing.T) {
	c, eng := newStarted(t, func(events.Event) { panic("ui crashed") })
	_, err := c.AddAccount(testConfig().Accounts[0])
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		eng.RegState("office", engine.RegInfo{Active: true, Code: 200, Text: "OK"})
		eng.Incoming("office", "sip:carol@example.com")
		eng.Log("RX 10 bytes Request msg BYE/cseq=2 (rdata0x1) from UDP 10.0.0.1:5060:\nBYE sip:a SIP/2.0\n--end msg--")
	})
}

func TestTransportConfigFollowsAccounts(t *testing.T) {
	tlsAcc := config.DefaultAccount("sips:alice@pbx.example.com")
	tlsAcc.Name = "secure"
	tlsAcc.Transport = config.TransportTLS
	tlsAcc.TLS = config.TLSConfig{CertFile: "/etc/siptty/cert.pem", KeyFile: "/etc/siptty/key.pem", VerifyServer: true}

	udpAcc := config.DefaultAccount("sip:bob@pbx.example.com")
	udpAcc.Name = "office"

	disabled := config.DefaultAccount("sip:carol@pbx.example.com")
	disabled.Name = "old"
	disabled.Enabled = false
	disabled.Transport = config.TransportTCP

	tests := []struct {
		name     string
		accounts []config.AccountConfig
		want     engine.TransportConfig
	}{
		{"no accounts", nil, engine.TransportConfig{Kind: engine.TransportUDP}},
		{"udp", []config.AccountConfig{udpAcc}, engine.TransportConfig{Kind: engine.TransportUDP}},
		{"disabled accounts ignored", []config.AccountConfig{disabled, udpAcc}, engine.TransportConfig{Kind: engine.TransportUDP}},
		{
			"tls carries certificates",
			[]config.AccountConfig{tlsAcc, udpAcc},
			engine.TransportConfig{
				Kind: engine.TransportTLS,
				TLS:  engine.TLSConfig{CertFile: "/etc/siptty/cert.pem", KeyFile: "/etc/siptty/key.pem", VerifyServer: true},
			},
		},
		{"first enabled account wins", []config.AccountConfig{udpAcc, tlsAcc}, engine.TransportConfig{Kind: engine.TransportUDP}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Accounts = tt.accounts
			assert.Equal(t, tt.want, transportConfig(cfg))
		})
	}
}
