// Package sipua is the protocol engine behind the session core, built on
// emiago/sipgo. It owns the SIP transport, registrations, INVITE dialogs and
// the RTP stream of every call, and reports outcomes through engine.Observer.
package sipua

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/siptty/siptty/internal/media"
	"github.com/siptty/siptty/internal/phone/engine"
)

var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrNotStarted     = errors.New("engine not started")
	ErrUnknownAccount = errors.New("unknown account")
	ErrUnknownCall    = errors.New("unknown call")
	ErrCallState      = errors.New("operation not allowed in current call state")
)

// Provider creates sipgo-backed engines.
type Provider struct{}

// Available checks that a sipgo user agent can be built in this process.
func (Provider) Available() error {
	ua, err := sipgo.NewUA()
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrUnavailable, err)
	}
	return ua.Close()
}

// New returns an uninitialised engine.
func (Provider) New() (engine.Engine, error) {
	return New(), nil
}

// UA implements engine.Engine.
type UA struct {
	mu          sync.Mutex
	cfg         engine.Config
	observer    engine.Observer
	log         *msgLogger
	initialized bool
	started     bool
	destroyed   bool

	kind     engine.TransportKind
	host     string
	port     int
	packet   net.PacketConn
	listener net.Listener

	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA

	audio    engine.AudioConfig
	ports    *media.PortPool
	resolver *Resolver

	accounts map[string]*account
	calls    map[int]*dialog
	byCallID map[string]*dialog
	nextID   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// in-flight unregistrations, given a grace period on Destroy
	unregistering sync.WaitGroup
}

var _ engine.Engine = (*UA)(nil)

// New creates an engine with the default RTP port range.
func New() *UA {
	ctx, cancel := context.WithCancel(context.Background())
	return &UA{
		observer: nopObserver{},
		audio:    engine.AudioConfig{Mode: engine.AudioNull},
		ports:    media.NewPortPool(media.DefaultMinPort, media.DefaultMaxPort),
		resolver: &Resolver{},
		accounts: make(map[string]*account),
		calls:    make(map[int]*dialog),
		byCallID: make(map[string]*dialog),
		ctx:      ctx,
		cancel:   cancel,
	}
}

type nopObserver struct{}

func (nopObserver) OnRegState(string, engine.RegInfo) {}
func (nopObserver) OnIncomingCall(string, int, engine.CallInfo) {}
func (nopObserver) OnCallState(int, engine.CallInfo) {}

// Init records the engine configuration.
func (u *UA) Init(cfg engine.Config) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.initialized {
		return errors.New("engine already initialized")
	}
	u.cfg = cfg
	if cfg.Observer != nil {
		u.observer = cfg.Observer
	}
	u.log = &msgLogger{w: cfg.LogWriter, level: cfg.LogLevel}
	u.initialized = true
	return nil
}

// CreateTransport binds the local SIP socket and builds the sipgo stack on it.
func (u *UA) CreateTransport(tc engine.TransportConfig) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.initialized {
		return ErrNotInitialized
	}
	if u.ua != nil {
		return errors.New("transport already created")
	}

	kind := tc.Kind
	if kind == "" {
		kind = engine.TransportUDP
	}
	u.kind = kind
	u.host = localIP()

	var tlsConf *tls.Config
	addr := net.JoinHostPort("", strconv.Itoa(tc.Port))
	switch kind {
	case engine.TransportUDP:
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("listen udp: %w", err)
		}
		u.packet = conn
		u.port = conn.LocalAddr().(*net.UDPAddr).Port
	case engine.TransportTCP, engine.TransportTLS:
		if kind == engine.TransportTLS {
			conf, err := buildTLSConfig(tc.TLS)
			if err != nil {
				return err
			}
			tlsConf = conf
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", kind, err)
		}
		if tlsConf != nil && len(tlsConf.Certificates) > 0 {
			l = tls.NewListener(l, tlsConf)
		}
		u.listener = l
		u.port = l.Addr().(*net.TCPAddr).Port
	default:
		return fmt.Errorf("unsupported transport %q", kind)
	}

	opts := []sipgo.UserAgentOption{sipgo.WithUserAgent(u.cfg.UserAgent)}
	if tlsConf != nil {
		opts = append(opts, sipgo.WithUserAgenTLSConfig(tlsConf))
	}
	ua, err := sipgo.NewUA(opts...)
	if err != nil {
		u.closeListeners()
		return fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		u.closeListeners()
		return fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(u.host),
		sipgo.WithClientPort(u.port),
	)
	if err != nil {
		_ = ua.Close()
		u.closeListeners()
		return fmt.Errorf("create client: %w", err)
	}

	u.ua, u.srv, u.client = ua, srv, client
	u.dialogUA = &sipgo.DialogUA{
		Client: client,
		ContactHDR: sip.ContactHeader{
			Address: u.contactURI(""),
		},
	}
	slog.Info("[UA] Transport created", "transport", kind, "host", u.host, "port", u.port)
	return nil
}

// SetAudio selects what every call sends.
func (u *UA) SetAudio(ac engine.AudioConfig) error {
	if ac.Mode == engine.AudioFile {
		if _, err := os.Stat(ac.PlayFile); err != nil {
			return fmt.Errorf("play file: %w", err)
		}
	}
	u.mu.Lock()
	u.audio = ac
	u.mu.Unlock()
	return nil
}

// Start installs the request handlers and serves the transport.
func (u *UA) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.srv == nil {
		return errors.New("no transport created")
	}
	if u.started {
		return nil
	}

	u.srv.OnRequest(sip.INVITE, u.onInvite)
	u.srv.OnRequest(sip.ACK, u.onAck)
	u.srv.OnRequest(sip.BYE, u.onBye)
	u.srv.OnRequest(sip.CANCEL, u.onCancel)
	u.srv.OnRequest(sip.NOTIFY, u.onNotify)
	u.srv.OnRequest(sip.OPTIONS, u.onOptions)

	srv, packet, listener, kind := u.srv, u.packet, u.listener, u.kind
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		var err error
		switch {
		case packet != nil:
			err = srv.ServeUDP(packet)
		case kind == engine.TransportTLS:
			err = srv.ServeTLS(listener)
		default:
			err = srv.ServeTCP(listener)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && u.ctx.Err() == nil {
			slog.Error("[UA] Transport stopped", "transport", kind, "error", err)
		}
	}()

	u.started = true
	slog.Info("[UA] Started", "user_agent", u.cfg.UserAgent)
	return nil
}

// Destroy tears down calls, registrations and the transport. It is safe on a
// partially initialised engine and idempotent.
func (u *UA) Destroy() error {
	u.mu.Lock()
	if u.destroyed {
		u.mu.Unlock()
		return nil
	}
	u.destroyed = true
	calls := make([]*dialog, 0, len(u.calls))
	for _, d := range u.calls {
		calls = append(calls, d)
	}
	for _, acc := range u.accounts {
		acc.stop()
	}
	u.calls = make(map[int]*dialog)
	u.byCallID = make(map[string]*dialog)
	u.accounts = make(map[string]*account)
	u.mu.Unlock()

	for _, d := range calls {
		d.closeMedia()
	}
	waitTimeout(&u.unregistering, unregisterGrace)
	u.cancel()

	var errs []error
	if u.client != nil {
		errs = append(errs, u.client.Close())
	}
	if u.srv != nil {
		errs = append(errs, u.srv.Close())
	}
	if u.ua != nil {
		errs = append(errs, u.ua.Close())
	}
	u.closeListeners()
	u.wg.Wait()

	slog.Info("[UA] Destroyed")
	return errors.Join(errs...)
}

// unregisterGrace bounds how long Destroy waits for pending unregistrations.
const unregisterGrace = 2 * time.Second

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
	}
}

func (u *UA) closeListeners() {
	if u.packet != nil {
		_ = u.packet.Close()
	}
	if u.listener != nil {
		_ = u.listener.Close()
	}
}

// transportName is the upper-case transport token used by sipgo and in traces.
func (u *UA) transportName() string {
	switch u.kind {
	case engine.TransportTCP:
		return "TCP"
	case engine.TransportTLS:
		return "TLS"
	default:
		return "UDP"
	}
}

// contactURI is our reachable address for the given user.
func (u *UA) contactURI(user string) sip.Uri {
	uri := sip.Uri{
		Scheme: "sip",
		User:   user,
		Host:   u.host,
		Port:   u.port,
	}
	if u.kind == engine.TransportTCP || u.kind == engine.TransportTLS {
		uri.UriParams = sip.NewParams()
		uri.UriParams.Add("transport", string(u.kind))
	}
	return uri
}

// destination resolves where a request for uri should be sent.
func (u *UA) destination(ctx context.Context, acc *account, uri sip.Uri) string {
	if acc != nil && acc.proxy != nil {
		uri = *acc.proxy
	}
	return u.resolver.Resolve(ctx, u.kind, uri.Host, uri.Port)
}

// prepare stamps transport, destination and the outbound proxy Route.
func (u *UA) prepare(ctx context.Context, req *sip.Request, acc *account) {
	req.SetTransport(u.transportName())
	if acc != nil && acc.proxy != nil && req.GetHeader("Route") == nil {
		req.AppendHeader(sip.NewHeader("Route", "<"+acc.proxy.String()+";lr>"))
	}
	req.SetDestination(u.destination(ctx, acc, req.Recipient))
}

// localIP returns the address of the interface carrying the default route.
func localIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:5060")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func buildTLSConfig(tc engine.TLSConfig) (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !tc.VerifyServer, //nolint:gosec
	}
	if tc.CertFile != "" && tc.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	if tc.CAFile != "" {
		pem, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", tc.CAFile)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}
