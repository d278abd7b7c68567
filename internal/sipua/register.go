package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/siptty/siptty/internal/phone/engine"
)

const (
	// registerRetry is the wait after a failed registration attempt.
	registerRetry = 30 * time.Second
	// transactionTimeout bounds non-INVITE transactions.
	transactionTimeout = 32 * time.Second
)

type account struct {
	id        string
	params    engine.AccountParams
	uri       sip.Uri
	registrar *sip.Uri
	proxy     *sip.Uri

	// stable per account so refreshes update the same binding
	callID string
	tag    string

	mu     sync.Mutex
	cseq   uint32
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *account) nextCSeq() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cseq++
	return a.cseq
}

// syncCSeq moves the counter past a sequence number consumed by an auth retry.
func (a *account) syncCSeq(n uint32) {
	a.mu.Lock()
	if n > a.cseq {
		a.cseq = n
	}
	a.mu.Unlock()
}

// stop cancels the refresh loop, if any, without waiting for it.
func (a *account) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *account) auth() (sipgo.DigestAuth, bool) {
	for _, c := range a.params.Credentials {
		if c.Username != "" {
			return sipgo.DigestAuth{Username: c.Username, Password: c.Password}, true
		}
	}
	return sipgo.DigestAuth{}, false
}

// parseURI accepts URIs with or without a scheme.
func parseURI(s string) (sip.Uri, error) {
	var uri sip.Uri
	if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
		s = "sip:" + s
	}
	if err := sip.ParseUri(s, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("invalid uri %q: %w", s, err)
	}
	return uri, nil
}

// CreateAccount adds an account and starts registration when requested.
func (u *UA) CreateAccount(accountID string, params engine.AccountParams) error {
	uri, err := parseURI(params.IDURI)
	if err != nil {
		return err
	}
	acc := &account{
		id:     accountID,
		params: params,
		uri:    uri,
		callID: uuid.New().String(),
		tag:    uuid.New().String()[:8],
	}
	if params.RegistrarURI != "" {
		r, err := parseURI(params.RegistrarURI)
		if err != nil {
			return err
		}
		acc.registrar = &r
	}
	if params.OutboundProxy != "" {
		p, err := parseURI(params.OutboundProxy)
		if err != nil {
			return err
		}
		acc.proxy = &p
	}

	u.mu.Lock()
	if !u.started {
		u.mu.Unlock()
		return ErrNotStarted
	}
	if _, exists := u.accounts[accountID]; exists {
		u.mu.Unlock()
		return fmt.Errorf("account %q already exists", accountID)
	}
	u.accounts[accountID] = acc
	u.mu.Unlock()

	slog.Info("[UA] Account created", "account_id", accountID, "uri", params.IDURI, "register", params.Register)
	if params.Register && acc.registrar != nil {
		u.startRegistration(acc)
	}
	return nil
}

// SetRegistration starts the refresh loop or unregisters.
func (u *UA) SetRegistration(accountID string, active bool) error {
	acc, err := u.account(accountID)
	if err != nil {
		return err
	}
	if acc.registrar == nil {
		return fmt.Errorf("account %q has no registrar", accountID)
	}
	if active {
		u.startRegistration(acc)
		return nil
	}

	acc.stop()
	u.wg.Add(1)
	u.unregistering.Add(1)
	go func() {
		defer u.wg.Done()
		defer u.unregistering.Done()
		ctx, cancel := context.WithTimeout(u.ctx, transactionTimeout)
		defer cancel()
		_, _ = u.register(ctx, acc, 0)
	}()
	return nil
}

// ShutdownAccount stops registration refresh and forgets the account.
func (u *UA) ShutdownAccount(accountID string) error {
	u.mu.Lock()
	acc, ok := u.accounts[accountID]
	delete(u.accounts, accountID)
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	acc.stop()
	slog.Info("[UA] Account shut down", "account_id", accountID)
	return nil
}

func (u *UA) account(id string) (*account, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	acc, ok := u.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acc, nil
}

func (u *UA) startRegistration(acc *account) {
	acc.mu.Lock()
	if acc.cancel != nil {
		acc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(u.ctx)
	acc.cancel = cancel
	acc.mu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.registerLoop(ctx, acc)
	}()
}

func (u *UA) registerLoop(ctx context.Context, acc *account) {
	for {
		wait := registerRetry
		reqCtx, cancel := context.WithTimeout(ctx, transactionTimeout)
		granted, err := u.register(reqCtx, acc, acc.params.RegExpiry)
		cancel()
		if err == nil && granted > 0 {
			wait = refreshInterval(granted)
		}
		if ctx.Err() != nil {
			return
		}
		slog.Debug("[Register] Next attempt", "account_id", acc.id, "in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// refreshInterval is 90% of the granted expiry.
func refreshInterval(expiry int) time.Duration {
	d := time.Duration(expiry) * time.Second * 9 / 10
	if d < time.Second {
		d = time.Second
	}
	return d
}

// register sends one REGISTER (expires 0 unregisters) and reports the
// outcome. It returns the expiry granted by the registrar.
func (u *UA) register(ctx context.Context, acc *account, expires int) (int, error) {
	req := u.buildRegister(ctx, acc, expires)
	res, err := u.transact(ctx, req, acc)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return 0, err
		}
		slog.Warn("[Register] Request failed", "account_id", acc.id, "error", err)
		u.observer.OnRegState(acc.id, engine.RegInfo{Code: 408, Text: "Request Timeout"})
		return 0, err
	}
	acc.syncCSeq(cseqNo(req.CSeq()))

	code := int(res.StatusCode)
	info := engine.RegInfo{Code: code, Text: res.Reason}
	if code >= 200 && code < 300 {
		info.Expiry = grantedExpiry(res, expires)
		info.Active = expires > 0 && info.Expiry > 0
	}
	slog.Info("[Register] Response", "account_id", acc.id, "code", code, "reason", res.Reason, "expiry", info.Expiry)
	u.observer.OnRegState(acc.id, info)

	if code >= 300 {
		return 0, fmt.Errorf("register: %d %s", code, res.Reason)
	}
	return info.Expiry, nil
}

func (u *UA) buildRegister(ctx context.Context, acc *account, expires int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, *acc.registrar)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	from := &sip.FromHeader{Address: acc.uri, Params: sip.NewParams()}
	from.Params.Add("tag", acc.tag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: acc.uri, Params: sip.NewParams()})

	callID := sip.CallIDHeader(acc.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: acc.nextCSeq(), MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: u.contactURI(acc.uri.User)})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	u.prepare(ctx, req, acc)
	return req
}

// grantedExpiry prefers the Contact expires param, then Expires, then what we asked for.
func grantedExpiry(res *sip.Response, requested int) int {
	if c := res.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return n
		}
	}
	return requested
}

// transact sends a non-INVITE request, answers one digest challenge, and
// returns the final response. Every message is traced.
func (u *UA) transact(ctx context.Context, req *sip.Request, acc *account) (*sip.Response, error) {
	tx, err := u.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	u.log.sent(req, u.transportName(), req.Destination())

	res, err := u.final(ctx, tx)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != 401 && res.StatusCode != 407 {
		return res, nil
	}
	auth, ok := acc.auth()
	if !ok {
		return res, nil
	}

	tx, err = u.client.TransactionDigestAuth(ctx, req, res, auth)
	if err != nil {
		return nil, fmt.Errorf("digest auth: %w", err)
	}
	u.log.sent(req, u.transportName(), req.Destination())
	return u.final(ctx, tx)
}

// final drains provisional responses and returns the final one.
func (u *UA) final(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	defer tx.Terminate()
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				return nil, errors.New("transaction ended without response")
			}
			u.log.received(res, u.transportName(), res.Source())
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated without final response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
