package sipua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/siptty/siptty/internal/media"
	"github.com/siptty/siptty/internal/phone/engine"
)

const (
	// cancelWait bounds the wait for the 487 after we CANCEL.
	cancelWait = 5 * time.Second
	// ackWait bounds the ACK write for a 2xx.
	ackWait = 5 * time.Second
)

// MakeCall starts an outgoing INVITE. Bind runs before any notification.
func (u *UA) MakeCall(oc engine.OutgoingCall) (int, error) {
	acc, err := u.account(oc.AccountID)
	if err != nil {
		return 0, err
	}
	target, err := parseURI(oc.URI)
	if err != nil {
		return 0, err
	}

	codecs := media.Negotiate(acc.params.Codecs)
	stream, local, err := u.openMedia(codecs)
	if err != nil {
		return 0, err
	}

	u.mu.Lock()
	if !u.started || u.destroyed {
		u.mu.Unlock()
		_ = stream.Close()
		return 0, ErrNotStarted
	}
	id := u.nextID
	u.nextID++
	d := newDialog(id, acc.id, true)
	d.remoteURI = oc.URI
	d.remoteTarget = target
	d.callID = uuid.New().String()
	d.codecs = codecs
	d.local = local
	d.stream = stream
	u.calls[id] = d
	u.byCallID[d.callID] = d
	u.mu.Unlock()

	if oc.Bind != nil {
		oc.Bind(id)
	}

	ctx, cancel := context.WithCancel(u.ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	invite, err := u.buildInvite(ctx, d, acc, target, oc.Headers)
	if err != nil {
		cancel()
		u.forget(d)
		d.closeMedia()
		return 0, err
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer cancel()
		u.setState(d, engine.InvCalling, 0, "")
		u.runInvite(ctx, d, acc, invite)
	}()

	slog.Info("[UA] Outgoing call", "call_id", id, "account_id", acc.id, "uri", oc.URI)
	return id, nil
}

func (u *UA) buildInvite(ctx context.Context, d *dialog, acc *account, target sip.Uri, headers map[string]string) (*sip.Request, error) {
	body, err := d.nextLocal(media.SendRecv)
	if err != nil {
		return nil, err
	}

	invite := sip.NewRequest(sip.INVITE, target)
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	from := &sip.FromHeader{Address: acc.uri, Params: sip.NewParams()}
	from.Params.Add("tag", uuid.New().String()[:8])
	invite.AppendHeader(from)
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callID := sip.CallIDHeader(d.callID)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: u.contactURI(acc.uri.User)})

	// sorted for a stable wire order
	for _, name := range slices.Sorted(maps.Keys(headers)) {
		invite.AppendHeader(sip.NewHeader(name, headers[name]))
	}

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(body)

	u.prepare(ctx, invite, acc)

	d.mu.Lock()
	d.invite = invite
	d.cseq = 1
	d.mu.Unlock()
	return invite, nil
}

// runInvite drives the INVITE client transaction to a final outcome.
func (u *UA) runInvite(ctx context.Context, d *dialog, acc *account, invite *sip.Request) {
	tx, err := u.client.TransactionRequest(u.ctx, invite)
	if err != nil {
		slog.Error("[UA] INVITE failed", "call_id", d.id, "error", err)
		u.setState(d, engine.InvDisconnected, 503, "Service Unavailable")
		return
	}
	u.log.sent(invite, u.transportName(), invite.Destination())

	authed, canceled := false, false
	abort := ctx.Done()
	var giveUp <-chan time.Time

	for {
		select {
		case <-abort:
			abort = nil
			canceled = true
			giveUp = time.After(cancelWait)
			u.wg.Add(1)
			go func() {
				defer u.wg.Done()
				if err := u.sendCancel(invite, acc); err != nil {
					slog.Warn("[UA] CANCEL failed", "call_id", d.id, "error", err)
				}
			}()

		case <-giveUp:
			tx.Terminate()
			u.setState(d, engine.InvDisconnected, 487, "Request Terminated")
			return

		case <-u.ctx.Done():
			tx.Terminate()
			return

		case res := <-tx.Responses():
			if res == nil {
				u.setState(d, engine.InvDisconnected, 408, "Request Timeout")
				return
			}
			u.log.received(res, u.transportName(), res.Source())
			code := int(res.StatusCode)

			switch {
			case code == 100:
			case code < 200:
				if len(res.Body()) > 0 {
					if err := d.applyRemote(res.Body()); err != nil {
						slog.Warn("[UA] Early media SDP rejected", "call_id", d.id, "error", err)
					} else {
						d.startMedia()
					}
				}
				u.setState(d, engine.InvEarly, code, res.Reason)

			case (code == 401 || code == 407) && !authed && !canceled:
				auth, ok := acc.auth()
				if !ok {
					u.setState(d, engine.InvDisconnected, code, res.Reason)
					return
				}
				authed = true
				tx.Terminate()
				tx, err = u.client.TransactionDigestAuth(u.ctx, invite, res, auth)
				if err != nil {
					slog.Error("[UA] INVITE auth failed", "call_id", d.id, "error", err)
					u.setState(d, engine.InvDisconnected, code, res.Reason)
					return
				}
				d.mu.Lock()
				d.cseq = cseqNo(invite.CSeq())
				d.mu.Unlock()
				u.log.sent(invite, u.transportName(), invite.Destination())

			case code < 300:
				u.answered(d, acc, invite, res, canceled)
				return

			default:
				u.setState(d, engine.InvDisconnected, code, res.Reason)
				return
			}

		case <-tx.Done():
			u.setState(d, engine.InvDisconnected, 408, "Request Timeout")
			return
		}
	}
}

// answered handles a 2xx to our INVITE.
func (u *UA) answered(d *dialog, acc *account, invite *sip.Request, res *sip.Response, canceled bool) {
	d.established(res)
	if err := u.sendAck(d, acc, invite, res); err != nil {
		slog.Error("[UA] ACK failed", "call_id", d.id, "error", err)
	}

	if canceled {
		// the 2xx crossed our CANCEL
		u.bye(d, acc)
		return
	}

	if err := d.applyRemote(res.Body()); err != nil {
		slog.Warn("[UA] Answer SDP rejected", "call_id", d.id, "error", err)
	}
	u.setState(d, engine.InvConnecting, int(res.StatusCode), res.Reason)
	u.mediaUp(d)
	u.setState(d, engine.InvConfirmed, int(res.StatusCode), res.Reason)
}

// mediaUp starts the stream and, in file mode, the configured player.
func (u *UA) mediaUp(d *dialog) {
	d.startMedia()

	u.mu.Lock()
	audio := u.audio
	u.mu.Unlock()
	if audio.Mode != engine.AudioFile {
		return
	}
	s, err := d.mediaStream()
	if err != nil {
		return
	}
	if _, err := s.Play(audio.PlayFile); err != nil {
		slog.Warn("[Media] Auto play failed", "call_id", d.id, "file", audio.PlayFile, "error", err)
	}
}

// sendAck acknowledges a 2xx (RFC 3261 13.2.2.4). The ACK is sent outside
// the INVITE transaction.
func (u *UA) sendAck(d *dialog, acc *account, invite *sip.Request, res *sip.Response) error {
	requestURI := invite.Recipient
	if contact := res.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("Route", invite, ack)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	ack.SetTransport(u.transportName())

	dest := res.Source()
	if acc.proxy != nil || dest == "" {
		dest = u.destination(u.ctx, acc, requestURI)
	}
	ack.SetDestination(dest)

	done := make(chan error, 1)
	go func() {
		done <- u.client.WriteRequest(ack)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(ackWait):
		return errors.New("ACK write timed out")
	}
	u.log.sent(ack, u.transportName(), dest)
	return nil
}

// sendCancel cancels a pending INVITE (RFC 3261 9.1).
func (u *UA) sendCancel(invite *sip.Request, acc *account) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("Route", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	cancelReq.SetTransport(u.transportName())
	cancelReq.SetDestination(invite.Destination())

	ctx, cancel := context.WithTimeout(u.ctx, cancelWait)
	defer cancel()
	tx, err := u.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	u.log.sent(cancelReq, u.transportName(), cancelReq.Destination())
	_, err = u.final(ctx, tx)
	return err
}

// bye ends an established dialog and reports it disconnected.
func (u *UA) bye(d *dialog, acc *account) {
	req, err := d.newRequest(sip.BYE, u.contactURI(acc.uri.User))
	if err != nil {
		slog.Error("[UA] Cannot build BYE", "call_id", d.id, "error", err)
		u.setState(d, engine.InvDisconnected, 500, "Internal Error")
		return
	}
	u.prepareInDialog(req, d, acc)

	ctx, cancel := context.WithTimeout(u.ctx, transactionTimeout)
	defer cancel()
	if _, err := u.transact(ctx, req, acc); err != nil {
		slog.Warn("[UA] BYE failed", "call_id", d.id, "error", err)
	}
	u.setState(d, engine.InvDisconnected, 200, "Normal call clearing")
}

// prepareInDialog routes an in-dialog request to the remote target.
func (u *UA) prepareInDialog(req *sip.Request, d *dialog, acc *account) {
	req.SetTransport(u.transportName())
	if acc.proxy != nil {
		req.SetDestination(u.destination(u.ctx, acc, req.Recipient))
		return
	}
	if !d.outbound && d.invite != nil && d.invite.Source() != "" {
		// peers behind NAT are reached where their INVITE came from
		req.SetDestination(d.invite.Source())
		return
	}
	req.SetDestination(u.destination(u.ctx, nil, req.Recipient))
}

// Answer responds to an incoming call. 1xx rings, 2xx answers, anything else rejects.
func (u *UA) Answer(callID int, code int) error {
	d, _, err := u.call(callID)
	if err != nil {
		return err
	}
	if d.outbound {
		return fmt.Errorf("%w: cannot answer outgoing call %d", ErrCallState, callID)
	}
	switch st := d.snapshotState(); st {
	case engine.InvIncoming, engine.InvEarly:
	default:
		return fmt.Errorf("%w: call %d is %s", ErrCallState, callID, st)
	}
	if code == 0 {
		code = 200
	}

	switch {
	case code < 200:
		res := sip.NewResponseFromRequest(d.invite, sip.StatusCode(code), reasonPhrase(code), nil)
		if err := u.respondInvite(d, res); err != nil {
			return err
		}
		u.goNotify(d, engine.InvEarly, code, reasonPhrase(code))

	case code < 300:
		if !d.decide() {
			return fmt.Errorf("%w: call %d already answered", ErrCallState, callID)
		}
		body, err := d.nextLocal(media.SendRecv)
		if err != nil {
			return err
		}
		session, err := u.dialogUA.ReadInvite(d.invite, d.serverTx)
		if err != nil {
			return fmt.Errorf("create dialog session: %w", err)
		}
		d.mu.Lock()
		d.session = session
		d.mu.Unlock()
		if err := session.RespondSDP(body); err != nil {
			return fmt.Errorf("respond 200: %w", err)
		}
		u.log.sent(session.InviteResponse, u.transportName(), d.invite.Source())
		d.established(session.InviteResponse)
		u.mediaUp(d)
		u.goNotify(d, engine.InvConnecting, 200, "OK")
		u.watchAck(d)

	default:
		if !d.decide() {
			return fmt.Errorf("%w: call %d already answered", ErrCallState, callID)
		}
		res := sip.NewResponseFromRequest(d.invite, sip.StatusCode(code), reasonPhrase(code), nil)
		if err := u.respondInvite(d, res); err != nil {
			return err
		}
		u.goNotify(d, engine.InvDisconnected, code, reasonPhrase(code))
	}
	return nil
}

// respondInvite answers the peer's INVITE transaction without a dialog.
func (u *UA) respondInvite(d *dialog, res *sip.Response) error {
	if err := d.serverTx.Respond(res); err != nil {
		return fmt.Errorf("respond %d: %w", int(res.StatusCode), err)
	}
	u.log.sent(res, u.transportName(), d.invite.Source())
	return nil
}

// Hangup ends a call in any state. code applies to unanswered incoming calls.
func (u *UA) Hangup(callID int, code int) error {
	d, acc, err := u.call(callID)
	if err != nil {
		return err
	}

	st := d.snapshotState()
	switch {
	case st == engine.InvDisconnected:
		return nil

	case d.outbound && st < engine.InvConnecting:
		d.mu.Lock()
		cancel := d.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case !d.outbound && (st == engine.InvIncoming || st == engine.InvEarly):
		if code < 300 {
			code = 603
		}
		return u.Answer(callID, code)

	default:
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.bye(d, acc)
		}()
	}
	return nil
}

// Hold puts the remote party on hold with a sendonly re-INVITE.
func (u *UA) Hold(callID int) error {
	return u.reinvite(callID, true)
}

// Reinvite refreshes the session; unhold restores sendrecv and reports the
// call confirmed again once the peer accepts.
func (u *UA) Reinvite(callID int, unhold bool) error {
	held := false
	if !unhold {
		d, _, err := u.call(callID)
		if err != nil {
			return err
		}
		d.mu.Lock()
		held = d.held
		d.mu.Unlock()
	}
	return u.reinvite(callID, held)
}

func (u *UA) reinvite(callID int, hold bool) error {
	d, acc, err := u.call(callID)
	if err != nil {
		return err
	}
	if st := d.snapshotState(); st != engine.InvConfirmed {
		return fmt.Errorf("%w: call %d is %s", ErrCallState, callID, st)
	}

	dir := media.SendRecv
	if hold {
		dir = media.SendOnly
	}
	body, err := d.nextLocal(dir)
	if err != nil {
		return err
	}
	req, err := d.newRequest(sip.INVITE, u.contactURI(acc.uri.User))
	if err != nil {
		return err
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(body)
	u.prepareInDialog(req, d, acc)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ctx, cancel := context.WithTimeout(u.ctx, transactionTimeout)
		defer cancel()

		res, err := u.transact(ctx, req, acc)
		if err != nil {
			slog.Warn("[UA] re-INVITE failed", "call_id", d.id, "hold", hold, "error", err)
			u.updateFailed(d, hold, 0, "")
			return
		}
		if res.StatusCode >= 300 {
			slog.Warn("[UA] re-INVITE rejected", "call_id", d.id, "hold", hold, "code", int(res.StatusCode))
			u.updateFailed(d, hold, int(res.StatusCode), res.Reason)
			return
		}
		if err := u.sendAck(d, acc, req, res); err != nil {
			slog.Warn("[UA] re-INVITE ACK failed", "call_id", d.id, "error", err)
		}

		d.mu.Lock()
		d.held = hold
		d.mu.Unlock()
		if err := d.applyRemote(res.Body()); err != nil {
			slog.Warn("[UA] re-INVITE SDP rejected", "call_id", d.id, "error", err)
		}
		slog.Info("[UA] Session updated", "call_id", d.id, "hold", hold)
		if !hold {
			u.setState(d, engine.InvConfirmed, int(res.StatusCode), res.Reason)
		}
	}()
	return nil
}

// updateFailed handles a re-INVITE that did not complete. A failed hold on an
// active call is reported as confirmed so observers drop their hold flag.
func (u *UA) updateFailed(d *dialog, hold bool, code int, text string) {
	d.mu.Lock()
	held := d.held
	d.mu.Unlock()
	if !hold || held {
		return
	}
	u.setState(d, engine.InvConfirmed, code, text)
}

// DialDTMF sends RFC 4733 digits on the call's stream.
func (u *UA) DialDTMF(callID int, digits string) error {
	d, _, err := u.call(callID)
	if err != nil {
		return err
	}
	s, err := d.mediaStream()
	if err != nil {
		return err
	}
	return s.SendDTMF(digits)
}

// Transfer sends a blind REFER to target.
func (u *UA) Transfer(callID int, target string) error {
	d, acc, err := u.call(callID)
	if err != nil {
		return err
	}
	if st := d.snapshotState(); st != engine.InvConfirmed {
		return fmt.Errorf("%w: call %d is %s", ErrCallState, callID, st)
	}
	referTo, err := parseURI(target)
	if err != nil {
		return err
	}

	req, err := d.newRequest(sip.REFER, u.contactURI(acc.uri.User))
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+referTo.String()+">"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+acc.uri.String()+">"))
	u.prepareInDialog(req, d, acc)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ctx, cancel := context.WithTimeout(u.ctx, transactionTimeout)
		defer cancel()
		res, err := u.transact(ctx, req, acc)
		if err != nil {
			slog.Warn("[UA] REFER failed", "call_id", d.id, "error", err)
			return
		}
		slog.Info("[UA] REFER answered", "call_id", d.id, "target", target, "code", int(res.StatusCode))
	}()
	return nil
}

// PlayFile streams a WAV file into the call.
func (u *UA) PlayFile(callID int, path string) (io.Closer, error) {
	d, _, err := u.call(callID)
	if err != nil {
		return nil, err
	}
	s, err := d.mediaStream()
	if err != nil {
		return nil, err
	}
	return s.Play(path)
}

// call looks up a call and its account.
func (u *UA) call(id int) (*dialog, *account, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.calls[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownCall, id)
	}
	acc, ok := u.accounts[d.accountID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAccount, d.accountID)
	}
	return d, acc, nil
}

func (u *UA) byDialogID(callID string) *dialog {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.byCallID[callID]
}

func (u *UA) forget(d *dialog) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.calls[d.id] == d {
		delete(u.calls, d.id)
	}
	if u.byCallID[d.callID] == d {
		delete(u.byCallID, d.callID)
	}
}

// openMedia binds an RTP socket and prepares our SDP.
func (u *UA) openMedia(codecs []media.Codec) (*media.Stream, media.Description, error) {
	conn, release, err := u.ports.Listen("")
	if err != nil {
		return nil, media.Description{}, fmt.Errorf("rtp port: %w", err)
	}
	first := media.CodecPCMU
	if len(codecs) > 0 {
		first = codecs[0]
	}
	stream := media.NewStream(conn, release, first)
	local := media.Description{
		Addr:      u.host,
		Port:      stream.LocalPort(),
		Codecs:    codecs,
		DTMF:      true,
		SessionID: media.NewSessionID(),
	}
	return stream, local, nil
}

// setState records a state change and reports it. Disconnected is final and
// releases the call's resources.
func (u *UA) setState(d *dialog, st engine.InvState, code int, text string) {
	d.notify.Lock()
	defer d.notify.Unlock()

	d.mu.Lock()
	if d.ended {
		d.mu.Unlock()
		return
	}
	d.state = st
	if code != 0 {
		d.lastCode, d.lastText = code, text
	}
	if st == engine.InvDisconnected {
		d.ended = true
	}
	info := d.info()
	session := d.session
	d.mu.Unlock()

	if st == engine.InvDisconnected {
		d.closeMedia()
		u.forget(d)
		if session != nil {
			_ = session.Close()
		}
	}

	u.mu.Lock()
	destroyed := u.destroyed
	u.mu.Unlock()
	if destroyed {
		return
	}
	slog.Debug("[UA] Call state", "call_id", d.id, "state", st, "code", code)
	u.observer.OnCallState(d.id, info)
}

// goNotify reports a state change from a fresh goroutine so commands never
// call back into the observer on the caller's stack.
func (u *UA) goNotify(d *dialog, st engine.InvState, code int, text string) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.setState(d, st, code, text)
	}()
}

func reasonPhrase(code int) string {
	switch code {
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 603:
		return "Decline"
	}
	switch {
	case code < 200:
		return "Progress"
	case code < 300:
		return "OK"
	default:
		return "Rejected"
	}
}
