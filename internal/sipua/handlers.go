package sipua

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/siptty/siptty/internal/media"
	"github.com/siptty/siptty/internal/phone/engine"
)

// ackTimeout is 64*T1: an answered call without ACK is torn down.
const ackTimeout = 32 * time.Second

func requestCallID(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	// .String() would add the "Call-ID: " prefix
	return string(*req.CallID())
}

// respond sends a response on tx and traces it.
func (u *UA) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string, body []byte) {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, body)
	if len(body) > 0 {
		contentType := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&contentType)
	}
	if err := tx.Respond(res); err != nil {
		slog.Warn("[UA] Failed to respond", "method", req.Method, "code", code, "error", err)
		return
	}
	u.log.sent(res, u.transportName(), req.Source())
}

func (u *UA) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	u.log.received(req, u.transportName(), req.Source())

	if d := u.byDialogID(requestCallID(req)); d != nil {
		u.onReinvite(d, req, tx)
		return
	}

	acc := u.accountFor(req)
	if acc == nil {
		u.respond(req, tx, 404, "Not Found", nil)
		return
	}
	u.respond(req, tx, 100, "Trying", nil)

	remote, err := media.Parse(req.Body())
	if err != nil {
		slog.Warn("[UA] Incoming INVITE with unusable SDP", "call_id", requestCallID(req), "error", err)
		u.respond(req, tx, 488, "Not Acceptable Here", nil)
		return
	}
	codecs := media.Negotiate(acc.params.Codecs)
	if _, err := remote.Select(codecs); err != nil {
		u.respond(req, tx, 488, "Not Acceptable Here", nil)
		return
	}

	stream, local, err := u.openMedia(codecs)
	if err != nil {
		slog.Error("[UA] No media for incoming call", "error", err)
		u.respond(req, tx, 503, "Service Unavailable", nil)
		return
	}

	u.mu.Lock()
	if u.destroyed {
		u.mu.Unlock()
		_ = stream.Close()
		u.respond(req, tx, 503, "Service Unavailable", nil)
		return
	}
	id := u.nextID
	u.nextID++
	d := newDialog(id, acc.id, false)
	d.callID = requestCallID(req)
	d.invite = req
	d.serverTx = tx
	d.codecs = codecs
	d.local = local
	d.stream = stream
	if from := req.From(); from != nil {
		d.remoteURI = from.Address.String()
		d.remoteTarget = from.Address
	}
	if c := req.Contact(); c != nil {
		d.remoteTarget = c.Address
	}
	u.calls[id] = d
	u.byCallID[d.callID] = d
	u.mu.Unlock()

	if err := d.applyRemote(req.Body()); err != nil {
		slog.Warn("[UA] Remote SDP not applied", "call_id", id, "error", err)
	}

	slog.Info("[UA] Incoming call", "call_id", id, "account_id", acc.id, "from", d.remoteURI)

	d.notify.Lock()
	d.mu.Lock()
	d.state = engine.InvIncoming
	info := d.info()
	d.mu.Unlock()
	u.observer.OnIncomingCall(acc.id, id, info)
	d.notify.Unlock()

	// the transaction ends early when the caller gives up or the transport fails
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		select {
		case <-d.decided:
		case <-tx.Done():
			u.setState(d, engine.InvDisconnected, 487, "Request Terminated")
		case <-u.ctx.Done():
		}
	}()
}

// onReinvite accepts a session refresh or hold from the peer.
func (u *UA) onReinvite(d *dialog, req *sip.Request, tx sip.ServerTransaction) {
	dir := media.SendRecv
	if len(req.Body()) > 0 {
		remote, err := media.Parse(req.Body())
		if err != nil {
			u.respond(req, tx, 488, "Not Acceptable Here", nil)
			return
		}
		dir = remote.Direction.Answer()
		if err := d.applyRemote(req.Body()); err != nil {
			u.respond(req, tx, 488, "Not Acceptable Here", nil)
			return
		}
	}
	d.mu.Lock()
	if d.held && dir.Sends() {
		dir = media.SendOnly
	}
	d.mu.Unlock()

	body, err := d.nextLocal(dir)
	if err != nil {
		u.respond(req, tx, 500, "Server Internal Error", nil)
		return
	}
	slog.Info("[UA] re-INVITE accepted", "call_id", d.id, "direction", dir)
	u.respond(req, tx, 200, "OK", body)
}

func (u *UA) onAck(req *sip.Request, tx sip.ServerTransaction) {
	u.log.received(req, u.transportName(), req.Source())

	d := u.byDialogID(requestCallID(req))
	if d == nil {
		return
	}
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session != nil {
		if err := session.ReadAck(req, tx); err != nil {
			slog.Warn("[UA] Failed to read ACK", "call_id", d.id, "error", err)
		}
	}
	if d.snapshotState() == engine.InvConnecting {
		u.setState(d, engine.InvConfirmed, 200, "OK")
	}
}

func (u *UA) onBye(req *sip.Request, tx sip.ServerTransaction) {
	u.log.received(req, u.transportName(), req.Source())

	d := u.byDialogID(requestCallID(req))
	if d == nil {
		u.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}
	u.respond(req, tx, 200, "OK", nil)

	slog.Info("[UA] BYE received", "call_id", d.id)
	u.setState(d, engine.InvDisconnected, 200, "Normal call clearing")
}

func (u *UA) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	u.log.received(req, u.transportName(), req.Source())

	d := u.byDialogID(requestCallID(req))
	if d == nil || d.outbound || !d.decide() {
		u.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}
	u.respond(req, tx, 200, "OK", nil)
	u.respond(d.invite, d.serverTx, 487, "Request Terminated", nil)

	slog.Info("[UA] CANCEL received", "call_id", d.id)
	u.setState(d, engine.InvDisconnected, 487, "Request Terminated")
}

// onNotify acknowledges REFER progress. A 2xx sipfrag ends the transferred call.
func (u *UA) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	u.log.received(req, u.transportName(), req.Source())
	u.respond(req, tx, 200, "OK", nil)

	d := u.byDialogID(requestCallID(req))
	if d == nil {
		return
	}
	if ev := req.GetHeader("Event"); ev == nil || !strings.HasPrefix(ev.Value(), "refer") {
		return
	}
	code, ok := sipfragStatus(req.Body())
	if !ok || code < 200 {
		return
	}
	slog.Info("[UA] Transfer finished", "call_id", d.id, "code", code)
	if code < 300 {
		_, acc, err := u.call(d.id)
		if err != nil {
			return
		}
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.bye(d, acc)
		}()
	}
}

func (u *UA) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	u.log.received(req, u.transportName(), req.Source())
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS, NOTIFY, REFER"))
	if err := tx.Respond(res); err != nil {
		slog.Warn("[UA] Failed to respond to OPTIONS", "error", err)
		return
	}
	u.log.sent(res, u.transportName(), req.Source())
}

// accountFor picks the account an incoming request is addressed to,
// falling back to the first account by id.
func (u *UA) accountFor(req *sip.Request) *account {
	user := req.Recipient.User
	if to := req.To(); user == "" && to != nil {
		user = to.Address.User
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]string, 0, len(u.accounts))
	for id, acc := range u.accounts {
		if acc.uri.User == user {
			return acc
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)
	return u.accounts[ids[0]]
}

// watchAck tears down an answered call that never sees its ACK.
func (u *UA) watchAck(d *dialog) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		t := time.NewTimer(ackTimeout)
		defer t.Stop()
		select {
		case <-t.C:
		case <-u.ctx.Done():
			return
		}
		if d.snapshotState() != engine.InvConnecting {
			return
		}
		slog.Warn("[UA] No ACK for answered call", "call_id", d.id)
		if _, acc, err := u.call(d.id); err == nil {
			u.bye(d, acc)
		}
	}()
}

// sipfragStatus reads the status code from a message/sipfrag body such as
// "SIP/2.0 200 OK".
func sipfragStatus(body []byte) (int, bool) {
	line, _, _ := strings.Cut(string(body), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/") {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 699 {
		return 0, false
	}
	return code, true
}
