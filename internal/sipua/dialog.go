package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/siptty/siptty/internal/media"
	"github.com/siptty/siptty/internal/phone/engine"
)

// dialog is one call: its INVITE dialog state plus its RTP stream.
type dialog struct {
	id        int
	accountID string
	outbound  bool

	// notify serializes observer callbacks for this call
	notify sync.Mutex

	mu        sync.Mutex
	state     engine.InvState
	remoteURI string
	lastCode  int
	lastText  string
	ended     bool

	callID       string
	invite       *sip.Request  // our INVITE, or the peer's
	answer       *sip.Response // the 2xx that established the dialog
	session      *sipgo.DialogServerSession
	serverTx     sip.ServerTransaction
	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	cseq         uint32
	held         bool

	codecs       []media.Codec
	local        media.Description
	stream       *media.Stream
	mediaStarted bool

	// cancel aborts a pending outbound INVITE
	cancel context.CancelFunc
	// decided is closed once an inbound call has a final answer
	decided chan struct{}
}

func newDialog(id int, accountID string, outbound bool) *dialog {
	return &dialog{
		id:        id,
		accountID: accountID,
		outbound:  outbound,
		decided:   make(chan struct{}),
	}
}

func (d *dialog) info() engine.CallInfo {
	return engine.CallInfo{
		State:     d.state,
		RemoteURI: d.remoteURI,
		LastCode:  d.lastCode,
		LastText:  d.lastText,
	}
}

func (d *dialog) snapshotState() engine.InvState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// decide marks an inbound call as answered or rejected. It reports false if
// a decision was already made.
func (d *dialog) decide() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.decided:
		return false
	default:
		close(d.decided)
		return true
	}
}

// startMedia starts the stream once.
func (d *dialog) startMedia() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil || d.mediaStarted || d.ended {
		return
	}
	d.mediaStarted = true
	d.stream.Start()
}

func (d *dialog) closeMedia() {
	d.mu.Lock()
	s := d.stream
	d.stream = nil
	d.mu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			slog.Debug("[Media] Stream close failed", "call_id", d.id, "error", err)
		}
	}
}

func (d *dialog) mediaStream() (*media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil, fmt.Errorf("%w: call %d has no media", ErrCallState, d.id)
	}
	return d.stream, nil
}

// applyRemote points the stream at the peer's SDP and picks our direction.
func (d *dialog) applyRemote(body []byte) error {
	remote, err := media.Parse(body)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	codec, err := remote.Select(d.codecs)
	if err != nil {
		return err
	}
	if err := d.stream.SetRemote(remote); err != nil {
		return err
	}
	d.stream.SetCodec(codec)

	dir := remote.Direction.Answer()
	if d.held && dir.Sends() {
		dir = media.SendOnly
	}
	d.stream.SetDirection(dir)
	return nil
}

// nextLocal returns the next version of our SDP with the given direction.
func (d *dialog) nextLocal(dir media.Direction) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.local.Version++
	d.local.Direction = dir
	return d.local.Marshal()
}

// newRequest builds an in-dialog request (RFC 3261 12.2.1.1).
func (d *dialog) newRequest(method sip.RequestMethod, contact sip.Uri) (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.invite == nil || d.answer == nil {
		return nil, fmt.Errorf("%w: dialog %d not established", ErrCallState, d.id)
	}

	recipient := d.remoteTarget
	recipient.UriParams = recipient.UriParams.Clone()
	req := sip.NewRequest(method, recipient)

	if len(d.invite.GetHeaders("Route")) > 0 && d.outbound {
		sip.CopyHeaders("Route", d.invite, req)
	}

	if d.outbound {
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := d.invite.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if d.remoteTag != "" {
				toHdr.Params.Add("tag", d.remoteTag)
			}
			req.AppendHeader(toHdr)
		}
	} else {
		if to := d.answer.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)

	d.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	return req, nil
}

// established records the 2xx that created the dialog.
func (d *dialog) established(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answer = res
	if d.outbound {
		if to := res.To(); to != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				d.remoteTag = tag
			}
		}
		if c := res.Contact(); c != nil {
			d.remoteTarget = c.Address
		}
		return
	}
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.localTag = tag
		}
	}
}
