package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	psdp "github.com/pion/sdp/v3"
)

// Direction is an SDP media direction attribute.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Answer returns the direction that answers an offer with d (RFC 3264 6.1).
func (d Direction) Answer() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	case Inactive:
		return Inactive
	default:
		return SendRecv
	}
}

// Sends reports whether a side with this direction transmits media.
func (d Direction) Sends() bool {
	return d == SendRecv || d == SendOnly
}

var (
	ErrNoSDP          = errors.New("no SDP body")
	ErrNoMedia        = errors.New("no audio media in SDP")
	ErrNoCommonCodec  = errors.New("no common codec")
	ErrNoMediaAddress = errors.New("no connection address in SDP")
)

// Description is the local side of an offer or answer.
type Description struct {
	Addr      string
	Port      int
	Codecs    []Codec
	DTMF      bool
	Direction Direction
	// Version is bumped on every re-offer in the same session.
	Version uint64
	// SessionID stays constant for the lifetime of the call.
	SessionID uint64
}

// NewSessionID returns an NTP-style origin session id.
func NewSessionID() uint64 {
	return uint64(time.Now().Unix()) + 2208988800
}

// Marshal builds the SDP body.
func (d Description) Marshal() ([]byte, error) {
	if len(d.Codecs) == 0 {
		return nil, ErrNoCommonCodec
	}
	dir := d.Direction
	if dir == "" {
		dir = SendRecv
	}

	formats := make([]string, 0, len(d.Codecs)+1)
	attrs := make([]psdp.Attribute, 0, len(d.Codecs)+4)
	for _, c := range d.Codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		attrs = append(attrs, psdp.Attribute{Key: "rtpmap", Value: c.Rtpmap()})
	}
	if d.DTMF {
		formats = append(formats, strconv.Itoa(int(CodecTelephoneEvent.PayloadType)))
		attrs = append(attrs,
			psdp.Attribute{Key: "rtpmap", Value: CodecTelephoneEvent.Rtpmap()},
			psdp.Attribute{Key: "fmtp", Value: strconv.Itoa(int(CodecTelephoneEvent.PayloadType)) + " 0-15"},
		)
	}
	attrs = append(attrs,
		psdp.Attribute{Key: "ptime", Value: "20"},
		psdp.Attribute{Key: string(dir)},
	)

	sess := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "siptty",
			SessionID:      d.SessionID,
			SessionVersion: d.Version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: d.Addr,
		},
		SessionName: "siptty",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: d.Addr},
		},
		TimeDescriptions: []psdp.TimeDescription{{Timing: psdp.Timing{}}},
		MediaDescriptions: []*psdp.MediaDescription{{
			MediaName: psdp.MediaName{
				Media:   "audio",
				Port:    psdp.RangedPort{Value: d.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	return sess.Marshal()
}

// Remote is what we learn from the peer's SDP.
type Remote struct {
	Addr      string
	Port      int
	Formats   []string
	Direction Direction
	// DTMFPayloadType is zero when the peer did not offer telephone-event.
	DTMFPayloadType uint8
}

// HostPort returns "addr:port".
func (r Remote) HostPort() string {
	return fmt.Sprintf("%s:%d", r.Addr, r.Port)
}

// Parse extracts the first audio stream from an SDP body.
func Parse(body []byte) (Remote, error) {
	if len(body) == 0 {
		return Remote{}, ErrNoSDP
	}

	sdpObj := &psdp.SessionDescription{}
	if err := sdpObj.Unmarshal(body); err != nil {
		return Remote{}, fmt.Errorf("parse SDP: %w", err)
	}

	var audio *psdp.MediaDescription
	for _, m := range sdpObj.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return Remote{}, ErrNoMedia
	}

	r := Remote{
		Port:      audio.MediaName.Port.Value,
		Formats:   audio.MediaName.Formats,
		Direction: SendRecv,
	}
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		r.Addr = audio.ConnectionInformation.Address.Address
	} else if sdpObj.ConnectionInformation != nil && sdpObj.ConnectionInformation.Address != nil {
		r.Addr = sdpObj.ConnectionInformation.Address.Address
	}
	if r.Addr == "" {
		return Remote{}, ErrNoMediaAddress
	}

	// Media-level direction wins over session-level.
	for _, attrs := range [][]psdp.Attribute{sdpObj.Attributes, audio.Attributes} {
		for _, a := range attrs {
			switch Direction(a.Key) {
			case SendRecv, SendOnly, RecvOnly, Inactive:
				r.Direction = Direction(a.Key)
			}
		}
	}
	// A zero address is the RFC 2543 way of saying hold.
	if r.Addr == "0.0.0.0" {
		r.Direction = Inactive
	}

	for _, a := range audio.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, enc, ok := splitRtpmap(a.Value)
		if ok && enc == "telephone-event" {
			r.DTMFPayloadType = pt
		}
	}
	return r, nil
}

// Select returns the first local codec the remote also offers.
func (r Remote) Select(local []Codec) (Codec, error) {
	offered := make(map[string]bool, len(r.Formats))
	for _, f := range r.Formats {
		offered[f] = true
	}
	for _, c := range local {
		if offered[strconv.Itoa(int(c.PayloadType))] {
			return c, nil
		}
	}
	return Codec{}, ErrNoCommonCodec
}

func splitRtpmap(v string) (uint8, string, bool) {
	ptStr, rest, ok := strings.Cut(v, " ")
	if !ok {
		return 0, "", false
	}
	pt, err := strconv.ParseUint(ptStr, 10, 7)
	if err != nil {
		return 0, "", false
	}
	enc, _, _ := strings.Cut(rest, "/")
	return uint8(pt), enc, true
}
