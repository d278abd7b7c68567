// Package media carries the RTP side of a call: port allocation, SDP
// offer/answer, the paced RTP stream, audio sources and RFC 4733 DTMF.
package media

import (
	"strconv"
	"strings"
	"time"

	"github.com/zaf/g711"
)

// Codec is an immutable audio codec description.
type Codec struct {
	Name        string        // rtpmap encoding name
	PayloadType uint8         // static or negotiated payload type
	SampleRate  uint32        // clock rate in Hz
	SampleDur   time.Duration // packetization interval
	Channels    int
}

var (
	// CodecPCMU is G.711 µ-law
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}

	// CodecTelephoneEvent is RFC 4733 DTMF
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond, 1}
)

// supported is the set of codecs this stack can encode.
var supported = []Codec{CodecPCMU, CodecPCMA}

// SamplesPerFrame returns the number of samples in one frame (160 for 8kHz/20ms).
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the payload size of one G.711 frame.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp step per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// Rtpmap returns the value of the a=rtpmap attribute for this codec.
func (c Codec) Rtpmap() string {
	return strconv.Itoa(int(c.PayloadType)) + " " + c.Name + "/" + strconv.Itoa(int(c.SampleRate))
}

// Encode converts 16-bit little-endian PCM to the codec's wire format.
func (c Codec) Encode(pcm []byte) []byte {
	switch c.PayloadType {
	case CodecPCMA.PayloadType:
		return g711.EncodeAlaw(pcm)
	default:
		return g711.EncodeUlaw(pcm)
	}
}

// Silence returns one frame of encoded silence.
func (c Codec) Silence() []byte {
	return c.Encode(make([]byte, c.SamplesPerFrame()*2))
}

// CodecByName resolves a configuration entry such as "pcmu/8000" or "PCMA".
func CodecByName(name string) (Codec, bool) {
	enc, rate, hasRate := strings.Cut(name, "/")
	for _, c := range supported {
		if !strings.EqualFold(c.Name, enc) {
			continue
		}
		if hasRate && rate != strconv.Itoa(int(c.SampleRate)) {
			return Codec{}, false
		}
		return c, true
	}
	return Codec{}, false
}

// CodecByPayloadType resolves a static payload type.
func CodecByPayloadType(pt uint8) (Codec, bool) {
	for _, c := range supported {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// Negotiate filters a priority list down to the codecs this stack can send,
// keeping order. An empty result falls back to PCMU.
func Negotiate(priority []string) []Codec {
	var out []Codec
	seen := make(map[uint8]bool)
	for _, name := range priority {
		c, ok := CodecByName(name)
		if !ok || seen[c.PayloadType] {
			continue
		}
		seen[c.PayloadType] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		out = []Codec{CodecPCMU}
	}
	return out
}
