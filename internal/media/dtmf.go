package media

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DTMFEvent is an RFC 4733 telephone-event payload.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8
	Duration   uint16 // timestamp units
}

const (
	DefaultDTMFVolume   uint8  = 10
	DefaultDTMFDuration uint16 = 1600 // 200ms at 8kHz
	dtmfEndRepeats             = 3
)

// dtmfAlphabet is indexed by event code.
const dtmfAlphabet = "0123456789*#ABCD"

// RuneToEvent maps a DTMF character to its event code.
func RuneToEvent(r rune) (uint8, bool) {
	i := strings.IndexRune(dtmfAlphabet, r)
	if i < 0 && r >= 'a' && r <= 'd' {
		i = strings.IndexRune(dtmfAlphabet, r-'a'+'A')
	}
	if i < 0 {
		return 0, false
	}
	return uint8(i), true
}

// EventToRune maps an event code back to its character.
func EventToRune(event uint8) (rune, bool) {
	if int(event) >= len(dtmfAlphabet) {
		return 0, false
	}
	return rune(dtmfAlphabet[event]), true
}

// Encode serializes the event to its 4-byte wire form.
func (e DTMFEvent) Encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.EndOfEvent {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// DecodeDTMFEvent parses a 4-byte telephone-event payload.
func DecodeDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < 4 {
		return DTMFEvent{}, fmt.Errorf("DTMF payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Event:      payload[0],
		EndOfEvent: payload[1]&0x80 != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

func (e DTMFEvent) String() string {
	ch, ok := EventToRune(e.Event)
	if !ok {
		ch = '?'
	}
	end := ""
	if e.EndOfEvent {
		end = " END"
	}
	return fmt.Sprintf("DTMF '%c' vol=%d dur=%d%s", ch, e.Volume, e.Duration, end)
}

// dtmfPayloads returns the payload sequence for one digit: one packet per
// frame with growing duration, then the end packet repeated.
func dtmfPayloads(event uint8, duration, step uint16) []DTMFEvent {
	if duration < step {
		duration = step
	}
	var out []DTMFEvent
	for d := step; d < duration; d += step {
		out = append(out, DTMFEvent{Event: event, Volume: DefaultDTMFVolume, Duration: d})
	}
	for i := 0; i < dtmfEndRepeats; i++ {
		out = append(out, DTMFEvent{Event: event, EndOfEvent: true, Volume: DefaultDTMFVolume, Duration: duration})
	}
	return out
}
