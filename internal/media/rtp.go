package media

import (
	"crypto/rand"
	"encoding/binary"
)

// GenerateSSRC returns a random SSRC (RFC 3550 8.1).
func GenerateSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5175e7
	}
	return binary.BigEndian.Uint32(b[:])
}

// GenerateSequenceStart returns a random initial sequence number.
func GenerateSequenceStart() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// GenerateTimestampStart returns a random initial timestamp.
func GenerateTimestampStart() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// SequenceTracker counts received packets and gaps, handling 16-bit rollover.
type SequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32
	lost        uint64
	received    uint64
}

// Update records seq and returns the extended sequence number and the
// number of packets missing since the previous one.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	s.received++
	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return uint32(seq), 0
	}

	diff := int16(seq - s.lastSeq)
	if diff <= 0 {
		// late or duplicate
		return (s.cycles << 16) | uint32(seq), 0
	}
	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}
	if seq < s.lastSeq {
		s.cycles++
	}
	s.lastSeq = seq
	return (s.cycles << 16) | uint32(seq), lost
}

// Stats returns cumulative received and lost counts.
func (s *SequenceTracker) Stats() (received, lost uint64) {
	return s.received, s.lost
}
