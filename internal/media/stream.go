package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// ErrStreamClosed is returned by operations on a closed stream.
var ErrStreamClosed = errors.New("media stream closed")

// dtmfGapFrames is the inter-digit pause, in frames.
const dtmfGapFrames = 5

// Source produces one encoded frame per tick. ok=false means the source is
// exhausted and the stream falls back to silence.
type Source interface {
	NextFrame() (frame []byte, ok bool)
}

type silence struct{ frame []byte }

func (s silence) NextFrame() ([]byte, bool) { return s.frame, true }

// Stream is one RTP session: a local UDP socket paced at the codec's frame
// interval, sending the current source toward the remote address.
type Stream struct {
	conn    net.PacketConn
	release func()

	mu      sync.Mutex
	remote  net.Addr
	latched bool
	codec   Codec
	dtmfPT  uint8
	sending bool
	source  Source
	ssrc    uint32
	seq     uint16
	ts      uint32
	marker  bool

	digits  []uint8
	pending []DTMFEvent
	gap     int

	recv SequenceTracker

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStream wraps conn. release, if non-nil, runs after the socket is closed.
func NewStream(conn net.PacketConn, release func(), codec Codec) *Stream {
	return &Stream{
		conn:    conn,
		release: release,
		codec:   codec,
		dtmfPT:  CodecTelephoneEvent.PayloadType,
		sending: true,
		source:  silence{codec.Silence()},
		ssrc:    GenerateSSRC(),
		seq:     GenerateSequenceStart(),
		ts:      GenerateTimestampStart(),
		marker:  true,
		done:    make(chan struct{}),
	}
}

// Start launches the send and receive loops.
func (s *Stream) Start() {
	s.wg.Add(2)
	go s.sendLoop()
	go s.recvLoop()
}

// LocalPort returns the bound UDP port.
func (s *Stream) LocalPort() int {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// SetRemote points the stream at the peer described by r.
func (s *Stream) SetRemote(r Remote) error {
	addr, err := net.ResolveUDPAddr("udp", r.HostPort())
	if err != nil {
		return fmt.Errorf("resolve media address: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = addr
	s.latched = false
	if r.DTMFPayloadType != 0 {
		s.dtmfPT = r.DTMFPayloadType
	}
	return nil
}

// SetCodec switches the outgoing codec. The silence source follows the codec.
func (s *Stream) SetCodec(c Codec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.source.(silence); ok {
		s.source = silence{c.Silence()}
	}
	s.codec = c
}

// Codec returns the outgoing codec.
func (s *Stream) Codec() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// SetDirection enables or pauses sending according to our side's direction.
func (s *Stream) SetDirection(d Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sending && d.Sends() {
		s.marker = true
	}
	s.sending = d.Sends()
}

// SendDTMF queues digits for RFC 4733 transmission.
func (s *Stream) SendDTMF(digits string) error {
	events := make([]uint8, 0, len(digits))
	for i, r := range digits {
		ev, ok := RuneToEvent(r)
		if !ok {
			return fmt.Errorf("invalid DTMF digit %q at %d", r, i)
		}
		events = append(events, ev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	s.digits = append(s.digits, events...)
	return nil
}

// Play replaces the current source with the WAV file at path. Closing the
// returned player restores silence; the player also ends at end of file.
func (s *Stream) Play(path string) (io.Closer, error) {
	s.mu.Lock()
	codec := s.codec
	s.mu.Unlock()

	data, err := LoadFile(path, codec)
	if err != nil {
		return nil, err
	}
	p := &player{stream: s, data: data, frame: codec.BytesPerFrame()}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return nil, ErrStreamClosed
	default:
	}
	s.source = p
	slog.Info("[Media] Playing file", "file", path, "frames", len(data)/p.frame)
	return p, nil
}

// Stats returns received and lost packet counts.
func (s *Stream) Stats() (received, lost uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv.Stats()
}

// Close stops both loops, closes the socket and releases the port.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
		if s.release != nil {
			s.release()
		}
	})
	return err
}

func (s *Stream) sendLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	interval := s.codec.SampleDur
	s.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		pkt, dst := s.nextPacket()
		if pkt == nil {
			continue
		}
		data, err := pkt.Marshal()
		if err != nil {
			slog.Error("[Media] Marshal RTP failed", "error", err)
			continue
		}
		if _, err := s.conn.WriteTo(data, dst); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("[Media] RTP write failed", "remote", dst, "error", err)
		}
	}
}

// nextPacket builds the packet for the current tick, or nil when nothing
// should be sent.
func (s *Stream) nextPacket() (*rtp.Packet, net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote == nil || !s.sending {
		return nil, nil
	}

	hdr := rtp.Header{
		Version:        2,
		SequenceNumber: s.seq,
		Timestamp:      s.ts,
		SSRC:           s.ssrc,
	}
	s.seq++

	if len(s.pending) == 0 && s.gap == 0 && len(s.digits) > 0 {
		s.pending = dtmfPayloads(s.digits[0], DefaultDTMFDuration, uint16(s.codec.TimestampIncrement()))
		s.digits = s.digits[1:]
		hdr.Marker = true
	}
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		hdr.PayloadType = s.dtmfPT
		if len(s.pending) == 0 {
			// The event occupied its whole duration on the media clock.
			s.ts += uint32(ev.Duration)
			s.gap = dtmfGapFrames
		}
		return &rtp.Packet{Header: hdr, Payload: ev.Encode()}, s.remote
	}
	if s.gap > 0 {
		s.gap--
	}

	frame, ok := s.source.NextFrame()
	if !ok {
		s.source = silence{s.codec.Silence()}
		frame, _ = s.source.NextFrame()
	}
	hdr.PayloadType = s.codec.PayloadType
	hdr.Marker = s.marker
	s.marker = false
	s.ts += s.codec.TimestampIncrement()
	return &rtp.Packet{Header: hdr, Payload: frame}, s.remote
}

func (s *Stream) recvLoop() {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		s.mu.Lock()
		s.recv.Update(pkt.SequenceNumber)
		// Symmetric RTP: follow the address the peer actually sends from.
		if !s.latched && s.remote != nil && s.remote.String() != from.String() {
			slog.Debug("[Media] Latching remote address", "sdp", s.remote, "observed", from)
			s.remote = from
		}
		s.latched = true
		s.mu.Unlock()
	}
}

type player struct {
	stream *Stream
	data   []byte
	frame  int
	pos    int
	closed bool
}

// NextFrame runs under the stream lock.
func (p *player) NextFrame() ([]byte, bool) {
	if p.closed || p.pos+p.frame > len(p.data) {
		return nil, false
	}
	f := p.data[p.pos : p.pos+p.frame]
	p.pos += p.frame
	return f, true
}

// Close stops playback. A second Close returns an error.
func (p *player) Close() error {
	s := p.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.closed {
		return errors.New("player already closed")
	}
	p.closed = true
	if s.source == Source(p) {
		s.source = silence{s.codec.Silence()}
	}
	return nil
}
