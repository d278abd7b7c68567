package trace

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siptty/siptty/internal/phone/events"
)

const (
	sendHeader = "TX 540 bytes Request msg INVITE/cseq=1 (tdta0x7f) to UDP 10.0.0.1:5060:"
	recvHeader = "RX 320 bytes Response msg 200/INVITE/cseq=1 (rdata0x7f) from UDP 10.0.0.1:5060:"
)

type recorder struct {
	got []events.TraceEvent
}

func (r *recorder) handle(e events.Event) {
	r.got = append(r.got, e.(events.TraceEvent))
}

type captured struct {
	Direction events.TraceDirection
	Message   string
}

func feed(c *Capture, lines ...string) {
	for _, l := range lines {
		c.Observe(l)
	}
}

func summarize(evs []events.TraceEvent) []captured {
	out := make([]captured, 0, len(evs))
	for _, e := range evs {
		out = append(out, captured{e.Direction, e.Message})
	}
	return out
}

func TestCaptureSequences(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []captured
	}{
		{
			name:  "complete send block",
			lines: []string{sendHeader, "line1", "line2", EndSentinel},
			want:  []captured{{events.TraceSend, "line1\nline2"}},
		},
		{
			name:  "no sentinel",
			lines: []string{sendHeader, "line1"},
			want:  []captured{},
		},
		{
			name:  "new header discards partial block",
			lines: []string{sendHeader, "a", recvHeader, "b", EndSentinel},
			want:  []captured{{events.TraceRecv, "b"}},
		},
		{
			name:  "empty block emits nothing",
			lines: []string{recvHeader, EndSentinel},
			want:  []captured{},
		},
		{
			name:  "chatter outside a block is ignored",
			lines: []string{"pjsua_core.c  Resolving", EndSentinel, "line"},
			want:  []captured{},
		},
		{
			name:  "line terminators stripped",
			lines: []string{recvHeader, "SIP/2.0 200 OK\r\n", "Via: SIP/2.0/UDP x\n", "--end msg--\n"},
			want:  []captured{{events.TraceRecv, "SIP/2.0 200 OK\nVia: SIP/2.0/UDP x"}},
		},
		{
			name: "two consecutive blocks",
			lines: []string{
				sendHeader, "REGISTER sip:pbx SIP/2.0", EndSentinel,
				"unrelated",
				recvHeader, "SIP/2.0 401 Unauthorized", EndSentinel,
			},
			want: []captured{
				{events.TraceSend, "REGISTER sip:pbx SIP/2.0"},
				{events.TraceRecv, "SIP/2.0 401 Unauthorized"},
			},
		},
		{
			name:  "blank line between headers and body is kept",
			lines: []string{sendHeader, "Content-Length: 3", "", "v=0", EndSentinel},
			want:  []captured{{events.TraceSend, "Content-Length: 3\n\nv=0"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := NewCapture(rec.handle)
			feed(c, tt.lines...)
			if diff := cmp.Diff(tt.want, summarize(rec.got)); diff != "" {
				t.Errorf("trace events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCaptureTimestamp(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &recorder{}
	c := NewCapture(rec.handle)
	c.now = func() time.Time { return fixed }

	feed(c, sendHeader, "x", EndSentinel)
	require.Len(t, rec.got, 1)
	assert.Equal(t, fixed, rec.got[0].Timestamp())
}

func TestCaptureCallbackPanicDoesNotEscape(t *testing.T) {
	c := NewCapture(func(events.Event) { panic("ui gone") })
	assert.NotPanics(t, func() {
		feed(c, sendHeader, "x", EndSentinel)
	})
	assert.False(t, c.Pending())

	// state was reset before the callback ran, so the next block is clean
	rec := &recorder{}
	c.deliver = rec.handle
	feed(c, recvHeader, "y", EndSentinel)
	require.Len(t, rec.got, 1)
	assert.Equal(t, "y", rec.got[0].Message)
}

func TestCaptureReentrantObserve(t *testing.T) {
	var c *Capture
	var got []string
	c = NewCapture(func(e events.Event) {
		got = append(got, e.(events.TraceEvent).Message)
		if len(got) == 1 {
			feed(c, recvHeader, "inner", EndSentinel)
		}
	})

	feed(c, sendHeader, "outer", EndSentinel)
	assert.Equal(t, []string{"outer", "inner"}, got)
	assert.False(t, c.Pending())
}

func TestWriteLogSplitsEntries(t *testing.T) {
	rec := &recorder{}
	c := NewCapture(rec.handle)

	c.WriteLog(5, sendHeader+"\nOPTIONS sip:a SIP/2.0\nCSeq: 1 OPTIONS\n\n--end msg--\n")
	require.Len(t, rec.got, 1)
	assert.Equal(t, "OPTIONS sip:a SIP/2.0\nCSeq: 1 OPTIONS\n", rec.got[0].Message)
}

func TestWriteLogConcurrentEntriesDoNotInterleave(t *testing.T) {
	block := func(header, prefix string) string {
		var b strings.Builder
		b.WriteString(header + "\n")
		for i := 0; i < 2000; i++ {
			fmt.Fprintf(&b, "%s-line-%d\n", prefix, i)
		}
		b.WriteString(EndSentinel + "\n")
		return b.String()
	}
	send := block(sendHeader, "A")
	recv := block(recvHeader, "B")

	var mu sync.Mutex
	var got []events.TraceEvent
	c := NewCapture(func(e events.Event) {
		mu.Lock()
		got = append(got, e.(events.TraceEvent))
		mu.Unlock()
	})

	const rounds = 20
	var wg sync.WaitGroup
	for _, entry := range []string{send, recv} {
		wg.Add(1)
		go func(entry string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				c.WriteLog(5, entry)
			}
		}(entry)
	}
	wg.Wait()

	require.Len(t, got, 2*rounds)
	for _, ev := range got {
		hasA := strings.Contains(ev.Message, "A-line-")
		hasB := strings.Contains(ev.Message, "B-line-")
		assert.True(t, hasA != hasB, "trace mixes two messages")
		if ev.Direction == events.TraceSend {
			assert.True(t, hasA)
		} else {
			assert.True(t, hasB)
		}
	}
	assert.False(t, c.Pending())
}

func TestNilDeliver(t *testing.T) {
	c := NewCapture(nil)
	assert.NotPanics(t, func() {
		feed(c, sendHeader, "x", EndSentinel)
	})
}
