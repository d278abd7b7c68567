// Package trace reconstructs SIP messages from the engine's log stream.
//
// The engine logs every message it sends or receives as a header line
// ("TX 512 bytes Request msg INVITE/cseq=1 (tdta0x1) to UDP 10.0.0.1:5060:"),
// the raw message, and a closing "--end msg--" line. Capture turns each such
// block into one events.TraceEvent.
package trace

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/siptty/siptty/internal/phone/events"
)

var (
	txHeader = regexp.MustCompile(`TX\s+\d+\s+bytes\s+.+\s+to\s+`)
	rxHeader = regexp.MustCompile(`RX\s+\d+\s+bytes\s+.+\s+from\s+`)
)

// EndSentinel terminates a logged message block.
const EndSentinel = "--end msg--"

// Capture accumulates log lines and emits a TraceEvent per complete message.
type Capture struct {
	writeMu sync.Mutex // serialises whole WriteLog entries

	mu        sync.Mutex
	direction events.TraceDirection // empty when outside a block
	lines     []string

	deliver events.Handler
	now     func() time.Time
}

// NewCapture creates a Capture that emits through deliver.
func NewCapture(deliver events.Handler) *Capture {
	if deliver == nil {
		deliver = events.Discard
	}
	return &Capture{deliver: deliver, now: time.Now}
}

// Observe consumes one log line. It invokes the delivery callback at most once.
func (c *Capture) Observe(line string) {
	c.mu.Lock()

	switch {
	case txHeader.MatchString(line):
		c.reset(events.TraceSend)
		c.mu.Unlock()
		return
	case rxHeader.MatchString(line):
		c.reset(events.TraceRecv)
		c.mu.Unlock()
		return
	case c.direction == "":
		c.mu.Unlock()
		return
	case strings.Contains(line, EndSentinel):
		dir, lines := c.direction, c.lines
		c.reset("")
		c.mu.Unlock()

		if len(lines) == 0 {
			return
		}
		c.emit(events.NewTrace(dir, strings.Join(lines, "\n"), c.now()))
		return
	}

	c.lines = append(c.lines, strings.TrimRight(line, "\r\n"))
	c.mu.Unlock()
}

// WriteLog lets a Capture serve as the engine log writer. Multi-line entries
// are split and observed line by line; concurrent entries never interleave.
func (c *Capture) WriteLog(level int, entry string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	entry = strings.TrimSuffix(entry, "\n")
	for _, line := range strings.Split(entry, "\n") {
		c.Observe(line)
	}
}

// Pending reports whether a message block is being accumulated.
func (c *Capture) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direction != ""
}

func (c *Capture) reset(dir events.TraceDirection) {
	c.direction = dir
	c.lines = nil
}

func (c *Capture) emit(ev events.TraceEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Trace] Delivery failed", "direction", ev.Direction, "panic", r)
		}
	}()
	c.deliver(ev)
}
