package sipua

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"

	"github.com/siptty/siptty/internal/phone/engine"
)

// msgLogLevel is the engine log level at which full messages are written.
const msgLogLevel = 5

// endMsg closes every logged message block.
const endMsg = "--end msg--"

// msgLogger writes sent and received SIP messages to the engine log writer
// in the block format the trace capture understands.
type msgLogger struct {
	w     engine.LogWriter
	level int
	seq   atomic.Uint64
}

func (l *msgLogger) enabled() bool {
	return l != nil && l.w != nil && l.level >= msgLogLevel
}

// sent logs an outgoing message to dest ("host:port").
func (l *msgLogger) sent(msg sip.Message, transport, dest string) {
	if !l.enabled() {
		return
	}
	l.w.WriteLog(msgLogLevel, l.format("TX", "tdta", "to", msg, transport, dest))
}

// received logs an incoming message from src ("host:port").
func (l *msgLogger) received(msg sip.Message, transport, src string) {
	if !l.enabled() {
		return
	}
	l.w.WriteLog(msgLogLevel, l.format("RX", "rdata", "from", msg, transport, src))
}

func (l *msgLogger) format(dir, buf, prep string, msg sip.Message, transport, peer string) string {
	raw := msg.String()
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d bytes %s (%s%#x) %s %s %s:\n",
		dir, len(raw), describe(msg), buf, l.seq.Add(1), prep, strings.ToUpper(transport), peer)
	b.WriteString(strings.TrimRight(raw, "\r\n"))
	b.WriteString("\n")
	b.WriteString(endMsg)
	return b.String()
}

// describe renders "Request msg INVITE/cseq=1" or "Response msg 200/INVITE/cseq=1".
func describe(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		return fmt.Sprintf("Request msg %s/cseq=%d", m.Method, cseqNo(m.CSeq()))
	case *sip.Response:
		method := ""
		if c := m.CSeq(); c != nil {
			method = string(c.MethodName)
		}
		return fmt.Sprintf("Response msg %d/%s/cseq=%d", int(m.StatusCode), method, cseqNo(m.CSeq()))
	default:
		return "msg"
	}
}

func cseqNo(c *sip.CSeqHeader) uint32 {
	if c == nil {
		return 0
	}
	return c.SeqNo
}
