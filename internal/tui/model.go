// Package tui is the terminal front end: account and call panes, a SIP
// trace pane and a command prompt, driven by session core events.
package tui

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/siptty/siptty/internal/phone/account"
	"github.com/siptty/siptty/internal/phone/call"
	"github.com/siptty/siptty/internal/phone/events"
)

// maxTraces bounds the trace pane history.
const maxTraces = 200

// EventMsg carries one session core event into the program.
type EventMsg struct {
	Event events.Event
}

// LogMsg surfaces a warning or error log record on the status line.
type LogMsg struct {
	Level   slog.Level
	Message string
}

type traceLine struct {
	at   time.Time
	dir  events.TraceDirection
	head string
}

// Model is the bubbletea model of the phone screen.
type Model struct {
	phone  Phone
	input  textinput.Model
	styles styles

	accounts []account.Snapshot
	calls    []call.Snapshot
	traces   []traceLine

	status string
	err    error
	width  int
	height int
}

// New builds the screen model for p.
func New(p Phone) Model {
	in := textinput.New()
	in.Prompt = "> "
	in.Placeholder = "help for commands"
	in.CharLimit = 256
	in.Focus()

	m := Model{phone: p, input: in, styles: newStyles()}
	m.refresh()
	return m
}

func (m *Model) refresh() {
	m.accounts = m.phone.Accounts()
	m.calls = m.phone.Calls()
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			status, err := execute(m.phone, line)
			if errors.Is(err, errQuit) {
				return m, tea.Quit
			}
			m.status, m.err = status, err
			m.refresh()
			return m, nil
		}

	case EventMsg:
		m.apply(msg.Event)
		return m, nil

	case LogMsg:
		if msg.Level >= slog.LevelError {
			m.err = errors.New(msg.Message)
		} else {
			m.status, m.err = msg.Message, nil
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// apply folds an event into the screen state.
func (m *Model) apply(e events.Event) {
	switch ev := e.(type) {
	case events.TraceEvent:
		head, _, _ := strings.Cut(ev.Message, "\n")
		m.traces = append(m.traces, traceLine{at: ev.Timestamp(), dir: ev.Direction, head: strings.TrimSpace(head)})
		if len(m.traces) > maxTraces {
			m.traces = m.traces[len(m.traces)-maxTraces:]
		}
	case events.CallStateEvent:
		if ev.State == events.CallIncoming {
			m.status = fmt.Sprintf("call %d: incoming from %s (answer %d / reject %d)", ev.CallID, ev.RemoteURI, ev.CallID, ev.CallID)
			m.err = nil
		}
		m.refresh()
	case events.RegistrationStateEvent:
		m.refresh()
	}
}

func (m Model) View() string {
	s := m.styles
	var b strings.Builder

	b.WriteString(s.title.Render("siptty"))
	b.WriteString("\n\n")

	b.WriteString(s.header.Render("Accounts"))
	b.WriteString("\n")
	if len(m.accounts) == 0 {
		b.WriteString(s.faint.Render("  none"))
		b.WriteString("\n")
	}
	for _, a := range m.accounts {
		state := string(a.State)
		switch a.State {
		case events.RegRegistered:
			state = s.ok.Render(state)
		case events.RegFailed:
			state = s.warning.Render(state)
		}
		fmt.Fprintf(&b, "  %-12s %-32s %s %s\n", a.ID, a.URI, state, s.faint.Render(a.Reason))
	}

	b.WriteString("\n")
	b.WriteString(s.header.Render("Calls"))
	b.WriteString("\n")
	if len(m.calls) == 0 {
		b.WriteString(s.faint.Render("  none"))
		b.WriteString("\n")
	}
	for _, c := range m.calls {
		hold := ""
		if c.OnHold {
			hold = s.warning.Render(" HOLD")
		}
		fmt.Fprintf(&b, "  #%-3d %-8s %-12s %-32s %s%s\n",
			c.ID, c.Direction, c.State, c.RemoteURI, c.Duration.Truncate(time.Second), hold)
	}

	b.WriteString("\n")
	b.WriteString(s.pane.Render(m.traceView()))
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(s.errText.Render(m.err.Error()))
	case m.status != "":
		b.WriteString(s.status.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

// traceView renders the newest traces that fit the window.
func (m Model) traceView() string {
	rows := 10
	if m.height > 0 {
		rows = max(m.height-len(m.accounts)-len(m.calls)-14, 3)
	}
	start := max(len(m.traces)-rows, 0)

	var lines []string
	for _, t := range m.traces[start:] {
		arrow, style := "<-", m.styles.recv
		if t.dir == events.TraceSend {
			arrow, style = "->", m.styles.send
		}
		lines = append(lines, style.Render(fmt.Sprintf("%s %s %s", t.at.Format("15:04:05.000"), arrow, t.head)))
	}
	if len(lines) == 0 {
		return m.styles.faint.Render("no SIP traffic yet")
	}
	return strings.Join(lines, "\n")
}
