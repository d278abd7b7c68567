package tui

import (
	"context"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/siptty/siptty/internal/phone/events"
)

// NewProgram builds the full-screen phone program. It stops when ctx ends.
func NewProgram(ctx context.Context, p Phone, opts ...tea.ProgramOption) *tea.Program {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	return tea.NewProgram(New(p), opts...)
}

// Forward returns a handler that passes events to prog.
func Forward(prog *tea.Program) events.Handler {
	return func(e events.Event) {
		prog.Send(EventMsg{Event: e})
	}
}

// LogHook forwards warnings and errors to the status line of prog. Records
// may be logged from inside Update, so delivery never waits on the program.
type LogHook struct {
	prog *tea.Program
}

// NewLogHook returns a logger hook for prog.
func NewLogHook(prog *tea.Program) *LogHook {
	return &LogHook{prog: prog}
}

func (h *LogHook) Write(level slog.Level, message string) {
	go h.prog.Send(LogMsg{Level: level, Message: message})
}
