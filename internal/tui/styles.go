package tui

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title   lipgloss.Style
	header  lipgloss.Style
	ok      lipgloss.Style
	warning lipgloss.Style
	faint   lipgloss.Style
	send    lipgloss.Style
	recv    lipgloss.Style
	pane    lipgloss.Style
	status  lipgloss.Style
	errText lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		header:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warning: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		faint:   lipgloss.NewStyle().Faint(true),
		send:    lipgloss.NewStyle().Foreground(lipgloss.Color("159")),
		recv:    lipgloss.NewStyle().Foreground(lipgloss.Color("222")),
		pane:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1),
		status:  lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		errText: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
}
