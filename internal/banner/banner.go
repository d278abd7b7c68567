// Package banner renders the siptty logo with an aligned summary block.
package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
==============================================
      _       _   _
  ___(_)_ __ | |_| |_ _   _
 / __| | '_ \| __| __| | | |
 \__ \ | |_) | |_| |_| |_| |
 |___/_| .__/ \__|\__|\__, |
       |_|            |___/
----------------------------------------------`

const footer = `==============================================`

// Line is one label/value row of the summary.
type Line struct {
	Label string
	Value string
}

// Fprint writes the logo, the title and the rows with aligned labels.
func Fprint(w io.Writer, title string, lines []Line) error {
	var b strings.Builder
	b.WriteString(logo)
	b.WriteString("\n")
	b.WriteString(title)
	b.WriteString("\n")

	width := 0
	for _, l := range lines {
		width = max(width, len(l.Label))
	}
	for _, l := range lines {
		fmt.Fprintf(&b, "  %-*s : %s\n", width, l.Label, l.Value)
	}
	b.WriteString(footer)
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}
