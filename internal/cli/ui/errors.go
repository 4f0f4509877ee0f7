package ui

import (
	"fmt"
	"strings"
)

// FormatError renders a terminal-facing error: a bold red prefix, the
// message itself, and an optional indented list of commands to try next.
func FormatError(msg string, suggestions ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", StyleBoldRed.Render("Error:"), msg)
	if len(suggestions) == 0 {
		return b.String()
	}
	b.WriteString("\n" + StyleHint.Render("  Try:") + "\n")
	for _, s := range suggestions {
		fmt.Fprintf(&b, "    %s %s\n", StyleHint.Render(SymbolArrow), s)
	}
	return b.String()
}
