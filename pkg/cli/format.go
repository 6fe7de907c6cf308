// Package cli provides the terminal styling used by the panelprobe report.
package cli

import (
	"os"
	"strings"
)

// colorEnabled is false when NO_COLOR env var is set (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

// SetColor turns ANSI styling on or off.
func SetColor(enabled bool) {
	colorEnabled = enabled
}

func style(code, s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

// Green wraps s in ANSI green.
func Green(s string) string { return style("32", s) }

// Yellow wraps s in ANSI yellow.
func Yellow(s string) string { return style("33", s) }

// Red wraps s in ANSI red.
func Red(s string) string { return style("31", s) }

// Bold wraps s in ANSI bold.
func Bold(s string) string { return style("1", s) }

// Dim wraps s in ANSI dim.
func Dim(s string) string { return style("2", s) }

// YesNo renders a verdict as a green "yes" or a red "no".
func YesNo(b bool) string {
	if b {
		return Green("yes")
	}
	return Red("no")
}

// DotPad pads name with dots to the given width.
// Example: DotPad("driver loaded", 20) → "driver loaded ......"
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	dots := width - len(name) - 1
	return name + " " + strings.Repeat(".", dots)
}
