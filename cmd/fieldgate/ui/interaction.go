package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	envNoColor = "NO_COLOR"
	envCI      = "CI"
	envTerm    = "TERM"
)

// Configure picks the color profile: full color on an interactive
// terminal, plain ASCII in pipelines and CI.
func Configure(plain bool) {
	if plain || !terminalCapable() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

func terminalCapable() bool {
	if os.Getenv(envNoColor) != "" || os.Getenv(envCI) != "" {
		return false
	}
	if strings.EqualFold(os.Getenv(envTerm), "dumb") {
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
