package commands

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleTimestamp = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleNick      = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true)
	styleHistory   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleSystem    = lipgloss.NewStyle().Foreground(lipgloss.Color("178")).Italic(true)
	styleActive    = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	styleError     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// nickStyle colors a nickname with the occupant's chat background color
// when one is known.
func nickStyle(background string) lipgloss.Style {
	if strings.HasPrefix(background, "#") && (len(background) == 4 || len(background) == 7) {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(background)).Bold(true)
	}
	return styleNick
}
