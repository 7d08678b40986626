package main

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

type styles struct {
	header lipgloss.Style
	dim    lipgloss.Style
	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
}

// newStyles colors output only when w is a terminal.
func newStyles(w io.Writer) styles {
	plain := lipgloss.NewStyle()
	f, ok := w.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return styles{header: plain, dim: plain, pass: plain, warn: plain, fail: plain}
	}
	return styles{
		header: lipgloss.NewStyle().Bold(true),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		pass:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		fail:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

func (s styles) status(status string) string {
	switch status {
	case "PASS":
		return s.pass.Render(status)
	case "WARN":
		return s.warn.Render(status)
	case "FAIL":
		return s.fail.Render(status)
	}
	return s.dim.Render(status)
}
