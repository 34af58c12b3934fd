package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// printer writes command output, coloring it only on a terminal.
type printer struct {
	w     io.Writer
	color bool

	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	dim   lipgloss.Style
	title lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == ""
	}
	return &printer{
		w:     w,
		color: color,
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
	}
}

func (p *printer) paint(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) Printf(format string, args ...any) { fmt.Fprintf(p.w, format, args...) }
func (p *printer) Println(args ...any)               { fmt.Fprintln(p.w, args...) }

func (p *printer) Title(text string) { fmt.Fprintln(p.w, p.paint(p.title, text)) }

// Table renders rows under headers with a rounded border.
func (p *printer) Table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		Rows(rows...)
	if p.color {
		t = t.BorderStyle(p.dim).StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.title.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	} else {
		t = t.StyleFunc(func(int, int) lipgloss.Style { return lipgloss.NewStyle().Padding(0, 1) })
	}
	fmt.Fprintln(p.w, t.Render())
}

// status colors a one-word status by its meaning.
func (p *printer) status(s string) string {
	switch s {
	case "enabled", "resolved", "Installed", "PASS", "isolated-installable", "set":
		return p.paint(p.ok, s)
	case "disabled", "installing", "unresolved", "WARN", "SKIP":
		return p.paint(p.warn, s)
	default:
		return p.paint(p.bad, s)
	}
}
