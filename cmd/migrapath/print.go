package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
)

const (
	ansiBold  = "\x1b[1m"
	ansiReset = "\x1b[0m"
)

// printer writes the command output, with bold headers when stdout is a
// terminal and plain text when redirected.
type printer struct {
	out   io.Writer
	color bool
}

func newPrinter(out io.Writer) *printer {
	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &printer{out: out, color: color}
}

func (p *printer) header(text string) {
	if p.color {
		fmt.Fprintf(p.out, "%s%s%s\n", ansiBold, text, ansiReset)
		return
	}
	fmt.Fprintln(p.out, text)
}

func (p *printer) line(text string) {
	fmt.Fprintln(p.out, text)
}

func (p *printer) indented(text, prefix string) {
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintf(p.out, "%s%s\n", prefix, l)
	}
}

// table prints rows with columns padded to the widest cell, measured in
// display cells so wide runes in block labels stay aligned.
func (p *printer) table(rows [][]string, prefix string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range rows {
		var b strings.Builder
		b.WriteString(prefix)
		for i, cell := range row {
			b.WriteString(runewidth.FillRight(cell, widths[i]))
			if i < len(row)-1 {
				b.WriteString("  ")
			}
		}
		fmt.Fprintln(p.out, strings.TrimRight(b.String(), " "))
	}
}
