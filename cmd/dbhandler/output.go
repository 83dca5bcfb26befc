package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
)

// colorsEnabled is off when NO_COLOR is set or --no-color is passed.
var colorsEnabled = os.Getenv("NO_COLOR") == ""

func colorize(color, text string) string {
	if !colorsEnabled {
		return text
	}
	return color + text + ansiReset
}

func colorRed(text string) string    { return colorize(ansiRed, text) }
func colorGreen(text string) string  { return colorize(ansiGreen, text) }
func colorYellow(text string) string { return colorize(ansiYellow, text) }
func colorCyan(text string) string   { return colorize(ansiCyan, text) }
func colorBold(text string) string   { return colorize(ansiBold, text) }
func colorDim(text string) string    { return colorize(ansiDim, text) }

func printSuccess(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, colorGreen("✓")+" "+fmt.Sprintf(format, args...))
}

func printWarning(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, colorYellow("!")+" "+fmt.Sprintf(format, args...))
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, colorRed("✗")+" "+err.Error())
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, colorBold(colorCyan(title)))
	fmt.Fprintln(w, colorDim(strings.Repeat("─", 40)))
}

// printTable pads cells by rune count before coloring so escapes do not
// skew the columns.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); i < len(widths) && n > widths[i] {
				widths[i] = n
			}
		}
	}

	pad := func(s string, width int) string {
		return s + strings.Repeat(" ", width-utf8.RuneCountInString(s))
	}
	line := func(cells []string, style func(string) string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if i < len(widths) {
				cell = pad(cell, widths[i])
			}
			parts[i] = style(cell)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(headers, colorBold)
	seps := make([]string, len(widths))
	for i, n := range widths {
		seps[i] = strings.Repeat("─", n)
	}
	line(seps, colorDim)
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
}
