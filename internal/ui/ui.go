// Package ui formats vaultctl output. Colors follow fatih/color's terminal
// detection and are dropped when NO_COLOR is set.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
)

// Style renders text in one color, or with plain decorations when colors are off.
type Style struct {
	color  *color.Color
	prefix string
	suffix string
}

func (s Style) Sprint(a ...any) string {
	text := fmt.Sprint(a...)
	if noColor() {
		return s.prefix + text + s.suffix
	}
	return s.color.Sprint(text)
}

func (s Style) Sprintf(format string, a ...any) string {
	return s.Sprint(fmt.Sprintf(format, a...))
}

func noColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return color.NoColor
}

var (
	Success   = Style{color: color.New(color.FgGreen)}
	Error     = Style{color: color.New(color.FgRed)}
	Warning   = Style{color: color.New(color.FgYellow)}
	Info      = Style{color: color.New(color.FgCyan)}
	Highlight = Style{color: color.New(color.FgCyan, color.Bold), prefix: "'", suffix: "'"}
	Muted     = Style{color: color.New(color.FgHiBlack), prefix: "(", suffix: ")"}
)

// Status colors an encryption status.
func Status(s string) string {
	switch s {
	case "complete":
		return Success.Sprint(s)
	case "failed":
		return Error.Sprint(s)
	default:
		return Warning.Sprint(s)
	}
}

// OK prints a success line.
func OK(w io.Writer, format string, a ...any) {
	fmt.Fprintln(w, Success.Sprint("✓")+" "+fmt.Sprintf(format, a...))
}

// Fail prints an error line.
func Fail(w io.Writer, format string, a ...any) {
	fmt.Fprintln(w, Error.Sprint("✗")+" "+fmt.Sprintf(format, a...))
}

// Hint prints an informational line.
func Hint(w io.Writer, format string, a ...any) {
	fmt.Fprintln(w, Info.Sprint("→")+" "+fmt.Sprintf(format, a...))
}

// Table writes aligned rows; the first row is the header.
func Table(w io.Writer, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, r := range rows {
		line := strings.Join(r, "\t")
		if i == 0 {
			line = strings.ToUpper(line)
		}
		if _, err := fmt.Fprintln(tw, line); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// Fields writes "key: value" pairs with aligned values.
func Fields(w io.Writer, kv ...string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for i := 0; i+1 < len(kv); i += 2 {
		if _, err := fmt.Fprintf(tw, "%s:\t%s\n", kv[i], kv[i+1]); err != nil {
			return err
		}
	}
	return tw.Flush()
}
