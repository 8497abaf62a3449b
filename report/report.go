// Package report writes the human-facing console output of a training run:
// centered section banners and aligned metric lines. Structured logs go
// through zap; this is what a person watching the terminal reads.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Width is the column count banners are centered in.
const Width = 79

// Banner centers title in a Width-wide line filled with '-'. An odd margin puts
// the extra column on the left.
func Banner(title string) string {
	gap := Width - lipgloss.Width(title)
	if gap <= 0 {
		return title
	}
	left := gap - gap/2
	return lipgloss.PlaceHorizontal(Width, lipgloss.Left, strings.Repeat("-", left)+title,
		lipgloss.WithWhitespaceChars("-"))
}

// MetricLine formats one metric as "<name>:" left-aligned in 15 columns and
// the value with two decimals right-aligned in 5.
func MetricLine(name string, value float64) string {
	return fmt.Sprintf("%-15s %5.2f", name+":", value)
}

// Reporter serializes writes to an io.Writer. A nil *Reporter discards output.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Stdout returns a reporter writing to os.Stdout.
func Stdout() *Reporter {
	return New(os.Stdout)
}

// Discard returns a reporter that drops everything.
func Discard() *Reporter {
	return New(io.Discard)
}

func (r *Reporter) Writer() io.Writer {
	if r == nil || r.w == nil {
		return io.Discard
	}
	return r.w
}

func (r *Reporter) Banner(title string) {
	r.Println(Banner(title))
}

func (r *Reporter) Metric(name string, value float64) {
	r.Println(MetricLine(name, value))
}

func (r *Reporter) Println(a ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.Writer(), a...)
}

func (r *Reporter) Printf(format string, a ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.Writer(), format, a...)
}
