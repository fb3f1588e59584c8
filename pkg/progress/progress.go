// Package progress renders a terminal progress bar with multiple labeled
// parts, throttled to a configurable redraw interval. The execution loop
// uses one part for regular completions and one for recovery tasks.
package progress

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// barWidth is the number of cells in the rendered bar.
const barWidth = 30

// Part is one labeled counter of a progress bar. The first part bound to
// a bar drives the rendered percentage.
type Part struct {
	Label   string
	Total   uint64
	Current uint64
}

// Bar is a multi-part terminal progress bar.
type Bar struct {
	label          string
	parts          []*Part
	out            io.Writer
	printer        *message.Printer
	startTime      time.Time
	lastDrawTime   time.Time
	updateInterval time.Duration
	hasDrawnOnce   bool
	filled         *color.Color
}

// New creates a progress bar writing to out, redrawing at most once per
// updateInterval.
func New(label string, out io.Writer, updateInterval time.Duration) *Bar {
	return &Bar{
		label:          label,
		out:            out,
		printer:        message.NewPrinter(language.English),
		startTime:      time.Now(),
		updateInterval: updateInterval,
		filled:         color.New(color.FgGreen),
	}
}

// NewPart creates a part and binds it to the bar.
func (b *Bar) NewPart(label string, total uint64) *Part {
	part := &Part{Label: label, Total: total}
	b.parts = append(b.parts, part)
	return part
}

// SetPartTotal updates the total of a part.
func (b *Bar) SetPartTotal(part *Part, total uint64) {
	if part.Total == total {
		return
	}
	part.Total = total
	b.draw(false)
}

// UpdatePart advances a part and redraws if the update interval has
// passed.
func (b *Bar) UpdatePart(part *Part, increment uint64) {
	part.Current += increment
	b.draw(false)
}

// SetPartCurrent sets a part's current value directly.
func (b *Bar) SetPartCurrent(part *Part, current uint64) {
	if part.Current == current {
		return
	}
	part.Current = current
	b.draw(false)
}

// SetStartTime anchors the elapsed-time display, typically to the commit
// timestamp of the first task rather than to bar construction.
func (b *Bar) SetStartTime(t time.Time) {
	b.startTime = t
}

// Refresh redraws if the update interval has passed, even without new
// counts. Keeps the elapsed display moving while the loop idles.
func (b *Bar) Refresh() {
	b.draw(false)
}

// Finish forces a final draw and terminates the line.
func (b *Bar) Finish() {
	b.draw(true)
	fmt.Fprintln(b.out)
}

// draw renders the bar. Unless forced, redraws are throttled to the
// update interval.
func (b *Bar) draw(force bool) {
	if b.out == nil {
		return
	}
	now := time.Now()
	if !force && b.hasDrawnOnce && now.Sub(b.lastDrawTime) < b.updateInterval {
		return
	}
	b.lastDrawTime = now
	b.hasDrawnOnce = true

	fraction := 0.0
	if len(b.parts) > 0 && b.parts[0].Total > 0 {
		fraction = float64(b.parts[0].Current) / float64(b.parts[0].Total)
		if fraction > 1 {
			fraction = 1
		}
	}

	filledCells := int(fraction * barWidth)
	bar := b.filled.Sprint(strings.Repeat("█", filledCells)) + strings.Repeat("░", barWidth-filledCells)

	var counts []string
	for _, part := range b.parts {
		if part.Total > 0 {
			counts = append(counts, b.printer.Sprintf("%d/%d %s", part.Current, part.Total, part.Label))
		} else {
			counts = append(counts, b.printer.Sprintf("%d %s", part.Current, part.Label))
		}
	}

	elapsed := now.Sub(b.startTime).Round(100 * time.Millisecond)
	fmt.Fprintf(b.out, "\r%s [%s] %5.1f%% (%s) %s", b.label, bar, fraction*100, strings.Join(counts, ", "), elapsed)
}
