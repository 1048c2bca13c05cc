// Package progressbar renders a single-line terminal progress bar for
// long-running training loops.
package progressbar

import (
	"fmt"
	"strings"
	"time"
)

// ProgressBar tracks iteration progress and redraws itself on a timer.
// A single display goroutine owns all state; Increment and Close are
// safe to call from the training loop while the bar is showing.
type ProgressBar struct {
	width int
	max   int

	increments chan struct{}
	quit       chan struct{}
	closed     bool

	updateEvery       time.Duration
	updateAtIncrement bool
}

// NewProgressBar returns a bar that is width characters wide and
// reaches 100% after max Increment calls. The bar redraws every
// updateEvery; with updateAtIncrement set it also redraws on each
// Increment.
func NewProgressBar(width, max int, updateEvery time.Duration,
	updateAtIncrement bool) *ProgressBar {
	return &ProgressBar{
		width:             width,
		max:               max,
		increments:        make(chan struct{}, max+1),
		quit:              make(chan struct{}),
		updateEvery:       updateEvery,
		updateAtIncrement: updateAtIncrement,
	}
}

// Increment records one finished iteration. Never blocks; increments
// past max are ignored.
func (p *ProgressBar) Increment() {
	select {
	case p.increments <- struct{}{}:
	default:
	}
}

// Close stops the display goroutine and moves the cursor past the bar.
// Safe to call more than once.
func (p *ProgressBar) Close() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.quit)
	fmt.Println()
}

// Display starts redrawing the bar until Close is called. Call at most
// once.
func (p *ProgressBar) Display() {
	go func() {
		tick := time.NewTicker(p.updateEvery)
		defer tick.Stop()

		current := 0
		start := time.Now()
		for {
			select {
			case <-p.increments:
				if current < p.max {
					current++
				}
				if !p.updateAtIncrement {
					continue
				}
			case <-tick.C:
			case <-p.quit:
				return
			}
			fmt.Printf("\r\033[K%s", p.render(current, time.Since(start)))
		}
	}()
}

// render draws the bar into a string: filled cells, padding, then the
// percentage and elapsed time
func (p *ProgressBar) render(current int, elapsed time.Duration) string {
	filled := 0
	frac := 0.0
	if p.max > 0 {
		filled = current * p.width / p.max
		frac = float64(current) / float64(p.max)
	}

	var bar strings.Builder
	bar.WriteByte('|')
	for i := 0; i < p.width; i++ {
		if i < filled {
			bar.WriteString("█")
		} else {
			bar.WriteByte(' ')
		}
	}
	fmt.Fprintf(&bar, "| [%.2f%% | elapsed: %v]", 100*frac,
		elapsed.Round(time.Second))
	return bar.String()
}
