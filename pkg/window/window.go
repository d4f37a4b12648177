// Package window splits a long time range into fixed size windows so each
// relay query stays under relay-side result caps.
package window

import (
	"errors"
	"fmt"
	"iter"
	"time"
)

// DefaultSize is one day.
const DefaultSize = 24 * time.Hour

var ErrInvalidSize = errors.New("window size must be at least one second")

// Window is a time range in unix seconds. Start < End.
type Window struct {
	Start int64
	End   int64
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return time.Duration(w.End-w.Start) * time.Second
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]",
		time.Unix(w.Start, 0).UTC().Format(time.RFC3339),
		time.Unix(w.End, 0).UTC().Format(time.RFC3339))
}

// Planner produces contiguous windows of a fixed size, oldest first.
type Planner struct {
	size int64
}

// NewPlanner creates a Planner. size is truncated to whole seconds.
func NewPlanner(size time.Duration) (*Planner, error) {
	secs := int64(size / time.Second)
	if secs < 1 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSize, size)
	}
	return &Planner{size: secs}, nil
}

// Size returns the window size.
func (p *Planner) Size() time.Duration {
	return time.Duration(p.size) * time.Second
}

// Count returns ceil((end-start)/size) without generating the windows.
func (p *Planner) Count(start, end int64) int {
	if end <= start {
		return 0
	}
	span := end - start
	return int((span + p.size - 1) / p.size)
}

// Windows yields (index, window) pairs lazily. The last window is clipped to end.
func (p *Planner) Windows(start, end int64) iter.Seq2[int, Window] {
	return func(yield func(int, Window) bool) {
		i := 0
		for cursor := start; cursor < end; cursor += p.size {
			w := Window{Start: cursor, End: min(cursor+p.size, end)}
			if !yield(i, w) {
				return
			}
			i++
		}
	}
}

// Plan materializes Windows.
func (p *Planner) Plan(start, end int64) []Window {
	windows := make([]Window, 0, p.Count(start, end))
	for _, w := range p.Windows(start, end) {
		windows = append(windows, w)
	}
	return windows
}
