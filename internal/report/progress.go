package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// DefaultLogEvery is how many batches pass between progress lines when the
// output is not a terminal.
const DefaultLogEvery = 50

// Progress redraws one status line in place on a terminal and falls back to
// periodic plain lines for files and pipes.
type Progress struct {
	w        io.Writer
	tty      bool
	every    int
	started  time.Time
	lastLine string
	now      func() time.Time
}

func NewProgress(w io.Writer, every int) *Progress {
	if every <= 0 {
		every = DefaultLogEvery
	}
	return &Progress{w: w, tty: IsTerminal(w), every: every, now: time.Now}
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Begin prints the column header and resets the epoch clock.
func (p *Progress) Begin() {
	p.started = p.now()
	p.lastLine = ""
	fmt.Fprintf(p.w, "\n%s\n", Header())
}

func (p *Progress) Update(i, batches int, line string) {
	p.lastLine = line
	if p.tty {
		fmt.Fprintf(p.w, "\r%s", line)
		return
	}
	if i%p.every == 0 || i == batches-1 {
		fmt.Fprintln(p.w, line)
	}
}

// End finishes the epoch's status line and returns the time the epoch took.
func (p *Progress) End() time.Duration {
	if p.tty && p.lastLine != "" {
		fmt.Fprintln(p.w)
	}
	return p.now().Sub(p.started)
}

// Elapsed formats the run time the way it is logged after each epoch.
func Elapsed(epochs int, d time.Duration) string {
	return fmt.Sprintf("%s epochs completed in %.3f hours.", humanize.Comma(int64(epochs)), d.Hours())
}

// Size formats a byte count for log messages.
func Size(n int) string {
	return humanize.Bytes(uint64(n))
}

// Count formats a large integer with thousands separators.
func Count(n int) string {
	return humanize.Comma(int64(n))
}
