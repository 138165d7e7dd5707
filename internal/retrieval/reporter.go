package retrieval

import (
	"fmt"
	"io"
	"path/filepath"
)

// ConsoleReporter prints one line per part with its deciles, the way an
// interactive user follows the download.
type ConsoleReporter struct {
	w io.Writer
}

func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: w}
}

func (c *ConsoleReporter) PartStarted(index int, path string) {
	fmt.Fprintf(c.w, "%s\nDownload progress: ", filepath.Base(path))
}

func (c *ConsoleReporter) Progress(index, percent int) {
	fmt.Fprintf(c.w, " %d%% ", percent)
}

func (c *ConsoleReporter) PartFinished(p Part) {
	fmt.Fprintln(c.w)
}

func (c *ConsoleReporter) SentinelRemoved(p Part) {
	fmt.Fprintf(c.w, "\nFetch completed.  %d files downloaded.\nRemoving scrap file: %s\n", p.Index-1, filepath.Base(p.Path))
}

// Reporters fans out to several reporters.
type Reporters []Reporter

func (rs Reporters) PartStarted(index int, path string) {
	for _, r := range rs {
		r.PartStarted(index, path)
	}
}

func (rs Reporters) Progress(index, percent int) {
	for _, r := range rs {
		r.Progress(index, percent)
	}
}

func (rs Reporters) PartFinished(p Part) {
	for _, r := range rs {
		r.PartFinished(p)
	}
}

func (rs Reporters) SentinelRemoved(p Part) {
	for _, r := range rs {
		r.SentinelRemoved(p)
	}
}
