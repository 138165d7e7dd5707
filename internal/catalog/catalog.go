// Package catalog lists the titles on loan and resolves the user's choice.
package catalog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"libbyfetch/internal/fault"
)

// Prompt is shown before reading the user's choice.
const Prompt = "Enter the number of the desired title: "

const (
	columns     = 3
	columnWidth = 26
	titleWidth  = 23
)

// Entry is one title on loan. Handle is opaque to everything but the Shelf
// that produced it.
type Entry struct {
	Title  string
	Handle int
}

// Shelf lists and opens loans in the browser session.
type Shelf interface {
	List(ctx context.Context) ([]Entry, error)
	Open(ctx context.Context, e Entry) error
}

// ErrEmptyShelf means there is nothing to download.
var ErrEmptyShelf = errors.New("it appears you have no audiobooks on loan at this library")

// Select resolves a 1-based choice typed by the user.
func Select(entries []Entry, input string) (Entry, error) {
	if len(entries) == 0 {
		return Entry{}, fault.New("select", fault.KindSelection, ErrEmptyShelf)
	}
	input = strings.TrimSpace(input)
	n, err := strconv.Atoi(input)
	if err != nil {
		return Entry{}, fault.Errorf("select", fault.KindSelection, "choice must be a number, got %q", input)
	}
	if n < 1 || n > len(entries) {
		return Entry{}, fault.Errorf("select", fault.KindSelection, "choice %d is not in the list (1-%d)", n, len(entries))
	}
	return entries[n-1], nil
}

// Choose renders the entries, prompts, and reads one line from r.
func Choose(r io.Reader, w io.Writer, entries []Entry) (Entry, error) {
	if len(entries) == 0 {
		return Entry{}, fault.New("select", fault.KindSelection, ErrEmptyShelf)
	}
	Render(w, entries)
	fmt.Fprint(w, Prompt)

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return Entry{}, fault.New("select", fault.KindSelection, fmt.Errorf("reading choice: %w", err))
	}
	return Select(entries, line)
}

// Render prints the entries in three columns, each cell "N. <title>" with
// the title cut to 23 characters.
func Render(w io.Writer, entries []Entry) {
	rows := (len(entries) + columns - 1) / columns
	for i := 0; i < rows; i++ {
		cells := make([]string, 0, columns)
		for j := 0; j < columns; j++ {
			idx := i*columns + j
			cell := ""
			if idx < len(entries) {
				cell = fmt.Sprintf("%d. %s", idx+1, truncate(strings.TrimSpace(entries[idx].Title), titleWidth))
			}
			width := columnWidth
			if cw := lipgloss.Width(cell); cw > width {
				width = cw
			}
			cells = append(cells, lipgloss.NewStyle().Width(width).Render(cell))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, " "), " "))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Stem turns a title into a file name stem.
func Stem(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return -1
		}
		return r
	}, title)
	return strings.ReplaceAll(title, " ", "_")
}
