// Package retrieval downloads the numbered parts of a title until the
// server answers with a sentinel part of at most one byte.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"libbyfetch/internal/fault"
	"libbyfetch/internal/observer"
)

// SentinelSize is the largest size of the end-of-sequence part.
const SentinelSize = 1

// Part is one downloaded file.
type Part struct {
	Index int
	Size  int64
	Path  string
}

// Result summarizes a completed download. Parts excludes the sentinel.
type Result struct {
	Parts           []Part
	PartsDownloaded int
}

// Stream is an open part body. Length is -1 when the server did not send one.
type Stream struct {
	Body   io.ReadCloser
	Length int64
}

// PartSource opens the body of one part.
type PartSource interface {
	Open(ctx context.Context, url, cookie string) (*Stream, error)
}

// Reporter observes download progress.
type Reporter interface {
	PartStarted(index int, path string)
	Progress(index, percent int)
	PartFinished(p Part)
	SentinelRemoved(p Part)
}

// Engine fetches parts sequentially.
type Engine struct {
	source   PartSource
	dir      string
	reporter Reporter
	logger   *zap.Logger
}

// NewEngine creates an engine writing into dir. A nil reporter discards progress.
func NewEngine(source PartSource, dir string, reporter Reporter, logger *zap.Logger) *Engine {
	if reporter == nil {
		reporter = nopReporter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = "."
	}
	return &Engine{source: source, dir: dir, reporter: reporter, logger: logger.Named("retrieval")}
}

// PartPath returns the file name for part index of a title stem.
func PartPath(dir, stem string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_Part%02d.mp3", stem, index))
}

// Run downloads parts 1, 2, ... until a part of at most SentinelSize bytes
// arrives, deletes that part, and returns the retained ones.
func (e *Engine) Run(ctx context.Context, target observer.Target, stem string) (Result, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Result{}, fault.New("download", fault.KindConfig, err)
	}

	var res Result
	for index := 1; ; index++ {
		part, err := e.fetch(ctx, target, stem, index)
		if err != nil {
			return res, err
		}

		if part.Size <= SentinelSize {
			if err := os.Remove(part.Path); err != nil {
				return res, fault.New("download", fault.KindUnclassified, fmt.Errorf("removing scrap file: %w", err))
			}
			e.reporter.SentinelRemoved(part)
			e.logger.Info("fetch completed",
				zap.Int("parts", res.PartsDownloaded),
				zap.String("removed", part.Path))
			return res, nil
		}

		res.Parts = append(res.Parts, part)
		res.PartsDownloaded = index
		e.reporter.PartFinished(part)
	}
}

func (e *Engine) fetch(ctx context.Context, target observer.Target, stem string, index int) (Part, error) {
	path := PartPath(e.dir, stem, index)
	url := target.PartURL(index)
	e.reporter.PartStarted(index, path)
	e.logger.Debug("fetching part", zap.Int("part", index), zap.String("path", path))

	stream, err := e.source.Open(ctx, url, target.Cookie)
	if err != nil {
		return Part{}, transportFault(ctx, fmt.Errorf("part %02d: %w", index, err))
	}
	defer stream.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return Part{}, fault.New("download", fault.KindConfig, err)
	}

	w := &progressWriter{
		ctx:     ctx,
		w:       f,
		deciles: NewDeciles(stream.Length),
		report:  func(p int) { e.reporter.Progress(index, p) },
	}
	_, copyErr := io.Copy(w, stream.Body)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		// A truncated file could pass for a sentinel on a later run.
		_ = os.Remove(path)
		return Part{}, transportFault(ctx, fmt.Errorf("part %02d: %w", index, copyErr))
	}

	info, err := os.Stat(path)
	if err != nil {
		return Part{}, fault.New("download", fault.KindUnclassified, err)
	}
	return Part{Index: index, Size: info.Size(), Path: path}, nil
}

func transportFault(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fault.New("download", fault.KindCanceled, err)
	}
	return fault.New("download", fault.KindTransport, err)
}

type progressWriter struct {
	ctx      context.Context
	w        io.Writer
	received int64
	deciles  *Deciles
	report   func(percent int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	p.received += int64(n)
	for _, pct := range p.deciles.Advance(p.received) {
		p.report(pct)
	}
	return n, err
}

type nopReporter struct{}

func (nopReporter) PartStarted(int, string) {}
func (nopReporter) Progress(int, int)       {}
func (nopReporter) PartFinished(Part)       {}
func (nopReporter) SentinelRemoved(Part)    {}
