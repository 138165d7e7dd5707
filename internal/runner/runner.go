// Package runner sequences one fetch run: sign in, pick a title, observe the
// media request, then download its parts. The browser driver is released on
// every path out of Run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"libbyfetch/internal/archive"
	"libbyfetch/internal/auth"
	"libbyfetch/internal/browser"
	"libbyfetch/internal/catalog"
	"libbyfetch/internal/config"
	"libbyfetch/internal/fault"
	"libbyfetch/internal/observer"
	"libbyfetch/internal/recorder"
	"libbyfetch/internal/retrieval"
)

// Driver is the browser session used for the interactive phases.
type Driver interface {
	Interview() auth.Interview
	Shelf() catalog.Shelf
	CaptureRequests(ctx context.Context) observer.Feed
	Close() error
}

// LaunchFunc opens the institution page in a fresh browser session.
type LaunchFunc func(ctx context.Context, cfg config.Config, url string, logger *zap.Logger) (Driver, error)

// Uploader publishes the retained parts of a title.
type Uploader interface {
	Upload(ctx context.Context, stem string, files []string) ([]string, error)
}

// Options override the runner's collaborators. Zero values use the real
// browser, HTTP and S3 implementations with the process's stdin and stdout.
type Options struct {
	Launch   LaunchFunc
	Source   retrieval.PartSource
	Archiver func(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (Uploader, error)
	Stdin    io.Reader
	Stdout   io.Writer
	// Classifier overrides the default prompt rules.
	Classifier auth.Classifier
}

// Summary describes a completed run.
type Summary struct {
	RunID     string
	Title     string
	Stem      string
	Result    retrieval.Result
	Keys      []string
	TracePath string
}

// Runner owns the configuration and collaborators of a run.
type Runner struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger
}

// DefaultLaunch starts Chrome through go-rod.
func DefaultLaunch(ctx context.Context, cfg config.Config, url string, logger *zap.Logger) (Driver, error) {
	d, err := browser.Launch(ctx, cfg, url, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func defaultArchiver(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (Uploader, error) {
	u, err := archive.NewS3(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func New(cfg config.Config, opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Launch == nil {
		opts.Launch = DefaultLaunch
	}
	if opts.Archiver == nil {
		opts.Archiver = defaultArchiver
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return &Runner{cfg: cfg, opts: opts, logger: logger}
}

// Run performs one fetch. The returned error is classified with fault kinds.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}
	logger := r.logger.With(zap.String("run_id", summary.RunID))

	rec := r.startTrace(summary.RunID, logger)
	defer rec.Close()
	summary.TracePath = rec.Path()

	err := r.guarded(ctx, logger, rec, &summary)
	if err != nil {
		kind := fault.KindOf(err)
		rec.Log(recorder.EventRunFailed, map[string]any{"kind": kind, "error": err.Error()})
		if kind == fault.KindUnclassified {
			logger.Error("run failed", zap.String("type", fmt.Sprintf("%T", rootCause(err))), zap.Error(err))
		} else {
			logger.Error("run failed", zap.String("kind", string(kind)), zap.Error(err))
		}
		return summary, err
	}

	rec.Log(recorder.EventRunFinished, map[string]any{
		"title":            summary.Title,
		"parts_downloaded": summary.Result.PartsDownloaded,
	})
	logger.Info("run finished",
		zap.String("title", summary.Title),
		zap.Int("parts", summary.Result.PartsDownloaded))
	return summary, nil
}

// startTrace opens the run's trace. Tracing problems never fail a run.
func (r *Runner) startTrace(runID string, logger *zap.Logger) *recorder.Recorder {
	if !r.cfg.Trace.Enabled {
		return nil
	}
	rec, err := recorder.NewRecorder(r.cfg.Trace.Dir)
	if err != nil {
		logger.Warn("trace disabled", zap.Error(err))
		return nil
	}
	if err := rec.Start(runID); err != nil {
		logger.Warn("trace disabled", zap.Error(err))
		return nil
	}
	return rec
}

// guarded turns a panic in any collaborator into an unclassified fault. The
// deferred driver release in run has already happened by the time it recovers.
func (r *Runner) guarded(ctx context.Context, logger *zap.Logger, rec *recorder.Recorder, summary *Summary) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("unexpected panic",
				zap.String("type", fmt.Sprintf("%T", p)),
				zap.Any("value", p),
				zap.Stack("stack"))
			err = fault.New("run", fault.KindUnclassified, fmt.Errorf("panic: %v", p))
		}
	}()
	return r.run(ctx, logger, rec, summary)
}

func (r *Runner) run(ctx context.Context, logger *zap.Logger, rec *recorder.Recorder, summary *Summary) error {
	creds, err := config.LoadCredentials(r.cfg.Library.CredentialsFile)
	if err != nil {
		return fault.New("credentials", fault.KindConfig, err)
	}

	source := r.opts.Source
	if source == nil {
		s, err := retrieval.NewHTTPSource(r.cfg.Download)
		if err != nil {
			return err
		}
		source = s
	}

	url := r.cfg.Library.InstitutionURL(creds.InstitutionID)
	rec.Log(recorder.EventRunStarted, map[string]any{
		"institution": creds.InstitutionID,
		"url":         url,
		"pin":         creds.HasPIN(),
	})
	logger.Info("opening library", zap.String("institution", creds.InstitutionID))

	driver, err := r.opts.Launch(ctx, r.cfg, url, logger)
	if err != nil {
		return phaseFault(ctx, "launch", fault.KindUnclassified, fmt.Errorf("starting browser: %w", err))
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logger.Warn("browser shutdown", zap.Error(err))
		}
	}()

	target, title, err := r.browse(ctx, logger, rec, driver, creds)
	if err != nil {
		return err
	}
	// Everything left is plain HTTP.
	if err := driver.Close(); err != nil {
		logger.Warn("browser shutdown", zap.Error(err))
	}

	summary.Title = title
	summary.Stem = catalog.Stem(title)

	reporter := retrieval.Reporters{
		retrieval.NewConsoleReporter(r.opts.Stdout),
		traceReporter{rec: rec},
	}
	engine := retrieval.NewEngine(source, r.cfg.Download.Dir, reporter, logger)
	result, err := engine.Run(ctx, target, summary.Stem)
	summary.Result = result
	if err != nil {
		return err
	}

	if !r.cfg.Archive.Enabled || len(result.Parts) == 0 {
		return nil
	}
	uploader, err := r.opts.Archiver(ctx, r.cfg.Archive, logger)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(result.Parts))
	for _, p := range result.Parts {
		files = append(files, p.Path)
	}
	keys, err := uploader.Upload(ctx, summary.Stem, files)
	summary.Keys = keys
	if err != nil {
		return err
	}
	rec.Log(recorder.EventArchived, map[string]any{"bucket": r.cfg.Archive.Bucket, "keys": keys})
	return nil
}

// browse runs the phases that need the browser and returns the media target
// of the chosen title.
func (r *Runner) browse(ctx context.Context, logger *zap.Logger, rec *recorder.Recorder, driver Driver, creds config.Credentials) (observer.Target, string, error) {
	opts := auth.OptionsFromConfig(r.cfg.Interview)
	opts.OnState = func(s auth.State) {
		rec.Log(recorder.EventAuthState, map[string]any{"state": s})
	}
	outcome, err := auth.NewMachine(driver.Interview(), r.opts.Classifier, opts, logger).Run(ctx, creds)
	if err != nil {
		return observer.Target{}, "", err
	}
	logger.Info("signed in", zap.Int("retries", outcome.Retries))

	shelf := driver.Shelf()
	entries, err := shelf.List(ctx)
	if err != nil {
		return observer.Target{}, "", phaseFault(ctx, "shelf", fault.KindUITimeout, err)
	}
	logger.Debug("shelf listed", zap.Int("titles", len(entries)))

	choice, err := catalog.Choose(r.opts.Stdin, r.opts.Stdout, entries)
	if err != nil {
		return observer.Target{}, "", err
	}
	rec.Log(recorder.EventTitleSelected, map[string]any{"title": choice.Title})

	// Capture must be running before the click that triggers the media request.
	feed := driver.CaptureRequests(ctx)
	if err := shelf.Open(ctx, choice); err != nil {
		return observer.Target{}, "", phaseFault(ctx, "open", fault.KindUITimeout, err)
	}

	target, err := observer.New(feed, r.cfg.Observer, logger).Wait(ctx)
	if err != nil {
		return observer.Target{}, "", err
	}
	rec.Log(recorder.EventTargetFound, map[string]any{
		"template": target.URLTemplate,
		"cookie":   target.Cookie != "",
	})
	return target, choice.Title, nil
}

// phaseFault classifies err, preferring cancellation when ctx is done.
func phaseFault(ctx context.Context, op string, kind fault.Kind, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fault.New(op, fault.KindCanceled, err)
	}
	return fault.New(op, kind, err)
}

// rootCause returns the innermost error of a wrap chain.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// traceReporter records finished parts and the sentinel in the run trace.
type traceReporter struct {
	rec *recorder.Recorder
}

func (t traceReporter) PartStarted(int, string) {}

func (t traceReporter) Progress(int, int) {}

func (t traceReporter) PartFinished(p retrieval.Part) {
	t.rec.Log(recorder.EventPartFinished, map[string]any{"index": p.Index, "size": p.Size, "path": p.Path})
}

func (t traceReporter) SentinelRemoved(p retrieval.Part) {
	t.rec.Log(recorder.EventPartSentinel, map[string]any{"index": p.Index, "size": p.Size})
}
