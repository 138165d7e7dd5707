package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"libbyfetch/internal/auth"
	"libbyfetch/internal/catalog"
	"libbyfetch/internal/config"
	"libbyfetch/internal/fault"
	"libbyfetch/internal/observer"
	"libbyfetch/internal/retrieval"
)

const mediaURL = "https://dewey.test/odm/Fmt425-Part01.mp3?a=1"

type fakeInterview struct {
	landErr error
	prompts []string
	// broken makes NextPrompt write to a nil map.
	broken bool
}

func (f *fakeInterview) LocateSignIn(context.Context) (auth.Prompt, error) {
	if f.landErr != nil {
		return auth.Prompt{}, f.landErr
	}
	return auth.Prompt{Text: "Let's sign in.", Actionable: true}, nil
}

func (f *fakeInterview) Activate(context.Context) error                 { return nil }
func (f *fakeInterview) SubmitCardNumber(context.Context, string) error { return nil }
func (f *fakeInterview) SubmitPIN(context.Context, string) error        { return nil }

func (f *fakeInterview) NextPrompt(context.Context) (auth.Prompt, error) {
	if f.broken {
		var seen map[string]bool
		seen["prompt"] = true
	}
	if len(f.prompts) == 0 {
		return auth.Prompt{}, errors.New("no answer button")
	}
	p := f.prompts[0]
	f.prompts = f.prompts[1:]
	return auth.Prompt{Text: p, Actionable: true}, nil
}

type fakeFeed struct {
	mu      sync.Mutex
	pending []observer.Request
}

func (f *fakeFeed) push(r observer.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, r)
}

func (f *fakeFeed) Drain() []observer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeFeed) Cookies(context.Context, string) (string, error) { return "fallback=1", nil }

type fakeShelf struct {
	entries []catalog.Entry
	listErr error
	feed    *fakeFeed
	silent  bool
	opened  []catalog.Entry
}

func (s *fakeShelf) List(context.Context) ([]catalog.Entry, error) {
	return s.entries, s.listErr
}

func (s *fakeShelf) Open(_ context.Context, e catalog.Entry) error {
	s.opened = append(s.opened, e)
	if !s.silent {
		s.feed.push(observer.Request{ID: "1", Method: "GET", URL: "https://libbyapp.com/cover.jpg"})
		s.feed.push(observer.Request{ID: "2", Method: "GET", URL: mediaURL, Headers: map[string]string{"cookie": "sid=abc"}})
	}
	return nil
}

type fakeDriver struct {
	interview *fakeInterview
	shelf     *fakeShelf
	feed      *fakeFeed
	closes    int
	captured  bool
}

func (d *fakeDriver) Interview() auth.Interview { return d.interview }
func (d *fakeDriver) Shelf() catalog.Shelf      { return d.shelf }

func (d *fakeDriver) CaptureRequests(context.Context) observer.Feed {
	d.captured = true
	return d.feed
}

func (d *fakeDriver) Close() error {
	d.closes++
	return nil
}

func newFakeDriver() *fakeDriver {
	feed := &fakeFeed{}
	return &fakeDriver{
		interview: &fakeInterview{prompts: []string{"Okay, you're signed in."}},
		shelf: &fakeShelf{
			entries: []catalog.Entry{{Title: "First Book", Handle: 0}, {Title: "My Second Book", Handle: 1}},
			feed:    feed,
		},
		feed: feed,
	}
}

// partSource serves parts of the given sizes, then a one-byte sentinel.
type partSource struct {
	sizes   []int
	failAt  int
	urls    []string
	cookies []string
}

func (p *partSource) Open(_ context.Context, url, cookie string) (*retrieval.Stream, error) {
	p.urls = append(p.urls, url)
	p.cookies = append(p.cookies, cookie)
	n := len(p.urls)
	if p.failAt == n {
		return nil, fmt.Errorf("unexpected status 403 Forbidden")
	}
	size := 1
	if n <= len(p.sizes) {
		size = p.sizes[n-1]
	}
	body := bytes.Repeat([]byte{'x'}, size)
	return &retrieval.Stream{Body: io.NopCloser(bytes.NewReader(body)), Length: int64(size)}, nil
}

type fakeUploader struct {
	err   error
	stem  string
	files []string
}

func (u *fakeUploader) Upload(_ context.Context, stem string, files []string) ([]string, error) {
	u.stem = stem
	u.files = files
	if u.err != nil {
		return nil, u.err
	}
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = "books/" + stem + "/" + filepath.Base(f)
	}
	return keys, nil
}

type harness struct {
	cfg       config.Config
	driver    *fakeDriver
	source    *partSource
	uploader  *fakeUploader
	stdout    *bytes.Buffer
	stdin     string
	launched  int
	launchErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	credsPath := filepath.Join(dir, "card.txt")
	if err := os.WriteFile(credsPath, []byte("lapl,12345\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Library.CredentialsFile = credsPath
	cfg.Interview.RetryPause = "1ms"
	cfg.Observer.PollInterval = "5ms"
	cfg.Observer.Timeout = "200ms"
	cfg.Download.Dir = filepath.Join(dir, "out")
	cfg.Trace.Dir = filepath.Join(dir, "traces")

	return &harness{
		cfg:      cfg,
		driver:   newFakeDriver(),
		source:   &partSource{sizes: []int{2048, 1024}},
		uploader: &fakeUploader{},
		stdout:   &bytes.Buffer{},
		stdin:    "2\n",
	}
}

func (h *harness) run(ctx context.Context) (Summary, error) {
	r := New(h.cfg, Options{
		Launch: func(ctx context.Context, cfg config.Config, url string, logger *zap.Logger) (Driver, error) {
			h.launched++
			if h.launchErr != nil {
				return nil, h.launchErr
			}
			if url != "https://libbyapp.com/library/lapl" {
				return nil, fmt.Errorf("unexpected url %s", url)
			}
			return h.driver, nil
		},
		Source: h.source,
		Archiver: func(context.Context, config.ArchiveConfig, *zap.Logger) (Uploader, error) {
			return h.uploader, nil
		},
		Stdin:  strings.NewReader(h.stdin),
		Stdout: h.stdout,
	}, nil)
	return r.Run(ctx)
}

func TestRunDownloadsChosenTitle(t *testing.T) {
	h := newHarness(t)
	summary, err := h.run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Title != "My Second Book" || summary.Stem != "My_Second_Book" {
		t.Errorf("unexpected title/stem %q/%q", summary.Title, summary.Stem)
	}
	if summary.Result.PartsDownloaded != 2 || len(summary.Result.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %+v", summary.Result)
	}
	if summary.RunID == "" {
		t.Error("expected a run id")
	}
	if h.driver.closes == 0 {
		t.Error("driver was not closed")
	}
	if !h.driver.captured {
		t.Error("request capture was never started")
	}

	wantURLs := []string{
		"https://dewey.test/odm/Fmt425-Part01.mp3?a=1",
		"https://dewey.test/odm/Fmt425-Part02.mp3?a=1",
		"https://dewey.test/odm/Fmt425-Part03.mp3?a=1",
	}
	if strings.Join(h.source.urls, " ") != strings.Join(wantURLs, " ") {
		t.Errorf("unexpected urls %v", h.source.urls)
	}
	for _, c := range h.source.cookies {
		if c != "sid=abc" {
			t.Errorf("expected request cookie, got %q", c)
		}
	}

	for i, size := range []int64{2048, 1024} {
		p := retrieval.PartPath(h.cfg.Download.Dir, "My_Second_Book", i+1)
		info, err := os.Stat(p)
		if err != nil || info.Size() != size {
			t.Errorf("part %d: stat %v size %v", i+1, err, info)
		}
	}
	if _, err := os.Stat(retrieval.PartPath(h.cfg.Download.Dir, "My_Second_Book", 3)); !os.IsNotExist(err) {
		t.Errorf("sentinel should be removed, stat err %v", err)
	}

	out := h.stdout.String()
	for _, want := range []string{"1. First Book", "2. My Second Book", catalog.Prompt, "Fetch completed.  2 files downloaded."} {
		if !strings.Contains(out, want) {
			t.Errorf("stdout missing %q:\n%s", want, out)
		}
	}
	if h.uploader.files != nil {
		t.Error("archive disabled but uploader was called")
	}

	trace, err := os.ReadFile(summary.TracePath)
	if err != nil {
		t.Fatalf("reading trace: %v", err)
	}
	for _, event := range []string{"run.started", "auth.state", "catalog.selected", "observer.target", "part.finished", "part.sentinel", "run.finished"} {
		if !strings.Contains(string(trace), `"`+event+`"`) {
			t.Errorf("trace missing %s", event)
		}
	}
}

func TestRunArchivesParts(t *testing.T) {
	h := newHarness(t)
	h.cfg.Archive.Enabled = true
	h.cfg.Archive.Bucket = "books"

	summary, err := h.run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.uploader.stem != "My_Second_Book" || len(h.uploader.files) != 2 {
		t.Fatalf("unexpected upload %q %v", h.uploader.stem, h.uploader.files)
	}
	if len(summary.Keys) != 2 || summary.Keys[0] != "books/My_Second_Book/My_Second_Book_Part01.mp3" {
		t.Errorf("unexpected keys %v", summary.Keys)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		kind       fault.Kind
		wantLaunch bool
	}{
		{
			name:  "missing credentials",
			setup: func(h *harness) { h.cfg.Library.CredentialsFile = filepath.Join(t.TempDir(), "nope.txt") },
			kind:  fault.KindConfig,
		},
		{
			name:       "browser does not start",
			setup:      func(h *harness) { h.launchErr = errors.New("chrome not found") },
			kind:       fault.KindUnclassified,
			wantLaunch: true,
		},
		{
			name:       "sign-in button missing",
			setup:      func(h *harness) { h.driver.interview.landErr = errors.New("timeout") },
			kind:       fault.KindUITimeout,
			wantLaunch: true,
		},
		{
			name:       "credentials rejected",
			setup:      func(h *harness) { h.driver.interview.prompts = []string{"We could not verify your card."} },
			kind:       fault.KindCredentialsRejected,
			wantLaunch: true,
		},
		{
			name:       "shelf not loaded",
			setup:      func(h *harness) { h.driver.shelf.listErr = errors.New("heading not found") },
			kind:       fault.KindUITimeout,
			wantLaunch: true,
		},
		{
			name:       "empty shelf",
			setup:      func(h *harness) { h.driver.shelf.entries = nil },
			kind:       fault.KindSelection,
			wantLaunch: true,
		},
		{
			name:       "choice out of range",
			setup:      func(h *harness) { h.stdin = "9\n" },
			kind:       fault.KindSelection,
			wantLaunch: true,
		},
		{
			name:       "media request never seen",
			setup:      func(h *harness) { h.driver.shelf.silent = true },
			kind:       fault.KindObserverTimeout,
			wantLaunch: true,
		},
		{
			name:       "part refused",
			setup:      func(h *harness) { h.source.failAt = 2 },
			kind:       fault.KindTransport,
			wantLaunch: true,
		},
		{
			name: "archive upload fails",
			setup: func(h *harness) {
				h.cfg.Archive.Enabled = true
				h.cfg.Archive.Bucket = "books"
				h.uploader.err = fault.Errorf("archive", fault.KindArchive, "access denied")
			},
			kind:       fault.KindArchive,
			wantLaunch: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			_, err := h.run(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := fault.KindOf(err); got != tt.kind {
				t.Errorf("expected kind %s, got %s (%v)", tt.kind, got, err)
			}
			if (h.launched > 0) != tt.wantLaunch {
				t.Errorf("launched=%d, wantLaunch=%v", h.launched, tt.wantLaunch)
			}
			if h.launched > 0 && h.launchErr == nil && h.driver.closes == 0 {
				t.Error("driver was not closed on failure")
			}
		})
	}
}

func TestRunPartFailureKeepsEarlierParts(t *testing.T) {
	h := newHarness(t)
	h.source.failAt = 2

	summary, err := h.run(context.Background())
	if !fault.Is(err, fault.KindTransport) {
		t.Fatalf("expected transport fault, got %v", err)
	}
	if summary.Result.PartsDownloaded != 1 {
		t.Errorf("expected 1 retained part, got %d", summary.Result.PartsDownloaded)
	}
	if _, err := os.Stat(retrieval.PartPath(h.cfg.Download.Dir, "My_Second_Book", 1)); err != nil {
		t.Errorf("first part should remain: %v", err)
	}
}

func TestRunCanceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.driver.shelf.listErr = context.Canceled
	cancel()

	_, err := h.run(ctx)
	if got := fault.ExitCode(err); got != fault.ExitInterrupted {
		t.Errorf("expected exit %d, got %d (%v)", fault.ExitInterrupted, got, err)
	}
	if h.driver.closes == 0 {
		t.Error("driver was not closed after cancellation")
	}
}

func TestRunWithoutTrace(t *testing.T) {
	h := newHarness(t)
	h.cfg.Trace.Enabled = false

	summary, err := h.run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TracePath != "" {
		t.Errorf("expected no trace, got %s", summary.TracePath)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.driver.interview.broken = true

	var (
		summary Summary
		err     error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				t.Fatalf("panic escaped Run: %v", p)
			}
		}()
		summary, err = h.run(context.Background())
	}()

	if !fault.Is(err, fault.KindUnclassified) {
		t.Fatalf("expected unclassified fault, got %v", err)
	}
	if fault.ExitCode(err) != fault.ExitUnclassified {
		t.Errorf("expected exit %d, got %d", fault.ExitUnclassified, fault.ExitCode(err))
	}
	if !strings.Contains(err.Error(), "nil map") {
		t.Errorf("expected panic value in message, got %v", err)
	}
	if h.driver.closes == 0 {
		t.Error("driver was not closed after panic")
	}
	trace, readErr := os.ReadFile(summary.TracePath)
	if readErr != nil {
		t.Fatalf("reading trace: %v", readErr)
	}
	if !strings.Contains(string(trace), `"run.failed"`) {
		t.Error("trace missing run.failed")
	}
}

func TestRootCause(t *testing.T) {
	base := os.ErrNotExist
	wrapped := fault.New("credentials", fault.KindConfig, fmt.Errorf("open card.txt: %w", base))
	if got := rootCause(wrapped); got != base {
		t.Errorf("expected innermost error, got %T %v", got, got)
	}

	plain := errors.New("boom")
	if got := rootCause(plain); got != plain {
		t.Errorf("expected error itself when nothing wraps, got %v", got)
	}
}
