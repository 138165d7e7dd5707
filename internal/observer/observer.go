// Package observer watches the browser's outbound requests for the first
// streamed media part of an opened title.
package observer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"libbyfetch/internal/config"
	"libbyfetch/internal/fault"
)

// PartToken stands in for the PartNN segment of a media URL.
const PartToken = "{part}"

// Request is one outbound request captured from the browser.
type Request struct {
	ID      string
	Method  string
	URL     string
	Headers map[string]string
}

// Header returns a header value by case-insensitive name.
func (r Request) Header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Feed supplies captured requests.
type Feed interface {
	// Drain returns the requests captured since the previous call.
	Drain() []Request
	// Cookies returns a Cookie header value for url from the browser's jar.
	Cookies(ctx context.Context, url string) (string, error)
}

// Matcher selects the media request.
type Matcher struct {
	Marker string
}

func (m Matcher) Match(r Request) bool {
	return strings.EqualFold(r.Method, "GET") && m.Marker != "" && strings.Contains(r.URL, m.Marker)
}

// Target is the session-scoped location of every part of a title.
type Target struct {
	URLTemplate string
	Cookie      string
}

// PartURL returns the URL of part n (1-based).
func (t Target) PartURL(n int) string {
	return strings.ReplaceAll(t.URLTemplate, PartToken, fmt.Sprintf("Part%02d", n))
}

var partPattern = regexp.MustCompile(`Part\d+`)

// NewTarget turns an observed part URL into a template. The PartNN segment
// belonging to the marker is replaced by PartToken.
func NewTarget(url, marker, cookie string) (Target, error) {
	idx := strings.Index(url, marker)
	if idx < 0 {
		return Target{}, fmt.Errorf("url does not contain marker %q", marker)
	}
	// Search from the start of "Part" inside the marker, if any.
	from := idx
	if p := strings.LastIndex(marker, "Part"); p >= 0 {
		from = idx + p
	}
	loc := partPattern.FindStringIndex(url[from:])
	if loc == nil {
		return Target{}, fmt.Errorf("no part number after marker %q in %s", marker, url)
	}
	start, end := from+loc[0], from+loc[1]
	return Target{
		URLTemplate: url[:start] + PartToken + url[end:],
		Cookie:      cookie,
	}, nil
}

// Observer polls a Feed until a request matches or the timeout elapses.
type Observer struct {
	feed     Feed
	matcher  Matcher
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates an observer from settings.
func New(feed Feed, cfg config.ObserverConfig, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		feed:     feed,
		matcher:  Matcher{Marker: cfg.Marker},
		interval: cfg.GetPollInterval(),
		timeout:  cfg.GetTimeout(),
		logger:   logger.Named("observer"),
	}
}

// Wait returns the first matching request as a Target. It gives up with an
// observer-timeout fault once the timeout elapses.
func (o *Observer) Wait(ctx context.Context) (Target, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.Info("retrieving audiobook url", zap.String("marker", o.matcher.Marker), zap.Duration("timeout", o.timeout))
	for {
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return Target{}, fault.New("observe", fault.KindCanceled, err)
			}
			return Target{}, fault.Errorf("observe", fault.KindObserverTimeout,
				"no request containing %q within %s", o.matcher.Marker, o.timeout)
		case <-ticker.C:
		}

		o.logger.Debug("waiting")
		for _, req := range o.feed.Drain() {
			if !o.matcher.Match(req) {
				continue
			}
			return o.target(ctx, req)
		}
	}
}

func (o *Observer) target(ctx context.Context, req Request) (Target, error) {
	cookie := req.Header("Cookie")
	if cookie == "" {
		c, err := o.feed.Cookies(ctx, req.URL)
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("reading cookies from browser", zap.Error(err))
		}
		cookie = c
	}
	if cookie == "" {
		o.logger.Warn("media request carries no cookie; downloads may be refused")
	}

	t, err := NewTarget(req.URL, o.matcher.Marker, cookie)
	if err != nil {
		return Target{}, fault.New("observe", fault.KindUnclassified, err)
	}
	o.logger.Info("found media request", zap.String("request_id", req.ID), zap.String("template", t.URLTemplate))
	return t, nil
}
