package browser

import (
	"context"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"libbyfetch/internal/observer"
)

// RequestLog records outbound requests of a page. The ExtraInfo event carries
// the headers the network stack actually sent, Cookie included, and is merged
// into the request with the same id.
type RequestLog struct {
	page   *rod.Page
	cancel context.CancelFunc

	mu      sync.Mutex
	entries []*observer.Request
	byID    map[string]*observer.Request
	extra   map[string]map[string]string
	cursor  int
}

// NewRequestLog subscribes to the page's network events until Close.
func NewRequestLog(ctx context.Context, page *rod.Page) *RequestLog {
	ctx, cancel := context.WithCancel(ctx)
	l := &RequestLog{
		page:   page,
		cancel: cancel,
		byID:   make(map[string]*observer.Request),
		extra:  make(map[string]map[string]string),
	}

	wait := page.Context(ctx).EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil {
				return
			}
			l.add(string(ev.RequestID), ev.Request.Method, ev.Request.URL, headerMap(ev.Request.Headers))
		},
		func(ev *proto.NetworkRequestWillBeSentExtraInfo) {
			l.merge(string(ev.RequestID), headerMap(ev.Headers))
		},
	)
	go wait()
	return l
}

func headerMap(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.Str()
	}
	return out
}

func (l *RequestLog) add(id, method, url string, headers map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Redirects reuse the request id; the latest hop wins.
	if req, ok := l.byID[id]; ok {
		req.Method, req.URL = method, url
		mergeHeaders(req.Headers, headers)
		return
	}
	req := &observer.Request{ID: id, Method: method, URL: url, Headers: headers}
	if extra, ok := l.extra[id]; ok {
		mergeHeaders(req.Headers, extra)
		delete(l.extra, id)
	}
	l.byID[id] = req
	l.entries = append(l.entries, req)
}

func (l *RequestLog) merge(id string, headers map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if req, ok := l.byID[id]; ok {
		mergeHeaders(req.Headers, headers)
		return
	}
	// ExtraInfo may arrive before the request itself.
	if pending, ok := l.extra[id]; ok {
		mergeHeaders(pending, headers)
		return
	}
	l.extra[id] = headers
}

func mergeHeaders(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

// Drain returns copies of the requests recorded since the previous call.
func (l *RequestLog) Drain() []observer.Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cursor >= len(l.entries) {
		return nil
	}
	out := make([]observer.Request, 0, len(l.entries)-l.cursor)
	for _, req := range l.entries[l.cursor:] {
		cp := *req
		cp.Headers = make(map[string]string, len(req.Headers))
		mergeHeaders(cp.Headers, req.Headers)
		out = append(out, cp)
	}
	l.cursor = len(l.entries)
	return out
}

// Cookies reads the browser's cookie jar for url as a Cookie header value.
func (l *RequestLog) Cookies(ctx context.Context, url string) (string, error) {
	res, err := proto.NetworkGetCookies{Urls: []string{url}}.Call(l.page.Context(ctx))
	if err != nil {
		return "", err
	}
	return cookieHeader(res.Cookies), nil
}

func cookieHeader(cookies []*proto.NetworkCookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Close stops the subscription.
func (l *RequestLog) Close() {
	l.cancel()
}
