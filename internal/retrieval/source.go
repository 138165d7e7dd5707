package retrieval

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"golang.org/x/time/rate"

	"libbyfetch/internal/config"
	"libbyfetch/internal/fault"
)

// The media server only answers requests that look like the web player's,
// so both the TLS fingerprint and the header order follow Firefox.
var (
	clientProfile = profiles.Firefox_132

	headerOrder = []string{
		"User-Agent",
		"Accept",
		"Accept-Language",
		"Range",
		"DNT",
		"Connection",
		"Sec-Fetch-Dest",
		"Sec-Fetch-Mode",
		"Sec-Fetch-Site",
		"Sec-GPC",
		"Accept-Encoding",
		"Priority",
		"TE",
		"Cookie",
	}

	pseudoHeaderOrder = []string{":method", ":path", ":authority", ":scheme"}
)

// HTTPSource fetches parts over HTTP(S).
type HTTPSource struct {
	client    tls_client.HttpClient
	userAgent string
	limiter   *rate.Limiter
}

// NewHTTPSource builds a client from download settings. A configured CA
// bundle that cannot be read is a config fault.
func NewHTTPSource(cfg config.DownloadConfig) (*HTTPSource, error) {
	// Accept-Encoding is set explicitly, so the transport must not add gzip.
	transport := &tls_client.TransportOptions{DisableCompression: true}
	if cfg.CABundle != "" {
		pem, err := os.ReadFile(cfg.CABundle)
		if err != nil {
			return nil, fault.New("download", fault.KindConfig, fmt.Errorf("reading CA bundle: %w", err))
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fault.Errorf("download", fault.KindConfig, "no certificates in CA bundle %s", cfg.CABundle)
		}
		transport.RootCAs = pool
	}

	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(),
		tls_client.WithClientProfile(clientProfile),
		tls_client.WithTimeoutSeconds(int(cfg.GetRequestTimeout()/time.Second)),
		tls_client.WithTransportOptions(transport),
	)
	if err != nil {
		return nil, fault.New("download", fault.KindConfig, fmt.Errorf("building HTTP client: %w", err))
	}

	src := &HTTPSource{
		client:    client,
		userAgent: cfg.UserAgent,
	}
	if bps := cfg.BytesPerSecond(); bps > 0 {
		src.limiter = rate.NewLimiter(rate.Limit(bps), int(bps))
	}
	return src, nil
}

// requestHeader returns the player's headers with their exact casing and order.
func (s *HTTPSource) requestHeader(cookie string) http.Header {
	h := http.Header{
		"Accept":          {"audio/webm,audio/ogg,audio/wav,audio/*;q=0.9,application/ogg;q=0.7,video/*;q=0.6,*/*;q=0.5"},
		"Accept-Language": {"en-US,en;q=0.5"},
		"Range":           {"bytes=0-"},
		"DNT":             {"1"},
		"Connection":      {"keep-alive"},
		"Sec-Fetch-Dest":  {"audio"},
		"Sec-Fetch-Mode":  {"cors"},
		"Sec-Fetch-Site":  {"same-origin"},
		"Sec-GPC":         {"1"},
		"Accept-Encoding": {"identity"},
		"Priority":        {"u=4"},
		"TE":              {"trailers"},

		http.HeaderOrderKey:  headerOrder,
		http.PHeaderOrderKey: pseudoHeaderOrder,
	}
	if s.userAgent != "" {
		h["User-Agent"] = []string{s.userAgent}
	}
	if cookie != "" {
		h["Cookie"] = []string{cookie}
	}
	return h
}

// Open issues the GET for one part. Redirects are followed; a final status
// outside 2xx is an error.
func (s *HTTPSource) Open(ctx context.Context, url, cookie string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header = s.requestHeader(cookie)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body := resp.Body
	if s.limiter != nil {
		body = &rateLimitedReader{ReadCloser: resp.Body, limiter: s.limiter, ctx: ctx}
	}
	return &Stream{Body: body, Length: resp.ContentLength}, nil
}

type rateLimitedReader struct {
	io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	// WaitN rejects requests above the burst size.
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
