package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCredentialsFile is the one-line credentials file read at startup.
const DefaultCredentialsFile = "library_card_config.txt"

// Config captures all tunable settings for a fetch run.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Browser   BrowserConfig   `yaml:"browser"`
	Library   LibraryConfig   `yaml:"library"`
	Interview InterviewConfig `yaml:"interview"`
	Observer  ObserverConfig  `yaml:"observer"`
	Download  DownloadConfig  `yaml:"download"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Trace     TraceConfig     `yaml:"trace"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Optional JSON log file (rotated). Empty logs to stderr only.
	LogFile string `yaml:"log_file"`
	Verbose bool   `yaml:"verbose"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Takes precedence over launching.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional Chrome binary followed by extra flags (e.g., ["chromium", "--lang=en-US"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Navigation timeout for page loads (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	ViewportWidth            int    `yaml:"viewport_width"`
	ViewportHeight           int    `yaml:"viewport_height"`
}

// LibraryConfig locates the lending application and the credentials file.
type LibraryConfig struct {
	BaseURL         string `yaml:"base_url"`
	CredentialsFile string `yaml:"credentials_file"`
	// How long to wait for the loans shelf heading to render.
	ShelfTimeout string `yaml:"shelf_timeout"`
	// Pause after the shelf renders so the fade-in animation completes.
	ShelfSettle string `yaml:"shelf_settle"`
}

// InterviewConfig bounds the sign-in interview.
type InterviewConfig struct {
	SignInTimeout string `yaml:"sign_in_timeout"`
	FieldTimeout  string `yaml:"field_timeout"`
	PromptTimeout string `yaml:"prompt_timeout"`
	// Pause between typing into a field and submitting it.
	SettleDelay string `yaml:"settle_delay"`
	RetryPause  string `yaml:"retry_pause"`
	MaxRetries  int    `yaml:"max_retries"`
	// Upper bound on verification prompts of any kind, confirmations included.
	MaxSteps int `yaml:"max_steps"`
}

// ObserverConfig controls media request discovery.
type ObserverConfig struct {
	Marker       string `yaml:"marker"`
	PollInterval string `yaml:"poll_interval"`
	Timeout      string `yaml:"timeout"`
}

// DownloadConfig controls the part download loop.
type DownloadConfig struct {
	Dir string `yaml:"dir"`
	// PEM bundle used as TLS root pool. Empty uses the system roots.
	CABundle       string `yaml:"ca_bundle"`
	RequestTimeout string `yaml:"request_timeout"`
	// Optional bandwidth cap such as "500K" or "2M" (bytes per second).
	BandwidthLimit string `yaml:"bandwidth_limit"`
	UserAgent      string `yaml:"user_agent"`
}

// ArchiveConfig configures optional upload of retained parts to S3.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// TraceConfig controls the per-run JSONL trace.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// DefaultConfig provides the settings observed to work against the live application.
func DefaultConfig() Config {
	return Config{
		App: AppConfig{
			Name:    "libbyfetch",
			Version: "0.3.0",
		},
		Browser: BrowserConfig{
			DefaultNavigationTimeout: "15s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Library: LibraryConfig{
			BaseURL:         "https://libbyapp.com",
			CredentialsFile: DefaultCredentialsFile,
			ShelfTimeout:    "15s",
			ShelfSettle:     "2s",
		},
		Interview: InterviewConfig{
			SignInTimeout: "20s",
			FieldTimeout:  "10s",
			PromptTimeout: "10s",
			SettleDelay:   "1s",
			RetryPause:    "5s",
			MaxRetries:    3,
			MaxSteps:      16,
		},
		Observer: ObserverConfig{
			Marker:       "Fmt425-Part",
			PollInterval: "2s",
			Timeout:      "60s",
		},
		Download: DownloadConfig{
			Dir:            ".",
			CABundle:       "/etc/ssl/certs/ca-certificates.crt",
			RequestTimeout: "30m",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:132.0) Gecko/20100101 Firefox/132.0",
		},
		Trace: TraceConfig{
			Enabled: true,
			Dir:     "data/traces",
		},
	}
}

// Load reads YAML settings from disk and overlays defaults. An empty path
// yields the defaults; a named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

var bandwidthPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([KMG]?)B?$`)

// ParseBandwidth converts strings such as "500K", "2M" or "1.5G" to bytes per second.
// An empty string means unlimited and yields 0.
func ParseBandwidth(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	m := bandwidthPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid bandwidth limit %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth limit %q: %w", s, err)
	}
	switch m[2] {
	case "K":
		value *= 1 << 10
	case "M":
		value *= 1 << 20
	case "G":
		value *= 1 << 30
	}
	if value < 1 {
		return 0, fmt.Errorf("bandwidth limit %q is below 1 byte/s", s)
	}
	return int64(value), nil
}

// Validate ensures required fields exist so the run can start deterministically.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app.name is required")
	}
	if c.Library.BaseURL == "" {
		return errors.New("library.base_url is required")
	}
	if c.Library.CredentialsFile == "" {
		return errors.New("library.credentials_file is required")
	}
	if c.Observer.Marker == "" {
		return errors.New("observer.marker is required")
	}
	if c.Interview.MaxRetries < 1 {
		return errors.New("interview.max_retries must be at least 1")
	}
	if c.Interview.MaxSteps <= c.Interview.MaxRetries {
		return errors.New("interview.max_steps must exceed interview.max_retries")
	}

	durations := map[string]string{
		"browser.default_navigation_timeout": c.Browser.DefaultNavigationTimeout,
		"library.shelf_timeout":              c.Library.ShelfTimeout,
		"library.shelf_settle":               c.Library.ShelfSettle,
		"interview.sign_in_timeout":          c.Interview.SignInTimeout,
		"interview.field_timeout":            c.Interview.FieldTimeout,
		"interview.prompt_timeout":           c.Interview.PromptTimeout,
		"interview.settle_delay":             c.Interview.SettleDelay,
		"interview.retry_pause":              c.Interview.RetryPause,
		"observer.poll_interval":             c.Observer.PollInterval,
		"observer.timeout":                   c.Observer.Timeout,
		"download.request_timeout":           c.Download.RequestTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if _, err := ParseBandwidth(c.Download.BandwidthLimit); err != nil {
		return fmt.Errorf("download.bandwidth_limit: %w", err)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required when archive is enabled")
	}
	return nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return durationOr(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// InstitutionURL is the landing page for a library code.
func (l LibraryConfig) InstitutionURL(institutionID string) string {
	return strings.TrimRight(l.BaseURL, "/") + "/library/" + institutionID
}

// LoansURL lists the audiobooks currently on loan.
func (l LibraryConfig) LoansURL() string {
	return strings.TrimRight(l.BaseURL, "/") + "/shelf/loans/default,audiobook"
}

func (l LibraryConfig) GetShelfTimeout() time.Duration {
	return durationOr(l.ShelfTimeout, 15*time.Second)
}

func (l LibraryConfig) GetShelfSettle() time.Duration {
	return durationOr(l.ShelfSettle, 2*time.Second)
}

func (i InterviewConfig) GetSignInTimeout() time.Duration {
	return durationOr(i.SignInTimeout, 20*time.Second)
}

func (i InterviewConfig) GetFieldTimeout() time.Duration {
	return durationOr(i.FieldTimeout, 10*time.Second)
}

func (i InterviewConfig) GetPromptTimeout() time.Duration {
	return durationOr(i.PromptTimeout, 10*time.Second)
}

func (i InterviewConfig) GetSettleDelay() time.Duration {
	return durationOr(i.SettleDelay, time.Second)
}

func (i InterviewConfig) GetRetryPause() time.Duration {
	return durationOr(i.RetryPause, 5*time.Second)
}

func (o ObserverConfig) GetPollInterval() time.Duration {
	return durationOr(o.PollInterval, 2*time.Second)
}

func (o ObserverConfig) GetTimeout() time.Duration {
	return durationOr(o.Timeout, 60*time.Second)
}

func (d DownloadConfig) GetRequestTimeout() time.Duration {
	return durationOr(d.RequestTimeout, 30*time.Minute)
}

// BytesPerSecond returns the bandwidth cap, or 0 when unlimited.
func (d DownloadConfig) BytesPerSecond() int64 {
	n, err := ParseBandwidth(d.BandwidthLimit)
	if err != nil {
		return 0
	}
	return n
}
