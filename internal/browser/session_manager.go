// Package browser adapts go-rod to the sign-in, shelf and request-capture
// capabilities used by a fetch run.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"libbyfetch/internal/config"
)

// Manager owns the Chrome instance for one run.
type Manager struct {
	cfg      config.BrowserConfig
	logger   *zap.Logger
	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	pages    []*rod.Page
}

func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger.Named("browser")}
}

// launchFlag splits a raw "--name=value" entry into a rod flag.
func launchFlag(raw string) (flags.Flag, string, bool) {
	name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
	return flags.Flag(name), val, hasVal
}

func (m *Manager) newLauncher(bin string) *launcher.Launcher {
	l := launcher.New().
		Headless(m.cfg.IsHeadless()).
		Set("lang", "en-US").
		Set("disable-blink-features", "AutomationControlled").
		Set("exclude-switches", "enable-automation").
		Set("use-automation-extension", "false")
	if bin != "" {
		l = l.Bin(bin)
	}
	if len(m.cfg.Launch) > 1 {
		for _, raw := range m.cfg.Launch[1:] {
			name, val, hasVal := launchFlag(raw)
			if hasVal {
				l = l.Set(name, val)
			} else {
				l = l.Set(name)
			}
		}
	}
	return l
}

// Start connects to debugger_url or launches Chrome. The configured binary is
// tried first, then a system install, then rod's managed download.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		return errors.New("browser already started")
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		bin := ""
		if len(m.cfg.Launch) > 0 {
			bin = m.cfg.Launch[0]
		} else if path, found := launcher.LookPath(); found {
			bin = path
		}

		l := m.newLauncher(bin)
		u, err := l.Launch()
		if err != nil {
			m.logger.Warn("launching chrome failed, falling back to managed browser", zap.String("bin", bin), zap.Error(err))
			l.Kill()
			l = m.newLauncher("")
			alt, altErr := l.Launch()
			if altErr != nil {
				l.Kill()
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			u = alt
		}
		m.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		m.killLocked()
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.logger.Debug("browser connected", zap.String("control_url", controlURL))
	return nil
}

// NewPage opens url in a fresh incognito context.
func (m *Manager) NewPage(ctx context.Context, url string) (*rod.Page, error) {
	m.mu.Lock()
	browser := m.browser
	m.mu.Unlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	m.mu.Lock()
	m.pages = append(m.pages, page)
	m.mu.Unlock()

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("failed to set viewport", zap.Error(err))
	}

	if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}
	return page, nil
}

// Shutdown closes pages and the browser, and kills a launched process.
// It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	err := m.closeLocked(ctx)
	m.logger.Debug("browser shutdown complete")
	return err
}

// closeLocked uses ctx rather than the Start context, which may already be
// canceled when an interrupted run cleans up.
func (m *Manager) closeLocked(ctx context.Context) error {
	for _, p := range m.pages {
		_ = p.Context(ctx).Close()
	}
	m.pages = nil

	var err error
	if m.browser != nil {
		err = m.browser.Context(ctx).Close()
		m.browser = nil
	}
	m.killLocked()
	return err
}

func (m *Manager) killLocked() {
	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher.Cleanup()
		m.launcher = nil
	}
}
