package browser

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"go.uber.org/zap"

	"libbyfetch/internal/auth"
	"libbyfetch/internal/catalog"
	"libbyfetch/internal/config"
	"libbyfetch/internal/observer"
)

const shutdownTimeout = 10 * time.Second

// Driver is a live browser page on the institution's site. It must be
// released with Close on every path.
type Driver struct {
	manager *Manager
	page    *rod.Page
	logger  *zap.Logger

	interview *Interview
	shelf     *Shelf

	mu        sync.Mutex
	requests  *RequestLog
	closeOnce sync.Once
	closeErr  error
}

// Launch starts Chrome and opens url in a new incognito page.
func Launch(ctx context.Context, cfg config.Config, url string, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := NewManager(cfg.Browser, logger)
	if err := manager.Start(ctx); err != nil {
		_ = manager.Shutdown(context.Background())
		return nil, err
	}

	page, err := manager.NewPage(ctx, url)
	if err != nil {
		_ = manager.Shutdown(context.Background())
		return nil, err
	}

	return &Driver{
		manager:   manager,
		page:      page,
		logger:    logger,
		interview: NewInterview(page, cfg.Interview, logger),
		shelf:     NewShelf(page, cfg, logger),
	}, nil
}

func (d *Driver) Interview() auth.Interview { return d.interview }

func (d *Driver) Shelf() catalog.Shelf { return d.shelf }

// CaptureRequests starts recording the page's outbound requests. Later calls
// return the same log.
func (d *Driver) CaptureRequests(ctx context.Context) observer.Feed {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.requests == nil {
		d.requests = NewRequestLog(ctx, d.page)
	}
	return d.requests
}

// Close stops request capture and shuts the browser down. It ignores the
// run's context so that it still works after an interrupt.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		if d.requests != nil {
			d.requests.Close()
		}
		d.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		d.closeErr = d.manager.Shutdown(ctx)
		d.logger.Debug("browser session released")
	})
	return d.closeErr
}
