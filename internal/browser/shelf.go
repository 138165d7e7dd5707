package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"libbyfetch/internal/catalog"
	"libbyfetch/internal/config"
)

const (
	shelfHeadingSel = ".screen-shelf-collation-heading"
	titleTileSel    = ".title-tile"
	tileTitleSel    = ".title-tile-title"
	openButtonXPath = `.//button[span[text()='Open Audiobook']]`
)

// Shelf implements catalog.Shelf on the loans page. Entry handles are tile
// positions from the most recent List.
type Shelf struct {
	page    *rod.Page
	library config.LibraryConfig
	nav     config.BrowserConfig
	field   config.InterviewConfig
	logger  *zap.Logger
	tiles   rod.Elements
}

func NewShelf(page *rod.Page, cfg config.Config, logger *zap.Logger) *Shelf {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shelf{
		page:    page,
		library: cfg.Library,
		nav:     cfg.Browser,
		field:   cfg.Interview,
		logger:  logger.Named("shelf"),
	}
}

var _ catalog.Shelf = (*Shelf)(nil)

// List opens the audiobook loans page and reads every title tile.
func (s *Shelf) List(ctx context.Context) ([]catalog.Entry, error) {
	page := s.page.Context(ctx)
	if err := page.Timeout(s.nav.NavigationTimeout()).Navigate(s.library.LoansURL()); err != nil {
		return nil, fmt.Errorf("navigate to loans: %w", err)
	}

	// The heading is present long before it becomes visible because of a
	// fade-in, so wait for presence and then a fixed settle delay.
	if _, err := page.Timeout(s.library.GetShelfTimeout()).Element(shelfHeadingSel); err != nil {
		return nil, fmt.Errorf("loans page seems to not have loaded: %w", err)
	}
	if err := sleep(ctx, s.library.GetShelfSettle()); err != nil {
		return nil, err
	}
	s.logger.Info("loans page loaded")

	tiles, err := page.Elements(titleTileSel)
	if err != nil {
		return nil, fmt.Errorf("listing title tiles: %w", err)
	}
	s.tiles = tiles

	entries := make([]catalog.Entry, 0, len(tiles))
	for i, tile := range tiles {
		title := ""
		if els, err := tile.Elements(tileTitleSel); err == nil && len(els) > 0 {
			if text, err := els.First().Text(); err == nil {
				title = strings.TrimSpace(text)
			}
		}
		entries = append(entries, catalog.Entry{Title: title, Handle: i})
	}
	return entries, nil
}

// Open clicks the "Open Audiobook" button of the chosen tile.
func (s *Shelf) Open(ctx context.Context, e catalog.Entry) error {
	if e.Handle < 0 || e.Handle >= len(s.tiles) {
		return fmt.Errorf("no title tile at position %d", e.Handle)
	}
	btn, err := s.tiles[e.Handle].Context(ctx).Timeout(s.field.GetFieldTimeout()).ElementX(openButtonXPath)
	if err != nil {
		return fmt.Errorf("open button not found for %q: %w", e.Title, err)
	}
	if err := btn.CancelTimeout().Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("opening %q: %w", e.Title, err)
	}
	s.logger.Info("opening audiobook", zap.String("title", e.Title))
	return nil
}
