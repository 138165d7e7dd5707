package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"libbyfetch/internal/auth"
	"libbyfetch/internal/config"
)

// Selectors of the lending application's sign-in interview.
const (
	signInXPath    = `//button[contains(@class, 'interview-answer-action') and contains(@class, 'halo') and .//span[@role='text' and (text()='Sign In With My Card' or text()='Try Again')]]`
	answerXPath    = `//button[contains(@class, 'interview-answer-action') and contains(@class, 'halo') and span[contains(@class, 'interview-answer-action-flex')] and .//span[@role='text']]`
	cardInputXPath = `//input[@class='shibui-form-input-control shibui-form-field-control' and @placeholder='card number']`
	pinInputSel    = "#shibui-form-input-control-0002"
	promptSel      = ".interview-episode-say span"
)

// Interview implements auth.Interview on a rod page.
type Interview struct {
	page    *rod.Page
	cfg     config.InterviewConfig
	logger  *zap.Logger
	current *rod.Element
}

func NewInterview(page *rod.Page, cfg config.InterviewConfig, logger *zap.Logger) *Interview {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interview{page: page, cfg: cfg, logger: logger.Named("interview")}
}

var _ auth.Interview = (*Interview)(nil)

func (iv *Interview) LocateSignIn(ctx context.Context) (auth.Prompt, error) {
	return iv.locate(ctx, signInXPath, iv.cfg.GetSignInTimeout())
}

func (iv *Interview) NextPrompt(ctx context.Context) (auth.Prompt, error) {
	return iv.locate(ctx, answerXPath, iv.cfg.GetPromptTimeout())
}

// locate waits for a clickable answer button and reads the prompt beside it.
func (iv *Interview) locate(ctx context.Context, xpath string, timeout time.Duration) (auth.Prompt, error) {
	iv.current = nil

	el, err := iv.page.Context(ctx).Timeout(timeout).ElementX(xpath)
	if err != nil {
		return auth.Prompt{}, fmt.Errorf("answer button not found within %s: %w", timeout, err)
	}
	el = el.CancelTimeout()
	if err := el.Timeout(timeout).WaitVisible(); err != nil {
		return auth.Prompt{}, fmt.Errorf("answer button not visible: %w", err)
	}
	iv.current = el

	text, err := iv.promptText(ctx)
	if err != nil {
		return auth.Prompt{}, err
	}
	iv.logger.Debug("prompt", zap.String("text", text))
	return auth.Prompt{Text: text, Actionable: true}, nil
}

func (iv *Interview) promptText(ctx context.Context) (string, error) {
	el, err := iv.page.Context(ctx).Timeout(iv.cfg.GetFieldTimeout()).Element(promptSel)
	if err != nil {
		return "", fmt.Errorf("prompt text not found: %w", err)
	}
	text, err := el.CancelTimeout().Text()
	if err != nil {
		return "", fmt.Errorf("reading prompt text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (iv *Interview) Activate(ctx context.Context) error {
	if iv.current == nil {
		return errors.New("no answer button located")
	}
	return iv.current.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (iv *Interview) SubmitCardNumber(ctx context.Context, card string) error {
	el, err := iv.page.Context(ctx).Timeout(iv.cfg.GetFieldTimeout()).ElementX(cardInputXPath)
	if err != nil {
		return fmt.Errorf("card number field not found: %w", err)
	}
	return iv.submit(ctx, el.CancelTimeout(), card)
}

func (iv *Interview) SubmitPIN(ctx context.Context, pin string) error {
	el, err := iv.page.Context(ctx).Timeout(iv.cfg.GetFieldTimeout()).Element(pinInputSel)
	if err != nil {
		return fmt.Errorf("PIN field not found: %w", err)
	}
	el = el.CancelTimeout()
	if err := el.Timeout(iv.cfg.GetFieldTimeout()).WaitVisible(); err != nil {
		return fmt.Errorf("PIN field not visible: %w", err)
	}
	return iv.submit(ctx, el, pin)
}

// submit types value, lets the form settle, then presses Enter.
func (iv *Interview) submit(ctx context.Context, el *rod.Element, value string) error {
	el = el.Context(ctx)
	if err := el.Input(value); err != nil {
		return fmt.Errorf("typing into field: %w", err)
	}
	if err := sleep(ctx, iv.cfg.GetSettleDelay()); err != nil {
		return err
	}
	if err := el.Type(input.Enter); err != nil {
		return fmt.Errorf("submitting field: %w", err)
	}
	return sleep(ctx, iv.cfg.GetSettleDelay())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
