// Package auth drives the interview-style sign-in flow of the lending
// application. The browser is reached only through the Interview capability,
// so the state machine runs unchanged against scripted fakes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"libbyfetch/internal/config"
	"libbyfetch/internal/fault"
)

// State is a node of the sign-in state machine.
type State string

const (
	StateStart                State = "Start"
	StateLocatingSignIn       State = "LocatingSignInAction"
	StateEnteringCardNumber   State = "EnteringCardNumber"
	StateEnteringPin          State = "EnteringPin"
	StateAwaitingVerification State = "AwaitingVerification"
	StateSignedIn             State = "SignedIn"
	StateFailed               State = "Failed"
)

// Prompt is the text the interview is currently showing.
type Prompt struct {
	Text string
	// Actionable reports whether an answer button was found next to the text.
	Actionable bool
}

// Interview is the browser-facing half of the sign-in flow. Every method waits
// for its element within a bound and returns an error when it never appears.
type Interview interface {
	// LocateSignIn finds the "Sign In With My Card" or "Try Again" affordance.
	LocateSignIn(ctx context.Context) (Prompt, error)
	// Activate clicks the affordance found by the last Locate/NextPrompt call.
	Activate(ctx context.Context) error
	SubmitCardNumber(ctx context.Context, card string) error
	SubmitPIN(ctx context.Context, pin string) error
	// NextPrompt waits for the next answer button and returns its prompt.
	NextPrompt(ctx context.Context) (Prompt, error)
}

// Options bound the verification loop.
type Options struct {
	MaxRetries int
	MaxSteps   int
	RetryPause time.Duration
	// OnState is called on every transition, terminal states included.
	OnState func(State)
}

// OptionsFromConfig converts interview settings.
func OptionsFromConfig(c config.InterviewConfig) Options {
	return Options{
		MaxRetries: c.MaxRetries,
		MaxSteps:   c.MaxSteps,
		RetryPause: c.GetRetryPause(),
	}
}

// Outcome is the terminal result of Run.
type Outcome struct {
	State   State
	Reason  fault.Kind
	Trace   []State
	Retries int
}

// Machine runs one sign-in attempt.
type Machine struct {
	interview  Interview
	classifier Classifier
	opts       Options
	logger     *zap.Logger
}

// NewMachine wires a machine. A nil classifier uses DefaultClassifier.
func NewMachine(interview Interview, classifier Classifier, opts Options, logger *zap.Logger) *Machine {
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.MaxSteps <= opts.MaxRetries {
		opts.MaxSteps = opts.MaxRetries + 13
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		interview:  interview,
		classifier: classifier,
		opts:       opts,
		logger:     logger.Named("auth"),
	}
}

type run struct {
	m       *Machine
	outcome Outcome
}

func (r *run) enter(s State) {
	r.outcome.State = s
	r.outcome.Trace = append(r.outcome.Trace, s)
	r.m.logger.Debug("state", zap.String("state", string(s)), zap.Int("retries", r.outcome.Retries))
	if r.m.opts.OnState != nil {
		r.m.opts.OnState(s)
	}
}

func (r *run) fail(ctx context.Context, kind fault.Kind, err error) (Outcome, error) {
	// A wait cut short by cancellation is not a UI drift.
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind = fault.KindCanceled
		err = ctxErr
	} else if errors.Is(err, context.Canceled) {
		kind = fault.KindCanceled
	}
	r.outcome.Reason = kind
	r.enter(StateFailed)
	return r.outcome, fault.New("sign in", kind, err)
}

// Run drives the interview to SignedIn or Failed. The returned error is a
// *fault.Error whenever the outcome is Failed.
func (m *Machine) Run(ctx context.Context, creds config.Credentials) (Outcome, error) {
	r := &run{m: m}
	r.enter(StateStart)

	r.enter(StateLocatingSignIn)
	landing, err := m.interview.LocateSignIn(ctx)
	if err != nil {
		return r.fail(ctx, fault.KindUITimeout, fmt.Errorf("sign-in button not found: %w", err))
	}
	if v := m.classifier.Landing(landing.Text); v.Action == Fail {
		return r.fail(ctx, v.Reason, fmt.Errorf("can't find details for library %q; confirm the library code", creds.InstitutionID))
	}
	if err := m.interview.Activate(ctx); err != nil {
		return r.fail(ctx, fault.KindUITimeout, fmt.Errorf("activating sign-in: %w", err))
	}
	m.logger.Info("starting sign in with library card", zap.String("library", creds.InstitutionID))

	r.enter(StateEnteringCardNumber)
	if err := m.interview.SubmitCardNumber(ctx, creds.CardNumber); err != nil {
		return r.fail(ctx, fault.KindUITimeout, fmt.Errorf("entering card number: %w", err))
	}
	m.logger.Info("library card number entered")

	if creds.HasPIN() {
		r.enter(StateEnteringPin)
		if err := m.interview.SubmitPIN(ctx, creds.PIN); err != nil {
			return r.fail(ctx, fault.KindUITimeout, fmt.Errorf("entering PIN: %w", err))
		}
		m.logger.Info("PIN entered")
	}

	r.enter(StateAwaitingVerification)
	for step := 1; ; step++ {
		if step > m.opts.MaxSteps {
			return r.fail(ctx, fault.KindRetriesExhausted, fmt.Errorf("no sign-in result after %d prompts", m.opts.MaxSteps))
		}

		prompt, err := m.interview.NextPrompt(ctx)
		if err != nil {
			return r.fail(ctx, fault.KindUITimeout, fmt.Errorf("login seems to have failed, verify these credentials: %s: %w", creds, err))
		}

		v := m.classifier.Verification(prompt.Text)
		m.logger.Debug("verification prompt", zap.String("text", prompt.Text), zap.Stringer("action", v.Action))

		switch v.Action {
		case Retry:
			r.outcome.Retries++
			if r.outcome.Retries > m.opts.MaxRetries {
				return r.fail(ctx, fault.KindRetriesExhausted, fmt.Errorf("giving up after %d retries", r.outcome.Retries))
			}
			m.logger.Warn("card not verified, retrying", zap.Int("retry", r.outcome.Retries), zap.Duration("pause", m.opts.RetryPause))
			if err := pause(ctx, m.opts.RetryPause); err != nil {
				return r.fail(ctx, fault.KindCanceled, err)
			}
			if err := m.interview.Activate(ctx); err != nil {
				return r.fail(ctx, fault.KindUITimeout, fmt.Errorf("activating retry: %w", err))
			}
		case Fail:
			err := fmt.Errorf("prompt %q", prompt.Text)
			if v.Reason == fault.KindCredentialsRejected {
				err = fmt.Errorf("library card (or PIN) could not be verified, confirm these credentials: %s", creds)
			}
			return r.fail(ctx, v.Reason, err)
		case Confirm:
			if err := m.interview.Activate(ctx); err != nil {
				return r.fail(ctx, fault.KindUITimeout, fmt.Errorf("activating confirmation: %w", err))
			}
		default:
			if err := m.interview.Activate(ctx); err != nil {
				return r.fail(ctx, fault.KindUITimeout, fmt.Errorf("activating continue: %w", err))
			}
			r.enter(StateSignedIn)
			m.logger.Info("sign in completed", zap.Int("retries", r.outcome.Retries))
			return r.outcome, nil
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
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
