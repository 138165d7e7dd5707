package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"libbyfetch/internal/config"
	"libbyfetch/internal/fault"
)

// scriptedInterview replays canned prompts and records every call.
type scriptedInterview struct {
	landing   string
	landErr   error
	cardErr   error
	pinErr    error
	prompts   []string
	promptErr error

	calls     []string
	card, pin string
	activated int
}

func (s *scriptedInterview) LocateSignIn(ctx context.Context) (Prompt, error) {
	s.calls = append(s.calls, "locate")
	if s.landErr != nil {
		return Prompt{}, s.landErr
	}
	return Prompt{Text: s.landing, Actionable: true}, nil
}

func (s *scriptedInterview) Activate(ctx context.Context) error {
	s.calls = append(s.calls, "activate")
	s.activated++
	return nil
}

func (s *scriptedInterview) SubmitCardNumber(ctx context.Context, card string) error {
	s.calls = append(s.calls, "card")
	s.card = card
	return s.cardErr
}

func (s *scriptedInterview) SubmitPIN(ctx context.Context, pin string) error {
	s.calls = append(s.calls, "pin")
	s.pin = pin
	return s.pinErr
}

func (s *scriptedInterview) NextPrompt(ctx context.Context) (Prompt, error) {
	s.calls = append(s.calls, "next")
	if len(s.prompts) == 0 {
		if s.promptErr != nil {
			return Prompt{}, s.promptErr
		}
		return Prompt{}, errors.New("no answer button")
	}
	p := s.prompts[0]
	s.prompts = s.prompts[1:]
	return Prompt{Text: p, Actionable: true}, nil
}

var testCreds = config.Credentials{InstitutionID: "lapl", CardNumber: "21234000111222"}

func newTestMachine(iv Interview) *Machine {
	return NewMachine(iv, nil, Options{MaxRetries: 3, MaxSteps: 16}, nil)
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func indexOf(trace []State, s State) int {
	for i, st := range trace {
		if st == s {
			return i
		}
	}
	return -1
}

func TestSignInWithoutPIN(t *testing.T) {
	iv := &scriptedInterview{
		landing: "Let's get you signed in.",
		prompts: []string{"Okay, you're all set."},
	}
	out, err := newTestMachine(iv).Run(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State != StateSignedIn {
		t.Fatalf("expected SignedIn, got %s", out.State)
	}
	if iv.card != testCreds.CardNumber {
		t.Errorf("expected card %q, got %q", testCreds.CardNumber, iv.card)
	}
	if indexOf(out.Trace, StateEnteringPin) != -1 {
		t.Errorf("expected no EnteringPin without a PIN, trace %v", out.Trace)
	}
	if indexOf(out.Trace, StateEnteringCardNumber) > indexOf(out.Trace, StateSignedIn) {
		t.Errorf("EnteringCardNumber must precede SignedIn, trace %v", out.Trace)
	}
	for _, c := range iv.calls {
		if c == "pin" {
			t.Error("SubmitPIN called without a PIN")
		}
	}
}

func TestSignInWithPIN(t *testing.T) {
	creds := testCreds
	creds.PIN = "4321"
	iv := &scriptedInterview{
		landing: "Let's get you signed in.",
		prompts: []string{"Okay, you're all set."},
	}
	out, err := newTestMachine(iv).Run(context.Background(), creds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iv.pin != "4321" {
		t.Errorf("expected PIN submitted, got %q", iv.pin)
	}
	card := indexOf(out.Trace, StateEnteringCardNumber)
	pin := indexOf(out.Trace, StateEnteringPin)
	signed := indexOf(out.Trace, StateSignedIn)
	if card < 0 || pin < 0 || signed < 0 || !(card < pin && pin < signed) {
		t.Errorf("expected card < pin < signed in trace %v", out.Trace)
	}
}

func TestTransientRetryBound(t *testing.T) {
	tests := []struct {
		transient int
		want      State
		wantKind  fault.Kind
	}{
		{0, StateSignedIn, ""},
		{1, StateSignedIn, ""},
		{3, StateSignedIn, ""},
		{4, StateFailed, fault.KindRetriesExhausted},
		{6, StateFailed, fault.KindRetriesExhausted},
	}

	for _, tt := range tests {
		t.Run(strings.Repeat("U", tt.transient), func(t *testing.T) {
			prompts := append(repeat("Unfortunately, something went wrong.", tt.transient), "Okay, done.")
			iv := &scriptedInterview{landing: "Sign in", prompts: prompts}
			out, err := newTestMachine(iv).Run(context.Background(), testCreds)

			if out.State != tt.want {
				t.Fatalf("expected %s after %d transient prompts, got %s", tt.want, tt.transient, out.State)
			}
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if out.Retries != tt.transient {
					t.Errorf("expected %d retries, got %d", tt.transient, out.Retries)
				}
				return
			}
			if !fault.Is(err, tt.wantKind) {
				t.Errorf("expected kind %s, got %v", tt.wantKind, err)
			}
			if out.Reason != tt.wantKind {
				t.Errorf("expected reason %s, got %s", tt.wantKind, out.Reason)
			}
		})
	}
}

func TestConfirmationDoesNotCountAsRetry(t *testing.T) {
	prompts := []string{
		"Unfortunately, try again.",
		"Enter your PIN on the next screen.",
		"Unfortunately, try again.",
		"Enter the code.",
		"Unfortunately, try again.",
		"Okay!",
	}
	iv := &scriptedInterview{landing: "Sign in", prompts: prompts}
	out, err := newTestMachine(iv).Run(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Retries != 3 {
		t.Errorf("expected 3 retries, got %d", out.Retries)
	}
	// landing + 6 prompts
	if iv.activated != 7 {
		t.Errorf("expected 7 activations, got %d", iv.activated)
	}
}

func TestConfirmationLoopIsBounded(t *testing.T) {
	iv := &scriptedInterview{landing: "Sign in", prompts: repeat("Enter again", 100)}
	m := NewMachine(iv, nil, Options{MaxRetries: 3, MaxSteps: 5}, nil)
	out, err := m.Run(context.Background(), testCreds)
	if !fault.Is(err, fault.KindRetriesExhausted) {
		t.Fatalf("expected retries-exhausted, got %v", err)
	}
	if out.State != StateFailed {
		t.Errorf("expected Failed, got %s", out.State)
	}
	if len(iv.prompts) != 95 {
		t.Errorf("expected 5 prompts consumed, %d left", len(iv.prompts))
	}
}

func TestUnknownInstitution(t *testing.T) {
	iv := &scriptedInterview{landing: "Sorry, we couldn't find details about this library."}
	out, err := newTestMachine(iv).Run(context.Background(), testCreds)
	if !fault.Is(err, fault.KindUnknownInstitution) {
		t.Fatalf("expected unknown-institution, got %v", err)
	}
	if iv.activated != 0 {
		t.Error("sign-in affordance must not be activated for an unknown institution")
	}
	if indexOf(out.Trace, StateEnteringCardNumber) != -1 {
		t.Errorf("unexpected card entry in trace %v", out.Trace)
	}
}

func TestCredentialsRejected(t *testing.T) {
	creds := testCreds
	creds.PIN = "9999"
	iv := &scriptedInterview{landing: "Sign in", prompts: []string{"We could not verify your card."}}
	out, err := newTestMachine(iv).Run(context.Background(), creds)
	if !fault.Is(err, fault.KindCredentialsRejected) {
		t.Fatalf("expected credentials-rejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "lapl,21234000111222,9999") {
		t.Errorf("expected credentials in message, got %q", err.Error())
	}
	if out.Reason != fault.KindCredentialsRejected {
		t.Errorf("unexpected reason %s", out.Reason)
	}
}

func TestUITimeouts(t *testing.T) {
	timeout := errors.New("element not found")
	withPIN := testCreds
	withPIN.PIN = "1"

	tests := []struct {
		name  string
		iv    *scriptedInterview
		creds config.Credentials
	}{
		{"sign-in button", &scriptedInterview{landErr: timeout}, testCreds},
		{"card field", &scriptedInterview{landing: "x", cardErr: timeout}, testCreds},
		{"pin field", &scriptedInterview{landing: "x", pinErr: timeout}, withPIN},
		{"next prompt", &scriptedInterview{landing: "x", promptErr: timeout}, testCreds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newTestMachine(tt.iv).Run(context.Background(), tt.creds)
			if !fault.Is(err, fault.KindUITimeout) {
				t.Fatalf("expected ui-timeout, got %v", err)
			}
			if !errors.Is(err, timeout) {
				t.Errorf("expected underlying error to be wrapped, got %v", err)
			}
			if out.State != StateFailed {
				t.Errorf("expected Failed, got %s", out.State)
			}
		})
	}
}

func TestCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	iv := &scriptedInterview{landErr: context.Canceled}
	_, err := newTestMachine(iv).Run(ctx, testCreds)
	if !fault.Is(err, fault.KindCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if fault.ExitCode(err) != fault.ExitInterrupted {
		t.Errorf("expected exit %d, got %d", fault.ExitInterrupted, fault.ExitCode(err))
	}
}

func TestOnStateObservesTrace(t *testing.T) {
	var seen []State
	iv := &scriptedInterview{landing: "x", prompts: []string{"Okay"}}
	m := NewMachine(iv, nil, Options{MaxRetries: 3, MaxSteps: 16, OnState: func(s State) { seen = append(seen, s) }}, nil)
	out, err := m.Run(context.Background(), testCreds)
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != len(out.Trace) {
		t.Fatalf("expected %d observed states, got %d", len(out.Trace), len(seen))
	}
	if seen[0] != StateStart || seen[len(seen)-1] != StateSignedIn {
		t.Errorf("unexpected observed states %v", seen)
	}
}
