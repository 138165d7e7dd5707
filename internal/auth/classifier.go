package auth

import (
	"strings"

	"libbyfetch/internal/fault"
)

// Action is what the machine should do in response to a prompt.
type Action int

const (
	// Advance activates the continue affordance and finishes the interview.
	Advance Action = iota
	// Confirm activates the continue affordance and waits for another prompt.
	Confirm
	// Retry pauses, re-triggers the retry affordance and counts toward the retry bound.
	Retry
	// Fail ends the interview with Verdict.Reason.
	Fail
)

func (a Action) String() string {
	switch a {
	case Advance:
		return "advance"
	case Confirm:
		return "confirm"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Verdict is the classification of one prompt.
type Verdict struct {
	Action Action
	Reason fault.Kind
}

// Classifier maps on-screen prompt text to a verdict. The landing prompt is
// classified before the sign-in affordance is activated; every later prompt
// goes through Verification.
type Classifier interface {
	Landing(text string) Verdict
	Verification(text string) Verdict
}

// TextClassifier matches prompts by prefix and suffix.
type TextClassifier struct {
	UnknownInstitutionSuffix string
	RetryPrefix              string
	RejectedPrefix           string
	ConfirmPrefix            string
}

// DefaultClassifier returns the phrases the lending application currently shows.
func DefaultClassifier() TextClassifier {
	return TextClassifier{
		UnknownInstitutionSuffix: "details about this library.",
		RetryPrefix:              "Unfortunately",
		RejectedPrefix:           "We could not verify",
		ConfirmPrefix:            "Enter",
	}
}

func (c TextClassifier) Landing(text string) Verdict {
	text = strings.TrimSpace(text)
	if c.UnknownInstitutionSuffix != "" && strings.HasSuffix(text, c.UnknownInstitutionSuffix) {
		return Verdict{Action: Fail, Reason: fault.KindUnknownInstitution}
	}
	return Verdict{Action: Advance}
}

func (c TextClassifier) Verification(text string) Verdict {
	text = strings.TrimSpace(text)
	switch {
	case c.RetryPrefix != "" && strings.HasPrefix(text, c.RetryPrefix):
		return Verdict{Action: Retry}
	case c.RejectedPrefix != "" && strings.HasPrefix(text, c.RejectedPrefix):
		return Verdict{Action: Fail, Reason: fault.KindCredentialsRejected}
	case c.ConfirmPrefix != "" && strings.HasPrefix(text, c.ConfirmPrefix):
		return Verdict{Action: Confirm}
	default:
		return Verdict{Action: Advance}
	}
}
