// Package fault classifies the fatal conditions a fetch run can end in and maps
// them to process exit codes.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a coarse-grained categorization for fatal errors.
type Kind string

const (
	KindConfig              Kind = "config"
	KindUITimeout           Kind = "ui-timeout"
	KindCredentialsRejected Kind = "credentials-rejected"
	KindRetriesExhausted    Kind = "retries-exhausted"
	KindUnknownInstitution  Kind = "unknown-institution"
	KindSelection           Kind = "selection"
	KindObserverTimeout     Kind = "observer-timeout"
	KindTransport           Kind = "transport"
	KindArchive             Kind = "archive"
	KindCanceled            Kind = "canceled"
	KindUnclassified        Kind = "unclassified"
)

// Exit codes returned by the CLI for each kind.
const (
	ExitOK                  = 0
	ExitUnclassified        = 1
	ExitConfig              = 2
	ExitUITimeout           = 3
	ExitCredentialsRejected = 4
	ExitRetriesExhausted    = 5
	ExitUnknownInstitution  = 6
	ExitSelection           = 7
	ExitObserverTimeout     = 8
	ExitTransport           = 9
	ExitArchive             = 10
	ExitInterrupted         = 130
)

var exitCodes = map[Kind]int{
	KindConfig:              ExitConfig,
	KindUITimeout:           ExitUITimeout,
	KindCredentialsRejected: ExitCredentialsRejected,
	KindRetriesExhausted:    ExitRetriesExhausted,
	KindUnknownInstitution:  ExitUnknownInstitution,
	KindSelection:           ExitSelection,
	KindObserverTimeout:     ExitObserverTimeout,
	KindTransport:           ExitTransport,
	KindArchive:             ExitArchive,
	KindCanceled:            ExitInterrupted,
	KindUnclassified:        ExitUnclassified,
}

// Error wraps an underlying error with operation context and a kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds a classified error.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain.
// Context cancellation is reported as KindCanceled even when unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnclassified
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if code, ok := exitCodes[KindOf(err)]; ok {
		return code
	}
	return ExitUnclassified
}
