package run

import (
	"errors"
	"fmt"
)

// Failure kinds. Every terminal error of a run wraps exactly one of these.
var (
	ErrPrecondition    = errors.New("precondition failure")
	ErrAuthentication  = errors.New("authentication failure")
	ErrNavigation      = errors.New("navigation failure")
	ErrResolution      = errors.New("resolution failure")
	ErrDownloadTimeout = errors.New("download timeout")
	ErrPersistence     = errors.New("persistence failure")
)

// Login failure reasons.
const (
	ReasonLoginUnreachable = "login-page-unreachable"
	ReasonFieldNotFound    = "field-not-found"
	ReasonSubmitNotFound   = "submit-not-found"
	ReasonChallenge        = "challenge-detected"
	ReasonRejected         = "rejected"
	ReasonStillOnLogin     = "still-on-login"
)

// Export failure reasons.
const (
	ReasonViewUnreachable   = "view-unreachable"
	ReasonTriggerNotFound   = "trigger-not-found"
	ReasonModalUnresolvable = "modal-unresolvable"
	ReasonTimedOut          = "timed-out"
	ReasonWriteFailed       = "write-failed"
)

// Precondition failure reasons.
const (
	ReasonMissingCredential  = "missing-credentials"
	ReasonBrowserUnavailable = "browser-unavailable"
	ReasonInvalidConfig      = "invalid-config"
)

// Error is a terminal run failure: a kind sentinel, a short machine-readable
// reason and the underlying cause, if any.
type Error struct {
	Kind   error
	Reason string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fail builds an Error of the given kind.
func Fail(kind error, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// Failf builds an Error with a formatted detail string.
func Failf(kind error, reason string, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reason of the outermost run.Error in err's chain.
func ReasonOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// ExitCode maps a run error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrAuthentication):
		return 2
	case errors.Is(err, ErrNavigation):
		return 3
	case errors.Is(err, ErrResolution):
		return 4
	case errors.Is(err, ErrDownloadTimeout):
		return 5
	case errors.Is(err, ErrPersistence):
		return 6
	default:
		return 1
	}
}
