package processor

import (
	"errors"
	"fmt"
)

var (
	// ErrExhausted matches any error returned when every resolution path failed.
	ErrExhausted = errors.New("resolution exhausted")
	// ErrUnknownDepot is returned by UseDepot for names not in the registry.
	ErrUnknownDepot = errors.New("unknown depot")
	// ErrInvalidURL is returned by New for URLs that cannot be archived.
	ErrInvalidURL = errors.New("invalid url")
	// ErrAlreadyProcessed is returned when Process runs twice on one Processor.
	ErrAlreadyProcessed = errors.New("processor already ran")
	// ErrStatusChecksExhausted is returned when a submitter stays pending past
	// the configured number of status checks.
	ErrStatusChecksExhausted = errors.New("status checks exhausted")
)

// Kind classifies where a resolution step failed.
type Kind string

// Failure kinds.
const (
	KindDepotUnavailable  Kind = "depot_unavailable"
	KindDepotMiss         Kind = "depot_miss"
	KindMalformedResponse Kind = "malformed_response"
	KindSubmissionFailure Kind = "submission_failure"
	KindExhausted         Kind = "exhausted"
)

// UnknownCode marks failures without an HTTP status, such as transport errors.
const UnknownCode = -1

// Error is a classified resolution failure. Code is HTTP-status-like, or
// UnknownCode.
type Error struct {
	Kind Kind
	Code int
	URL  string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.Code != UnknownCode {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrExhausted) match exhausted resolutions.
func (e *Error) Is(target error) bool {
	return target == ErrExhausted && e.Kind == KindExhausted
}

// Escalates reports whether the failure suggests the URL is simply not
// archived yet, which is the only reason to submit it.
func (e *Error) Escalates() bool {
	return e.Code >= 300 && e.Code < 500
}

// CodeOf returns the classification code carried by err, or UnknownCode.
func CodeOf(err error) int {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return UnknownCode
}

// KindOf returns the Kind carried by err, or the empty Kind.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
