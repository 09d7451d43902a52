// Package classify implements the retry classifier (C6): every failure
// raised anywhere in the pipeline carries a stable error code and a
// Transient/Permanent classification that the orchestrator uses to decide
// tag repair and note content.
package classify

import (
	"context"
	"errors"
	"fmt"
)

// Classification is the two-branch outcome of classifying a failure.
// Cancellation is deliberately not a Classification value — it is
// propagated unchanged per spec.
type Classification int

const (
	Transient Classification = iota
	Permanent
)

func (c Classification) String() string {
	if c == Transient {
		return "Transient"
	}
	return "Permanent"
}

// Code is a closed enum of stable, operator-facing error codes.
type Code string

const (
	CodeTmsAuth               Code = "TmsAuth"
	CodeTmsNotFound           Code = "TmsNotFound"
	CodeTmsServer             Code = "TmsServer"
	CodeTmsTimeout            Code = "TmsTimeout"
	CodeSnapshot              Code = "Snapshot"
	CodeRender                Code = "Render"
	CodeArticleLimitExceeded  Code = "ArticleLimitExceeded"
	CodeSigningMaterial       Code = "SigningMaterial"
	CodeSigningFailed         Code = "SigningFailed"
	CodeTsaTimeout            Code = "TsaTimeout"
	CodeTsaBadResponse        Code = "TsaBadResponse"
	CodeTsaMisconfigured      Code = "TsaMisconfigured"
	CodePathPolicy            Code = "PathPolicy"
	CodeStorage               Code = "Storage"
	CodeUnknown               Code = "Unknown"
	CodeCancelled             Code = "Cancelled"
)

// hints gives a short operator-facing explanation per code. Used when
// building error notes; never wraps raw internal error text.
var hints = map[Code]string{
	CodeTmsAuth:              "check the configured TMS token/credentials",
	CodeTmsNotFound:          "the ticket, tag, or article no longer exists in the TMS",
	CodeTmsServer:            "the TMS returned a server error; retry is expected to succeed",
	CodeTmsTimeout:           "the TMS did not respond within the configured timeout",
	CodeSnapshot:             "the ticket payload could not be normalised into a snapshot",
	CodeRender:               "PDF rendering failed",
	CodeArticleLimitExceeded: "the ticket has more articles than the configured limit allows",
	CodeSigningMaterial:      "signing material is missing, expired, or misconfigured",
	CodeSigningFailed:        "applying the PAdES signature failed",
	CodeTsaTimeout:           "the timestamp authority did not respond within the configured timeout",
	CodeTsaBadResponse:       "the timestamp authority returned a malformed or unexpected response",
	CodeTsaMisconfigured:     "the timestamp authority credentials are partially configured",
	CodePathPolicy:           "the resolved archive path violates the path policy",
	CodeStorage:              "writing to the storage root failed",
	CodeUnknown:              "an unclassified failure occurred",
	CodeCancelled:            "the job was cancelled",
}

// Hint returns the operator-facing explanation for a code.
func Hint(code Code) string {
	if h, ok := hints[code]; ok {
		return h
	}
	return hints[CodeUnknown]
}

// Error is the typed failure value every component in this repository
// raises instead of an ad-hoc error string. The orchestrator is the only
// place that reads Classification and Code; everywhere else it is just an
// error.
type Error struct {
	Classification Classification
	Code           Code
	Message        string
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewPermanent builds a Permanent-classified error.
func NewPermanent(code Code, message string) *Error {
	return &Error{Classification: Permanent, Code: code, Message: message}
}

// NewTransient builds a Transient-classified error.
func NewTransient(code Code, message string) *Error {
	return &Error{Classification: Transient, Code: code, Message: message}
}

// WrapPermanent builds a Permanent-classified error wrapping a cause.
func WrapPermanent(code Code, message string, err error) *Error {
	return &Error{Classification: Permanent, Code: code, Message: message, Err: err}
}

// WrapTransient builds a Transient-classified error wrapping a cause.
func WrapTransient(code Code, message string, err error) *Error {
	return &Error{Classification: Transient, Code: code, Message: message, Err: err}
}

// ErrCancelled is a sentinel for cancelled work. Classify does not return
// it: for context cancellation and deadline errors it reports
// CodeCancelled with ok=false, which callers must check before consulting
// Classification.
var ErrCancelled = errors.New("classify: cancelled")

// Classify maps a raised failure to a Classification and Code. Cancellation
// is special-cased: it returns ok=false so callers re-propagate instead of
// treating it as Transient or Permanent.
func Classify(err error) (classification Classification, code Code, ok bool) {
	if err == nil {
		return Permanent, CodeUnknown, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent, CodeCancelled, false
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Classification, classified.Code, true
	}

	return Permanent, CodeUnknown, true
}

// IsCancelled reports whether err represents job cancellation rather than
// a classifiable failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
