package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zombor/receipt-ingest/internal/expense"
	"github.com/zombor/receipt-ingest/internal/gateway"
)

// Pipeline error kinds. Concrete failures are *Error or *ValidationError values
// that match one of these with errors.Is.
var (
	ErrDraftCreationFailed   = errors.New("draft creation failed")
	ErrInvalidUploadInput    = errors.New("invalid upload input")
	ErrUploadTransportFailed = errors.New("receipt upload failed")
	ErrExtractionNotReady    = expense.ErrNotReady
	ErrExtractionQueryFailed = errors.New("extraction query failed")
	ErrExtractionTimeout     = errors.New("extraction polling budget exhausted")
	ErrValidationFailed      = errors.New("validation failed")
	ErrSubmissionFailed      = errors.New("submission failed")

	ErrNoDraft           = errors.New("no draft")
	ErrFormBusy          = errors.New("form is busy")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrAlreadySubmitted  = errors.New("expense already submitted")
	ErrSessionClosed     = errors.New("session closed")
)

// Error is a pipeline failure with a message fit for the user
type Error struct {
	Kind        error  // one of the Err* kinds above
	Op          string // operation that failed, e.g. "upload"
	StatusCode  int    // HTTP status when the backend answered
	UserMessage string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether repeating the user action may succeed
func (e *Error) Retryable() bool {
	if errors.Is(e.Kind, ErrInvalidUploadInput) || errors.Is(e.Kind, ErrValidationFailed) {
		return false
	}
	var gerr *gateway.Error
	if errors.As(e.Err, &gerr) {
		return gerr.Retryable()
	}
	return true
}

// newError wraps cause as a pipeline failure of the given kind
func newError(kind error, op, userMessage string, cause error) *Error {
	return &Error{
		Kind:        kind,
		Op:          op,
		StatusCode:  gateway.StatusCode(cause),
		UserMessage: userMessage,
		Err:         cause,
	}
}

// ValidationError lists per-field problems found before any network call
type ValidationError struct {
	Fields map[string]string // field name -> message
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is matches ErrValidationFailed
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// UserMessage returns actionable text for err, never a raw backend payload
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return "Please fix the highlighted fields."
	}
	var perr *Error
	if errors.As(err, &perr) && perr.UserMessage != "" {
		return perr.UserMessage
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "Cancelled."
	case errors.Is(err, ErrFormBusy):
		return "Please wait for the receipt to finish processing."
	case errors.Is(err, ErrAlreadySubmitted):
		return "This expense has already been submitted."
	}
	return "Something went wrong. Please try again."
}

// transportMessage describes a backend failure in user terms
func transportMessage(action string, err error) string {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		return fmt.Sprintf("Could not %s. Please try again.", action)
	}
	switch gerr.Kind {
	case gateway.KindTimeout:
		return fmt.Sprintf("Could not %s: the server took too long to answer. Please try again.", action)
	case gateway.KindNetwork:
		return fmt.Sprintf("Could not %s: check your connection and try again.", action)
	case gateway.KindServer:
		return fmt.Sprintf("Could not %s: the server had a problem. Please try again later.", action)
	}
	if gerr.StatusCode == 413 {
		return fmt.Sprintf("Could not %s: the file is too large.", action)
	}
	return fmt.Sprintf("Could not %s: the request was rejected (status %d).", action, gerr.StatusCode)
}
