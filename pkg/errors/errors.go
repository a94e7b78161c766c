package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	// CodeAuthInvalid marks credential-level failures. These are fatal for
	// the whole run and must never be retried with the same credentials.
	CodeAuthInvalid Code = "AUTH_INVALID"
	// CodeTransient marks network errors and provider 5xx responses.
	CodeTransient Code = "TRANSIENT"
	// CodeRateLimited marks provider throttling responses.
	CodeRateLimited Code = "RATE_LIMITED"
	// CodeValidation marks malformed or business-rule-rejected requests.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeDeclined marks a declined charge against a vaulted card.
	CodeDeclined Code = "CARD_DECLINED"
	// CodeLocalData marks unusable local state (missing vault row,
	// un-reconstructable expiry). The owning subscription is skipped.
	CodeLocalData Code = "LOCAL_DATA_ERROR"
	CodeNotFound  Code = "NOT_FOUND"
	CodeConflict  Code = "CONFLICT"
	CodeInternal  Code = "INTERNAL_ERROR"
)

type Metadata struct {
	// Retryable reports whether the failed call may be replayed.
	Retryable bool
	// Fatal reports whether the error poisons the whole batch run.
	Fatal bool
	// OperatorAlert reports whether an operator should be paged.
	OperatorAlert bool
}

var metadataByCode = map[Code]Metadata{
	CodeAuthInvalid: {Retryable: false, Fatal: true, OperatorAlert: true},
	CodeTransient:   {Retryable: true},
	CodeRateLimited: {Retryable: true},
	CodeValidation:  {Retryable: false, OperatorAlert: true},
	CodeDeclined:    {Retryable: false},
	CodeLocalData:   {Retryable: false, OperatorAlert: true},
	CodeNotFound:    {Retryable: false},
	CodeConflict:    {Retryable: false},
	CodeInternal:    {Retryable: false},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	debugID string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// DebugID returns the provider-issued correlation id, when present.
func (e *Error) DebugID() string {
	if e == nil {
		return ""
	}
	return e.debugID
}

// WithDebugID attaches the provider debug id so batch logs stay actionable.
func (e *Error) WithDebugID(debugID string) *Error {
	if e == nil {
		return nil
	}
	e.debugID = debugID
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.debugID != "" {
		return fmt.Sprintf("%s: %s (debug_id=%s)", e.code, e.message, e.debugID)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf extracts the taxonomy code, defaulting to CodeInternal for
// untyped errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// IsFatal reports whether the error must abort the whole batch run.
func IsFatal(err error) bool {
	return MetadataFor(CodeOf(err)).Fatal
}

// IsRetryable reports whether the failed call may be replayed.
func IsRetryable(err error) bool {
	return MetadataFor(CodeOf(err)).Retryable
}
