package domain

import "errors"

// Code is a machine-readable error kind.
type Code string

const (
	CodeInvalidSession          Code = "INVALID_SESSION"
	CodeUnknownCustomization    Code = "UNKNOWN_CUSTOMIZATION"
	CodeLineItemNotFound        Code = "LINE_ITEM_NOT_FOUND"
	CodeEmptyCart               Code = "EMPTY_CART"
	CodePriceDiscrepancy        Code = "PRICE_DISCREPANCY"
	CodeTransientStorageFailure Code = "TRANSIENT_STORAGE_FAILURE"
	CodeDurableWriteFailure     Code = "DURABLE_WRITE_FAILURE"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidArgument         Code = "INVALID_ARGUMENT"
)

// Error is the engine's error type. Two errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidSession          = New(CodeInvalidSession, "invalid session")
	ErrUnknownCustomization    = New(CodeUnknownCustomization, "unknown customization")
	ErrLineItemNotFound        = New(CodeLineItemNotFound, "line item not found")
	ErrEmptyCart               = New(CodeEmptyCart, "cart is empty")
	ErrPriceDiscrepancy        = New(CodePriceDiscrepancy, "price discrepancy")
	ErrTransientStorageFailure = New(CodeTransientStorageFailure, "storage temporarily unavailable")
	ErrDurableWriteFailure     = New(CodeDurableWriteFailure, "durable write rejected")
	ErrNotFound                = New(CodeNotFound, "not found")
	ErrInvalidArgument         = New(CodeInvalidArgument, "invalid argument")
)

// CodeOf extracts the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrorClass groups codes the way the HTTP layer reports them.
type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassValidation ErrorClass = "validation"
	ClassNotFound   ErrorClass = "not_found"
	ClassTransient  ErrorClass = "transient"
	ClassDurable    ErrorClass = "durable"
	ClassInternal   ErrorClass = "internal"
)

func Class(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	switch CodeOf(err) {
	case CodeInvalidSession, CodeUnknownCustomization, CodeLineItemNotFound, CodeEmptyCart, CodeInvalidArgument:
		return ClassValidation
	case CodeNotFound:
		return ClassNotFound
	case CodeTransientStorageFailure:
		return ClassTransient
	case CodeDurableWriteFailure:
		return ClassDurable
	default:
		return ClassInternal
	}
}

// Retryable is true only for transient storage failures.
func Retryable(err error) bool {
	return Class(err) == ClassTransient
}
