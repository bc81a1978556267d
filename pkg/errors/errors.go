// Package errors provides the balancer's application error type.
package errors

import "fmt"

// Error kinds, used as AppError.Code so callers can branch on kind
// instead of matching strings.
const (
	KindProtocol  = "PROTOCOL"
	KindAuth      = "AUTH"
	KindSelection = "SELECTION"
	KindUpstream  = "UPSTREAM"
	KindRelay     = "RELAY"
	KindProbe     = "PROBE"
	KindConfig    = "CONFIG"
)

// AppError represents an application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping another error
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err is an *AppError of the given kind.
func Is(err error, kind string) bool {
	ae, ok := err.(*AppError)
	return ok && ae.Code == kind
}
