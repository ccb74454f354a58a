package core

import "fmt"

// ErrorKind classifies expected failures at the broker boundary.
type ErrorKind string

const (
	KindValidation   ErrorKind = "VALIDATION"
	KindState        ErrorKind = "STATE"
	KindBudget       ErrorKind = "BUDGET"
	KindVerification ErrorKind = "VERIFICATION"
	KindSettlement   ErrorKind = "SETTLEMENT"
	KindTimeout      ErrorKind = "TIMEOUT"
	KindTransport    ErrorKind = "TRANSPORT"
	KindInfra        ErrorKind = "INFRA"
)

// Error carries a kind alongside the message so adapters can map failures
// to status codes without string matching.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a kinded error.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to INFRA.
func KindOf(err error) ErrorKind {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			return ce.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindInfra
}
