package modem

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a modem client failure for retry decisions.
type ErrorKind string

const (
	// ErrKindCircuitOpen means the call was rejected without I/O.
	ErrKindCircuitOpen ErrorKind = "circuit-open"
	// ErrKindHTTP covers transport failures and non-2xx responses.
	ErrKindHTTP ErrorKind = "http"
	// ErrKindTimeout means the 10s per-call deadline elapsed.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindParse means the response body was not the expected XML.
	ErrKindParse ErrorKind = "parse"
	// ErrKindModem is an application-level numeric error code.
	ErrKindModem ErrorKind = "modem-code"
)

// Modem application codes with defined handling.
const (
	CodeSMSBusy            = 113
	CodeSMSBoxFull         = 114
	CodeNetworkError       = 115
	CodeInvalidPhoneNumber = 117
	CodeNetworkUnavailable = 118
)

// Error is the single error type returned by all Client operations.
type Error struct {
	Kind ErrorKind
	// Code holds the modem application code for ErrKindModem, or the
	// HTTP status for ErrKindHTTP when a response was received.
	Code int
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrKindModem:
		return fmt.Sprintf("modem %s: modem code %d", e.Op, e.Code)
	case ErrKindHTTP:
		if e.Code != 0 {
			return fmt.Sprintf("modem %s: http status %d", e.Op, e.Code)
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("modem %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("modem %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher should retry the send
// against its attempt budget. Circuit-open is handled separately
// (snoozed, not retried-against-budget).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrKindHTTP:
		// 4xx means the modem received and refused the request;
		// retrying cannot change the outcome. 5xx and transport
		// failures (Code 0) may clear up.
		if e.Code >= 400 && e.Code < 500 {
			return false
		}
		return true
	case ErrKindTimeout:
		return true
	case ErrKindParse, ErrKindCircuitOpen:
		return false
	case ErrKindModem:
		switch e.Code {
		case CodeSMSBoxFull, CodeInvalidPhoneNumber:
			return false
		default:
			return true
		}
	}
	return false
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == ErrKindCircuitOpen
}
