package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ebfe/scard"
)

// ErrorCode classifies core errors for programmatic handling.
type ErrorCode int

// Setup errors (100-199) abort startup.
const (
	ErrCodeContext ErrorCode = iota + 100
	ErrCodeListReaders
	ErrCodeNoReaders
	ErrCodeReaderNotFound
	ErrCodeConnect
	ErrCodeContextReleased
)

// Transmit errors (200-299) are reported and the session stays usable.
const (
	ErrCodeTransmit ErrorCode = iota + 200
	ErrCodeBufferTooSmall
	ErrCodeCardRemoved
	ErrCodeTimeout
	ErrCodeSessionClosed
)

// Error carries the failed operation, the reader involved and the PC/SC
// status code reported by the subsystem, if any.
type Error struct {
	Code    ErrorCode
	Op      string // e.g. "connect", "transmit"
	Reader  string
	Status  uint32 // PC/SC status code, 0 if unknown
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Reader != "" {
		fmt.Fprintf(&sb, " (reader %q)", e.Reader)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code so errors.Is(err, ErrNoReadersAvailable) works for any
// error of that class.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrNoReadersAvailable = &Error{Code: ErrCodeNoReaders, Message: "no readers available"}
	ErrReaderNotFound     = &Error{Code: ErrCodeReaderNotFound, Message: "reader not found"}
	ErrContextReleased    = &Error{Code: ErrCodeContextReleased, Message: "context released"}
	ErrBufferTooSmall     = &Error{Code: ErrCodeBufferTooSmall, Message: "response exceeds buffer"}
	ErrCardRemoved        = &Error{Code: ErrCodeCardRemoved, Message: "card removed"}
	ErrTimeout            = &Error{Code: ErrCodeTimeout, Message: "timeout"}
	ErrSessionClosed      = &Error{Code: ErrCodeSessionClosed, Message: "session closed"}
)

// IsSetupError reports whether err is a context, reader or connect failure.
func IsSetupError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code >= 100 && e.Code < 200
}

// IsTransmitError reports whether err happened while exchanging an APDU.
func IsTransmitError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code >= 200 && e.Code < 300
}

// StatusCode extracts the PC/SC status code from err, or 0.
func StatusCode(err error) uint32 {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	var se scard.Error
	if errors.As(err, &se) {
		return uint32(se)
	}
	return 0
}

func newConnectError(reader string, cause error) *Error {
	return &Error{
		Code:    ErrCodeConnect,
		Op:      "connect",
		Reader:  reader,
		Status:  StatusCode(cause),
		Message: "failed to connect to card",
		Cause:   cause,
	}
}

func newTransmitError(reader string, cause error) *Error {
	status := StatusCode(cause)
	e := &Error{
		Code:    ErrCodeTransmit,
		Op:      "transmit",
		Reader:  reader,
		Status:  status,
		Message: "transmit failed",
		Cause:   cause,
	}
	switch scard.Error(status) {
	case scard.ErrRemovedCard, scard.ErrNoSmartcard:
		e.Code = ErrCodeCardRemoved
		e.Message = "card removed"
	case scard.ErrTimeout:
		e.Code = ErrCodeTimeout
		e.Message = "timeout"
	case scard.ErrInsufficientBuffer:
		e.Code = ErrCodeBufferTooSmall
		e.Message = "response exceeds buffer"
	}
	return e
}
