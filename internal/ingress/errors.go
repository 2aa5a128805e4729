package ingress

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

type ErrorKind string

const (
	ErrorTimeout         ErrorKind = "timeout"
	ErrorContentFormat   ErrorKind = "content-format"
	ErrorMissingMetadata ErrorKind = "missing-metadata"
	ErrorUnauthorized    ErrorKind = "unauthorized"
	ErrorUnavailable     ErrorKind = "unavailable"
	ErrorInternal        ErrorKind = "internal"
)

// Error is a classified ingress failure. Addr is the originating address
// and never carries request parameters.
type Error struct {
	Kind ErrorKind
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		if e.Op != "" {
			return e.Op
		}
		return string(e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func wrap(kind ErrorKind, op, addr string, err error, fallback string) error {
	if err == nil {
		err = errors.New(fallback)
	}
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

func WrapTimeout(op, addr string, err error) error {
	return wrap(ErrorTimeout, op, addr, err, "no data within read timeout")
}

func WrapContentFormat(op, addr string, err error) error {
	return wrap(ErrorContentFormat, op, addr, err, "unexpected content format")
}

func WrapMissingMetadata(op, addr string, err error) error {
	return wrap(ErrorMissingMetadata, op, addr, err, "missing header field")
}

func WrapUnauthorized(op, addr string, err error) error {
	return wrap(ErrorUnauthorized, op, addr, err, "not authorized")
}

func WrapUnavailable(op, addr string, err error) error {
	return wrap(ErrorUnavailable, op, addr, err, "service unavailable")
}

func WrapInternal(op, addr string, err error) error {
	return wrap(ErrorInternal, op, addr, err, "internal error")
}

// KindOf returns the classification of err. Unclassified errors are
// internal.
func KindOf(err error) ErrorKind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorTimeout
	}
	return ErrorInternal
}

func IsTimeout(err error) bool         { return err != nil && KindOf(err) == ErrorTimeout }
func IsContentFormat(err error) bool   { return err != nil && KindOf(err) == ErrorContentFormat }
func IsMissingMetadata(err error) bool { return err != nil && KindOf(err) == ErrorMissingMetadata }
func IsUnauthorized(err error) bool    { return err != nil && KindOf(err) == ErrorUnauthorized }
func IsUnavailable(err error) bool     { return err != nil && KindOf(err) == ErrorUnavailable }

// IsProtocol reports whether err is one of the expected, client-caused
// failures that are logged as warnings rather than internal errors.
func IsProtocol(err error) bool {
	switch KindOf(err) {
	case ErrorTimeout, ErrorContentFormat, ErrorMissingMetadata, ErrorUnauthorized, ErrorUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps a failure onto the status code sent to IPP clients.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrorContentFormat:
		return http.StatusNotAcceptable
	case ErrorUnauthorized:
		return http.StatusUnauthorized
	case ErrorUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
