// Package errs defines the failure taxonomy shared by every fetch, probe and
// submit operation of the observer.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in this module
	KindUnknown Kind = iota
	// KindTransient covers timeouts and refused connections
	KindTransient
	// KindNotFound means the operation targeted an id absent from the current snapshot
	KindNotFound
	// KindValidation means caller input or a remote payload was malformed
	KindValidation
	// KindRemoteRejected means the remote endpoint answered with an explicit failure
	KindRemoteRejected
	// KindChannelExhausted means the live channel used up its reconnect budget
	KindChannelExhausted
)

// String returns the name of the kind
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindChannelExhausted:
		return "channel_exhausted"
	default:
		return "unknown"
	}
}

// Error is a classified failure
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

func Transient(op string, cause error) *Error {
	return New(KindTransient, op, "network failure", cause)
}

func NotFound(op, id string) *Error {
	return New(KindNotFound, op, fmt.Sprintf("node %q not found", id), nil)
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

func RemoteRejected(op, message string) *Error {
	return New(KindRemoteRejected, op, message, nil)
}

func ChannelExhausted(attempts int, cause error) *Error {
	return New(KindChannelExhausted, "live", fmt.Sprintf("gave up after %d reconnect attempts", attempts), cause)
}

// KindOf extracts the kind of err. Unclassified timeouts and network errors
// are reported as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify wraps a raw transport error as transient unless it is already
// classified. Context cancellation is passed through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(op, err)
}
